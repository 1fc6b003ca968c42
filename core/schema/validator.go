package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON documents against a set of JSON
// Schemas, identified by their $id.
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator creates a new Validator using schemas for the top level JSON
// schemas and refs for references used by them. Top level schemas cannot
// reference each other, only entries from refs.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schemaHeader struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		header := schemaHeader{}
		err := json.Unmarshal([]byte(str), &header)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema lacks an $id: '%s'", str)
		}
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add reference schema: %v", err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %v", header.ID, err)
		}
		validator.schemaValidators[header.ID] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if a schema with this id was loaded.
func (v *Validator) HasSchema(id string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemaValidators[id]
	return ok
}

// ValidateString validates a JSON document against the schema with the
// given id. It returns nil if the document is valid.
func (v *Validator) ValidateString(document, id string) error {
	compiled, ok := v.schemaValidators[id]
	if !ok {
		return fmt.Errorf("unknown schema %s", id)
	}
	result, err := compiled.Validate(gojsonschema.NewStringLoader(document))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	descriptions := make([]string, 0, len(result.Errors()))
	for _, resultError := range result.Errors() {
		descriptions = append(descriptions, resultError.String())
	}
	return errors.New(strings.Join(descriptions, "; "))
}
