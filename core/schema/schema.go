/*Package schema implements the per-class schema registry.

Class schemas are inferred from writes: the first write to an unseen field
registers the field with the type of the supplied value; later writes must
be compatible with the registered type. Schemas grow monotonically, fields
are never removed and types are never narrowed. The registry also holds the
class-level permits consulted by the access checker, and optionally
validates payloads against a pinned JSON Schema.
*/
package schema

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/registry"
)

// FieldType is the registered type of a class field
type FieldType string

// all field types
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeDate    FieldType = "date"
)

// Field describes a single registered field
type Field struct {
	Type FieldType `json:"type"`
}

// Class is the registered schema of one class: the inferred field map plus
// class-level permits.
type Class struct {
	Name    string           `json:"name"`
	Fields  map[string]Field `json:"fields"`
	Permits []access.Permit  `json:"permits,omitempty"`
	// SchemaID optionally pins a JSON Schema; payloads are validated
	// against it before type inference.
	SchemaID string `json:"schema_id,omitempty"`
}

// Registry tracks class schemas and evolves them on write. It is safe for
// concurrent use. With a persistence accessor, schema evolution is written
// through so inference survives restarts.
type Registry struct {
	mutex     sync.RWMutex
	classes   map[string]*Class
	persist   *registry.Accessor
	validator *Validator
}

// New creates an in-memory schema registry.
func New() *Registry {
	r := &Registry{classes: make(map[string]*Class)}
	r.defineReservedClasses()
	return r
}

// NewPersistent creates a schema registry which persists class schemas
// through the given registry accessor and loads previously persisted ones.
func NewPersistent(accessor registry.Accessor) (*Registry, error) {
	r := &Registry{classes: make(map[string]*Class), persist: &accessor}
	err := accessor.ReadAll(func(key string, rawValue json.RawMessage) error {
		class := Class{}
		if err := json.Unmarshal(rawValue, &class); err != nil {
			return err
		}
		r.classes[class.Name] = &class
		return nil
	})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot load persisted schemas")
	}
	r.defineReservedClasses()
	return r, nil
}

// WithValidator attaches a JSON Schema validator used for classes which pin
// a schema id.
func (r *Registry) WithValidator(validator *Validator) *Registry {
	r.validator = validator
	return r
}

// reserved classes exist with master-only permits; the session and user
// machinery accesses them with the master identity.
func (r *Registry) defineReservedClasses() {
	for _, name := range []string{core.ReservedClassUser, core.ReservedClassSession} {
		if _, ok := r.classes[name]; !ok {
			r.classes[name] = &Class{Name: name, Fields: map[string]Field{}}
		}
	}
}

// DefineClass registers or replaces a class definition, typically from the
// backend configuration. Already inferred fields of an existing class are
// kept; configured fields and permits win.
func (r *Registry) DefineClass(class Class) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if class.Name == "" {
		return core.Errorf(core.KindValidation, "class name must not be empty")
	}
	if class.Fields == nil {
		class.Fields = map[string]Field{}
	}
	if existing, ok := r.classes[class.Name]; ok {
		for name, field := range existing.Fields {
			if _, ok := class.Fields[name]; !ok {
				class.Fields[name] = field
			}
		}
	}
	r.classes[class.Name] = &class
	return r.persistClass(&class)
}

// Permits returns a copy of the class-level permits for the class. A
// missing class has no permits, which makes it master-only.
func (r *Registry) Permits(className string) []access.Permit {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	class, ok := r.classes[className]
	if !ok {
		return nil
	}
	permits := make([]access.Permit, len(class.Permits))
	for i, permit := range class.Permits {
		permit.Operations = append([]core.Operation(nil), permit.Operations...)
		permits[i] = permit
	}
	return permits
}

// Class returns a copy of the registered class schema.
func (r *Registry) Class(className string) (Class, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	class, ok := r.classes[className]
	if !ok {
		return Class{}, false
	}
	copied := *class
	copied.Fields = make(map[string]Field, len(class.Fields))
	for name, field := range class.Fields {
		copied.Fields[name] = field
	}
	return copied, true
}

// ValidateWrite checks the proposed fields against the class schema and
// evolves the schema for unseen fields. It returns the accepted fields, or
// a schema conflict error if any value's type is incompatible with its
// registered type. Nothing is evolved on error.
func (r *Registry) ValidateWrite(className string, proposedFields map[string]interface{}) (map[string]interface{}, error) {
	if err := r.validateAgainstJSONSchema(className, proposedFields); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	class, ok := r.classes[className]
	if !ok {
		class = &Class{Name: className, Fields: map[string]Field{}}
	}

	// validate everything first, evolve only afterwards
	inferred := map[string]Field{}
	for name, value := range proposedFields {
		if name == "" {
			return nil, core.Errorf(core.KindValidation, "empty field name in class %s", className)
		}
		if value == nil {
			continue // null values carry no type information
		}
		fieldType, err := inferType(value)
		if err != nil {
			return nil, core.Wrap(core.KindValidation, err, "field %s of class %s", name, className)
		}
		if registered, ok := class.Fields[name]; ok {
			if registered.Type != fieldType {
				return nil, core.Errorf(core.KindSchemaConflict,
					"field %s of class %s is %s, got %s", name, className, registered.Type, fieldType)
			}
			continue
		}
		inferred[name] = Field{Type: fieldType}
	}

	if len(inferred) > 0 {
		if !ok {
			r.classes[className] = class
		}
		for name, field := range inferred {
			class.Fields[name] = field
		}
		if err := r.persistClass(class); err != nil {
			return nil, err
		}
	}
	return proposedFields, nil
}

func (r *Registry) validateAgainstJSONSchema(className string, fields map[string]interface{}) error {
	r.mutex.RLock()
	class, ok := r.classes[className]
	schemaID := ""
	if ok {
		schemaID = class.SchemaID
	}
	validator := r.validator
	r.mutex.RUnlock()

	if schemaID == "" || validator == nil {
		return nil
	}
	if !validator.HasSchema(schemaID) {
		logger.Default().Errorf("class %s pins unknown schema %s, validation skipped", className, schemaID)
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return core.Wrap(core.KindValidation, err, "cannot marshal fields of class %s", className)
	}
	if err := validator.ValidateString(string(data), schemaID); err != nil {
		return core.Wrap(core.KindValidation, err, "class %s", className)
	}
	return nil
}

func (r *Registry) persistClass(class *Class) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.Write(class.Name, class); err != nil {
		return core.Wrap(core.KindInternal, err, "cannot persist schema of class %s", class.Name)
	}
	return nil
}

// inferType maps a value to its field type. JSON decoding produces float64,
// bool, string, map and slice values; Go callers may also pass native
// numerics and time.Time.
func inferType(value interface{}) (FieldType, error) {
	switch value.(type) {
	case string:
		return TypeString, nil
	case float64, float32, int, int32, int64:
		return TypeNumber, nil
	case bool:
		return TypeBoolean, nil
	case map[string]interface{}:
		return TypeObject, nil
	case []interface{}:
		return TypeArray, nil
	case time.Time:
		return TypeDate, nil
	}
	return "", core.Errorf(core.KindValidation, "unsupported value type %T", value)
}
