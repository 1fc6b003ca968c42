/*Package query implements the declarative query language of the object store.

A query is an immutable constraint tree: a conjunction of per-field
constraints, each either a literal value (equality) or a map of operators
such as $lt, $in or $exists. Queries compile into predicates; the same
predicate filters persisted documents and re-evaluates changed documents
for live queries, which keeps both result sets identical by construction.
*/
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/strata-dev/strata/core"
)

// the supported constraint operators
const (
	OpEqual        = "$eq"
	OpNotEqual     = "$ne"
	OpLessThan     = "$lt"
	OpLessEqual    = "$lte"
	OpGreaterThan  = "$gt"
	OpGreaterEqual = "$gte"
	OpIn           = "$in"
	OpNotIn        = "$nin"
	OpExists       = "$exists"
	OpInQuery      = "$inQuery"
)

var validOperators = map[string]bool{
	OpEqual: true, OpNotEqual: true,
	OpLessThan: true, OpLessEqual: true,
	OpGreaterThan: true, OpGreaterEqual: true,
	OpIn: true, OpNotIn: true,
	OpExists: true, OpInQuery: true,
}

// Constraints maps a field path to its constraint. The constraint is either
// a literal value (equality) or a map[string]interface{} of operators.
// Field paths may be nested with '.' separators.
type Constraints map[string]interface{}

// Query is an immutable constraint tree plus ordering and pagination
// parameters. It is stateless and evaluated fresh on each use.
type Query struct {
	Class string      `json:"class"`
	Where Constraints `json:"where,omitempty"`
	// Order lists field paths to sort by; a '-' prefix means descending.
	// The object identifier is always the final tie-break.
	Order []string `json:"order,omitempty"`
	Limit int      `json:"limit,omitempty"`
	Skip  int      `json:"skip,omitempty"`
}

// Parse parses and validates a JSON-encoded query for the given class.
func Parse(className string, data []byte) (*Query, error) {
	q := Query{Class: className}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, core.Wrap(core.KindValidation, err, "cannot parse query")
		}
	}
	q.Class = className
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate checks the constraint tree for unknown operators and malformed
// operands. A query must validate before it can be compiled.
func (q *Query) Validate() error {
	if q.Limit < 0 || q.Skip < 0 {
		return core.Errorf(core.KindValidation, "limit and skip must not be negative")
	}
	for field, constraint := range q.Where {
		if field == "" {
			return core.Errorf(core.KindValidation, "empty field name in query")
		}
		ops, ok := constraint.(map[string]interface{})
		if !ok || !hasOperator(ops) {
			continue // literal equality
		}
		for op, operand := range ops {
			if !validOperators[op] {
				return core.Errorf(core.KindValidation, "unknown operator %s for field %s", op, field)
			}
			switch op {
			case OpIn, OpNotIn:
				if _, ok := operand.([]interface{}); !ok {
					return core.Errorf(core.KindValidation, "%s for field %s requires an array", op, field)
				}
			case OpExists:
				if _, ok := operand.(bool); !ok {
					return core.Errorf(core.KindValidation, "%s for field %s requires a boolean", op, field)
				}
			case OpInQuery:
				if err := validateInQuery(field, operand); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateInQuery(field string, operand interface{}) error {
	sub, ok := operand.(map[string]interface{})
	if !ok {
		return core.Errorf(core.KindValidation, "%s for field %s requires an object", OpInQuery, field)
	}
	if _, ok := sub["class"].(string); !ok {
		return core.Errorf(core.KindValidation, "%s for field %s requires a class", OpInQuery, field)
	}
	if key, ok := sub["key"]; ok {
		if _, ok := key.(string); !ok {
			return core.Errorf(core.KindValidation, "%s for field %s: key must be a string", OpInQuery, field)
		}
	}
	return nil
}

// hasOperator reports whether the map is an operator map rather than a plain
// object literal compared for equality.
func hasOperator(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// FindFunc runs an inner query and returns the matching objects. The
// backend supplies its find operation here.
type FindFunc func(ctx context.Context, q *Query) ([]*core.Object, error)

// ResolveSubQueries replaces every $inQuery constraint with a literal $in
// constraint over the inner query's result values. It returns a new query;
// the receiver is not modified. Queries without sub-queries are returned
// unchanged.
func (q *Query) ResolveSubQueries(ctx context.Context, find FindFunc) (*Query, error) {
	resolved := *q
	var replaced Constraints
	for field, constraint := range q.Where {
		ops, ok := constraint.(map[string]interface{})
		if !ok || !hasOperator(ops) {
			continue
		}
		operand, ok := ops[OpInQuery]
		if !ok {
			continue
		}
		sub := operand.(map[string]interface{})
		inner := &Query{Class: sub["class"].(string)}
		if w, ok := sub["where"].(map[string]interface{}); ok {
			inner.Where = Constraints(w)
		}
		if err := inner.Validate(); err != nil {
			return nil, err
		}
		key, _ := sub["key"].(string)
		objects, err := find(ctx, inner)
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, 0, len(objects))
		for _, object := range objects {
			if key == "" || key == "id" {
				values = append(values, object.ID.String())
				continue
			}
			if value, ok := Value(object, key); ok {
				values = append(values, value)
			}
		}
		if replaced == nil {
			replaced = make(Constraints, len(q.Where))
			for f, c := range q.Where {
				replaced[f] = c
			}
		}
		rewritten := make(map[string]interface{}, len(ops))
		for op, o := range ops {
			if op != OpInQuery {
				rewritten[op] = o
			}
		}
		rewritten[OpIn] = values
		replaced[field] = rewritten
	}
	if replaced != nil {
		resolved.Where = replaced
	}
	return &resolved, nil
}

// Value resolves a possibly nested field path on an object. The metadata
// names "id", "created_at", "updated_at" and "revision" resolve to the
// object's metadata; everything else resolves into the field map.
func Value(object *core.Object, path string) (interface{}, bool) {
	switch path {
	case "id":
		return object.ID.String(), true
	case "created_at":
		return object.CreatedAt, true
	case "updated_at":
		return object.UpdatedAt, true
	case "revision":
		return float64(object.Revision), true
	}
	var current interface{} = object.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns a compact JSON rendering, useful in log statements.
func (q *Query) String() string {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("query(%s)", q.Class)
	}
	return string(data)
}
