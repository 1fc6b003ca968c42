package query

import (
	"time"

	"github.com/strata-dev/strata/core"
)

// Predicate is a compiled boolean test derived from a query's constraint
// tree. It is safe for concurrent use.
type Predicate struct {
	class       string
	constraints []fieldConstraint
}

type fieldConstraint struct {
	field string
	ops   map[string]interface{}
}

// Compile compiles the query's constraint tree into a predicate. Ordering
// and pagination are not part of the predicate; they apply to result sets
// only. Queries containing unresolved $inQuery constraints do not compile,
// resolve them first with ResolveSubQueries.
func Compile(q *Query) (Predicate, error) {
	if err := q.Validate(); err != nil {
		return Predicate{}, err
	}
	p := Predicate{class: q.Class}
	for field, constraint := range q.Where {
		ops, ok := constraint.(map[string]interface{})
		if !ok || !hasOperator(ops) {
			ops = map[string]interface{}{OpEqual: constraint}
		}
		if _, ok := ops[OpInQuery]; ok {
			return Predicate{}, core.Errorf(core.KindValidation, "unresolved %s constraint for field %s", OpInQuery, field)
		}
		p.constraints = append(p.constraints, fieldConstraint{field: field, ops: ops})
	}
	return p, nil
}

// Class returns the class the predicate was compiled for.
func (p Predicate) Class() string {
	return p.class
}

// Matches reports whether the object satisfies every constraint of the
// predicate. Type-mismatched comparisons evaluate to non-match, they never
// raise an error.
func (p Predicate) Matches(object *core.Object) bool {
	if object == nil || object.Class != p.class {
		return false
	}
	for _, c := range p.constraints {
		value, present := Value(object, c.field)
		for op, operand := range c.ops {
			if !matchOne(op, value, present, operand) {
				return false
			}
		}
	}
	return true
}

func matchOne(op string, value interface{}, present bool, operand interface{}) bool {
	switch op {
	case OpExists:
		return present == operand.(bool)
	case OpEqual:
		return present && valueEquals(value, operand)
	case OpNotEqual:
		return !present || !valueEquals(value, operand)
	case OpIn:
		if !present {
			return false
		}
		for _, candidate := range operand.([]interface{}) {
			if valueEquals(value, candidate) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, candidate := range operand.([]interface{}) {
			if valueEquals(value, candidate) {
				return false
			}
		}
		return true
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		if !present {
			return false
		}
		cmp, ok := compareValues(value, operand)
		if !ok {
			return false
		}
		switch op {
		case OpLessThan:
			return cmp < 0
		case OpLessEqual:
			return cmp <= 0
		case OpGreaterThan:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

// valueEquals compares a stored value against a query operand. An equality
// constraint on an array field matches if any element equals the operand.
func valueEquals(value, operand interface{}) bool {
	if array, ok := value.([]interface{}); ok {
		if _, operandIsArray := operand.([]interface{}); !operandIsArray {
			for _, element := range array {
				if scalarEquals(element, operand) {
					return true
				}
			}
			return false
		}
	}
	return scalarEquals(value, operand)
}

func scalarEquals(a, b interface{}) bool {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		return ok && na == nb
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case nil:
		return b == nil
	case time.Time:
		tb, ok := asTime(b)
		return ok && ta.Equal(tb)
	case map[string]interface{}:
		tb, ok := b.(map[string]interface{})
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !valueEquals(va, vb) {
				return false
			}
		}
		return true
	case []interface{}:
		tb, ok := b.([]interface{})
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !valueEquals(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// compareValues orders two values of compatible type. The second return is
// false for incompatible types; such comparisons are non-matches.
func compareValues(a, b interface{}) (int, bool) {
	if na, ok := asNumber(a); ok {
		nb, ok := asNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := asTime(a); ok {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// asNumber widens any numeric representation to float64. JSON decoding
// produces float64, but objects built in Go code may hold native ints.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
