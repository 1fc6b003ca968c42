package query

import (
	"sort"
	"strings"

	"github.com/strata-dev/strata/core"
)

// Sort stable-sorts objects by the query's order specification. A '-'
// prefix on a field path means descending. The object identifier is the
// final tie-break, so the order is total and deterministic.
func Sort(objects []*core.Object, order []string) {
	sort.SliceStable(objects, func(i, j int) bool {
		return less(objects[i], objects[j], order)
	})
}

// Page applies skip and limit to an already sorted result set.
func Page(objects []*core.Object, skip, limit int) []*core.Object {
	if skip > 0 {
		if skip >= len(objects) {
			return nil
		}
		objects = objects[skip:]
	}
	if limit > 0 && limit < len(objects) {
		objects = objects[:limit]
	}
	return objects
}

func less(a, b *core.Object, order []string) bool {
	for _, field := range order {
		descending := strings.HasPrefix(field, "-")
		field = strings.TrimPrefix(field, "-")

		va, oka := Value(a, field)
		vb, okb := Value(b, field)
		// missing values sort last, regardless of direction
		if oka != okb {
			return oka
		}
		if !oka {
			continue
		}
		cmp, ok := compareValues(va, vb)
		if !ok || cmp == 0 {
			continue
		}
		if descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.ID.String() < b.ID.String()
}
