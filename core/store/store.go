/*Package store defines the document store adapter: the driver interface
every persistence backend implements, the patch format for atomic updates
and the change events emitted after committed mutations.

Two drivers exist: memstore keeps everything in process memory and backs
unit tests and embedded use, pgstore persists documents as JSONB rows in
postgres.
*/
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/query"
)

// Patch describes a partial update to an object. The whole patch commits
// atomically; no partial patch is ever visible to readers.
type Patch struct {
	// Set assigns field values
	Set map[string]interface{}
	// Unset removes fields
	Unset []string
	// ACL replaces the object ACL if non-nil
	ACL *core.ACL
	// ExpectedRevision, if non-zero, makes the update fail with a
	// conflict error unless the object still has this revision.
	ExpectedRevision int
}

// ChangeEvent describes one committed mutation. Before and After are deep
// copies; nil Before for creates, nil After for deletes.
type ChangeEvent struct {
	Class  string
	Kind   core.EventKind
	Before *core.Object
	After  *core.Object
}

// Object returns the most recent state the event carries: After if
// present, otherwise Before.
func (e ChangeEvent) Object() *core.Object {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

// Driver is the persistence backend for objects. Implementations must
// serialize mutations per object identifier and hand out deep copies, so
// callers can never alias canonical state. All methods return errors from
// the core taxonomy.
type Driver interface {
	// Create persists a new object and assigns its identifier and
	// timestamps. The returned object is the persisted state.
	Create(ctx context.Context, object *core.Object) (*core.Object, error)
	// Get returns the object or a not-found error.
	Get(ctx context.Context, className string, id uuid.UUID) (*core.Object, error)
	// Update applies the patch atomically and returns the states before
	// and after the patch.
	Update(ctx context.Context, className string, id uuid.UUID, patch Patch) (before, after *core.Object, err error)
	// Delete removes the object and returns its last state. No tombstone
	// is kept.
	Delete(ctx context.Context, className string, id uuid.UUID) (*core.Object, error)
	// Find returns the objects matching the query, sorted and paginated.
	// The result set equals the set of stored objects for which the
	// query's compiled predicate matches.
	Find(ctx context.Context, q *query.Query) ([]*core.Object, error)
	// Close releases the driver's resources.
	Close() error
}

// ApplyPatch applies set and unset entries to a field map. Drivers share
// this so both produce identical patched states.
func ApplyPatch(fields map[string]interface{}, patch Patch) map[string]interface{} {
	patched := make(map[string]interface{}, len(fields)+len(patch.Set))
	for name, value := range fields {
		patched[name] = value
	}
	for name, value := range patch.Set {
		patched[name] = value
	}
	for _, name := range patch.Unset {
		delete(patched, name)
	}
	return patched
}
