/*Package memstore is the in-memory implementation of the store driver.

It serializes mutations per object identifier with a lock map and hands out
deep copies of objects, so it provides the same atomic-patch visibility
guarantees as the postgres driver. Tests and embedded deployments use it.
*/
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

// Store is the in-memory driver. The zero value is not usable, create one
// with New.
type Store struct {
	// mutex guards the class and object maps; objectLocks serializes
	// mutations per object id.
	mutex       sync.RWMutex
	classes     map[string]map[uuid.UUID]*core.Object
	objectLocks map[uuid.UUID]*sync.Mutex
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		classes:     make(map[string]map[uuid.UUID]*core.Object),
		objectLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Store) objectLock(id uuid.UUID) *sync.Mutex {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	lock, ok := s.objectLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.objectLocks[id] = lock
	}
	return lock
}

// Create persists a new object and assigns identifier and timestamps.
func (s *Store) Create(ctx context.Context, object *core.Object) (*core.Object, error) {
	if object.Class == "" {
		return nil, core.Errorf(core.KindValidation, "object lacks a class")
	}
	stored := object.Clone()
	stored.ID = uuid.New()
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1
	if stored.Fields == nil {
		stored.Fields = map[string]interface{}{}
	}

	s.mutex.Lock()
	class, ok := s.classes[stored.Class]
	if !ok {
		class = make(map[uuid.UUID]*core.Object)
		s.classes[stored.Class] = class
	}
	class[stored.ID] = stored
	s.mutex.Unlock()

	return stored.Clone(), nil
}

// Get returns a copy of the object or a not-found error.
func (s *Store) Get(ctx context.Context, className string, id uuid.UUID) (*core.Object, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	object, ok := s.classes[className][id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}
	return object.Clone(), nil
}

// Update applies the patch atomically. Concurrent updates to the same
// object are serialized; the whole patch commits or nothing does.
func (s *Store) Update(ctx context.Context, className string, id uuid.UUID, patch store.Patch) (*core.Object, *core.Object, error) {
	lock := s.objectLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mutex.RLock()
	current, ok := s.classes[className][id]
	s.mutex.RUnlock()
	if !ok {
		return nil, nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}

	before := current.Clone()
	if patch.ExpectedRevision != 0 && patch.ExpectedRevision != before.Revision {
		return nil, nil, core.Errorf(core.KindConflict,
			"%s object %s is at revision %d, expected %d", className, id, before.Revision, patch.ExpectedRevision)
	}

	after := before.Clone()
	after.Fields = store.ApplyPatch(after.Fields, patch)
	if patch.ACL != nil {
		after.ACL = *patch.ACL
	}
	after.UpdatedAt = time.Now().UTC()
	after.Revision = before.Revision + 1

	s.mutex.Lock()
	s.classes[className][id] = after
	s.mutex.Unlock()

	return before, after.Clone(), nil
}

// Delete removes the object and returns its last state.
func (s *Store) Delete(ctx context.Context, className string, id uuid.UUID) (*core.Object, error) {
	lock := s.objectLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	object, ok := s.classes[className][id]
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}
	delete(s.classes[className], id)
	delete(s.objectLocks, id)
	return object, nil
}

// Find evaluates the query's predicate over all objects of the class and
// returns the sorted, paginated matches.
func (s *Store) Find(ctx context.Context, q *query.Query) ([]*core.Object, error) {
	predicate, err := query.Compile(q)
	if err != nil {
		return nil, err
	}

	s.mutex.RLock()
	candidates := make([]*core.Object, 0, len(s.classes[q.Class]))
	for _, object := range s.classes[q.Class] {
		candidates = append(candidates, object)
	}
	s.mutex.RUnlock()

	matches := []*core.Object{}
	for _, object := range candidates {
		if predicate.Matches(object) {
			matches = append(matches, object.Clone())
		}
	}
	query.Sort(matches, q.Order)
	return query.Page(matches, q.Skip, q.Limit), nil
}

// Close releases nothing for the in-memory store.
func (s *Store) Close() error {
	return nil
}
