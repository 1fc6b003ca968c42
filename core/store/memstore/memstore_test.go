package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
	"github.com/strata-dev/strata/core/store/memstore"
)

func TestCreateAndGet(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	created, err := s.Create(ctx, &core.Object{
		Class:  "Note",
		Fields: map[string]interface{}{"title": "a"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, 1, created.Revision)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, "Note", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Fields, got.Fields)

	// the store hands out copies, mutating a result never changes
	// canonical state
	got.Fields["title"] = "mutated"
	again, err := s.Get(ctx, "Note", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Fields["title"])

	_, err = s.Get(ctx, "Note", uuid.New())
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestUpdateAppliesWholePatch(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	created, err := s.Create(ctx, &core.Object{
		Class:  "Note",
		Fields: map[string]interface{}{"title": "a", "obsolete": true},
	})
	require.NoError(t, err)

	acl := core.ACL{core.PublicSubject: {Read: true}}
	before, after, err := s.Update(ctx, "Note", created.ID, store.Patch{
		Set:   map[string]interface{}{"title": "b", "pinned": true},
		Unset: []string{"obsolete"},
		ACL:   &acl,
	})
	require.NoError(t, err)

	assert.Equal(t, "a", before.Fields["title"])
	assert.Equal(t, "b", after.Fields["title"])
	assert.Equal(t, true, after.Fields["pinned"])
	_, ok := after.Fields["obsolete"]
	assert.False(t, ok)
	assert.Equal(t, acl, after.ACL)
	assert.Equal(t, 2, after.Revision)
}

func TestUpdateRevisionConflict(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	created, err := s.Create(ctx, &core.Object{Class: "Note", Fields: map[string]interface{}{}})
	require.NoError(t, err)

	_, _, err = s.Update(ctx, "Note", created.ID, store.Patch{Set: map[string]interface{}{"a": 1.0}})
	require.NoError(t, err)

	_, _, err = s.Update(ctx, "Note", created.ID, store.Patch{
		Set:              map[string]interface{}{"b": 2.0},
		ExpectedRevision: 1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConflict))

	// the failed update left no trace
	got, err := s.Get(ctx, "Note", created.ID)
	require.NoError(t, err)
	_, ok := got.Fields["b"]
	assert.False(t, ok)
	assert.Equal(t, 2, got.Revision)
}

// concurrent patches to one object must serialize: the final state is one
// patch applied after the other in full, never a field interleaving
func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	created, err := s.Create(ctx, &core.Object{Class: "Note", Fields: map[string]interface{}{}})
	require.NoError(t, err)

	const writers = 8
	const rounds = 25
	var group sync.WaitGroup
	for w := 0; w < writers; w++ {
		group.Add(1)
		go func(w int) {
			defer group.Done()
			for i := 0; i < rounds; i++ {
				_, _, err := s.Update(ctx, "Note", created.ID, store.Patch{
					Set: map[string]interface{}{
						"writer": float64(w),
						"tag":    float64(w),
					},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	group.Wait()

	got, err := s.Get(ctx, "Note", created.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Fields["writer"], got.Fields["tag"], "patch fields must never interleave")
	assert.Equal(t, 1+writers*rounds, got.Revision)
}

func TestDelete(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	created, err := s.Create(ctx, &core.Object{Class: "Note", Fields: map[string]interface{}{"title": "a"}})
	require.NoError(t, err)

	last, err := s.Delete(ctx, "Note", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", last.Fields["title"])

	_, err = s.Get(ctx, "Note", created.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = s.Delete(ctx, "Note", created.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

// find must return exactly the objects the compiled predicate matches
func TestFindEqualsMatches(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	all := []*core.Object{}
	for i := 0; i < 20; i++ {
		created, err := s.Create(ctx, &core.Object{
			Class: "Note",
			Fields: map[string]interface{}{
				"rank":   float64(i % 5),
				"pinned": i%2 == 0,
			},
		})
		require.NoError(t, err)
		all = append(all, created)
	}

	q, err := query.Parse("Note", []byte(`{"where": {"rank": {"$gte": 2}, "pinned": true}}`))
	require.NoError(t, err)
	predicate, err := query.Compile(q)
	require.NoError(t, err)

	found, err := s.Find(ctx, q)
	require.NoError(t, err)

	expected := map[uuid.UUID]bool{}
	for _, object := range all {
		if predicate.Matches(object) {
			expected[object.ID] = true
		}
	}
	require.Equal(t, len(expected), len(found))
	for _, object := range found {
		assert.True(t, expected[object.ID])
		assert.True(t, predicate.Matches(object))
	}
}

func TestFindSortsAndPaginates(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	for _, rank := range []float64{3, 1, 2, 5, 4} {
		_, err := s.Create(ctx, &core.Object{Class: "Note", Fields: map[string]interface{}{"rank": rank}})
		require.NoError(t, err)
	}

	q, err := query.Parse("Note", []byte(`{"order": ["-rank"], "skip": 1, "limit": 2}`))
	require.NoError(t, err)
	found, err := s.Find(ctx, q)
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Equal(t, 4.0, found[0].Fields["rank"])
	assert.Equal(t, 3.0, found[1].Fields["rank"])
}
