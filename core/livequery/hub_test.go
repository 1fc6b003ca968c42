package livequery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/livequery"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

type recordingChannel struct {
	mutex  sync.Mutex
	events []livequery.Event
	closed bool
	fail   bool
	signal chan struct{}
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{signal: make(chan struct{}, 64)}
}

func (c *recordingChannel) Send(event livequery.Event) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.fail {
		return errors.New("connection lost")
	}
	c.events = append(c.events, event)
	c.signal <- struct{}{}
	return nil
}

func (c *recordingChannel) Close() {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
}

func (c *recordingChannel) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *recordingChannel) wait(t *testing.T) livequery.Event {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live query event")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.events[len(c.events)-1]
}

func (c *recordingChannel) quiet(t *testing.T) {
	t.Helper()
	select {
	case <-c.signal:
		t.Fatal("unexpected live query event")
	case <-time.After(50 * time.Millisecond):
	}
}

// openChecker treats every class as public
func openChecker() *access.Checker {
	return access.NewChecker(func(className string) []access.Permit {
		return []access.Permit{{
			Subject: access.SubjectPublic,
			Operations: []core.Operation{
				core.OperationCreate, core.OperationGet,
				core.OperationUpdate, core.OperationDelete, core.OperationFind,
			},
		}}
	})
}

func pinnedQuery(t *testing.T) *query.Query {
	t.Helper()
	q, err := query.Parse("Note", []byte(`{"where": {"pinned": true}}`))
	require.NoError(t, err)
	return q
}

func noteObject(pinned bool) *core.Object {
	return &core.Object{
		ID:     uuid.New(),
		Class:  "Note",
		Fields: map[string]interface{}{"pinned": pinned},
	}
}

func TestEnterUpdateLeave(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	channel := newRecordingChannel()
	_, err := hub.Subscribe(access.Identity{}, pinnedQuery(t), channel)
	require.NoError(t, err)

	object := noteObject(false)

	// non-matching create, nothing is delivered
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: object})
	channel.quiet(t)

	// update to pinned: the predicate flips false to true
	pinned := object.Clone()
	pinned.Fields["pinned"] = true
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventUpdate, Before: object, After: pinned})
	event := channel.wait(t)
	assert.Equal(t, livequery.EventEnter, event.Kind)
	assert.Equal(t, object.ID, event.ObjectID)
	require.NotNil(t, event.Object)
	assert.Equal(t, true, event.Object.Fields["pinned"])

	// a change while still matching
	retitled := pinned.Clone()
	retitled.Fields["title"] = "x"
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventUpdate, Before: pinned, After: retitled})
	event = channel.wait(t)
	assert.Equal(t, livequery.EventUpdate, event.Kind)

	// update to unpinned: true to false
	unpinned := retitled.Clone()
	unpinned.Fields["pinned"] = false
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventUpdate, Before: retitled, After: unpinned})
	event = channel.wait(t)
	assert.Equal(t, livequery.EventLeave, event.Kind)
	assert.Equal(t, object.ID, event.ObjectID)
	assert.Nil(t, event.Object)
}

func TestDeleteWhileMatchingEmitsSingleLeave(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	channel := newRecordingChannel()
	_, err := hub.Subscribe(access.Identity{}, pinnedQuery(t), channel)
	require.NoError(t, err)

	object := noteObject(true)
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: object})
	require.Equal(t, livequery.EventEnter, channel.wait(t).Kind)

	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventDelete, Before: object})
	event := channel.wait(t)
	assert.Equal(t, livequery.EventLeave, event.Kind)
	assert.Nil(t, event.Object)

	channel.quiet(t)
}

// a subscriber who loses read permission receives a leave with the object
// id only, never the new field values
func TestACLLossEmitsLeaveWithoutData(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	userID := uuid.New()
	channel := newRecordingChannel()
	_, err := hub.Subscribe(access.Identity{UserID: userID}, pinnedQuery(t), channel)
	require.NoError(t, err)

	object := noteObject(true)
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: object})
	require.Equal(t, livequery.EventEnter, channel.wait(t).Kind)

	restricted := object.Clone()
	restricted.Fields["secret"] = "classified"
	restricted.ACL = core.ACL{uuid.New().String(): {Read: true, Write: true}}
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventUpdate, Before: object, After: restricted})

	event := channel.wait(t)
	assert.Equal(t, livequery.EventLeave, event.Kind)
	assert.Equal(t, object.ID, event.ObjectID)
	assert.Nil(t, event.Object, "a now-unauthorized subscriber must not see field values")
}

// an object the subscriber was never allowed to read emits nothing at all
func TestDeniedObjectStaysInvisible(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	channel := newRecordingChannel()
	_, err := hub.Subscribe(access.Identity{UserID: uuid.New()}, pinnedQuery(t), channel)
	require.NoError(t, err)

	object := noteObject(true)
	object.ACL = core.ACL{uuid.New().String(): {Read: true}}
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: object})
	channel.quiet(t)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	channel := newRecordingChannel()
	subscription, err := hub.Subscribe(access.Identity{}, pinnedQuery(t), channel)
	require.NoError(t, err)

	hub.Unsubscribe(subscription)
	assert.True(t, channel.isClosed())

	hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: noteObject(true)})
	channel.quiet(t)
}

func TestOtherClassIsIgnored(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	channel := newRecordingChannel()
	_, err := hub.Subscribe(access.Identity{}, pinnedQuery(t), channel)
	require.NoError(t, err)

	task := noteObject(true)
	task.Class = "Task"
	hub.Notify(context.Background(), store.ChangeEvent{Class: "Task", Kind: core.EventCreate, After: task})
	channel.quiet(t)
}

// repeated delivery failure closes the failing subscription and leaves the
// healthy one alone
func TestRepeatedFailureClosesSubscription(t *testing.T) {
	hub := livequery.NewHub(openChecker())
	defer hub.Close()

	failing := newRecordingChannel()
	failing.fail = true
	_, err := hub.Subscribe(access.Identity{}, pinnedQuery(t), failing)
	require.NoError(t, err)

	healthy := newRecordingChannel()
	_, err = hub.Subscribe(access.Identity{}, pinnedQuery(t), healthy)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		hub.Notify(context.Background(), store.ChangeEvent{Class: "Note", Kind: core.EventCreate, After: noteObject(true)})
		healthy.wait(t)
	}

	require.Eventually(t, failing.isClosed, 2*time.Second, 10*time.Millisecond,
		"subscription must close after repeated delivery failures")
}
