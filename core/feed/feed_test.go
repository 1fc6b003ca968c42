package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/feed"
	"github.com/strata-dev/strata/core/store"
)

type recordingSubscriber struct {
	mutex  sync.Mutex
	events []store.ChangeEvent
	signal chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{signal: make(chan struct{}, 64)}
}

func (r *recordingSubscriber) Notify(ctx context.Context, event store.ChangeEvent) {
	r.mutex.Lock()
	r.events = append(r.events, event)
	r.mutex.Unlock()
	r.signal <- struct{}{}
}

func (r *recordingSubscriber) wait(t *testing.T, n int) []store.ChangeEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event delivery")
		}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]store.ChangeEvent{}, r.events...)
}

func changeEvent(kind core.EventKind) store.ChangeEvent {
	object := &core.Object{ID: uuid.New(), Class: "Note", Fields: map[string]interface{}{}}
	event := store.ChangeEvent{Class: "Note", Kind: kind}
	switch kind {
	case core.EventDelete:
		event.Before = object
	default:
		event.After = object
	}
	return event
}

func TestPublishDeliversInOrder(t *testing.T) {
	f := feed.New(0)
	defer f.Close()

	subscriber := newRecordingSubscriber()
	f.Subscribe(subscriber)

	first := changeEvent(core.EventCreate)
	second := changeEvent(core.EventUpdate)
	f.Publish(context.Background(), first)
	f.Publish(context.Background(), second)

	events := subscriber.wait(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, first.Kind, events[0].Kind)
	assert.Equal(t, second.Kind, events[1].Kind)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	f := feed.New(0)
	defer f.Close()

	f.Subscribe(feed.SubscriberFunc(func(ctx context.Context, event store.ChangeEvent) {
		panic("boom")
	}))
	subscriber := newRecordingSubscriber()
	f.Subscribe(subscriber)

	f.Publish(context.Background(), changeEvent(core.EventCreate))
	events := subscriber.wait(t, 1)
	assert.Len(t, events, 1)
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	f := feed.New(16)
	subscriber := newRecordingSubscriber()
	f.Subscribe(subscriber)

	for i := 0; i < 5; i++ {
		f.Publish(context.Background(), changeEvent(core.EventCreate))
	}
	f.Close()

	events := subscriber.wait(t, 5)
	assert.Len(t, events, 5)

	// publishing after close does not block
	done := make(chan struct{})
	go func() {
		f.Publish(context.Background(), changeEvent(core.EventCreate))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish after close must not block")
	}
}

func noteEvent(id uuid.UUID, kind core.EventKind, revision int) store.ChangeEvent {
	object := &core.Object{ID: id, Class: "Note", Revision: revision, Fields: map[string]interface{}{}}
	event := store.ChangeEvent{Class: "Note", Kind: kind}
	if kind == core.EventDelete {
		event.Before = object
	} else {
		event.After = object
	}
	return event
}

// writers racing on the same object can publish out of commit order; the
// superseded state must never reach a subscriber
func TestStaleRevisionIsDropped(t *testing.T) {
	f := feed.New(0)
	defer f.Close()
	subscriber := newRecordingSubscriber()
	f.Subscribe(subscriber)

	id := uuid.New()
	f.Publish(context.Background(), noteEvent(id, core.EventUpdate, 3))
	f.Publish(context.Background(), noteEvent(id, core.EventUpdate, 2))
	f.Publish(context.Background(), noteEvent(id, core.EventUpdate, 4))

	events := subscriber.wait(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].After.Revision)
	assert.Equal(t, 4, events[1].After.Revision)
}

func TestDeleteIsFinalForObject(t *testing.T) {
	f := feed.New(0)
	defer f.Close()
	subscriber := newRecordingSubscriber()
	f.Subscribe(subscriber)

	id := uuid.New()
	f.Publish(context.Background(), noteEvent(id, core.EventCreate, 1))
	f.Publish(context.Background(), noteEvent(id, core.EventUpdate, 2))
	f.Publish(context.Background(), noteEvent(id, core.EventDelete, 2))
	// a racing update that committed before the delete but published late
	f.Publish(context.Background(), noteEvent(id, core.EventUpdate, 2))
	// other objects are unaffected
	f.Publish(context.Background(), noteEvent(uuid.New(), core.EventCreate, 1))

	events := subscriber.wait(t, 4)
	require.Len(t, events, 4)
	assert.Equal(t, core.EventCreate, events[0].Kind)
	assert.Equal(t, core.EventUpdate, events[1].Kind)
	assert.Equal(t, core.EventDelete, events[2].Kind)
	assert.Equal(t, core.EventCreate, events[3].Kind)
}
