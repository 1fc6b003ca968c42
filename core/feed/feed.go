/*Package feed distributes committed change events.

The backend publishes one event per committed mutation after it is
durable. Delivery to subscribers runs on a dispatch goroutine decoupled
from the write path through a queue, so neither hooks nor live-query
fan-out ever run under a store lock or stall a writer.

Writers racing on the same object can enqueue their events in the wrong
order. The dispatcher keeps a revision cursor per object and drops any
event that is older than a state it has already delivered, so every
subscriber observes each object's lifecycle in revision order and a
delete is always the last event for its object.
*/
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/store"
)

// Subscriber receives committed change events, per object in revision
// order. Events superseded by a newer committed state of the same object
// are dropped, never delivered late.
type Subscriber interface {
	Notify(ctx context.Context, event store.ChangeEvent)
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(ctx context.Context, event store.ChangeEvent)

// Notify calls the function
func (f SubscriberFunc) Notify(ctx context.Context, event store.ChangeEvent) {
	f(ctx, event)
}

type queuedEvent struct {
	ctx   context.Context
	event store.ChangeEvent
}

// cursorLimit bounds the cursor table; crossing it prunes entries not
// touched within cursorTTL.
const cursorLimit = 4096
const cursorTTL = time.Minute

type objectCursor struct {
	revision int
	deleted  bool
	touched  time.Time
}

// Feed is the change feed. Create one with New; Publish after every
// committed mutation.
type Feed struct {
	mutex       sync.RWMutex
	subscribers []Subscriber

	queue chan queuedEvent
	done  chan struct{}

	// touched by the dispatch goroutine only
	cursors map[uuid.UUID]objectCursor

	closeOnce sync.Once
}

// New creates a feed with the given queue size and starts its dispatch
// goroutine.
func New(queueSize int) *Feed {
	if queueSize <= 0 {
		queueSize = 256
	}
	f := &Feed{
		queue:   make(chan queuedEvent, queueSize),
		done:    make(chan struct{}),
		cursors: make(map[uuid.UUID]objectCursor),
	}
	go f.dispatch()
	return f
}

// Subscribe adds a subscriber. Subscribers registered after events were
// published do not see those earlier events.
func (f *Feed) Subscribe(subscriber Subscriber) {
	f.mutex.Lock()
	f.subscribers = append(f.subscribers, subscriber)
	f.mutex.Unlock()
}

// Publish enqueues a committed change for dispatch. It must only be called
// after the mutation is durable and never while an object lock is held.
func (f *Feed) Publish(ctx context.Context, event store.ChangeEvent) {
	select {
	case f.queue <- queuedEvent{ctx: ctx, event: event}:
	case <-f.done:
	}
}

func (f *Feed) dispatch() {
	for {
		select {
		case queued := <-f.queue:
			f.deliver(queued)
		case <-f.done:
			// drain what was queued before close
			for {
				select {
				case queued := <-f.queue:
					f.deliver(queued)
				default:
					return
				}
			}
		}
	}
}

// stale reports whether the event describes an object state older than
// one already delivered, and advances the object's cursor otherwise.
func (f *Feed) stale(event store.ChangeEvent) bool {
	state := event.Object()
	if state == nil {
		return false
	}
	revision := state.Revision
	if cursor, ok := f.cursors[state.ID]; ok {
		if cursor.deleted {
			return true
		}
		if event.Kind == core.EventDelete {
			if revision < cursor.revision {
				return true
			}
		} else if revision <= cursor.revision {
			return true
		}
	}
	f.cursors[state.ID] = objectCursor{
		revision: revision,
		deleted:  event.Kind == core.EventDelete,
		touched:  time.Now(),
	}
	if len(f.cursors) > cursorLimit {
		f.pruneCursors()
	}
	return false
}

func (f *Feed) pruneCursors() {
	cutoff := time.Now().Add(-cursorTTL)
	for id, cursor := range f.cursors {
		if cursor.touched.Before(cutoff) {
			delete(f.cursors, id)
		}
	}
}

func (f *Feed) deliver(queued queuedEvent) {
	if f.stale(queued.event) {
		logger.FromContext(queued.ctx).Debugf("dropping stale change event for object %s", queued.event.Object().ID)
		return
	}
	f.mutex.RLock()
	subscribers := append([]Subscriber{}, f.subscribers...)
	f.mutex.RUnlock()
	for _, subscriber := range subscribers {
		if err := notifyWithPanicEnvelope(subscriber, queued); err != nil {
			logger.FromContext(queued.ctx).WithError(err).Errorln("change feed subscriber failed")
		}
	}
}

func notifyWithPanicEnvelope(subscriber Subscriber, queued queuedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	subscriber.Notify(queued.ctx, queued.event)
	return
}

// Close stops the dispatch goroutine after draining queued events.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}
