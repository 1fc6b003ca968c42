/*Package livequery implements the live query hub.

A subscription binds a compiled query and a requesting identity to a
delivery channel. The hub listens to the change feed, re-evaluates every
subscription's predicate against the before and after states of each
changed document and pushes enter/update/leave events to subscribers.
Access control is re-checked against the current ACL state at delivery
time, so a subscriber who lost read permission gets a leave event and
never the new field values.
*/
package livequery

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

// EventKind classifies a live query event
type EventKind string

// all live query event kinds
const (
	// EventEnter means the object now matches the subscription
	EventEnter EventKind = "enter"
	// EventUpdate means the object changed and still matches
	EventUpdate EventKind = "update"
	// EventLeave means the object no longer matches, was deleted, or the
	// subscriber lost read permission on it
	EventLeave EventKind = "leave"
)

// Event is one live query delivery. Leave events carry the object
// identifier only, never field values.
type Event struct {
	Kind     EventKind    `json:"kind"`
	Class    string       `json:"class"`
	ObjectID uuid.UUID    `json:"object_id"`
	Object   *core.Object `json:"object,omitempty"`
}

// Channel is the delivery side of a subscription, decoupled from the
// network transport. Send must not block forever; a send error counts
// against the subscription's failure budget.
type Channel interface {
	Send(event Event) error
	Close()
}

// maxDeliveryFailures closes a subscription after this many consecutive
// failed or dropped deliveries.
const maxDeliveryFailures = 8

// subscription queue size; a full queue drops the event for this
// subscriber rather than blocking the others.
const subscriptionQueueSize = 64

// Subscription pairs a query, a requesting identity and a delivery
// channel. It lives until the connection goes away or Unsubscribe is
// called.
type Subscription struct {
	ID        uuid.UUID
	identity  access.Identity
	predicate query.Predicate
	channel   Channel

	queue     chan Event
	closed    chan struct{}
	closeOnce sync.Once

	failureMutex sync.Mutex
	failures     int
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.channel.Close()
	})
}

// deliveryLoop pushes queued events into the channel. It runs in its own
// goroutine so a slow channel never blocks delivery to other
// subscriptions.
func (s *Subscription) deliveryLoop(onFailure func(*Subscription)) {
	for {
		select {
		case <-s.closed:
			return
		case event := <-s.queue:
			if err := s.channel.Send(event); err != nil {
				onFailure(s)
				continue
			}
			s.failureMutex.Lock()
			s.failures = 0
			s.failureMutex.Unlock()
		}
	}
}

// Hub holds the table of active subscriptions and fans changes out to
// them. It never holds object data, only queries and channels.
type Hub struct {
	checker *access.Checker

	mutex         sync.RWMutex
	subscriptions map[uuid.UUID]*Subscription
}

// NewHub creates a hub using the checker for delivery-time access control.
// Subscribe the hub to the change feed.
func NewHub(checker *access.Checker) *Hub {
	return &Hub{
		checker:       checker,
		subscriptions: make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a subscription for the identity and query and starts
// its delivery loop. The returned subscription is the handle for
// Unsubscribe.
func (h *Hub) Subscribe(identity access.Identity, q *query.Query, channel Channel) (*Subscription, error) {
	predicate, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	subscription := &Subscription{
		ID:        uuid.New(),
		identity:  identity,
		predicate: predicate,
		channel:   channel,
		queue:     make(chan Event, subscriptionQueueSize),
		closed:    make(chan struct{}),
	}
	h.mutex.Lock()
	h.subscriptions[subscription.ID] = subscription
	h.mutex.Unlock()
	go subscription.deliveryLoop(h.noteFailure)
	logger.Default().Debugf("live query subscription %s for %s on class %s", subscription.ID, identity, q.Class)
	return subscription, nil
}

// Unsubscribe removes the subscription and closes its channel. No event is
// delivered to a subscription once its close has been observed; events
// already handed to the transport are not retracted.
func (h *Hub) Unsubscribe(subscription *Subscription) {
	if subscription == nil {
		return
	}
	h.mutex.Lock()
	delete(h.subscriptions, subscription.ID)
	h.mutex.Unlock()
	subscription.close()
}

// Notify implements the change feed subscriber. It classifies the change
// for every subscription on the class and enqueues the resulting event.
// Delivery is at-most-once per change per subscription.
func (h *Hub) Notify(ctx context.Context, event store.ChangeEvent) {
	h.mutex.RLock()
	subscriptions := make([]*Subscription, 0, len(h.subscriptions))
	for _, subscription := range h.subscriptions {
		if subscription.predicate.Class() == event.Class {
			subscriptions = append(subscriptions, subscription)
		}
	}
	h.mutex.RUnlock()

	for _, subscription := range subscriptions {
		if delivery, ok := h.classify(subscription, event); ok {
			h.enqueue(subscription, delivery)
		}
	}
}

// classify decides which event, if any, the subscription receives for the
// change. Access control uses the current ACL state of the respective
// object state, not the state at subscription time.
func (h *Hub) classify(subscription *Subscription, event store.ChangeEvent) (Event, bool) {
	matchedBefore := event.Before != nil &&
		subscription.predicate.Matches(event.Before) &&
		h.checker.AuthorizeObject(subscription.identity, event.Before, core.OperationGet)
	matchedAfter := event.After != nil &&
		subscription.predicate.Matches(event.After) &&
		h.checker.AuthorizeObject(subscription.identity, event.After, core.OperationGet)

	switch {
	case !matchedBefore && matchedAfter:
		return Event{Kind: EventEnter, Class: event.Class, ObjectID: event.After.ID, Object: event.After.Clone()}, true
	case matchedBefore && matchedAfter:
		return Event{Kind: EventUpdate, Class: event.Class, ObjectID: event.After.ID, Object: event.After.Clone()}, true
	case matchedBefore && !matchedAfter:
		// covers deletes, constraint misses and lost read permission;
		// the leave event never carries field values
		return Event{Kind: EventLeave, Class: event.Class, ObjectID: event.Before.ID}, true
	}
	return Event{}, false
}

// enqueue hands the event to the subscription's delivery queue without
// blocking. A full queue counts as a delivery failure.
func (h *Hub) enqueue(subscription *Subscription, event Event) {
	select {
	case <-subscription.closed:
		return
	default:
	}
	select {
	case subscription.queue <- event:
	default:
		h.noteFailure(subscription)
	}
}

// noteFailure counts a failed delivery and closes the subscription once
// the budget is exhausted. Other subscriptions are not affected.
func (h *Hub) noteFailure(subscription *Subscription) {
	subscription.failureMutex.Lock()
	subscription.failures++
	exceeded := subscription.failures >= maxDeliveryFailures
	subscription.failureMutex.Unlock()
	if exceeded {
		logger.Default().Warnf("closing live query subscription %s after repeated delivery failures", subscription.ID)
		h.Unsubscribe(subscription)
	}
}

// Close closes all subscriptions, for shutdown.
func (h *Hub) Close() {
	h.mutex.Lock()
	subscriptions := h.subscriptions
	h.subscriptions = make(map[uuid.UUID]*Subscription)
	h.mutex.Unlock()
	for _, subscription := range subscriptions {
		subscription.close()
	}
}
