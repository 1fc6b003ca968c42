/*Package hooks implements the before/after hook dispatcher.

Hooks keep the core extensible without hardcoding business logic: handlers
register for an event kind and optionally a class name, and are invoked
around create/update/delete/login. Before-hooks run synchronously and may
mutate the pending object or abort the operation; after-hooks are
fire-and-forget, their failures are logged and never surface to the
triggering request.
*/
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/logger"
)

// Event is the hook event kind
type Event string

// all hook events
const (
	EventCreate Event = "create"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
	EventLogin  Event = "login"
)

// Global registers a handler for all classes
const Global = ""

// Context is the invocation context passed to hook handlers.
type Context struct {
	Event    Event
	Class    string
	Identity access.Identity
	// Object is the pending object for before-hooks, which may mutate
	// its fields, and the committed object for after-hooks.
	Object *core.Object
	// Before is the prior object state on update and delete, nil otherwise.
	Before *core.Object
}

// BeforeHandler runs before an operation commits. A non-nil error aborts
// the operation and becomes its result.
type BeforeHandler func(ctx context.Context, hc *Context) error

// AfterHandler runs after an operation committed. Errors are logged, never
// propagated.
type AfterHandler func(ctx context.Context, hc Context) error

// Dispatcher is the typed hook registry, keyed by event kind and class
// name. Registration normally happens at startup; invocation is safe for
// concurrent use.
type Dispatcher struct {
	mutex  sync.RWMutex
	before map[string][]BeforeHandler
	after  map[string][]AfterHandler
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		before: make(map[string][]BeforeHandler),
		after:  make(map[string][]AfterHandler),
	}
}

func hookKey(event Event, className string) string {
	return string(event) + " " + className
}

// HandleBefore installs a before-hook for the event and class. Use
// hooks.Global as class name to handle the event for all classes.
func (d *Dispatcher) HandleBefore(event Event, className string, handler BeforeHandler) {
	key := hookKey(event, className)
	d.mutex.Lock()
	d.before[key] = append(d.before[key], handler)
	d.mutex.Unlock()
	logger.Default().Debugf("install before-hook %s", key)
}

// HandleAfter installs an after-hook for the event and class. Use
// hooks.Global as class name to handle the event for all classes.
func (d *Dispatcher) HandleAfter(event Event, className string, handler AfterHandler) {
	key := hookKey(event, className)
	d.mutex.Lock()
	d.after[key] = append(d.after[key], handler)
	d.mutex.Unlock()
	logger.Default().Debugf("install after-hook %s", key)
}

// InvokeBefore runs the global handlers and then the class handlers for the
// event, in registration order. Handlers may mutate hc.Object; the first
// error aborts the chain and is returned as the operation's error.
func (d *Dispatcher) InvokeBefore(ctx context.Context, hc *Context) error {
	d.mutex.RLock()
	handlers := append([]BeforeHandler{}, d.before[hookKey(hc.Event, Global)]...)
	handlers = append(handlers, d.before[hookKey(hc.Event, hc.Class)]...)
	d.mutex.RUnlock()

	for _, handler := range handlers {
		if err := callBeforeWithPanicEnvelope(ctx, handler, hc); err != nil {
			return err
		}
	}
	return nil
}

// InvokeAfter runs the global handlers and then the class handlers for the
// event. Failures are isolated per handler and logged; they never affect
// the already-committed operation.
func (d *Dispatcher) InvokeAfter(ctx context.Context, hc Context) {
	d.mutex.RLock()
	handlers := append([]AfterHandler{}, d.after[hookKey(hc.Event, Global)]...)
	handlers = append(handlers, d.after[hookKey(hc.Event, hc.Class)]...)
	d.mutex.RUnlock()

	for _, handler := range handlers {
		if err := callAfterWithPanicEnvelope(ctx, handler, hc); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("after-hook %s failed", hookKey(hc.Event, hc.Class))
		}
	}
}

func callBeforeWithPanicEnvelope(ctx context.Context, handler BeforeHandler, hc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	err = handler(ctx, hc)
	return
}

func callAfterWithPanicEnvelope(ctx context.Context, handler AfterHandler, hc Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	err = handler(ctx, hc)
	return
}
