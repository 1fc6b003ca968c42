package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/hooks"
)

func pendingNote() *hooks.Context {
	return &hooks.Context{
		Event: hooks.EventCreate,
		Class: "Note",
		Object: &core.Object{
			Class:  "Note",
			Fields: map[string]interface{}{"title": "a"},
		},
	}
}

func TestInvokeBeforeMutatesPendingObject(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	dispatcher.HandleBefore(hooks.EventCreate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		hc.Object.Fields["title"] = "rewritten"
		return nil
	})

	hc := pendingNote()
	require.NoError(t, dispatcher.InvokeBefore(context.Background(), hc))
	assert.Equal(t, "rewritten", hc.Object.Fields["title"])
}

func TestInvokeBeforeAbortStopsChain(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	rejection := errors.New("rejected")
	var secondRan bool
	dispatcher.HandleBefore(hooks.EventCreate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		return rejection
	})
	dispatcher.HandleBefore(hooks.EventCreate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		secondRan = true
		return nil
	})

	err := dispatcher.InvokeBefore(context.Background(), pendingNote())
	assert.Equal(t, rejection, err)
	assert.False(t, secondRan)
}

func TestInvokeBeforeGlobalRunsFirst(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	var order []string
	dispatcher.HandleBefore(hooks.EventCreate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		order = append(order, "class")
		return nil
	})
	dispatcher.HandleBefore(hooks.EventCreate, hooks.Global, func(ctx context.Context, hc *hooks.Context) error {
		order = append(order, "global")
		return nil
	})

	require.NoError(t, dispatcher.InvokeBefore(context.Background(), pendingNote()))
	assert.Equal(t, []string{"global", "class"}, order)
}

func TestInvokeBeforeRecoversPanic(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	dispatcher.HandleBefore(hooks.EventCreate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		panic("boom")
	})

	err := dispatcher.InvokeBefore(context.Background(), pendingNote())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestInvokeAfterIsolatesFailures(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	var ran []string
	dispatcher.HandleAfter(hooks.EventDelete, "Note", func(ctx context.Context, hc hooks.Context) error {
		ran = append(ran, "first")
		return errors.New("after-hook failure")
	})
	dispatcher.HandleAfter(hooks.EventDelete, "Note", func(ctx context.Context, hc hooks.Context) error {
		ran = append(ran, "second")
		panic("boom")
	})
	dispatcher.HandleAfter(hooks.EventDelete, "Note", func(ctx context.Context, hc hooks.Context) error {
		ran = append(ran, "third")
		return nil
	})

	// neither the error nor the panic reaches the caller or stops the chain
	dispatcher.InvokeAfter(context.Background(), hooks.Context{Event: hooks.EventDelete, Class: "Note"})
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestEventsAreKeyedPerClass(t *testing.T) {
	dispatcher := hooks.NewDispatcher()
	var calls int
	dispatcher.HandleBefore(hooks.EventCreate, "Task", func(ctx context.Context, hc *hooks.Context) error {
		calls++
		return nil
	})
	dispatcher.HandleBefore(hooks.EventUpdate, "Note", func(ctx context.Context, hc *hooks.Context) error {
		calls++
		return nil
	})

	require.NoError(t, dispatcher.InvokeBefore(context.Background(), pendingNote()))
	assert.Equal(t, 0, calls)
}
