package promise

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the signature every registered fulfillment action must
// implement.
type Handler func(ctx context.Context, p *Promise) error

// registry is a lock-free map from action name to handler, built once
// at process start and read concurrently thereafter — the Go
// equivalent of the single-entry/array CAS attribute cache, since
// sync.Map is already optimized for a write-once, read-mostly key
// set.
var registry sync.Map // string -> Handler

// Register adds action to the registry. Calling Register twice for
// the same name is a programmer error; the second registration wins
// silently, since action names are meant to be assigned once at
// startup and never reused.
func Register(action string, h Handler) {
	registry.Store(action, h)
}

func lookup(action string) (Handler, bool) {
	v, ok := registry.Load(action)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// Dispatch invokes the handler registered for p's action name.
func Dispatch(ctx context.Context, p *Promise) error {
	h, ok := lookup(p.ActionName())
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, p.ActionName())
	}
	return h(ctx, p)
}

// resetRegistryForTests clears every registration; test-only.
func resetRegistryForTests() {
	registry.Range(func(k, _ any) bool {
		registry.Delete(k)
		return true
	})
}
