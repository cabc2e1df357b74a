package fanout

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is an append-only, thread-safe list of observer callbacks.
//
// Invocation happens on the caller's goroutine with no registry lock held, so
// a callback may safely re-enter the component that triggered it. A panicking
// callback is recovered and logged; the remaining callbacks still run.
type Registry[T any] struct {
	mu        sync.RWMutex
	callbacks []func(T)
}

// Register appends a callback. Nil callbacks are ignored.
func (r *Registry[T]) Register(fn func(T)) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}

// Len reports the number of registered callbacks.
func (r *Registry[T]) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}

// Invoke calls every registered callback with the event value.
func (r *Registry[T]) Invoke(logger zerolog.Logger, event T) {
	if r == nil {
		return
	}
	r.mu.RLock()
	callbacks := make([]func(T), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, fn := range callbacks {
		invokeOne(logger, fn, event)
	}
}

func invokeOne[T any](logger zerolog.Logger, fn func(T), event T) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("observer callback panicked")
		}
	}()
	fn(event)
}
