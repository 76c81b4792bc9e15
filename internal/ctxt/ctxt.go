// Package ctxt holds the process-wide *gpu.Context used throughout
// the rendering core. Per spec.md §9 ("global process-wide state"),
// the context is a single instance for the lifetime of the process.
// No other package in this module imports ctxt; they take a
// *gpu.Context argument instead.
package ctxt

import "errors"

var current any

var errNoContext = errors.New("ctxt: no context set")

// Set installs the process-wide context. It must be called exactly
// once, from the composition root, before Get is used.
func Set(c any) { current = c }

// Get returns the process-wide context, type-asserted to T.
// It panics if no context has been set, or if the stored context is
// not a T — both are programmer errors, not runtime conditions a
// caller can recover from.
func Get[T any]() T {
	if current == nil {
		panic(errNoContext)
	}
	c, ok := current.(T)
	if !ok {
		panic("ctxt: stored context has unexpected type")
	}
	return c
}
