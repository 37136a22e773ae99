// Package router maps attempt failure categories to operator-supplied
// recovery handlers, keeping one bad callback invocation from unwinding the
// whole run.
package router

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"sprayer/internal/store"
)

// Category is a closed set of failure classes. Operators key handlers off
// these instead of concrete error types.
type Category string

const (
	// CategoryCallback covers failures raised by the authentication callback
	// itself (including recovered panics).
	CategoryCallback Category = "callback_error"

	// CategoryTimeout covers deadline and network-timeout failures.
	CategoryTimeout Category = "timeout"

	// CategoryStore covers persistence failures that exhausted their retries.
	CategoryStore Category = "store_error"

	CategoryUnknown Category = "unknown"
)

// Decision is what a handler tells the scheduler to do next.
type Decision int

const (
	// Continue marks the attempt errored and keeps the run going.
	Continue Decision = iota

	// Abort stops dispatching new work; in-flight attempts drain first.
	Abort
)

func (d Decision) String() string {
	if d == Abort {
		return "abort"
	}
	return "continue"
}

// Context is the read-only view handed to handlers.
type Context struct {
	Pair store.Pair
	Err  error

	// Run counters at the moment of routing.
	Attempted int
	Successes int
	Failures  int
	Errored   int
}

// Handler decides how the run reacts to one failure category.
type Handler func(Context) Decision

// Router holds the category table. The zero value routes everything to
// Continue.
type Router struct {
	handlers map[Category]Handler
}

func New(handlers map[Category]Handler) *Router {
	cp := make(map[Category]Handler, len(handlers))
	for c, h := range handlers {
		if h != nil {
			cp[c] = h
		}
	}
	return &Router{handlers: cp}
}

// Route looks up the handler for cat. Unmapped categories default to
// Continue: an unhandled per-attempt error is non-fatal.
func (r *Router) Route(cat Category, rc Context) Decision {
	if r == nil || r.handlers == nil {
		return Continue
	}
	h, ok := r.handlers[cat]
	if !ok {
		return Continue
	}
	return h(rc)
}

// Classify buckets an attempt error into a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryCallback
	}
	return CategoryCallback
}

// AbortAfterErrors returns a handler that tolerates up to n errored attempts
// and aborts on the next one. Handy default for lockout-sensitive targets.
func AbortAfterErrors(n int) Handler {
	return func(rc Context) Decision {
		if rc.Errored >= n {
			return Abort
		}
		return Continue
	}
}
