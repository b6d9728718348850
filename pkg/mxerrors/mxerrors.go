// Package mxerrors classifies the error kinds the broker and worker pool
// can surface (spec §7), as sentinel errors usable with errors.Is/errors.As
// instead of the teacher's flat error returns.
package mxerrors

import "errors"

var (
	// ErrTransientIO marks a Redis-unreachable/timeout failure. No code in
	// this module wraps errors with it: Redis errors are returned as-is, the
	// periodic loops log them and try again on their next tick, and the
	// dispatcher logs them and polls again immediately.
	ErrTransientIO = errors.New("mxrmq: transient io error")

	// ErrScriptError marks a Lua script load/eval failure (e.g. NOSCRIPT).
	// The caller reloads scripts and retries once before treating it as fatal.
	ErrScriptError = errors.New("mxrmq: script error")

	// ErrSerialization marks an envelope that failed to (de)serialize.
	// Enqueue returns it to the producer. When a leased envelope fails to
	// parse, the dispatcher logs the error and skips it; the message is not
	// dead-lettered at that point but stays in-flight until the reclaimer
	// sweeps its expired lease, which counts as an attempt.
	ErrSerialization = errors.New("mxrmq: serialization error")

	// ErrHandlerError marks a handler-returned error. Counted as an attempt.
	ErrHandlerError = errors.New("mxrmq: handler error")

	// ErrHandlerTimeout marks a handler that exceeded processing_timeout.
	ErrHandlerTimeout = errors.New("mxrmq: handler timeout")

	// ErrNoHandler marks a topic with no registered handler. Retried up to
	// a small cap so late registration heals, then dead-lettered.
	ErrNoHandler = errors.New("mxrmq: no handler registered for topic")

	// ErrFatalInternal marks an invariant violation. Nothing in this module
	// returns it, and the lifecycle controller does not stop on it.
	ErrFatalInternal = errors.New("mxrmq: fatal internal error")
)

// Wrap attaches context to a sentinel error kind while keeping it matchable
// via errors.Is(err, kind).
func Wrap(kind error, context string) error {
	return &wrapped{kind: kind, context: context}
}

type wrapped struct {
	kind    error
	context string
}

func (w *wrapped) Error() string {
	if w.context == "" {
		return w.kind.Error()
	}
	return w.kind.Error() + ": " + w.context
}

func (w *wrapped) Unwrap() error { return w.kind }
