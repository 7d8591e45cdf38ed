package router

import "errors"

// Routing-layer errors. Entity-level errors (unknown dialog, request,
// transaction) are surfaced from the call package unchanged.
var (
	// ErrUnknownApp means the application id is not registered in the
	// application directory.
	ErrUnknownApp = errors.New("unknown application")

	// ErrTooManyCalls means admission was denied, either by the global
	// max-calls limit or by the application's own limit.
	ErrTooManyCalls = errors.New("too many calls")

	// ErrTimeout means a synchronous work round-trip exceeded its deadline.
	// The pending entry survives until the worker resolves or dies; the
	// caller must not assume delivery.
	ErrTimeout = errors.New("sync work timed out")

	// ErrInvalidCall means the call reference was malformed (empty app or
	// call id, or a message without a Call-ID header).
	ErrInvalidCall = errors.New("invalid call reference")

	// ErrStopped means the router shard has shut down.
	ErrStopped = errors.New("router stopped")
)
