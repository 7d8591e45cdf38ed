package call

import "errors"

// Errors surfaced by workers when a work item targets an entity the call
// does not hold.
var (
	ErrUnknownDialog      = errors.New("unknown dialog")
	ErrUnknownRequest     = errors.New("unknown request")
	ErrUnknownSipMsg      = errors.New("unknown sip message")
	ErrUnknownTransaction = errors.New("unknown transaction")
)
