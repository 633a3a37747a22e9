package thread

import "errors"

// Error taxonomy surfaced by the lifecycle service. NotFound deliberately
// covers "exists but not owned by the caller" so the API cannot leak the
// existence of other users' conversations.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)
