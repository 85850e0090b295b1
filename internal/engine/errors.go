package engine

import "errors"

// Common typed errors returned by engine operations. Everything else that
// goes wrong happens inside background work and surfaces as a failed task,
// never as an error to a caller.
var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid request")
)
