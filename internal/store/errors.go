package store

import "errors"

// Common store errors.
var (
	ErrNotFound          = errors.New("deployment not found")
	ErrInvalidTransition = errors.New("illegal state transition")
)
