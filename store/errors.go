package store

import "errors"

// Sentinel errors returned by Store methods. httpapi maps each to a status
// code; callers should compare with errors.Is, since internal wrapping
// may add context.
var (
	ErrNotFound            = errors.New("store: stream not found")
	ErrConfigMismatch      = errors.New("store: stream configuration mismatch")
	ErrSeqConflict         = errors.New("store: sequence conflict")
	ErrInvalidArgument     = errors.New("store: invalid argument")
	ErrContentTypeMismatch = errors.New("store: content type mismatch")
	ErrEmptyJSONArray      = errors.New("store: empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("store: invalid JSON")
	ErrEmptyBody           = errors.New("store: empty body not allowed")
	ErrMessageTooLarge     = errors.New("store: message exceeds maximum frame size")
)
