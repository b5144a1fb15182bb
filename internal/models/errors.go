package models

import "errors"

// Sentinel errors shared by the index and revision layers. Call sites wrap
// them with context; callers match with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrRequestTimeout = errors.New("request timeout")
	ErrPrecondition   = errors.New("precondition failed")
	ErrUnsupported    = errors.New("unsupported operation")
	ErrConflict       = errors.New("conflict")
)
