package repository

import "errors"

// Sentinel kinds for repository errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrReadOnly      = errors.New("write in read-only unit of work")
	ErrInvalidShift  = errors.New("shift delta must be +1 or -1")
	ErrClosed        = errors.New("store closed")
	ErrUnknownKind   = errors.New("unknown store kind")
	ErrMissingConfig = errors.New("missing store configuration")
)
