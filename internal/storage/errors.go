package storage

import "errors"

// Descriptor options understood by every backend.
const (
	OptionReadOnly = "read_only"
)

var (
	ErrClosed   = errors.New("storage: backend is closed")
	ErrReadOnly = errors.New("storage: backend is read-only")
	ErrTxDone   = errors.New("storage: transaction already finished")
)
