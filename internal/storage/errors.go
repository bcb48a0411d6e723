package storage

import "errors"

// ErrUnknownBackend is returned for an unsupported storage backend name
var ErrUnknownBackend = errors.New("unknown storage backend")

// ErrNilPosition is returned when SetOpenPosition is called without a position
var ErrNilPosition = errors.New("position must not be nil")
