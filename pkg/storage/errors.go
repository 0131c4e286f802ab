package storage

import "errors"

var (
	// ErrNotFound is returned when a file id is not present in an engine.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidArgument is returned for malformed names, extensions, streams
	// or configuration values. It is always raised before any I/O happens.
	ErrInvalidArgument = errors.New("invalid argument")
)
