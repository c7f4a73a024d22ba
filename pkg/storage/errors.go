package storage

import "errors"

var (
	// ErrObjectNotFound is returned when a key has no stored object
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape the root
	ErrInvalidKey = errors.New("invalid object key")

	// ErrArchiveCorrupt is returned when a restored event fails digest verification
	ErrArchiveCorrupt = errors.New("archived event failed verification")
)
