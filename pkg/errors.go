package pkg

import "errors"

// Storage errors shared by MemoryStorage and the layers built on it.
var (
	// ErrKeyNotFound means no live entry exists for the key; expired entries count as missing.
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the caller's context is already done.
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned by every operation after Close.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
