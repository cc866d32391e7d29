package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key has no value
	ErrNotFound = errors.New("store: key not found")
	// ErrEmptyKey is returned for a blank key
	ErrEmptyKey = errors.New("store: empty key")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("store: closed")
)

// Store is a keyed object store
type Store[T any] interface {
	// Contains reports whether key has a value
	Contains(ctx context.Context, key string) (bool, error)

	// Store sets the value of key, replacing any previous value
	Store(ctx context.Context, key string, value T) error

	// Retrieve returns the value of key or ErrNotFound
	Retrieve(ctx context.Context, key string) (T, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every key
	Clear(ctx context.Context) error
}
