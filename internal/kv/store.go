// Package kv provides the get/put key-value stores that back tenant
// configuration and traffic aggregates.
//
// Stores expose no increment or compare-and-swap primitive. Callers that
// read-modify-write a key race with each other and may lose updates.
package kv

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	ErrReadFailed  = errors.New("read failed")
	ErrWriteFailed = errors.New("write failed")
	ErrClosed      = errors.New("store closed")
)

// Store is a string-valued key-value store.
// Implementations include an in-memory map, the local filesystem, SQLite,
// MySQL and S3.
type Store interface {
	// Get returns the value stored under key. found is false when the key
	// has never been written.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// Close releases resources held by the store.
	Close() error
}
