// Package kv provides the durable string key-value stores backing
// persisted client state such as unread counters.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("kv: store closed")

// Store is a durable mapping of string keys to string values.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// All returns a copy of every entry.
	All(ctx context.Context) (map[string]string, error)
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendPebble Backend = "pebble"
	BackendMemory Backend = "memory"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendFile, BackendSQLite, BackendPebble, BackendMemory:
		return true
	}
	return false
}
