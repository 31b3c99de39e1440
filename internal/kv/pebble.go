package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// DefaultPebblePrefix namespaces unread counters inside a shared Pebble
// database.
const DefaultPebblePrefix = "unread/"

// PebbleStore keeps entries in a Pebble database under a key prefix. Every
// write is synced.
type PebbleStore struct {
	db     *pebble.DB
	prefix []byte
	owned  bool

	mu     sync.RWMutex
	closed bool
}

// OpenPebble opens (or creates) a Pebble database at dir.
func OpenPebble(dir, prefix string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kv: open pebble %s: %w", dir, err)
	}
	s := NewPebbleStore(db, prefix)
	s.owned = true
	return s, nil
}

// NewPebbleStore wraps an already-open database. Close does not close db.
func NewPebbleStore(db *pebble.DB, prefix string) *PebbleStore {
	if prefix == "" {
		prefix = DefaultPebblePrefix
	}
	return &PebbleStore{db: db, prefix: []byte(prefix)}
}

func (s *PebbleStore) key(k string) []byte {
	out := make([]byte, 0, len(s.prefix)+len(k))
	out = append(out, s.prefix...)
	return append(out, k...)
}

func (s *PebbleStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	val, closer, err := s.db.Get(s.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	out := string(val)
	if err := closer.Close(); err != nil {
		return "", err
	}
	return out, nil
}

func (s *PebbleStore) Set(_ context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Set(s.key(key), []byte(value), pebble.Sync)
}

func (s *PebbleStore) Delete(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Delete(s.key(key), pebble.Sync)
}

func (s *PebbleStore) All(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: s.prefix,
		UpperBound: prefixUpperBound(s.prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make(map[string]string)
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := string(it.Key()[len(s.prefix):])
		out[k] = string(it.Value())
	}
	return out, it.Error()
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key that has
// the given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
