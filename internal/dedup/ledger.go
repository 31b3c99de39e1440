// Package dedup remembers which messages have already been applied so the
// history and live paths never produce two copies of one message.
package dedup

import (
	lru "github.com/hashicorp/golang-lru"
)

// MinCapacity is the smallest ledger size accepted.
const MinCapacity = 16

// DefaultCapacity is used when no size is configured.
const DefaultCapacity = 4096

type key struct {
	conversationID int64
	messageID      int64
}

// Ledger is a bounded, concurrency-safe set of seen message ids. The oldest
// entries are evicted first once the capacity is reached.
type Ledger struct {
	cache    *lru.Cache
	capacity int
}

// NewLedger creates a ledger holding at most capacity ids.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	cache, err := lru.New(capacity)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Ledger{cache: cache, capacity: capacity}
}

// MarkIfNew records the id and reports whether it was not seen before.
// Check and insert happen atomically.
func (l *Ledger) MarkIfNew(conversationID, messageID int64) bool {
	found, _ := l.cache.ContainsOrAdd(key{conversationID, messageID}, struct{}{})
	return !found
}

// Seen reports whether the id is recorded, without touching recency.
func (l *Ledger) Seen(conversationID, messageID int64) bool {
	return l.cache.Contains(key{conversationID, messageID})
}

// Forget drops every id recorded for a conversation.
func (l *Ledger) Forget(conversationID int64) int {
	removed := 0
	for _, k := range l.cache.Keys() {
		if kk, ok := k.(key); ok && kk.conversationID == conversationID {
			l.cache.Remove(kk)
			removed++
		}
	}
	return removed
}

// Len returns the number of ids held.
func (l *Ledger) Len() int {
	return l.cache.Len()
}

// Capacity returns the configured bound.
func (l *Ledger) Capacity() int {
	return l.capacity
}
