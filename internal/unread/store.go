// Package unread keeps durable per-conversation unread counts.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/kv"
	"github.com/tOgg1/gardenchat/internal/logging"
)

// ErrInvalidConversation is returned for conversation ids <= 0.
var ErrInvalidConversation = errors.New("unread: conversation id must be positive")

// Counts maps conversation id to unread count.
type Counts map[int64]int

// Total sums all counts.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// IDs returns the conversation ids with a count, ascending.
func (c Counts) IDs() []int64 {
	ids := make([]int64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Store holds unread counters in memory and writes every change through to a
// kv.Store. Counters are never negative; zero counters are not persisted.
type Store struct {
	backend kv.Store
	logger  zerolog.Logger

	mu     sync.Mutex
	counts Counts
	bus    *events.Bus[Counts]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New loads persisted counters from backend. Values that are not
// non-negative integers are dropped with a warning.
func New(ctx context.Context, backend kv.Store, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("unread: backend is required")
	}
	s := &Store{
		backend: backend,
		logger:  logging.Component("unread"),
		counts:  make(Counts),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = events.NewBus[Counts]("unread", events.WithLogger(s.logger))

	entries, err := backend.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("unread: load counters: %w", err)
	}
	for key, raw := range entries {
		id, n, ok := parseEntry(key, raw)
		if !ok {
			s.logger.Warn().Str("key", key).Str("value", raw).Msg("dropping invalid persisted unread counter")
			if err := backend.Delete(ctx, key); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete invalid counter")
			}
			continue
		}
		if n > 0 {
			s.counts[id] = n
		}
	}
	return s, nil
}

func parseEntry(key, raw string) (int64, int, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		// Values written by older clients may be floats.
		f, ferr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if ferr != nil {
			return 0, 0, false
		}
		n = int(f)
	}
	if n < 0 {
		n = 0
	}
	return id, n, true
}

func key(conversationID int64) string {
	return strconv.FormatInt(conversationID, 10)
}

// Increment adds one to the conversation's counter and returns the new value.
func (s *Store) Increment(ctx context.Context, conversationID int64) (int, error) {
	if conversationID <= 0 {
		return 0, ErrInvalidConversation
	}
	s.mu.Lock()
	n := s.counts[conversationID] + 1
	s.counts[conversationID] = n
	err := s.backend.Set(ctx, key(conversationID), strconv.Itoa(n))
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("failed to persist unread counter")
	}
	s.bus.Publish(snapshot)
	return n, err
}

// Reset sets the conversation's counter to zero.
func (s *Store) Reset(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return ErrInvalidConversation
	}
	s.mu.Lock()
	if _, ok := s.counts[conversationID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.counts, conversationID)
	err := s.backend.Delete(ctx, key(conversationID))
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("failed to persist unread reset")
	}
	s.bus.Publish(snapshot)
	return err
}

// Get returns the counter, zero when unknown.
func (s *Store) Get(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[conversationID]
}

// GetAll returns a copy of all non-zero counters.
func (s *Store) GetAll() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Total returns the sum of all counters.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts.Total()
}

// Prune drops counters for conversations not in keep and returns the ids
// removed.
func (s *Store) Prune(ctx context.Context, keep []int64) ([]int64, error) {
	allowed := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		allowed[id] = struct{}{}
	}

	s.mu.Lock()
	var removed []int64
	var errs []error
	for id := range s.counts {
		if _, ok := allowed[id]; ok {
			continue
		}
		delete(s.counts, id)
		removed = append(removed, id)
		if err := s.backend.Delete(ctx, key(id)); err != nil {
			errs = append(errs, err)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if len(removed) > 0 {
		s.logger.Debug().Interface("conversation_ids", removed).Msg("pruned unread counters")
		s.bus.Publish(snapshot)
	}
	return removed, errors.Join(errs...)
}

// Subscribe registers for counter changes. Handlers receive a copy.
func (s *Store) Subscribe(fn func(Counts)) (*events.Subscription, error) {
	return s.bus.Subscribe(fn)
}

// Close closes the backend.
func (s *Store) Close() error {
	s.bus.Close()
	return s.backend.Close()
}

func (s *Store) snapshotLocked() Counts {
	out := make(Counts, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out
}
