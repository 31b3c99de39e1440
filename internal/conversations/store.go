// Package conversations merges history snapshots, live events and optimistic
// sends into one ordered view per conversation.
package conversations

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/dedup"
	"github.com/tOgg1/gardenchat/internal/events"
	"github.com/tOgg1/gardenchat/internal/logging"
	"github.com/tOgg1/gardenchat/internal/models"
)

// ChangeKind describes a store mutation.
type ChangeKind string

const (
	ChangeHistoryLoaded    ChangeKind = "history_loaded"
	ChangeMessageApplied   ChangeKind = "message_applied"
	ChangeMessageConfirmed ChangeKind = "message_confirmed"
	ChangePendingAdded     ChangeKind = "pending_added"
	ChangePendingDiscarded ChangeKind = "pending_discarded"
	ChangeCleared          ChangeKind = "cleared"
	ChangeUpserted         ChangeKind = "upserted"
)

// Change is published after every mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID int64
	Message        *models.Message
}

type record struct {
	conv models.Conversation
	// applied maps every confirmed message id held in conv.Messages to the
	// store sequence at which it arrived live (0 for history).
	applied map[int64]uint64
	// listSummary is the summary reported by the conversation list, used
	// while no messages are loaded.
	listSummary *models.LastMessageSummary
}

func (r *record) holds(messageID int64) bool {
	_, ok := r.applied[messageID]
	return ok
}

func (r *record) refreshSummary() {
	if n := len(r.conv.Messages); n > 0 {
		r.conv.LastMessage = r.conv.Messages[n-1].Summary()
		return
	}
	if r.listSummary != nil {
		s := *r.listSummary
		r.conv.LastMessage = &s
		return
	}
	r.conv.LastMessage = nil
}

// Store is the process-wide conversation view. All mutations take a single
// lock; readers get deep copies.
type Store struct {
	localUserID int64
	ledger      *dedup.Ledger
	logger      zerolog.Logger
	now         func() time.Time
	newRef      func() string

	mu    sync.RWMutex
	seq   uint64
	convs map[int64]*record
	bus   *events.Bus[Change]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the clock used for optimistic messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store for the given local user.
func NewStore(localUserID int64, ledger *dedup.Ledger, opts ...Option) *Store {
	if ledger == nil {
		ledger = dedup.NewLedger(dedup.DefaultCapacity)
	}
	s := &Store{
		localUserID: localUserID,
		ledger:      ledger,
		logger:      logging.Component("conversations"),
		now:         func() time.Time { return time.Now().UTC() },
		newRef:      func() string { return uuid.New().String() },
		convs:       make(map[int64]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = events.NewBus[Change]("conversations", events.WithLogger(s.logger))
	return s
}

// LocalUserID returns the identity the store was created for.
func (s *Store) LocalUserID() int64 { return s.localUserID }

func (s *Store) ensureLocked(conversationID int64, createdAt time.Time) *record {
	rec, ok := s.convs[conversationID]
	if !ok {
		rec = &record{
			conv: models.Conversation{
				ID:        conversationID,
				Kind:      models.ConversationKindDirect,
				CreatedAt: createdAt,
			},
			applied: make(map[int64]uint64),
		}
		s.convs[conversationID] = rec
	}
	return rec
}

// Mark returns a token for LoadHistorySince. Take it before starting a
// history fetch.
func (s *Store) Mark() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// LoadHistory replaces the conversation's messages with a fetched snapshot
// and records every id as seen. The snapshot is ordered by creation time,
// ties by id. Live messages newer than the snapshot's last message and
// pending local sends are kept after it. Loading the same snapshot twice
// yields the same view.
func (s *Store) LoadHistory(conversationID int64, messages []models.Message) {
	s.LoadHistorySince(conversationID, messages, s.Mark())
}

// LoadHistorySince is LoadHistory for a snapshot fetched after mark was
// taken: live messages applied since mark are kept even when the snapshot
// predates them.
func (s *Store) LoadHistorySince(conversationID int64, messages []models.Message, mark uint64) {
	if conversationID <= 0 {
		return
	}
	s.mu.Lock()
	rec := s.ensureLocked(conversationID, firstCreatedAt(messages, s.now()))

	snapshot := make([]models.Message, 0, len(messages))
	inSnapshot := make(map[int64]struct{}, len(messages))
	for _, msg := range messages {
		if msg.ID <= 0 {
			continue
		}
		if _, dup := inSnapshot[msg.ID]; dup {
			continue
		}
		inSnapshot[msg.ID] = struct{}{}
		msg.ConversationID = conversationID
		msg.Pending = false
		msg.ClientRef = ""
		s.ledger.MarkIfNew(conversationID, msg.ID)
		snapshot = append(snapshot, msg)
	}
	SortMessages(snapshot)

	applied := make(map[int64]uint64, len(snapshot))
	for _, msg := range snapshot {
		applied[msg.ID] = 0
	}
	next := snapshot
	var pending []models.Message
	for _, msg := range rec.conv.Messages {
		if msg.Pending {
			pending = append(pending, msg)
			continue
		}
		if _, ok := inSnapshot[msg.ID]; ok {
			continue
		}
		seq := rec.applied[msg.ID]
		if seq > mark || newerThanTail(msg, snapshot) {
			applied[msg.ID] = seq
			next = append(next, msg)
		}
	}
	next = append(next, pending...)
	rec.conv.Messages = next
	rec.applied = applied
	rec.refreshSummary()
	s.mu.Unlock()

	s.logger.Debug().Int64("conversation_id", conversationID).Int("messages", len(next)).Msg("history loaded")
	s.bus.Publish(Change{Kind: ChangeHistoryLoaded, ConversationID: conversationID})
}

// ApplyInbound appends a live message if its id has not been seen. A message
// from the local user collapses into the oldest pending entry with the same
// body. Returns whether the message was applied.
func (s *Store) ApplyInbound(msg models.Message) bool {
	if msg.ID <= 0 || msg.ConversationID <= 0 {
		return false
	}
	msg.Pending = false
	msg.ClientRef = ""

	s.mu.Lock()
	if rec, ok := s.convs[msg.ConversationID]; (ok && rec.holds(msg.ID)) || !s.ledger.MarkIfNew(msg.ConversationID, msg.ID) {
		s.mu.Unlock()
		s.logger.Debug().Int64("conversation_id", msg.ConversationID).Int64("message_id", msg.ID).Msg("duplicate message dropped")
		return false
	}
	rec := s.ensureLocked(msg.ConversationID, msg.CreatedAt)
	s.seq++
	rec.applied[msg.ID] = s.seq
	kind := ChangeMessageApplied
	replaced := false
	if msg.SenderID == s.localUserID {
		if idx := oldestPendingWithBody(rec.conv.Messages, msg.Body); idx >= 0 {
			rec.conv.Messages[idx] = msg
			replaced = true
			kind = ChangeMessageConfirmed
		}
	}
	if !replaced {
		rec.conv.Messages = append(rec.conv.Messages, msg)
	}
	rec.refreshSummary()
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: kind, ConversationID: msg.ConversationID, Message: &msg})
	return true
}

// ApplySentEcho reconciles the server's answer to a send with the pending
// entry identified by clientRef. When the id is new the pending entry is
// replaced in place (or the message appended if the entry is gone). When the
// id was already applied through the live path the pending entry is removed.
// Either way exactly one copy of the message remains. Returns whether the
// message was newly applied.
func (s *Store) ApplySentEcho(clientRef string, msg models.Message) bool {
	if msg.ID <= 0 || msg.ConversationID <= 0 {
		return false
	}
	msg.Pending = false
	msg.ClientRef = ""

	s.mu.Lock()
	rec := s.ensureLocked(msg.ConversationID, msg.CreatedAt)
	idx := pendingIndex(rec.conv.Messages, clientRef)
	applied := !rec.holds(msg.ID) && s.ledger.MarkIfNew(msg.ConversationID, msg.ID)
	if applied {
		s.seq++
		rec.applied[msg.ID] = s.seq
	}
	switch {
	case applied && idx >= 0:
		rec.conv.Messages[idx] = msg
	case applied:
		rec.conv.Messages = append(rec.conv.Messages, msg)
	case idx >= 0:
		rec.conv.Messages = append(rec.conv.Messages[:idx], rec.conv.Messages[idx+1:]...)
	default:
		s.mu.Unlock()
		return false
	}
	rec.refreshSummary()
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeMessageConfirmed, ConversationID: msg.ConversationID, Message: &msg})
	return applied
}

// AddPending inserts an optimistic message from the local user and returns
// it. The message has no server id; ClientRef identifies it until confirmed.
func (s *Store) AddPending(conversationID int64, body string) models.Message {
	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       s.localUserID,
		Body:           body,
		CreatedAt:      s.now(),
		ClientRef:      s.newRef(),
		Pending:        true,
	}
	s.mu.Lock()
	rec := s.ensureLocked(conversationID, msg.CreatedAt)
	rec.conv.Messages = append(rec.conv.Messages, msg)
	rec.refreshSummary()
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangePendingAdded, ConversationID: conversationID, Message: &msg})
	return msg
}

// DiscardPending removes an optimistic message after a failed send.
func (s *Store) DiscardPending(conversationID int64, clientRef string) bool {
	s.mu.Lock()
	rec, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := pendingIndex(rec.conv.Messages, clientRef)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	rec.conv.Messages = append(rec.conv.Messages[:idx], rec.conv.Messages[idx+1:]...)
	rec.refreshSummary()
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangePendingDiscarded, ConversationID: conversationID})
	return true
}

// ClearHistory empties a conversation's messages and summary. The
// conversation stays listed and already-seen ids stay suppressed.
func (s *Store) ClearHistory(conversationID int64) bool {
	s.mu.Lock()
	rec, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.conv.Messages = []models.Message{}
	rec.applied = make(map[int64]uint64)
	rec.listSummary = nil
	rec.conv.LastMessage = nil
	s.mu.Unlock()

	s.bus.Publish(Change{Kind: ChangeCleared, ConversationID: conversationID})
	return true
}

// Upsert merges a conversation record from the collaborator list. Loaded
// messages are kept; the counterpart is replaced; the summary is replaced
// only when newer than what is known.
func (s *Store) Upsert(conv models.Conversation) {
	if s.upsert(conv) {
		s.bus.Publish(Change{Kind: ChangeUpserted, ConversationID: conv.ID})
	}
}

// UpsertAll merges every record of a conversation list.
func (s *Store) UpsertAll(convs []models.Conversation) {
	for _, conv := range convs {
		s.Upsert(conv)
	}
}

func (s *Store) upsert(conv models.Conversation) bool {
	if conv.ID <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(conv.ID, conv.CreatedAt)
	if !conv.CreatedAt.IsZero() {
		rec.conv.CreatedAt = conv.CreatedAt
	}
	if conv.Kind != "" {
		rec.conv.Kind = conv.Kind
	}
	if conv.Counterpart != nil {
		cp := *conv.Counterpart
		rec.conv.Counterpart = &cp
	}
	if conv.LastMessage != nil {
		incoming := *conv.LastMessage
		if rec.listSummary == nil || incoming.CreatedAt.After(rec.listSummary.CreatedAt) {
			rec.listSummary = &incoming
		}
	}
	if len(conv.Messages) > 0 && len(rec.conv.Messages) == 0 {
		for _, msg := range conv.Messages {
			if msg.ID > 0 && !rec.holds(msg.ID) && s.ledger.MarkIfNew(conv.ID, msg.ID) {
				msg.ConversationID = conv.ID
				msg.Pending = false
				msg.ClientRef = ""
				rec.conv.Messages = append(rec.conv.Messages, msg)
				rec.applied[msg.ID] = 0
			}
		}
	}
	rec.refreshSummary()
	if rec.listSummary != nil && rec.conv.LastMessage != nil &&
		rec.listSummary.CreatedAt.After(rec.conv.LastMessage.CreatedAt) {
		summary := *rec.listSummary
		rec.conv.LastMessage = &summary
	}
	return true
}

// ListConversations returns every conversation, newest activity first. Ties
// are broken by ascending conversation id.
func (s *Store) ListConversations() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, rec := range s.convs {
		out = append(out, rec.conv.Clone())
	}
	s.mu.RUnlock()

	SortConversations(out)
	return out
}

// SortConversations orders conversations the way ListConversations does.
func SortConversations(convs []models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ki, kj := convs[i].SortKey(), convs[j].SortKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return convs[i].ID < convs[j].ID
	})
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(conversationID int64) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return rec.conv.Clone(), true
}

// Messages returns a copy of one conversation's messages in append order.
func (s *Store) Messages(conversationID int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), rec.conv.Messages...)
}

// IDs returns all known conversation ids, ascending.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscribe registers for store changes.
func (s *Store) Subscribe(fn func(Change)) (*events.Subscription, error) {
	return s.bus.Subscribe(fn)
}

// SortMessages orders messages by creation time, ties by id.
func SortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messageBefore(messages[i], messages[j])
	})
}

func messageBefore(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func newerThanTail(msg models.Message, snapshot []models.Message) bool {
	if len(snapshot) == 0 {
		return false
	}
	return messageBefore(snapshot[len(snapshot)-1], msg)
}

func pendingIndex(messages []models.Message, clientRef string) int {
	if strings.TrimSpace(clientRef) == "" {
		return -1
	}
	for i, msg := range messages {
		if msg.Pending && msg.ClientRef == clientRef {
			return i
		}
	}
	return -1
}

func oldestPendingWithBody(messages []models.Message, body string) int {
	for i, msg := range messages {
		if msg.Pending && msg.Body == body {
			return i
		}
	}
	return -1
}

func firstCreatedAt(messages []models.Message, fallback time.Time) time.Time {
	for _, msg := range messages {
		if !msg.CreatedAt.IsZero() {
			return msg.CreatedAt
		}
	}
	return fallback
}
