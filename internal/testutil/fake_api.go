package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tOgg1/gardenchat/internal/models"
)

// FakeAPI is an in-memory collaborator API served over httptest.
type FakeAPI struct {
	Server *httptest.Server

	mu            sync.Mutex
	conversations map[int64]*models.Conversation
	messages      map[int64][]models.Message
	nextMessageID int64
	nextConvID    int64
	localUserID   int64
	failures      map[string]int
	delays        map[string]time.Duration
	authHeaders   []string
	onSend        func(models.Message)
	now           func() time.Time
}

// NewFakeAPI starts the server for the given local user. It is closed on
// test cleanup.
func NewFakeAPI(t testing.TB, localUserID int64) *FakeAPI {
	t.Helper()
	SkipIfNoNetwork(t)
	f := &FakeAPI{
		conversations: make(map[int64]*models.Conversation),
		messages:      make(map[int64][]models.Message),
		nextMessageID: 100,
		nextConvID:    1000,
		localUserID:   localUserID,
		failures:      make(map[string]int),
		delays:        make(map[string]time.Duration),
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", f.wrap("list", f.handleList))
	mux.HandleFunc("POST /conversations", f.wrap("create", f.handleCreate))
	mux.HandleFunc("GET /conversations/{id}/messages", f.wrap("history", f.handleHistory))
	mux.HandleFunc("DELETE /conversations/{id}/messages", f.wrap("clear", f.handleClear))
	mux.HandleFunc("POST /messages", f.wrap("send", f.handleSend))

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL of the server.
func (f *FakeAPI) URL() string { return f.Server.URL }

// AddConversation seeds a conversation and its history.
func (f *FakeAPI) AddConversation(conv models.Conversation, history ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := conv.Clone()
	c.Messages = nil
	if n := len(history); n > 0 {
		c.LastMessage = history[n-1].Summary()
	}
	f.conversations[conv.ID] = &c
	f.messages[conv.ID] = append([]models.Message(nil), history...)
	for _, m := range history {
		if m.ID >= f.nextMessageID {
			f.nextMessageID = m.ID
		}
	}
}

// FailNext makes the next n calls of op ("list", "history", "send", "clear",
// "create") answer with status 500.
func (f *FakeAPI) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

// Delay makes every call of op wait d before answering.
func (f *FakeAPI) Delay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// OnSend is called with every message created through POST /messages.
func (f *FakeAPI) OnSend(fn func(models.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

// AuthHeaders returns the Authorization headers seen so far.
func (f *FakeAPI) AuthHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authHeaders...)
}

// Messages returns the server-side history of a conversation.
func (f *FakeAPI) Messages(conversationID int64) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages[conversationID]...)
}

func (f *FakeAPI) wrap(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		fail := f.failures[op] > 0
		if fail {
			f.failures[op]--
		}
		delay := f.delays[op]
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "injected failure"})
			return
		}
		h(w, r)
	}
}

func (f *FakeAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := make([]models.Conversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c.Clone())
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	_, exists := f.conversations[id]
	msgs := append([]models.Message{}, f.messages[id]...)
	f.mu.Unlock()
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (f *FakeAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f.mu.Lock()
	n := len(f.messages[id])
	f.messages[id] = nil
	if c, ok := f.conversations[id]; ok {
		c.LastMessage = nil
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"deletedCount": n})
}

func (f *FakeAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID int64  `json:"conversationId"`
		Body           string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID <= 0 || req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}

	f.mu.Lock()
	c, exists := f.conversations[req.ConversationID]
	if !exists {
		f.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	f.nextMessageID++
	msg := models.Message{
		ID:             f.nextMessageID,
		ConversationID: req.ConversationID,
		SenderID:       f.localUserID,
		Body:           req.Body,
		CreatedAt:      f.now(),
	}
	f.messages[req.ConversationID] = append(f.messages[req.ConversationID], msg)
	c.LastMessage = msg.Summary()
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (f *FakeAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID int64  `json:"participantId"`
		Kind          string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid participant"})
		return
	}

	f.mu.Lock()
	for _, c := range f.conversations {
		if c.Counterpart != nil && c.Counterpart.ID == req.ParticipantID {
			out := c.Clone()
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, out)
			return
		}
	}
	f.nextConvID++
	kind := models.ConversationKind(req.Kind)
	if kind == "" {
		kind = models.ConversationKindDirect
	}
	c := &models.Conversation{
		ID:          f.nextConvID,
		Kind:        kind,
		Counterpart: &models.UserRef{ID: req.ParticipantID, FirstName: "User", LastName: strconv.FormatInt(req.ParticipantID, 10)},
		CreatedAt:   f.now(),
	}
	f.conversations[c.ID] = c
	out := c.Clone()
	f.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
