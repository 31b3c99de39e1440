// Package focus tracks which conversation is currently on screen.
package focus

import (
	"sync"

	"github.com/tOgg1/gardenchat/internal/events"
)

// Change is published whenever the focused conversation changes.
// Focused is false when nothing is focused.
type Change struct {
	ConversationID int64
	Focused        bool
}

// Tracker holds the single focused conversation for the process. It is
// injected into the components that read it.
type Tracker struct {
	mu      sync.RWMutex
	current int64
	bus     *events.Bus[Change]
}

// NewTracker creates a tracker with nothing focused.
func NewTracker() *Tracker {
	return &Tracker{bus: events.NewBus[Change]("focus")}
}

// Set focuses a conversation. Ids <= 0 clear the focus.
func (t *Tracker) Set(conversationID int64) {
	if conversationID <= 0 {
		t.ClearAll()
		return
	}
	t.mu.Lock()
	changed := t.current != conversationID
	t.current = conversationID
	t.mu.Unlock()
	if changed {
		t.bus.Publish(Change{ConversationID: conversationID, Focused: true})
	}
}

// Clear unfocuses conversationID only if it is still the focused one, so a
// late unmount of a previous screen does not clear a newer focus.
func (t *Tracker) Clear(conversationID int64) bool {
	t.mu.Lock()
	if t.current == 0 || t.current != conversationID {
		t.mu.Unlock()
		return false
	}
	t.current = 0
	t.mu.Unlock()
	t.bus.Publish(Change{})
	return true
}

// ClearAll removes any focus.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	had := t.current != 0
	t.current = 0
	t.mu.Unlock()
	if had {
		t.bus.Publish(Change{})
	}
}

// Current returns the focused conversation.
func (t *Tracker) Current() (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.current != 0
}

// Is reports whether conversationID is focused.
func (t *Tracker) Is(conversationID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current != 0 && t.current == conversationID
}

// Subscribe registers for focus changes.
func (t *Tracker) Subscribe(fn func(Change)) (*events.Subscription, error) {
	return t.bus.Subscribe(fn)
}
