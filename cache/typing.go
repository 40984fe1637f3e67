package cache

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

type typingEntry struct {
	status  models.TypingStatus
	expires time.Time
}

// TypingTracker remembers who is typing where. An indicator expires after
// ttl unless refreshed by another typing event.
type TypingTracker struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	byConv map[int64]map[int64]typingEntry
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{ttl: ttl, now: time.Now, byConv: make(map[int64]map[int64]typingEntry)}
}

// Apply records a typing event; isTyping=false clears the user at once
func (t *TypingTracker) Apply(st models.TypingStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.byConv[st.ConversationID]
	if !st.IsTyping {
		delete(users, st.UserID)
		return
	}
	if users == nil {
		users = make(map[int64]typingEntry)
		t.byConv[st.ConversationID] = users
	}
	users[st.UserID] = typingEntry{status: st, expires: t.now().Add(t.ttl)}
}

// Typing returns the live indicators of a conversation ordered by user id
func (t *TypingTracker) Typing(conversationID int64) []models.TypingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []models.TypingStatus
	for uid, e := range t.byConv[conversationID] {
		if !now.Before(e.expires) {
			delete(t.byConv[conversationID], uid)
			continue
		}
		out = append(out, e.status)
	}
	slices.SortFunc(out, func(a, b models.TypingStatus) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// Clear forgets every indicator of a conversation
func (t *TypingTracker) Clear(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConv, conversationID)
}
