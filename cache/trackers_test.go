package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

func TestTypingExpires(t *testing.T) {
	now := base
	tr := NewTypingTracker(5 * time.Second)
	tr.now = func() time.Time { return now }

	tr.Apply(models.TypingStatus{ConversationID: conv, UserID: 3, UserName: "c", IsTyping: true})
	tr.Apply(models.TypingStatus{ConversationID: conv, UserID: 2, UserName: "b", IsTyping: true})
	assert.Len(t, tr.Typing(conv), 2)
	assert.Equal(t, int64(2), tr.Typing(conv)[0].UserID)

	now = now.Add(3 * time.Second)
	tr.Apply(models.TypingStatus{ConversationID: conv, UserID: 3, UserName: "c", IsTyping: true})

	now = now.Add(3 * time.Second)
	got := tr.Typing(conv)
	if assert.Len(t, got, 1) {
		assert.Equal(t, int64(3), got[0].UserID, "refreshed indicator survives")
	}

	tr.Apply(models.TypingStatus{ConversationID: conv, UserID: 3, IsTyping: false})
	assert.Empty(t, tr.Typing(conv))
}

func TestTypingClear(t *testing.T) {
	tr := NewTypingTracker(time.Minute)
	tr.Apply(models.TypingStatus{ConversationID: conv, UserID: 3, IsTyping: true})
	tr.Clear(conv)
	assert.Empty(t, tr.Typing(conv))
}

func TestPresenceIgnoresStaleEvents(t *testing.T) {
	p := NewPresenceTracker()
	p.Apply(models.PresenceEvent{UserID: 4, Online: true, LastSeen: base.Add(time.Minute)})
	p.Apply(models.PresenceEvent{UserID: 4, Online: false, LastSeen: base})
	p.Apply(models.PresenceEvent{UserID: 2, Online: true, LastSeen: base})

	assert.True(t, p.Online(4))
	assert.False(t, p.Online(9))
	assert.Equal(t, []int64{2, 4}, p.OnlineUsers())

	p.Apply(models.PresenceEvent{UserID: 4, Online: false, LastSeen: base.Add(time.Hour)})
	seen, ok := p.LastSeen(4)
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), seen)
	assert.Equal(t, []int64{2}, p.OnlineUsers())
}
