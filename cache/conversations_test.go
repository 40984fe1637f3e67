package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

func conversation(id int64, unread int, at time.Time) models.Conversation {
	return models.Conversation{ID: id, Name: "c", LastMessage: "old", LastMessageTime: at, UnreadCount: unread}
}

func TestApplyMessageCountsOnlyWhenAsked(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 2, base)})

	m := msg(100)
	c.ApplyMessage(m, false)
	got, _ := c.Get(conv)
	assert.Equal(t, 2, got.UnreadCount)
	assert.Equal(t, "m", got.LastMessage)
	assert.Equal(t, m.CreatedAt, got.LastMessageTime)

	c.ApplyMessage(msg(101), true)
	got, _ = c.Get(conv)
	assert.Equal(t, 3, got.UnreadCount)
}

func TestApplyMessageKeepsNewestPreview(t *testing.T) {
	c := NewConversationCache()
	c.ApplyMessage(msg(5), false)
	older := msg(3)
	older.Content = "older"
	c.ApplyMessage(older, true)

	got, ok := c.Get(conv)
	require.True(t, ok, "unknown conversation gets a placeholder")
	assert.Equal(t, "m", got.LastMessage)
	assert.Equal(t, 1, got.UnreadCount)
}

func TestRefreshKeepsNewerLocalPreview(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 0, base)})
	c.ApplyMessage(msg(60), true)

	// server snapshot taken before the push
	stale := conversation(conv, 0, base)
	stale.Name = "renamed"
	c.Refresh([]models.Conversation{stale})

	got, _ := c.Get(conv)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, "m", got.LastMessage)

	// a newer snapshot is authoritative
	c.Refresh([]models.Conversation{conversation(conv, 4, base.Add(time.Hour))})
	got, _ = c.Get(conv)
	assert.Equal(t, 4, got.UnreadCount)
}

func TestMarkRead(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 3, base)})
	assert.True(t, c.MarkRead(conv))
	assert.False(t, c.MarkRead(99))
	got, _ := c.Get(conv)
	assert.Zero(t, got.UnreadCount)
}

func TestSetMutedRollsBackOnFailure(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 0, base)})
	boom := errors.New("boom")

	err := c.SetMuted(context.Background(), conv, true, func(context.Context) error {
		got, _ := c.Get(conv)
		assert.True(t, got.Muted, "applied before persist")
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := c.Get(conv)
	assert.False(t, got.Muted)

	require.NoError(t, c.SetMuted(context.Background(), conv, true, func(context.Context) error { return nil }))
	got, _ = c.Get(conv)
	assert.True(t, got.Muted)
}

func TestRefreshPreservesUnconfirmedPin(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 0, base)})

	err := c.SetPinned(context.Background(), conv, true, func(context.Context) error {
		// a list refetch lands while the request is in flight
		c.Refresh([]models.Conversation{conversation(conv, 0, base)})
		got, _ := c.Get(conv)
		assert.True(t, got.Pinned)
		return nil
	})
	require.NoError(t, err)
	got, _ := c.Get(conv)
	assert.True(t, got.Pinned)
}

func TestSupersededFailureDoesNotRollBack(t *testing.T) {
	c := NewConversationCache()
	c.Refresh([]models.Conversation{conversation(conv, 0, base)})

	err := c.SetPinned(context.Background(), conv, true, func(ctx context.Context) error {
		require.NoError(t, c.SetPinned(ctx, conv, false, func(context.Context) error { return nil }))
		return errors.New("late failure")
	})
	assert.Error(t, err)
	got, _ := c.Get(conv)
	assert.False(t, got.Pinned)
}

func TestSetFlagUnknownConversation(t *testing.T) {
	c := NewConversationCache()
	err := c.SetMuted(context.Background(), 5, true, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestListOrderAndTotals(t *testing.T) {
	c := NewConversationCache()
	a := conversation(1, 2, base)
	b := conversation(2, 1, base.Add(time.Minute))
	p := conversation(3, 5, base.Add(-time.Hour))
	p.Pinned = true
	m := conversation(4, 7, base.Add(time.Hour))
	m.Muted = true
	c.Refresh([]models.Conversation{a, b, p, m})

	var order []int64
	for _, cv := range c.List() {
		order = append(order, cv.ID)
	}
	assert.Equal(t, []int64{3, 4, 2, 1}, order)
	assert.Equal(t, 8, c.TotalUnread())

	assert.True(t, c.Remove(3))
	assert.False(t, c.Remove(3))
	assert.Equal(t, 3, c.Len())
}
