package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

var ErrUnknownConversation = errors.New("cache: unknown conversation")

// override is an optimistic flag value not yet confirmed by the server
type override struct {
	seq   uint64
	value bool
}

type summary struct {
	conv   models.Conversation
	muted  *override
	pinned *override
}

// ConversationCache holds conversation list entries with their previews and
// unread counters. Safe for concurrent use.
type ConversationCache struct {
	mu    sync.RWMutex
	convs map[int64]*summary
	seq   uint64
}

func NewConversationCache() *ConversationCache {
	return &ConversationCache{convs: make(map[int64]*summary)}
}

// Refresh merges a fetched list. Unconfirmed mute/pin values win over the
// server's, and so does a local preview newer than the server's snapshot.
func (c *ConversationCache) Refresh(list []models.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range list {
		if conv.ID == 0 {
			continue
		}
		s, ok := c.convs[conv.ID]
		if !ok {
			c.convs[conv.ID] = &summary{conv: conv}
			continue
		}
		if s.conv.LastMessageTime.After(conv.LastMessageTime) {
			conv.LastMessage = s.conv.LastMessage
			conv.LastMessageTime = s.conv.LastMessageTime
			conv.UnreadCount = s.conv.UnreadCount
		}
		if s.muted != nil {
			conv.Muted = s.muted.value
		}
		if s.pinned != nil {
			conv.Pinned = s.pinned.value
		}
		s.conv = conv
	}
}

// Upsert stores a single conversation as the server reported it
func (c *ConversationCache) Upsert(conv models.Conversation) {
	c.Refresh([]models.Conversation{conv})
}

// ApplyMessage moves the preview to msg and, when countUnread is set, bumps
// the unread counter. Unknown conversations get a placeholder entry until the
// next refresh fills in the rest.
func (c *ConversationCache) ApplyMessage(msg models.Message, countUnread bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.convs[msg.ConversationID]
	if !ok {
		s = &summary{conv: models.Conversation{ID: msg.ConversationID}}
		c.convs[msg.ConversationID] = s
	}
	// a late, older message must not roll the preview back
	if !msg.CreatedAt.Before(s.conv.LastMessageTime) {
		s.conv.LastMessage = msg.Preview()
		s.conv.LastMessageTime = msg.CreatedAt
	}
	if countUnread {
		s.conv.UnreadCount++
	}
}

// MarkRead zeroes the unread counter
func (c *ConversationCache) MarkRead(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.convs[id]
	if !ok {
		return false
	}
	s.conv.UnreadCount = 0
	return true
}

// SetMuted applies the mute flag immediately, then calls persist. A failed
// persist restores the previous value unless a newer change superseded it.
func (c *ConversationCache) SetMuted(ctx context.Context, id int64, muted bool, persist func(context.Context) error) error {
	return c.setFlag(ctx, id, muted, persist, "muted",
		func(s *summary) (*bool, **override) { return &s.conv.Muted, &s.muted })
}

// SetPinned is SetMuted for the pin flag
func (c *ConversationCache) SetPinned(ctx context.Context, id int64, pinned bool, persist func(context.Context) error) error {
	return c.setFlag(ctx, id, pinned, persist, "pinned",
		func(s *summary) (*bool, **override) { return &s.conv.Pinned, &s.pinned })
}

func (c *ConversationCache) setFlag(ctx context.Context, id int64, v bool, persist func(context.Context) error,
	name string, field func(*summary) (*bool, **override)) error {
	c.mu.Lock()
	s, ok := c.convs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("set %s on %d: %w", name, id, ErrUnknownConversation)
	}
	flag, pending := field(s)
	prev := *flag
	c.seq++
	seq := c.seq
	*flag = v
	*pending = &override{seq: seq, value: v}
	c.mu.Unlock()

	err := persist(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.convs[id]; !ok {
		return err
	}
	flag, pending = field(s)
	if *pending == nil || (*pending).seq != seq {
		// a newer change owns the flag now
		return err
	}
	*pending = nil
	if err != nil {
		*flag = prev
		return fmt.Errorf("set %s on %d: %w", name, id, err)
	}
	return nil
}

// Remove drops a conversation after leave or delete
func (c *ConversationCache) Remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[id]; !ok {
		return false
	}
	delete(c.convs, id)
	return true
}

func (c *ConversationCache) Get(id int64) (models.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return s.conv, true
}

// List returns pinned conversations first, then most recent activity first
func (c *ConversationCache) List() []models.Conversation {
	c.mu.RLock()
	out := make([]models.Conversation, 0, len(c.convs))
	for _, s := range c.convs {
		out = append(out, s.conv)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		if d := b.LastMessageTime.Compare(a.LastMessageTime); d != 0 {
			return d
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// TotalUnread sums unread counters of conversations that are not muted
func (c *ConversationCache) TotalUnread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.convs {
		if !s.conv.Muted {
			n += s.conv.UnreadCount
		}
	}
	return n
}

func (c *ConversationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.convs)
}
