package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// ScrollPolicy decides whether appending msg should scroll the view to the bottom
type ScrollPolicy func(msg models.Message, localUserID int64, atBottom bool) bool

// DefaultScrollPolicy scrolls for the local user's own messages or when the
// view is already at the bottom
func DefaultScrollPolicy(msg models.Message, localUserID int64, atBottom bool) bool {
	return msg.SenderID == localUserID || atBottom
}

type pendingMessage struct {
	clientID string
	msg      models.Message
}

// timeline is one conversation's ordered set of messages
type timeline struct {
	msgs    []models.Message // ascending by (createdAt, id)
	ids     map[int64]time.Time
	pending []pendingMessage // optimistic sends awaiting their server copy
	pages   int              // pages loaded so far
	hasMore bool
}

func newTimeline() *timeline {
	return &timeline{ids: make(map[int64]time.Time)}
}

func (t *timeline) index(id int64) (int, bool) {
	at, ok := t.ids[id]
	if !ok {
		return 0, false
	}
	return slices.BinarySearchFunc(t.msgs, models.Message{ID: id, CreatedAt: at}, models.Message.Compare)
}

// insert adds msg when its id is new; existing entries are replaced
func (t *timeline) insert(msg models.Message) bool {
	if i, ok := t.index(msg.ID); ok {
		t.msgs = slices.Delete(t.msgs, i, i+1)
		delete(t.ids, msg.ID)
		t.insert(msg)
		return false
	}
	i, _ := slices.BinarySearchFunc(t.msgs, msg, models.Message.Compare)
	t.msgs = slices.Insert(t.msgs, i, msg)
	t.ids[msg.ID] = msg.CreatedAt
	return true
}

func (t *timeline) remove(id int64) bool {
	i, ok := t.index(id)
	if !ok {
		return false
	}
	t.msgs = slices.Delete(t.msgs, i, i+1)
	delete(t.ids, id)
	return true
}

func (t *timeline) dropPending(clientID string) bool {
	if clientID == "" {
		return false
	}
	for i, p := range t.pending {
		if p.clientID == clientID {
			t.pending = slices.Delete(t.pending, i, i+1)
			return true
		}
	}
	return false
}

// MessageCache holds the ordered, deduplicated timelines of every
// conversation seen in this session. Safe for concurrent use.
type MessageCache struct {
	localUserID int64
	policy      ScrollPolicy

	mu    sync.RWMutex
	convs map[int64]*timeline
}

// NewMessageCache creates an empty cache. A nil policy means DefaultScrollPolicy.
func NewMessageCache(localUserID int64, policy ScrollPolicy) *MessageCache {
	if policy == nil {
		policy = DefaultScrollPolicy
	}
	return &MessageCache{
		localUserID: localUserID,
		policy:      policy,
		convs:       make(map[int64]*timeline),
	}
}

func (c *MessageCache) timelineLocked(conversationID int64) *timeline {
	t, ok := c.convs[conversationID]
	if !ok {
		t = newTimeline()
		c.convs[conversationID] = t
	}
	return t
}

// Load merges a REST page into the timeline and returns how many messages
// were new. Pages arrive in any order and any direction; a page 0 reload
// upserts the head and leaves older pages in place.
func (c *MessageCache) Load(conversationID int64, page int, msgs []models.Message, hasMore bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timelineLocked(conversationID)

	added := 0
	for _, m := range msgs {
		if m.ID == 0 || m.ConversationID != conversationID {
			continue
		}
		t.dropPending(m.ClientID)
		if t.insert(m) {
			added++
		}
	}
	// only the deepest page knows whether older history exists
	if page+1 >= t.pages {
		t.pages = page + 1
		t.hasMore = hasMore
	}
	return added
}

// AppendLive inserts a pushed message if its id is new. scroll reports
// whether the view should follow it to the bottom.
func (c *MessageCache) AppendLive(msg models.Message, atBottom bool) (added, scroll bool) {
	if msg.ID == 0 {
		return false, false
	}
	c.mu.Lock()
	t := c.timelineLocked(msg.ConversationID)
	if _, ok := t.ids[msg.ID]; ok {
		c.mu.Unlock()
		return false, false
	}
	t.dropPending(msg.ClientID)
	t.insert(msg)
	c.mu.Unlock()
	return true, c.policy(msg, c.localUserID, atBottom)
}

// AppendPending shows an optimistic message until the server copy arrives.
// msg.ClientID identifies it.
func (c *MessageCache) AppendPending(msg models.Message) bool {
	if msg.ClientID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timelineLocked(msg.ConversationID)
	t.pending = append(t.pending, pendingMessage{clientID: msg.ClientID, msg: msg})
	return true
}

// Confirm replaces the pending entry with the server's copy of the message.
// It is harmless when the push echo already did so.
func (c *MessageCache) Confirm(msg models.Message) bool {
	if msg.ID == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timelineLocked(msg.ConversationID)
	t.dropPending(msg.ClientID)
	return t.insert(msg)
}

// FailPending removes an optimistic message whose send failed
func (c *MessageCache) FailPending(conversationID int64, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	return t.dropPending(clientID)
}

// Remove evicts a message. Unknown ids are ignored and nothing is remembered.
func (c *MessageCache) Remove(conversationID, messageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	return t.remove(messageID)
}

// Update replaces a cached message in place, e.g. after a pin change
func (c *MessageCache) Update(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.convs[msg.ConversationID]
	if !ok {
		return false
	}
	if _, ok := t.ids[msg.ID]; !ok {
		return false
	}
	t.insert(msg)
	return true
}

// ApplyReadReceipt adds the reader to every listed message and returns the
// number of messages changed
func (c *MessageCache) ApplyReadReceipt(r models.ReadReceipt) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.convs[r.ConversationID]
	if !ok {
		return 0
	}
	changed := 0
	for _, id := range r.MessageIDs {
		i, ok := t.index(id)
		if !ok || t.msgs[i].IsReadBy(r.UserID) {
			continue
		}
		// copy so slices handed out by Messages stay untouched
		readers := make([]int64, 0, len(t.msgs[i].ReadByUserIDs)+1)
		readers = append(readers, t.msgs[i].ReadByUserIDs...)
		t.msgs[i].ReadByUserIDs = append(readers, r.UserID)
		changed++
	}
	return changed
}

// Messages returns the timeline in display order, pending sends last
func (c *MessageCache) Messages(conversationID int64) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(t.msgs)+len(t.pending))
	out = append(out, t.msgs...)
	for _, p := range t.pending {
		out = append(out, p.msg)
	}
	return out
}

// Media returns media messages with a usable attachment
func (c *MessageCache) Media(conversationID int64) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.convs[conversationID]
	if !ok {
		return nil
	}
	var out []models.Message
	for _, m := range t.msgs {
		if m.IsMedia() && m.HasValidAttachment() {
			out = append(out, m)
		}
	}
	return out
}

func (c *MessageCache) Contains(conversationID, messageID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.convs[conversationID]
	if !ok {
		return false
	}
	_, ok = t.ids[messageID]
	return ok
}

// Pending returns the number of unconfirmed sends in a conversation
func (c *MessageCache) Pending(conversationID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.convs[conversationID]; ok {
		return len(t.pending)
	}
	return 0
}

// HasMore reports whether older pages remain. Unloaded conversations report true.
func (c *MessageCache) HasMore(conversationID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.convs[conversationID]
	if !ok || t.pages == 0 {
		return true
	}
	return t.hasMore
}

// NextPage is the page index to request for older history
func (c *MessageCache) NextPage(conversationID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.convs[conversationID]; ok {
		return t.pages
	}
	return 0
}

// Reset drops a conversation's timeline
func (c *MessageCache) Reset(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, conversationID)
}
