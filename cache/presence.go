package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

// PresenceTracker keeps the last known online state per user
type PresenceTracker struct {
	mu    sync.RWMutex
	users map[int64]models.PresenceEvent
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: make(map[int64]models.PresenceEvent)}
}

// Apply records ev unless a newer event for the same user was already seen
func (p *PresenceTracker) Apply(ev models.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.users[ev.UserID]; ok && cur.LastSeen.After(ev.LastSeen) {
		return
	}
	p.users[ev.UserID] = ev
}

func (p *PresenceTracker) Online(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.users[userID].Online
}

// LastSeen returns when the user was last reported
func (p *PresenceTracker) LastSeen(userID int64) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.users[userID]
	return ev.LastSeen, ok
}

// OnlineUsers returns the ids of online users in ascending order
func (p *PresenceTracker) OnlineUsers() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []int64
	for id, ev := range p.users {
		if ev.Online {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
