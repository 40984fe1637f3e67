package reconcile

// RecentIDs remembers the last size ids in a ring; the oldest id is
// forgotten when a new one arrives at capacity. Not safe for concurrent use.
type RecentIDs struct {
	ring []int64
	next int
	full bool
	set  map[int64]struct{}
}

func NewRecentIDs(size int) *RecentIDs {
	if size <= 0 {
		size = 1
	}
	return &RecentIDs{ring: make([]int64, size), set: make(map[int64]struct{}, size)}
}

// Seen reports whether id is in the window
func (r *RecentIDs) Seen(id int64) bool {
	_, ok := r.set[id]
	return ok
}

// Add records id and returns false when it was already present
func (r *RecentIDs) Add(id int64) bool {
	if r.Seen(id) {
		return false
	}
	if r.full {
		delete(r.set, r.ring[r.next])
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true
}

func (r *RecentIDs) Len() int {
	return len(r.set)
}
