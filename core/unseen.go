package core

import (
	"sync"

	"github.com/canopyide/termflow/schema"
)

// unseenTracker counts presented batches the consumer has not seen
// because the session is hidden or scrolled away from the bottom.
// Snapshots are cached: callers receive the same pointer until a count
// changes, so pollers can compare pointers instead of contents.
type unseenTracker struct {
	mu      sync.Mutex
	counts  map[schema.SessionID]int
	version uint64
	cached  *schema.UnseenSnapshot
}

func newUnseenTracker() *unseenTracker {
	return &unseenTracker{counts: make(map[schema.SessionID]int)}
}

// record notes one presented batch. Seen batches leave the count alone.
// The notify result is true only on the zero to one transition so
// listeners are not churned on every subsequent batch.
func (u *unseenTracker) record(id schema.SessionID, seen bool) (count int, notify bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if seen {
		return u.counts[id], false
	}
	u.counts[id]++
	u.bump()
	return u.counts[id], u.counts[id] == 1
}

// clear zeroes the session's count, returning the previous count and
// whether anything changed.
func (u *unseenTracker) clear(id schema.SessionID) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev, ok := u.counts[id]
	if !ok || prev == 0 {
		return 0, false
	}
	delete(u.counts, id)
	u.bump()
	return prev, true
}

// remove drops the session entirely.
func (u *unseenTracker) remove(id schema.SessionID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.counts[id]; ok {
		delete(u.counts, id)
		u.bump()
	}
}

// count reports the session's current unseen count.
func (u *unseenTracker) count(id schema.SessionID) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[id]
}

// snapshot returns the cached snapshot, rebuilding it only after a
// change. The returned value must be treated as read-only.
func (u *unseenTracker) snapshot() *schema.UnseenSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cached == nil {
		sessions := make(map[schema.SessionID]int, len(u.counts))
		total := 0
		for id, n := range u.counts {
			sessions[id] = n
			total += n
		}
		u.cached = &schema.UnseenSnapshot{Sessions: sessions, Total: total, Version: u.version}
	}
	return u.cached
}

func (u *unseenTracker) bump() {
	u.version++
	u.cached = nil
}
