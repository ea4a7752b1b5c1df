package chat

import (
	"sort"
	"sync"
	"time"
)

// Timeline is the ordered, deduplicated message collection for one session.
// It is the single source of truth for rendering. All writes come from the
// reconcile loop (one goroutine); reads may come from anywhere, so the
// internal lock only has to arbitrate writer-vs-reader.
type Timeline struct {
	mu       sync.RWMutex
	msgs     []Message
	byServer map[string]int
	byLocal  map[string]int
	snapshot []Message // cached; nil when a mutation invalidated it
}

func NewTimeline() *Timeline {
	return &Timeline{
		byServer: make(map[string]int),
		byLocal:  make(map[string]int),
	}
}

// Reset drops every entry. Used on session switch.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = nil
	t.byServer = make(map[string]int)
	t.byLocal = make(map[string]int)
	t.snapshot = nil
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Append inserts m at its ordered position. If m carries a ServerID that is
// already present, the existing entry is updated in place instead (confirmed
// fields win over cached ones); a duplicate server id never yields a second
// entry. Returns true when the visible timeline changed.
func (t *Timeline) Append(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ServerID != "" {
		if i, ok := t.byServer[m.ServerID]; ok {
			return t.updateAtLocked(i, m)
		}
	}
	if m.LocalID != "" {
		if _, ok := t.byLocal[m.LocalID]; ok {
			return false
		}
	}
	t.insertLocked(m)
	return true
}

// Replace atomically swaps the optimistic entry identified by localID for its
// confirmed counterpart. The confirmed record is repositioned to its
// server-declared timestamp; the stale optimistic position is never kept.
// Returns false when no such optimistic entry exists.
func (t *Timeline) Replace(localID string, confirmed Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byLocal[localID]
	if !ok {
		return false
	}
	if confirmed.LocalID == "" {
		confirmed.LocalID = localID
	}
	t.removeLocked(i)
	t.insertLocked(confirmed)
	return true
}

// Remove deletes the entry identified by localID. Returns false when absent.
func (t *Timeline) Remove(localID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byLocal[localID]
	if !ok {
		return false
	}
	t.removeLocked(i)
	return true
}

// RemoveServer deletes the entry identified by serverID.
func (t *Timeline) RemoveServer(serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byServer[serverID]
	if !ok {
		return false
	}
	t.removeLocked(i)
	return true
}

// GetServer returns the entry with the given server id.
func (t *Timeline) GetServer(serverID string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byServer[serverID]
	if !ok {
		return Message{}, false
	}
	return t.msgs[i], true
}

// GetLocal returns the entry with the given local id.
func (t *Timeline) GetLocal(localID string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return t.msgs[i], true
}

// SetDelivery updates the delivery state of a local entry in place. Position
// is unaffected because delivery state is not part of the order key.
func (t *Timeline) SetDelivery(localID string, state DeliveryState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byLocal[localID]
	if !ok {
		return false
	}
	if t.msgs[i].Delivery == state {
		return false
	}
	t.msgs[i].Delivery = state
	t.snapshot = nil
	return true
}

// MatchPending returns the local id of a pending optimistic entry matching
// the incoming confirmed record. The nonce is authoritative; the
// content+role+coarse-timestamp fallback only fires for records that carry
// no nonce at all and is best effort.
func (t *Timeline) MatchPending(incoming Message) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if incoming.Nonce != "" {
		for _, i := range t.byLocal {
			m := t.msgs[i]
			if m.Delivery == DeliveryPending && m.Nonce == incoming.Nonce {
				return m.LocalID, true
			}
		}
		return "", false
	}

	const window = 10 * time.Second
	for _, i := range t.byLocal {
		m := t.msgs[i]
		if m.Delivery != DeliveryPending || m.Role != incoming.Role || m.Content != incoming.Content {
			continue
		}
		d := incoming.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.LocalID, true
		}
	}
	return "", false
}

// HighWaterMark returns the created-at/server-id pair of the newest confirmed
// entry, used as the catch-up marker after reconnect.
func (t *Timeline) HighWaterMark() (time.Time, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].Confirmed() {
			return t.msgs[i].CreatedAt, t.msgs[i].ServerID
		}
	}
	return time.Time{}, ""
}

// Snapshot returns the ordered timeline. The returned slice is shared and
// must not be mutated; it is recomputed lazily after a mutation, not on every
// read.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	if t.snapshot != nil {
		s := t.snapshot
		t.mu.RUnlock()
		return s
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		t.snapshot = append([]Message(nil), t.msgs...)
	}
	return t.snapshot
}

// insertLocked places m at its ordered position. The position is found by
// binary search; only the tail shifts, there is no re-sort.
func (t *Timeline) insertLocked(m Message) {
	i := sort.Search(len(t.msgs), func(i int) bool {
		return m.Less(t.msgs[i])
	})
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.reindexLocked(i)
	t.snapshot = nil
}

func (t *Timeline) removeLocked(i int) {
	m := t.msgs[i]
	if m.ServerID != "" {
		delete(t.byServer, m.ServerID)
	}
	if m.LocalID != "" {
		delete(t.byLocal, m.LocalID)
	}
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	t.reindexLocked(i)
	t.snapshot = nil
}

// updateAtLocked merges incoming into the entry at i, repositioning when the
// order key changed.
func (t *Timeline) updateAtLocked(i int, incoming Message) bool {
	cur := t.msgs[i]
	merged := mergeMessages(cur, incoming)
	if merged.equal(cur) {
		return false
	}
	if merged.CreatedAt.Equal(cur.CreatedAt) {
		t.msgs[i] = merged
		t.snapshot = nil
		return true
	}
	t.removeLocked(i)
	t.insertLocked(merged)
	return true
}

// reindexLocked rebuilds index entries from position i to the end.
func (t *Timeline) reindexLocked(from int) {
	for i := from; i < len(t.msgs); i++ {
		m := t.msgs[i]
		if m.ServerID != "" {
			t.byServer[m.ServerID] = i
		}
		if m.LocalID != "" {
			t.byLocal[m.LocalID] = i
		}
	}
}

// mergeMessages applies last-writer-wins by server timestamp: incoming fields
// win unless the incoming record is older than what is stored.
func mergeMessages(cur, incoming Message) Message {
	if incoming.serverTime().Before(cur.serverTime()) {
		return cur
	}
	merged := incoming
	if merged.LocalID == "" {
		merged.LocalID = cur.LocalID
	}
	if merged.Nonce == "" {
		merged.Nonce = cur.Nonce
	}
	if merged.Delivery == "" {
		merged.Delivery = cur.Delivery
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = cur.CreatedAt
	}
	return merged
}
