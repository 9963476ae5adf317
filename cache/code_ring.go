package cache

import (
	"sync"
	"time"
)

// CodeEntry is one observed authorization code with its arrival time.
type CodeEntry struct {
	ConsentID  string    `json:"consent_id"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"received_at"`
}

// CodeRing is a fixed-capacity, thread-safe ring buffer of recently observed
// authorization codes. It exists purely for operator debugging of callback
// traffic; it is injected where needed rather than held in package state.
type CodeRing struct {
	mu      sync.Mutex
	entries []CodeEntry
	next    int
	filled  bool
}

// NewCodeRing creates a ring holding up to capacity entries. A non-positive
// capacity defaults to 32.
func NewCodeRing(capacity int) *CodeRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &CodeRing{entries: make([]CodeEntry, capacity)}
}

// Record appends an entry, overwriting the oldest once the ring is full.
func (r *CodeRing) Record(consentID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = CodeEntry{ConsentID: consentID, Code: code, ReceivedAt: time.Now().UTC()}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

// Snapshot returns the buffered entries, oldest first.
func (r *CodeRing) Snapshot() []CodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]CodeEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]CodeEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Len reports how many entries are currently buffered.
func (r *CodeRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.entries)
	}
	return r.next
}
