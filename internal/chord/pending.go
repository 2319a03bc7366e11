package chord

import (
	"time"

	"github.com/zde37/ringkv/pkg/hash"
)

// pendingLookup tracks one in-flight lookup and how many HTTP requests were
// deferred while waiting on it.
type pendingLookup struct {
	key     uint16
	waiting int
	sentAt  time.Time
}

// PendingLookups maps keys to in-flight lookups. At most one lookup per key is
// outstanding. It is not safe for concurrent use; the Node guards it with its
// ring mutex so routing decisions see pending entries and neighbors together.
type PendingLookups struct {
	entries map[uint16]*pendingLookup
	order   []uint16 // registration order, oldest first
	timeout time.Duration
	now     func() time.Time
}

// NewPendingLookups creates an empty registry. An entry older than timeout is
// superseded by the next Register for its key; zero disables supersession.
func NewPendingLookups(timeout time.Duration) *PendingLookups {
	return &PendingLookups{
		entries: make(map[uint16]*pendingLookup),
		timeout: timeout,
		now:     time.Now,
	}
}

// Register records a request waiting on key. It returns true when the caller
// should send a new lookup message: either no lookup for key was in flight, or
// the existing one is older than the timeout and is superseded.
func (p *PendingLookups) Register(key uint16) bool {
	now := p.now()

	if e, ok := p.entries[key]; ok {
		e.waiting++
		if p.timeout > 0 && now.Sub(e.sentAt) >= p.timeout {
			e.sentAt = now
			return true
		}
		return false
	}

	p.entries[key] = &pendingLookup{key: key, waiting: 1, sentAt: now}
	p.order = append(p.order, key)
	return true
}

// Resolve clears the pending entry answered by a reply and returns its key.
//
// A reply from responsible peer P with correlator R covers the window (R, P.ID].
// The oldest pending key inside that window is resolved; if none matches, the
// oldest pending entry is resolved instead, since correlators are not reliable
// enough across implementations to drop a reply over.
func (p *PendingLookups) Resolve(correlator uint16, responsible Peer) (uint16, bool) {
	if len(p.order) == 0 {
		return 0, false
	}

	idx := 0
	for i, key := range p.order {
		if hash.InRange(key, correlator, responsible.ID) {
			idx = i
			break
		}
	}

	key := p.order[idx]
	p.order = append(p.order[:idx], p.order[idx+1:]...)
	delete(p.entries, key)
	return key, true
}

// Has reports whether a lookup for key is in flight.
func (p *PendingLookups) Has(key uint16) bool {
	_, ok := p.entries[key]
	return ok
}

// Waiting returns how many requests have been deferred on key.
func (p *PendingLookups) Waiting(key uint16) int {
	if e, ok := p.entries[key]; ok {
		return e.waiting
	}
	return 0
}

// Keys returns pending keys, oldest first.
func (p *PendingLookups) Keys() []uint16 {
	out := make([]uint16, len(p.order))
	copy(out, p.order)
	return out
}

// Len returns the number of pending lookups.
func (p *PendingLookups) Len() int {
	return len(p.order)
}
