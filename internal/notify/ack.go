package notify

import (
	"sync"
	"time"

	kit "tendbot/internal/transport"
)

// ackRegistry remembers which sent service reminders are still waiting for
// an acknowledgment tap, keyed by the message the transport returned.
//
// Entries expire after a TTL so the map stays bounded without a background
// goroutine; an occasional O(n) sweep runs piggybacked on put().
type ackRegistry struct {
	mu  sync.Mutex
	ttl time.Duration

	m         map[kit.MessageRef]ackEntry
	nextSweep time.Time
}

type ackEntry struct {
	key       string // expected affordance key (kind-specific)
	ackedText string // message body after acknowledgment
	acked     bool
	exp       time.Time
}

const ackSweepEvery = time.Minute

func newAckRegistry(ttl time.Duration) *ackRegistry {
	return &ackRegistry{
		ttl: ttl,
		m:   map[kit.MessageRef]ackEntry{},
	}
}

func (r *ackRegistry) put(ref kit.MessageRef, e ackEntry) {
	now := time.Now()
	e.exp = now.Add(r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	r.m[ref] = e
}

// match checks ref against data and, on the first match, atomically flips
// the entry to acked. The returned entry carries the pre-flip acked flag so
// the caller can tell a first ack from a repeat.
func (r *ackRegistry) match(ref kit.MessageRef, data string) (ackEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.m[ref]
	if !ok || e.key != data || time.Now().After(e.exp) {
		return ackEntry{}, false
	}
	prev := e
	e.acked = true
	r.m[ref] = e
	return prev, true
}

// unack reverts a flip that could not be applied to the message.
func (r *ackRegistry) unack(ref kit.MessageRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.m[ref]; ok {
		e.acked = false
		r.m[ref] = e
	}
}

func (r *ackRegistry) acked(ref kit.MessageRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[ref]
	return ok && e.acked
}

func (r *ackRegistry) sweepLocked(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	r.nextSweep = now.Add(ackSweepEvery)
	for ref, e := range r.m {
		if now.After(e.exp) {
			delete(r.m, ref)
		}
	}
}
