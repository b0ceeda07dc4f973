// Package renew tracks when asserted port mappings must be re-asserted so
// their leases never lapse.
package renew

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portkeep/portkeep/internal/rules"
)

// DefaultSafetyMargin renews at half the granted lease, leaving plenty of
// room for clock drift on the gateway side.
const DefaultSafetyMargin = 0.5

// Entry is the renewal bookkeeping for one asserted rule. A zero Deadline
// means the mapping never expires (infinite lease) and is only re-asserted
// by periodic full sweeps.
type Entry struct {
	Key      rules.Key
	Deadline time.Time
	Lease    time.Duration
}

// Infinite reports whether the entry's mapping never expires.
func (e Entry) Infinite() bool {
	return e.Deadline.IsZero()
}

// Scheduler is pure bookkeeping: it holds no gateway connection and fires no
// timers itself. The daemon loop consults it to decide when to wake up and
// which rules are due.
type Scheduler struct {
	clk    clock.Clock
	margin float64

	mu      sync.Mutex
	entries map[rules.Key]Entry
}

// NewScheduler creates a scheduler. A margin outside (0, 1) falls back to
// DefaultSafetyMargin.
func NewScheduler(clk clock.Clock, margin float64) *Scheduler {
	if margin <= 0 || margin >= 1 {
		margin = DefaultSafetyMargin
	}
	return &Scheduler{
		clk:     clk,
		margin:  margin,
		entries: make(map[rules.Key]Entry),
	}
}

// RecordLease (re)sets a rule's renewal deadline after a successful
// assertion: now + lease * margin. A zero lease means infinite.
func (s *Scheduler) RecordLease(key rules.Key, lease time.Duration) {
	e := Entry{Key: key, Lease: lease}
	if lease > 0 {
		e.Deadline = s.clk.Now().Add(time.Duration(float64(lease) * s.margin))
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Defer pushes a rule's renewal deadline to now + delay without touching its
// lease. Used after a failed re-assert so the retry waits for the next sweep
// instead of waking the loop immediately. Unknown keys and infinite leases
// are left alone.
func (s *Scheduler) Defer(key rules.Key, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.Infinite() {
		return
	}
	e.Deadline = s.clk.Now().Add(delay)
	s.entries[key] = e
}

// Forget drops a rule's renewal entry, after the rule is withdrawn or its
// mapping released.
func (s *Scheduler) Forget(key rules.Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// NextDeadline returns the earliest pending renewal deadline. ok is false
// when nothing is awaiting timed renewal (empty, or only infinite leases).
func (s *Scheduler) NextDeadline() (next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Infinite() {
			continue
		}
		if !ok || e.Deadline.Before(next) {
			next = e.Deadline
			ok = true
		}
	}
	return next, ok
}

// Due returns the keys whose renewal deadline has passed at now.
func (s *Scheduler) Due(now time.Time) []rules.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []rules.Key
	for k, e := range s.entries {
		if !e.Infinite() && !e.Deadline.After(now) {
			due = append(due, k)
		}
	}
	return due
}

// Entries returns a snapshot of all renewal entries, ordered by deadline
// with infinite leases last. Used by the status surface.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		switch {
		case out[i].Infinite():
			return false
		case out[j].Infinite():
			return true
		default:
			return out[i].Deadline.Before(out[j].Deadline)
		}
	})
	return out
}

// Len returns the number of tracked entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
