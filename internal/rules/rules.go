// Package rules holds the desired port-forwarding rule set.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/portkeep/portkeep/internal/gateway"
)

// ErrConfigConflict marks a rule load rejected for duplicate identity keys.
var ErrConfigConflict = errors.New("conflicting rules")

// Key identifies a rule: a gateway holds at most one mapping per external
// port and protocol pair.
type Key struct {
	ExternalPort uint16
	Protocol     gateway.Protocol
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ExternalPort, k.Protocol)
}

// Rule is one desired forwarding entry. The internal address is implicit:
// always the host running the daemon, resolved at reconciliation time.
type Rule struct {
	InternalPort uint16
	ExternalPort uint16
	Protocol     gateway.Protocol
}

// Key returns the rule's identity key.
func (r Rule) Key() Key {
	return Key{ExternalPort: r.ExternalPort, Protocol: r.Protocol}
}

func (r Rule) String() string {
	return fmt.Sprintf("%d->%d/%s", r.InternalPort, r.ExternalPort, r.Protocol)
}

// Set is an immutable snapshot of desired rules by identity key. Never
// mutate a Set obtained from Store.Snapshot.
type Set map[Key]Rule

// SortedKeys returns the set's keys in deterministic order.
func (s Set) SortedKeys() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ExternalPort != keys[j].ExternalPort {
			return keys[i].ExternalPort < keys[j].ExternalPort
		}
		return keys[i].Protocol < keys[j].Protocol
	})
	return keys
}

// Store holds the current desired rule set. One writer (the reload path)
// swaps in a freshly built set; any number of readers take snapshots. A
// reader never observes a partially applied load.
type Store struct {
	cur atomic.Pointer[Set]
}

// NewStore returns a store holding an empty rule set.
func NewStore() *Store {
	s := &Store{}
	empty := make(Set)
	s.cur.Store(&empty)
	return s
}

// Load replaces the entire rule set atomically. A load containing duplicate
// identity keys fails with ErrConfigConflict and the store keeps its
// previous contents.
func (s *Store) Load(rs []Rule) error {
	next := make(Set, len(rs))
	for _, r := range rs {
		k := r.Key()
		if _, dup := next[k]; dup {
			return fmt.Errorf("%w: rule %s declared twice", ErrConfigConflict, k)
		}
		next[k] = r
	}
	s.cur.Store(&next)
	return nil
}

// Snapshot returns the current rule set. The returned Set is shared and must
// be treated as read-only.
func (s *Store) Snapshot() Set {
	return *s.cur.Load()
}

// Len returns the number of rules currently desired.
func (s *Store) Len() int {
	return len(s.Snapshot())
}
