package reconcile

import (
	"net"
	"time"

	"github.com/portkeep/portkeep/internal/rules"
)

// Outcome is the per-rule result of one reconciliation pass.
type Outcome string

const (
	// OutcomeAsserted: an add call installed or refreshed the mapping.
	OutcomeAsserted Outcome = "asserted"
	// OutcomeRemoved: an owned mapping with no desired rule was deleted.
	OutcomeRemoved Outcome = "removed"
	// OutcomeUnchanged: the owned mapping already matched the rule.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeConflict: a foreign mapping occupies the rule's port. The rule
	// is skipped until the foreign mapping disappears.
	OutcomeConflict Outcome = "conflict"
	// OutcomeFailed: the gateway call failed; retried next sweep.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome for one rule or one withdrawn mapping.
type Result struct {
	Key     rules.Key
	Outcome Outcome

	// Lease granted with an asserted mapping. Zero means infinite.
	Lease time.Duration

	// Renewed is set when an assert refreshed a mapping that was already
	// present, as opposed to installing a new one.
	Renewed bool

	// Reason holds the failure or conflict detail for the operator.
	Reason string
}

// Report is the output of one reconciliation pass.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time

	// LocalAddr the mappings pointed at during this pass.
	LocalAddr net.IP

	// Owned is the number of gateway mappings bearing this daemon's marker
	// after the pass.
	Owned int

	Results []Result
}

// Counts tallies results by outcome.
func (r *Report) Counts() map[Outcome]int {
	c := make(map[Outcome]int)
	for _, res := range r.Results {
		c[res.Outcome]++
	}
	return c
}

// Converged reports whether every rule ended unchanged, meaning the gateway
// already matched the desired set.
func (r *Report) Converged() bool {
	for _, res := range r.Results {
		if res.Outcome != OutcomeUnchanged {
			return false
		}
	}
	return true
}

// Find returns the result for a key, if present.
func (r *Report) Find(key rules.Key) (Result, bool) {
	for _, res := range r.Results {
		if res.Key == key {
			return res, true
		}
	}
	return Result{}, false
}
