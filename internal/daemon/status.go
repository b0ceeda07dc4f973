package daemon

import (
	"time"

	"github.com/portkeep/portkeep/internal/reconcile"
	"github.com/portkeep/portkeep/internal/rules"
)

// RuleStatus summarizes one rule for the status surface.
type RuleStatus struct {
	Rule        string     `json:"rule"`
	Key         string     `json:"key"`
	Outcome     string     `json:"outcome,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	NextRenewal *time.Time `json:"next_renewal,omitempty"`
	Infinite    bool       `json:"infinite_lease,omitempty"`
}

// Status is a point-in-time snapshot of the daemon for observability.
type Status struct {
	State         string       `json:"state"`
	Backend       string       `json:"backend"`
	GatewayFound  bool         `json:"gateway_found"`
	ExternalIP    string       `json:"external_ip,omitempty"`
	LocalIP       string       `json:"local_ip,omitempty"`
	DesiredRules  int          `json:"desired_rules"`
	OwnedMappings int          `json:"owned_mappings"`
	LastCycleAt   *time.Time   `json:"last_cycle_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	NextRenewal   *time.Time   `json:"next_renewal,omitempty"`
	Rules         []RuleStatus `json:"rules"`
}

// Status builds a snapshot from the store, the renewal scheduler, and the
// last reconciliation report.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	state := d.state
	report := d.lastReport
	lastErr := d.lastCycleErr
	discovered := d.discovered
	external := d.externalIP
	d.mu.RUnlock()

	desired := d.store.Snapshot()

	st := Status{
		State:        string(state),
		Backend:      d.client.Name(),
		GatewayFound: discovered,
		ExternalIP:   extString(external),
		DesiredRules: len(desired),
		LastError:    lastErr,
	}

	if next, ok := d.sched.NextDeadline(); ok {
		st.NextRenewal = &next
	}

	index := make(map[rules.Key]int)
	if report != nil {
		st.OwnedMappings = report.Owned
		st.LocalIP = extString(report.LocalAddr)
		t := report.FinishedAt
		st.LastCycleAt = &t
	}

	for _, key := range desired.SortedKeys() {
		rs := RuleStatus{
			Rule: desired[key].String(),
			Key:  key.String(),
		}
		if report != nil {
			if res, ok := report.Find(key); ok {
				rs.Outcome = string(res.Outcome)
				rs.Reason = res.Reason
			}
		}
		index[key] = len(st.Rules)
		st.Rules = append(st.Rules, rs)
	}

	for _, e := range d.sched.Entries() {
		i, ok := index[e.Key]
		if !ok {
			continue
		}
		if e.Infinite() {
			st.Rules[i].Infinite = true
		} else {
			deadline := e.Deadline
			st.Rules[i].NextRenewal = &deadline
		}
	}

	// Withdrawn rules whose removal is still pending show up from the
	// report only.
	if report != nil {
		for _, res := range report.Results {
			if _, wanted := desired[res.Key]; wanted {
				continue
			}
			if res.Outcome == reconcile.OutcomeRemoved {
				continue
			}
			st.Rules = append(st.Rules, RuleStatus{
				Key:     res.Key.String(),
				Outcome: string(res.Outcome),
				Reason:  res.Reason,
			})
		}
	}

	return st
}
