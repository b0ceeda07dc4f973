// Package reconcile converges the gateway's mapping table onto the desired
// rule set with the minimal set of idempotent gateway calls.
package reconcile

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/logger"
	"github.com/portkeep/portkeep/internal/metrics"
	"github.com/portkeep/portkeep/internal/rules"
)

// Config tunes one reconciler.
type Config struct {
	// Marker is the ownership tag written into the description of every
	// mapping this daemon creates. Mappings without it are never touched.
	Marker string

	// LeaseDuration requested with every add. Zero asks for an infinite
	// lease where the gateway permits it.
	LeaseDuration time.Duration

	// RetryAttempts bounds transient-failure retries per call per cycle.
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
}

// Reconciler diffs desired rules against the gateway's mapping table and
// issues corrective calls. It holds no state between passes: everything is
// re-derived from the live gateway table, so a pass is safe to repeat.
type Reconciler struct {
	client  gateway.Client
	clk     clock.Clock
	metrics *metrics.Metrics
	cfg     Config
}

// New creates a reconciler. metrics may be nil.
func New(client gateway.Client, clk clock.Clock, m *metrics.Metrics, cfg Config) *Reconciler {
	cfg.setDefaults()
	return &Reconciler{
		client:  client,
		clk:     clk,
		metrics: m,
		cfg:     cfg,
	}
}

// Reconcile runs one pass: list, partition by ownership, add what is missing
// or stale, delete what is owned but no longer desired. Keys in force are
// re-asserted even when their mapping looks current, which is how lease
// renewal is expressed. A failure on one rule never aborts the others; only
// an unreachable gateway aborts the whole pass.
//
// Reconcile is idempotent: run twice against an unchanged gateway, the
// second report is all-unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, desired rules.Set, force map[rules.Key]bool) (*Report, error) {
	report := &Report{StartedAt: r.clk.Now()}

	table, err := r.listMappings(ctx)
	if err != nil {
		return nil, err
	}

	owned := make(map[rules.Key]gateway.MappingRecord)
	foreign := make(map[rules.Key]bool)
	for _, rec := range table {
		key := rules.Key{ExternalPort: rec.ExternalPort, Protocol: rec.Protocol}
		if rec.Description == r.cfg.Marker {
			owned[key] = rec
		} else {
			foreign[key] = true
		}
	}

	// The host's LAN address can change between passes (DHCP, interface
	// flap), so it is resolved fresh every time and never cached.
	var localIP net.IP
	if len(desired) > 0 {
		localIP, err = r.client.LocalAddress(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve local address: %w", err)
		}
		report.LocalAddr = localIP
	}

	for _, key := range desired.SortedKeys() {
		rule := desired[key]

		if foreign[key] {
			report.Results = append(report.Results, Result{
				Key:     key,
				Outcome: OutcomeConflict,
				Reason:  "port held by a mapping not owned by this daemon",
			})
			continue
		}

		cur, present := owned[key]
		current := present &&
			cur.InternalAddr.Equal(localIP) &&
			cur.InternalPort == rule.InternalPort

		if current && !force[key] {
			report.Results = append(report.Results, Result{Key: key, Outcome: OutcomeUnchanged})
			continue
		}

		rec := gateway.MappingRecord{
			ExternalPort: rule.ExternalPort,
			Protocol:     rule.Protocol,
			InternalAddr: localIP,
			InternalPort: rule.InternalPort,
			Lease:        r.cfg.LeaseDuration,
			Description:  r.cfg.Marker,
		}
		err := r.call(ctx, "add", func(ctx context.Context) error {
			return r.client.AddMapping(ctx, rec)
		})
		if err != nil {
			report.Results = append(report.Results, Result{
				Key:     key,
				Outcome: OutcomeFailed,
				Reason:  failReason(err),
			})
			continue
		}

		owned[key] = rec
		report.Results = append(report.Results, Result{
			Key:     key,
			Outcome: OutcomeAsserted,
			Lease:   r.cfg.LeaseDuration,
			Renewed: current,
		})
	}

	// Owned mappings whose rule was withdrawn must release their port
	// promptly rather than waiting for the lease to lapse.
	for _, key := range ownedKeys(owned) {
		if _, wanted := desired[key]; wanted {
			continue
		}
		err := r.call(ctx, "delete", func(ctx context.Context) error {
			return r.client.DeleteMapping(ctx, key.ExternalPort, key.Protocol)
		})
		if err != nil {
			report.Results = append(report.Results, Result{
				Key:     key,
				Outcome: OutcomeFailed,
				Reason:  failReason(err),
			})
			continue
		}
		delete(owned, key)
		report.Results = append(report.Results, Result{Key: key, Outcome: OutcomeRemoved})
	}

	report.Owned = len(owned)
	report.FinishedAt = r.clk.Now()

	for _, res := range report.Results {
		r.metrics.RecordOutcome(string(res.Outcome))
		if res.Outcome != OutcomeUnchanged {
			logger.Info().
				Str("rule", res.Key.String()).
				Str("outcome", string(res.Outcome)).
				Str("reason", res.Reason).
				Bool("renewed", res.Renewed).
				Msg("Reconciled rule")
		}
	}
	return report, nil
}

// Cleanup removes every mapping this daemon owns. Used for the best-effort
// shutdown pass; expressed as reconciling against an empty desired set.
func (r *Reconciler) Cleanup(ctx context.Context) (*Report, error) {
	return r.Reconcile(ctx, rules.Set{}, nil)
}

func (r *Reconciler) listMappings(ctx context.Context) ([]gateway.MappingRecord, error) {
	var table []gateway.MappingRecord
	err := r.call(ctx, "list", func(ctx context.Context) error {
		var lerr error
		table, lerr = r.client.ListMappings(ctx)
		return lerr
	})
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return table, nil
}

// call runs one gateway operation, retrying transient failures with
// exponential backoff up to the configured attempt bound. Permanent and
// unreachable failures return immediately.
func (r *Reconciler) call(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := r.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt < r.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clk.After(delay):
			}
			delay *= 2
		}

		start := r.clk.Now()
		err = fn(ctx)
		r.metrics.RecordGatewayCall(op, callStatus(err), r.clk.Since(start).Seconds())

		if err == nil || gateway.ClassOf(err) != gateway.ClassTransient {
			return err
		}
		logger.Debug().
			Str("op", op).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Transient gateway failure, retrying")
	}
	return err
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return gateway.ClassOf(err).String()
}

func failReason(err error) string {
	if gateway.IsPermanent(err) {
		return fmt.Sprintf("rejected by gateway: %v", err)
	}
	return fmt.Sprintf("gateway unavailable: %v", err)
}

func ownedKeys(owned map[rules.Key]gateway.MappingRecord) []rules.Key {
	set := make(rules.Set, len(owned))
	for k := range owned {
		set[k] = rules.Rule{}
	}
	return set.SortedKeys()
}
