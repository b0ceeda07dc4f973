// Package daemon drives the keep-alive control loop: discover the gateway,
// reconcile, idle until a renewal deadline, sweep timer, or reload, repeat.
package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portkeep/portkeep/internal/events"
	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/logger"
	"github.com/portkeep/portkeep/internal/metrics"
	"github.com/portkeep/portkeep/internal/reconcile"
	"github.com/portkeep/portkeep/internal/renew"
	"github.com/portkeep/portkeep/internal/rules"
)

// State names the control loop's current phase.
type State string

const (
	StateDiscovering  State = "discovering"
	StateReconciling  State = "reconciling"
	StateIdle         State = "idle"
	StateShuttingDown State = "shutting_down"
)

// Config tunes the control loop.
type Config struct {
	// SweepInterval is the maximum time between full reconciliation
	// sweeps. Full sweeps heal silent drift: a rebooted gateway forgets
	// its mappings without any lease-expiry signal.
	SweepInterval time.Duration

	// DiscoverBackoffMin/Max bound the rediscovery backoff when the
	// gateway is unreachable.
	DiscoverBackoffMin time.Duration
	DiscoverBackoffMax time.Duration

	// CleanupTimeout bounds the best-effort owned-mapping removal pass on
	// shutdown.
	CleanupTimeout time.Duration

	// FailureBackoff is the minimum idle time after a failed reconciliation
	// cycle, so a past-due renewal entry cannot spin the loop against a
	// gateway that keeps refusing.
	FailureBackoff time.Duration

	// SkipCleanup leaves owned mappings in place on exit; they expire via
	// their lease durations.
	SkipCleanup bool
}

func (c *Config) setDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.DiscoverBackoffMin == 0 {
		c.DiscoverBackoffMin = 5 * time.Second
	}
	if c.DiscoverBackoffMax == 0 {
		c.DiscoverBackoffMax = 5 * time.Minute
	}
	if c.CleanupTimeout == 0 {
		c.CleanupTimeout = 15 * time.Second
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 5 * time.Second
	}
}

// Daemon owns the single control-flow thread. Gateway calls block the loop
// for their (bounded) duration; reconciliation cadence is minutes, so that
// is fine. Reload and status arrive from other goroutines through a channel
// and a mutex-guarded snapshot respectively.
type Daemon struct {
	cfg     Config
	client  gateway.Client
	store   *rules.Store
	rec     *reconcile.Reconciler
	sched   *renew.Scheduler
	clk     clock.Clock
	metrics *metrics.Metrics
	events  *events.Broadcaster

	reloadCh chan struct{}

	mu           sync.RWMutex
	state        State
	lastReport   *reconcile.Report
	lastCycleErr string
	externalIP   net.IP
	discovered   bool
}

// New wires a daemon. metrics and ev may be nil.
func New(cfg Config, client gateway.Client, store *rules.Store, rec *reconcile.Reconciler,
	sched *renew.Scheduler, clk clock.Clock, m *metrics.Metrics, ev *events.Broadcaster) *Daemon {
	cfg.setDefaults()
	return &Daemon{
		cfg:      cfg,
		client:   client,
		store:    store,
		rec:      rec,
		sched:    sched,
		clk:      clk,
		metrics:  m,
		events:   ev,
		reloadCh: make(chan struct{}, 1),
		state:    StateDiscovering,
	}
}

// Reload asks the loop to run a full sweep as soon as it next idles. Safe
// from any goroutine; coalesces if one is already pending.
func (d *Daemon) Reload() {
	select {
	case d.reloadCh <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled, then performs the
// shutdown cleanup pass. Gateway errors never end the loop.
func (d *Daemon) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := d.discover(ctx); err != nil {
			break
		}
		if err := d.converge(ctx); err != nil {
			break
		}
		// Gateway became unreachable: fall through to rediscovery with
		// all renewal state preserved.
	}

	d.shutdown()
	return nil
}

// discover resolves the gateway, retrying with capped exponential backoff.
// Returns an error only when ctx is cancelled.
func (d *Daemon) discover(ctx context.Context) error {
	d.setState(StateDiscovering)
	backoff := d.cfg.DiscoverBackoffMin

	for {
		err := d.client.Discover(ctx)
		d.metrics.RecordDiscovery(err == nil)
		if err == nil {
			ext, exterr := d.client.ExternalAddress(ctx)
			if exterr != nil {
				logger.Warn().Err(exterr).Msg("Could not read gateway external address")
			}

			d.mu.Lock()
			d.discovered = true
			d.externalIP = ext
			d.lastCycleErr = ""
			d.mu.Unlock()

			d.events.BroadcastGatewayEvent(events.EventTypeGatewayDiscovered, d.client.Name(), extString(ext))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn().
			Err(err).
			Dur("retry_in", backoff).
			Msg("Gateway discovery failed")
		d.setCycleError(err)

		timer := d.clk.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > d.cfg.DiscoverBackoffMax {
			backoff = d.cfg.DiscoverBackoffMax
		}
	}
}

// converge alternates reconciliation and idle waiting. Returns nil when the
// gateway turns unreachable (caller rediscovers) and ctx.Err on shutdown.
func (d *Daemon) converge(ctx context.Context) error {
	for {
		d.setState(StateReconciling)

		desired := d.store.Snapshot()
		due := keySet(d.sched.Due(d.clk.Now()))

		start := d.clk.Now()
		report, err := d.rec.Reconcile(ctx, desired, due)
		elapsed := d.clk.Since(start).Seconds()

		cycleFailed := err != nil
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.setCycleError(err)
			if gateway.IsUnreachable(err) {
				d.metrics.RecordReconcile("unreachable", elapsed)
				d.markGatewayLost(err)
				return nil
			}
			// Cycle-level failure other than unreachable (the mapping
			// table could not be read). Lease state stays untouched; a
			// later successful pass re-derives everything.
			d.metrics.RecordReconcile("failed", elapsed)
			logger.Error().Err(err).Msg("Reconciliation cycle failed")
		} else {
			d.metrics.RecordReconcile("success", elapsed)
			d.applyReport(desired, report)
		}

		d.setState(StateIdle)
		wait := d.idleWait()
		if cycleFailed && wait < d.cfg.FailureBackoff {
			wait = d.cfg.FailureBackoff
		}
		timer := d.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.reloadCh:
			timer.Stop()
			logger.Info().Msg("Reload requested, running full sweep")
		case <-timer.C:
		}
	}
}

// idleWait returns how long to sleep: until the earliest renewal deadline,
// capped by the full-sweep interval.
func (d *Daemon) idleWait() time.Duration {
	wait := d.cfg.SweepInterval
	if next, ok := d.sched.NextDeadline(); ok {
		if until := next.Sub(d.clk.Now()); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// applyReport feeds a successful cycle's outcomes into the renewal
// scheduler, metrics, and the activity stream.
func (d *Daemon) applyReport(desired rules.Set, report *reconcile.Report) {
	for _, res := range report.Results {
		switch res.Outcome {
		case reconcile.OutcomeAsserted:
			d.sched.RecordLease(res.Key, res.Lease)
			if res.Renewed {
				d.metrics.RecordRenewal()
				d.events.BroadcastRuleEvent(events.EventTypeRuleRenewed, res.Key.String(), "")
			} else {
				d.events.BroadcastRuleEvent(events.EventTypeRuleAsserted, res.Key.String(), "")
			}
		case reconcile.OutcomeRemoved:
			d.sched.Forget(res.Key)
			d.events.BroadcastRuleEvent(events.EventTypeRuleRemoved, res.Key.String(), "")
		case reconcile.OutcomeConflict:
			d.sched.Forget(res.Key)
			d.events.BroadcastRuleEvent(events.EventTypeRuleConflict, res.Key.String(), res.Reason)
		case reconcile.OutcomeFailed:
			if _, wanted := desired[res.Key]; !wanted {
				// Withdrawn rule whose delete failed: no renewal wanted,
				// the delete is retried next sweep.
				d.sched.Forget(res.Key)
			} else {
				// A failed re-assert leaves the entry past due; push it to
				// the next sweep so the loop does not wake immediately and
				// hammer the gateway with the same refused call.
				d.sched.Defer(res.Key, d.cfg.SweepInterval)
			}
			d.events.BroadcastRuleEvent(events.EventTypeRuleFailed, res.Key.String(), res.Reason)
		}
	}

	d.metrics.UpdateMappingMetrics(report.Owned, len(desired))

	d.mu.Lock()
	d.lastReport = report
	d.lastCycleErr = ""
	d.mu.Unlock()
}

func (d *Daemon) markGatewayLost(err error) {
	d.mu.Lock()
	d.discovered = false
	d.mu.Unlock()
	d.events.BroadcastGatewayEvent(events.EventTypeGatewayLost, d.client.Name(), err.Error())
	logger.Warn().Err(err).Msg("Gateway unreachable, rediscovering")
}

// shutdown runs the bounded best-effort cleanup pass. Failures are logged,
// never fatal: orphaned mappings expire via their lease durations.
func (d *Daemon) shutdown() {
	d.setState(StateShuttingDown)

	if d.cfg.SkipCleanup || !d.isDiscovered() {
		logger.Info().Msg("Skipping shutdown cleanup")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CleanupTimeout)
	defer cancel()

	logger.Info().Msg("Removing owned mappings before exit")
	report, err := d.rec.Cleanup(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Shutdown cleanup failed; owned mappings will expire with their leases")
		return
	}
	counts := report.Counts()
	logger.Info().
		Int("removed", counts[reconcile.OutcomeRemoved]).
		Int("failed", counts[reconcile.OutcomeFailed]).
		Msg("Shutdown cleanup finished")
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed {
		logger.Debug().Str("state", string(s)).Msg("Daemon state changed")
	}
}

func (d *Daemon) setCycleError(err error) {
	d.mu.Lock()
	d.lastCycleErr = err.Error()
	d.mu.Unlock()
}

func (d *Daemon) isDiscovered() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.discovered
}

func keySet(keys []rules.Key) map[rules.Key]bool {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[rules.Key]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

func extString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
