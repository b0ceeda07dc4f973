package daemon

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/reconcile"
	"github.com/portkeep/portkeep/internal/renew"
	"github.com/portkeep/portkeep/internal/rules"
)

const testMarker = "portkeep:testhost"

var (
	ruleWeb = rules.Rule{InternalPort: 80, ExternalPort: 8888, Protocol: gateway.ProtocolTCP}
	ruleSSH = rules.Rule{InternalPort: 22, ExternalPort: 22, Protocol: gateway.ProtocolTCP}
)

// fakeGateway is an in-memory gateway shared across loop iterations.
type fakeGateway struct {
	mu    sync.Mutex
	table map[rules.Key]gateway.MappingRecord

	discoverErr error
	listErr     error
	addErr      error

	discoverCalls int
	listCalls     int
	addCalls      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{table: make(map[rules.Key]gateway.MappingRecord)}
}

func (f *fakeGateway) Discover(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++
	return f.discoverErr
}

func (f *fakeGateway) ListMappings(ctx context.Context) ([]gateway.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]gateway.MappingRecord, 0, len(f.table))
	for _, rec := range f.table {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeGateway) AddMapping(ctx context.Context, rec gateway.MappingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return f.addErr
	}
	f.table[rules.Key{ExternalPort: rec.ExternalPort, Protocol: rec.Protocol}] = rec
	return nil
}

func (f *fakeGateway) DeleteMapping(ctx context.Context, externalPort uint16, proto gateway.Protocol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.table, rules.Key{ExternalPort: externalPort, Protocol: proto})
	return nil
}

func (f *fakeGateway) LocalAddress(ctx context.Context) (net.IP, error) {
	return net.ParseIP("192.168.1.50"), nil
}

func (f *fakeGateway) ExternalAddress(ctx context.Context) (net.IP, error) {
	return net.ParseIP("203.0.113.7"), nil
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Close() error { return nil }

func (f *fakeGateway) has(key rules.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.table[key]
	return ok
}

func (f *fakeGateway) adds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCalls
}

func (f *fakeGateway) discovers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverCalls
}

func (f *fakeGateway) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeGateway) setAddErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

func (f *fakeGateway) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type harness struct {
	fake   *fakeGateway
	store  *rules.Store
	sched  *renew.Scheduler
	daemon *Daemon
	cancel context.CancelFunc
	done   chan struct{}
}

// newHarness starts a daemon loop against the fake gateway with intervals
// short enough for wall-clock tests.
func newHarness(t *testing.T, cfg Config, lease time.Duration, rs ...rules.Rule) *harness {
	t.Helper()

	fake := newFakeGateway()
	store := rules.NewStore()
	require.NoError(t, store.Load(rs))

	clk := clock.New()
	rec := reconcile.New(fake, clk, nil, reconcile.Config{
		Marker:         testMarker,
		LeaseDuration:  lease,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})
	sched := renew.NewScheduler(clk, 0.5)

	if cfg.DiscoverBackoffMin == 0 {
		cfg.DiscoverBackoffMin = time.Millisecond
	}
	if cfg.DiscoverBackoffMax == 0 {
		cfg.DiscoverBackoffMax = 5 * time.Millisecond
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 5 * time.Millisecond
	}
	d := New(cfg, fake, store, rec, sched, clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	h := &harness{fake: fake, store: store, sched: sched, daemon: d, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("daemon loop did not stop")
		}
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon loop did not stop")
	}
}

func TestRunAssertsDesiredRules(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, time.Hour, ruleWeb, ruleSSH)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key()) && h.fake.has(ruleSSH.Key())
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.sched.Len())
}

func TestRunRenewsBeforeLeaseExpiry(t *testing.T) {
	// 40ms lease at margin 0.5 renews every ~20ms.
	h := newHarness(t, Config{SweepInterval: time.Hour}, 40*time.Millisecond, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.adds() >= 3
	}, 2*time.Second, 5*time.Millisecond, "mapping must be re-asserted repeatedly")
	assert.True(t, h.fake.has(ruleWeb.Key()))
}

func TestRunReloadAppliesNewRules(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, time.Hour, ruleWeb, ruleSSH)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleSSH.Key())
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.store.Load([]rules.Rule{ruleWeb}))
	h.daemon.Reload()

	require.Eventually(t, func() bool {
		return !h.fake.has(ruleSSH.Key())
	}, 2*time.Second, 5*time.Millisecond, "withdrawn rule must be released on reload")
	assert.True(t, h.fake.has(ruleWeb.Key()))

	require.Eventually(t, func() bool {
		return h.sched.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunRecoversFromUnreachableGateway(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: 10 * time.Millisecond}, time.Hour, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key())
	}, 2*time.Second, 5*time.Millisecond)
	before := h.fake.discovers()

	h.fake.setListErr(&gateway.Error{Op: "list", Class: gateway.ClassUnreachable, Err: assert.AnError})
	require.Eventually(t, func() bool {
		return h.fake.discovers() > before
	}, 2*time.Second, 5*time.Millisecond, "an unreachable gateway must trigger rediscovery")

	// Renewal state survives the outage.
	assert.Equal(t, 1, h.sched.Len())

	h.fake.setListErr(nil)
	require.Eventually(t, func() bool {
		st := h.daemon.Status()
		return st.GatewayFound && st.OwnedMappings == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunFailedRenewalWaitsForSweep(t *testing.T) {
	// 40ms lease renews every ~20ms until the gateway starts refusing.
	h := newHarness(t, Config{SweepInterval: time.Hour}, 40*time.Millisecond, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key())
	}, 2*time.Second, 5*time.Millisecond)

	h.fake.setAddErr(&gateway.Error{Op: "add", Class: gateway.ClassPermanent, Err: assert.AnError})
	base := h.fake.adds()

	// A refused renewal must defer to the next sweep, not wake the loop
	// again with its past-due deadline.
	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, h.fake.adds()-base, 3,
		"a failing renewal must not spin the loop against the gateway")
}

func TestRunFailedCycleBacksOff(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour, FailureBackoff: 100 * time.Millisecond},
		40*time.Millisecond, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key())
	}, 2*time.Second, 5*time.Millisecond)

	h.fake.setListErr(&gateway.Error{Op: "list", Class: gateway.ClassTransient, Err: assert.AnError})
	base := h.fake.lists()

	// Each failed cycle idles at least FailureBackoff even with a renewal
	// deadline already in the past.
	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, h.fake.lists()-base, 8,
		"failed cycles must be rate-limited by the failure backoff")
}

func TestRunShutdownCleanup(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, time.Hour, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key())
	}, 2*time.Second, 5*time.Millisecond)

	h.stop(t)
	assert.False(t, h.fake.has(ruleWeb.Key()), "shutdown removes owned mappings")
}

func TestRunSkipCleanupLeavesMappings(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour, SkipCleanup: true}, time.Hour, ruleWeb)

	require.Eventually(t, func() bool {
		return h.fake.has(ruleWeb.Key())
	}, 2*time.Second, 5*time.Millisecond)

	h.stop(t)
	assert.True(t, h.fake.has(ruleWeb.Key()), "skip_cleanup_on_exit leaves mappings in place")
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, time.Hour, ruleWeb)

	require.Eventually(t, func() bool {
		return h.daemon.Status().OwnedMappings == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := h.daemon.Status()
	assert.Equal(t, "fake", st.Backend)
	assert.True(t, st.GatewayFound)
	assert.Equal(t, "203.0.113.7", st.ExternalIP)
	assert.Equal(t, "192.168.1.50", st.LocalIP)
	assert.Equal(t, 1, st.DesiredRules)
	assert.NotNil(t, st.LastCycleAt)
	assert.NotNil(t, st.NextRenewal)
	require.Len(t, st.Rules, 1)
	assert.Equal(t, "80->8888/tcp", st.Rules[0].Rule)
	assert.Equal(t, "asserted", st.Rules[0].Outcome)
	assert.NotNil(t, st.Rules[0].NextRenewal)
}

func TestStatusInfiniteLease(t *testing.T) {
	h := newHarness(t, Config{SweepInterval: time.Hour}, 0, ruleWeb)

	require.Eventually(t, func() bool {
		return h.daemon.Status().OwnedMappings == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := h.daemon.Status()
	assert.Nil(t, st.NextRenewal, "infinite leases produce no renewal deadline")
	require.Len(t, st.Rules, 1)
	assert.True(t, st.Rules[0].Infinite)
	assert.Nil(t, st.Rules[0].NextRenewal)
}
