package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portkeep/portkeep/internal/daemon"
	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/reconcile"
	"github.com/portkeep/portkeep/internal/renew"
	"github.com/portkeep/portkeep/internal/rules"
)

type stubGateway struct{}

func (stubGateway) Discover(ctx context.Context) error { return nil }
func (stubGateway) ListMappings(ctx context.Context) ([]gateway.MappingRecord, error) {
	return nil, nil
}
func (stubGateway) AddMapping(ctx context.Context, rec gateway.MappingRecord) error { return nil }
func (stubGateway) DeleteMapping(ctx context.Context, externalPort uint16, proto gateway.Protocol) error {
	return nil
}
func (stubGateway) LocalAddress(ctx context.Context) (net.IP, error) {
	return net.ParseIP("192.168.1.50"), nil
}
func (stubGateway) ExternalAddress(ctx context.Context) (net.IP, error) {
	return net.ParseIP("203.0.113.7"), nil
}
func (stubGateway) Name() string { return "stub" }
func (stubGateway) Close() error { return nil }

func newTestServer(t *testing.T, reloadErr error) (*Server, *int) {
	t.Helper()

	store := rules.NewStore()
	require.NoError(t, store.Load([]rules.Rule{
		{InternalPort: 80, ExternalPort: 8888, Protocol: gateway.ProtocolTCP},
	}))

	clk := clock.New()
	client := stubGateway{}
	rec := reconcile.New(client, clk, nil, reconcile.Config{Marker: "portkeep:test"})
	sched := renew.NewScheduler(clk, 0.5)
	d := daemon.New(daemon.Config{}, client, store, rec, sched, clk, nil, nil)

	reloads := 0
	s := New(Config{Port: 0}, d, store, nil, nil, nil, func() error {
		reloads++
		return reloadErr
	})
	return s, &reloads
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "discovering", resp.State)
	assert.False(t, resp.GatewayFound)
}

func TestHandleRules(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleRules(w, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var out []RuleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, uint16(80), out[0].InternalPort)
	assert.Equal(t, uint16(8888), out[0].ExternalPort)
	assert.Equal(t, "tcp", out[0].Protocol)
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st daemon.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "stub", st.Backend)
	assert.Equal(t, 1, st.DesiredRules)

	w = httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleReload(t *testing.T) {
	s, reloads := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleReload(w, httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *reloads)

	w = httptest.NewRecorder()
	s.handleReload(w, httptest.NewRequest(http.MethodGet, "/api/v1/reload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, 1, *reloads)
}

func TestHandleReloadRejected(t *testing.T) {
	s, _ := newTestServer(t, errors.New("duplicate rule"))

	w := httptest.NewRecorder()
	s.handleReload(w, httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "duplicate rule")
}

func TestGitEndpointsWithoutGitOps(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleGitSync(w, httptest.NewRequest(http.MethodPost, "/api/v1/git/sync", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	s.handleGitLogs(w, httptest.NewRequest(http.MethodGet, "/api/v1/git/logs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActivityStreamWithoutBroadcaster(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := httptest.NewRecorder()
	s.handleActivityStream(w, httptest.NewRequest(http.MethodGet, "/api/v1/activity/stream", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
