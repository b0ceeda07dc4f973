package renew

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/rules"
)

var (
	keyWeb = rules.Key{ExternalPort: 8888, Protocol: gateway.ProtocolTCP}
	keySSH = rules.Key{ExternalPort: 22, Protocol: gateway.ProtocolTCP}
)

func TestRecordLeaseDeadline(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)

	s.RecordLease(keyWeb, time.Hour)

	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(30*time.Minute), next)
}

func TestDueBoundary(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, time.Hour)

	assert.Empty(t, s.Due(mock.Now()))
	assert.Empty(t, s.Due(mock.Now().Add(30*time.Minute-time.Nanosecond)))

	// Due exactly at the deadline, not only after it.
	due := s.Due(mock.Now().Add(30 * time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, keyWeb, due[0])
}

func TestInfiniteLeaseNeverDue(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)

	s.RecordLease(keyWeb, 0)

	_, ok := s.NextDeadline()
	assert.False(t, ok, "infinite lease must not produce a deadline")
	assert.Empty(t, s.Due(mock.Now().Add(1000*time.Hour)))
	assert.Equal(t, 1, s.Len())

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Infinite())
}

func TestRecordLeaseResetsDeadline(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, time.Hour)

	mock.Add(30 * time.Minute)
	require.Len(t, s.Due(mock.Now()), 1)

	// A renewal pushes the deadline out again.
	s.RecordLease(keyWeb, time.Hour)
	assert.Empty(t, s.Due(mock.Now()))

	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(30*time.Minute), next)
}

func TestForget(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, time.Hour)
	s.RecordLease(keySSH, time.Minute)

	s.Forget(keySSH)

	assert.Equal(t, 1, s.Len())
	mock.Add(time.Hour)
	due := s.Due(mock.Now())
	require.Len(t, due, 1)
	assert.Equal(t, keyWeb, due[0])
}

func TestDeferPushesPastDueDeadline(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, time.Minute)

	mock.Add(time.Hour)
	require.Len(t, s.Due(mock.Now()), 1)

	// A deferred entry stops being due and sets the next wake-up.
	s.Defer(keyWeb, 10*time.Minute)
	assert.Empty(t, s.Due(mock.Now()))

	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(10*time.Minute), next)
}

func TestDeferIgnoresUnknownAndInfinite(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, 0)

	s.Defer(keyWeb, time.Minute)
	s.Defer(keySSH, time.Minute)

	_, ok := s.NextDeadline()
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestNextDeadlinePicksEarliest(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, time.Hour)
	s.RecordLease(keySSH, 10*time.Minute)

	next, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(5*time.Minute), next)
}

func TestEntriesOrdering(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock, 0.5)
	s.RecordLease(keyWeb, 0)
	s.RecordLease(keySSH, time.Minute)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, keySSH, entries[0].Key)
	assert.True(t, entries[1].Infinite(), "infinite leases sort last")
}

func TestInvalidMarginFallsBack(t *testing.T) {
	mock := clock.NewMock()
	for _, margin := range []float64{0, -1, 1, 2.5} {
		s := NewScheduler(mock, margin)
		s.RecordLease(keyWeb, time.Hour)
		next, ok := s.NextDeadline()
		require.True(t, ok)
		assert.Equal(t, mock.Now().Add(30*time.Minute), next, "margin %v", margin)
	}
}
