package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, ch <-chan *ActivityEvent) *ActivityEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster()
	b.Start(ctx)

	c1 := b.Register("client-1")
	c2 := b.Register("client-2")
	defer b.Unregister(c1)
	defer b.Unregister(c2)

	b.BroadcastRuleEvent(EventTypeRuleAsserted, "8888/tcp", "")

	for _, c := range []*Client{c1, c2} {
		ev := receiveEvent(t, c.Channel)
		assert.Equal(t, EventTypeRuleAsserted, ev.Type)
		assert.Contains(t, ev.Message, "8888/tcp")
		assert.NotEmpty(t, ev.ID)
	}
}

func TestUnregisteredClientStopsReceiving(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster()
	b.Start(ctx)

	c := b.Register("client-1")
	b.Unregister(c)

	// The event channel is closed on unregister.
	_, open := <-c.Channel
	assert.False(t, open)
}

func TestRegisterAfterShutdownReturnsClosedChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster()
	b.Start(ctx)

	existing := b.Register("client-1")
	cancel()
	<-b.done

	// A client connecting during shutdown must not hang in Register, and
	// its channel must read as closed so the SSE handler terminates.
	got := make(chan *Client, 1)
	go func() { got <- b.Register("late-client") }()

	select {
	case c := <-got:
		_, open := <-c.Channel
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("Register blocked after broadcaster shutdown")
	}

	// Unregister after shutdown returns instead of blocking.
	done := make(chan struct{})
	go func() { b.Unregister(existing); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister blocked after broadcaster shutdown")
	}
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	var b *Broadcaster
	b.BroadcastRuleEvent(EventTypeRuleFailed, "22/tcp", "boom")
	b.BroadcastGatewayEvent(EventTypeGatewayLost, "upnp", "gone")
	b.BroadcastGitSyncEvent(false, "", "")
	b.BroadcastConfigReload(3)
}

func TestFormatSSE(t *testing.T) {
	ev := &ActivityEvent{ID: "evt-1", Type: EventTypeRuleRenewed, Message: "renewed"}
	data, err := FormatSSE(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: evt-1\n")
	assert.Contains(t, string(data), "data: {")
	assert.Contains(t, string(data), "\n\n")
}
