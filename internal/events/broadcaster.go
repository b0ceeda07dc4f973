package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/portkeep/portkeep/internal/logger"
)

// EventType represents the type of activity event
type EventType string

const (
	EventTypeRuleAsserted      EventType = "rule_asserted"
	EventTypeRuleRenewed       EventType = "rule_renewed"
	EventTypeRuleRemoved       EventType = "rule_removed"
	EventTypeRuleConflict      EventType = "rule_conflict"
	EventTypeRuleFailed        EventType = "rule_failed"
	EventTypeGatewayDiscovered EventType = "gateway_discovered"
	EventTypeGatewayLost       EventType = "gateway_lost"
	EventTypeConfigReload      EventType = "config_reload"
	EventTypeGitSync           EventType = "git_sync"
)

// ActivityEvent represents a single activity log event
type ActivityEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Client represents an SSE client connection
type Client struct {
	ID      string
	Channel chan *ActivityEvent
}

// Broadcaster manages SSE clients and broadcasts events
type Broadcaster struct {
	clients      map[string]*Client
	register     chan *Client
	unregister   chan *Client
	broadcast    chan *ActivityEvent
	done         chan struct{}
	mu           sync.RWMutex
	eventCounter int64
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ActivityEvent, 100),
		done:       make(chan struct{}),
	}
}

// Start starts the broadcaster
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				for _, client := range b.clients {
					close(client.Channel)
				}
				b.clients = make(map[string]*Client)
				b.mu.Unlock()
				close(b.done)
				return

			case client := <-b.register:
				b.mu.Lock()
				b.clients[client.ID] = client
				b.mu.Unlock()
				logger.Debug().
					Str("client_id", client.ID).
					Msg("SSE client connected")

			case client := <-b.unregister:
				b.mu.Lock()
				if _, ok := b.clients[client.ID]; ok {
					close(client.Channel)
					delete(b.clients, client.ID)
				}
				b.mu.Unlock()
				logger.Debug().
					Str("client_id", client.ID).
					Msg("SSE client disconnected")

			case event := <-b.broadcast:
				b.mu.RLock()
				for _, client := range b.clients {
					select {
					case client.Channel <- event:
					default:
						logger.Warn().
							Str("client_id", client.ID).
							Msg("Client channel full, skipping event")
					}
				}
				b.mu.RUnlock()
			}
		}
	}()
}

// Register registers a new SSE client
func (b *Broadcaster) Register(clientID string) *Client {
	client := &Client{
		ID:      clientID,
		Channel: make(chan *ActivityEvent, 10),
	}
	select {
	case b.register <- client:
	case <-b.done:
		// Connecting during shutdown: hand back a closed channel so the
		// SSE handler ends the stream instead of hanging.
		close(client.Channel)
	}
	return client
}

// Unregister unregisters an SSE client
func (b *Broadcaster) Unregister(client *Client) {
	select {
	case b.unregister <- client:
	case <-b.done:
	}
}

// Broadcast sends an event to all connected clients
func (b *Broadcaster) Broadcast(event *ActivityEvent) {
	select {
	case b.broadcast <- event:
	default:
		logger.Warn().Msg("Broadcast channel full, dropping event")
	}
}

func (b *Broadcaster) nextID() string {
	b.mu.Lock()
	b.eventCounter++
	id := fmt.Sprintf("evt-%d", b.eventCounter)
	b.mu.Unlock()
	return id
}

// BroadcastRuleEvent broadcasts a per-rule reconciliation event
func (b *Broadcaster) BroadcastRuleEvent(eventType EventType, rule, reason string) {
	if b == nil {
		return
	}

	message := fmt.Sprintf("%s: %s", eventType, rule)
	if reason != "" {
		message = fmt.Sprintf("%s: %s - %s", eventType, rule, reason)
	}

	event := &ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Details: map[string]interface{}{
			"rule":   rule,
			"reason": reason,
		},
	}
	b.Broadcast(event)
}

// BroadcastGatewayEvent broadcasts a gateway discovery transition
func (b *Broadcaster) BroadcastGatewayEvent(eventType EventType, backend, detail string) {
	if b == nil {
		return
	}

	event := &ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   fmt.Sprintf("%s (%s): %s", eventType, backend, detail),
		Details: map[string]interface{}{
			"backend": backend,
			"detail":  detail,
		},
	}
	b.Broadcast(event)
}

// BroadcastGitSyncEvent broadcasts a Git sync activity event
func (b *Broadcaster) BroadcastGitSyncEvent(success bool, commitHash, commitMessage string) {
	if b == nil {
		return
	}

	message := "Git sync completed"
	if !success {
		message = "Git sync failed"
	}
	if commitMessage != "" {
		message = fmt.Sprintf("%s: %s", message, commitMessage)
	}

	event := &ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      EventTypeGitSync,
		Message:   message,
		Details: map[string]interface{}{
			"success":        success,
			"commit_hash":    commitHash,
			"commit_message": commitMessage,
		},
	}
	b.Broadcast(event)
}

// BroadcastConfigReload broadcasts a configuration reload event
func (b *Broadcaster) BroadcastConfigReload(ruleCount int) {
	if b == nil {
		return
	}

	event := &ActivityEvent{
		ID:        b.nextID(),
		Timestamp: time.Now(),
		Type:      EventTypeConfigReload,
		Message:   fmt.Sprintf("Configuration reloaded with %d rules", ruleCount),
		Details: map[string]interface{}{
			"rules": ruleCount,
		},
	}
	b.Broadcast(event)
}

// FormatSSE formats an event as SSE message
func FormatSSE(event *ActivityEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", event.ID, data)), nil
}
