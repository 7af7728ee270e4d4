// Package events fans connectivity transitions out to dashboards. Events
// travel through redis pub/sub so every control-plane replica sees
// transitions regardless of which replica holds the agent's socket.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/sqlscope/gateway-go/internal/redis"
)

type EventType string

const (
	TypeGatewayConnected    EventType = "gateway_connected"
	TypeGatewayDisconnected EventType = "gateway_disconnected"
)

type Event struct {
	Event      EventType `json:"event"`
	TenantID   string    `json:"tenant_id"`
	DatabaseID string    `json:"database_id"`
	SessionID  string    `json:"session_id"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Client struct {
	TenantID string
	Events   chan Event
	Done     chan struct{}
}

type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // tenantID -> set of clients
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// PublishConnected announces a new live session for a database.
func (b *Broker) PublishConnected(ctx context.Context, tenantID, databaseID, sessionID string) {
	b.publish(ctx, Event{
		Event:      TypeGatewayConnected,
		TenantID:   tenantID,
		DatabaseID: databaseID,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
	})
}

// PublishDisconnected announces a session going away and why.
func (b *Broker) PublishDisconnected(ctx context.Context, tenantID, databaseID, sessionID, reason string) {
	b.publish(ctx, Event{
		Event:      TypeGatewayDisconnected,
		TenantID:   tenantID,
		DatabaseID: databaseID,
		SessionID:  sessionID,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (b *Broker) publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal connectivity event")
		return
	}

	channel := redisclient.ConnectivityChannel(event.TenantID)
	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		log.Error().Err(err).
			Str("tenantId", event.TenantID).
			Str("databaseId", event.DatabaseID).
			Msg("failed to publish connectivity event")
	}
}

func (b *Broker) Subscribe(tenantID string) *Client {
	client := &Client{
		TenantID: tenantID,
		Events:   make(chan Event, 100),
		Done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[tenantID] == nil {
		b.clients[tenantID] = make(map[*Client]bool)
		go b.subscribeToRedis(tenantID)
	}
	b.clients[tenantID][client] = true
	clientCount := len(b.clients[tenantID])
	b.mu.Unlock()

	log.Info().
		Str("tenantId", tenantID).
		Int("clientCount", clientCount).
		Msg("connectivity subscriber added")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.TenantID]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.TenantID)
		}

		log.Info().
			Str("tenantId", client.TenantID).
			Int("clientCount", len(clients)).
			Msg("connectivity subscriber removed")
	}
}

func (b *Broker) subscribeToRedis(tenantID string) {
	channel := redisclient.ConnectivityChannel(tenantID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("tenantId", tenantID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal connectivity event")
				continue
			}

			b.broadcast(tenantID, event)
		}
	}
}

func (b *Broker) broadcast(tenantID string, event Event) {
	b.mu.RLock()
	clients := b.clients[tenantID]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("tenantId", tenantID).
				Msg("subscriber event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[tenantID])
}
