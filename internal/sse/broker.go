package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
)

const (
	HeartbeatInterval = 15 * time.Second
	clientBufferSize  = 100
)

// Event types pushed to desktop subscribers.
const (
	EventScan            = "scan_event"
	EventModeChanged     = "mode_changed"
	EventSessionEnded    = "session_ended"
	EventPairingComplete = "pairing_complete"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals data into an Event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Publisher is the write side of the broker used by services.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

type Client struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

type topicState struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

// Broker fans Redis pub/sub messages out to local SSE clients. Each topic
// holds one Redis subscription for as long as it has local clients.
type Broker struct {
	redis  *redisclient.Client
	topics map[string]*topicState
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Publisher = (*Broker)(nil)

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		topics: make(map[string]*topicState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(topic string) *Client {
	client := &Client{
		Topic:  topic,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	state := b.topics[topic]
	if state == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		state = &topicState{clients: make(map[*Client]bool), cancel: cancel}
		b.topics[topic] = state
		if b.redis != nil {
			go b.subscribeToRedis(ctx, topic)
		}
	}
	state.clients[client] = true
	clientCount := len(state.clients)
	b.mu.Unlock()

	log.Info().
		Str("topic", topic).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[client.Topic]
	if !ok || !state.clients[client] {
		return
	}
	delete(state.clients, client)
	close(client.Done)

	if len(state.clients) == 0 {
		state.cancel()
		delete(b.topics, client.Topic)
	}

	log.Info().
		Str("topic", client.Topic).
		Int("clientCount", len(state.clients)).
		Msg("sse client unsubscribed")
}

// Publish sends event to every subscriber of topic on any instance. Without
// Redis it only reaches local subscribers.
func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	if b.redis == nil {
		b.broadcast(topic, event)
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, topic, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, topic string) {
	pubsub := b.redis.Subscribe(ctx, topic)
	defer pubsub.Close()

	log.Debug().
		Str("channel", topic).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(topic, event)
		}
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := b.topics[topic]
	if state == nil {
		return
	}
	for client := range state.clients {
		select {
		case client.Events <- event:
		default:
			// The poll fallback recovers anything dropped here.
			log.Warn().
				Str("topic", topic).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, state := range b.topics {
		for client := range state.clients {
			close(client.Done)
		}
	}
	b.topics = make(map[string]*topicState)
}

func (b *Broker) ClientCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if state := b.topics[topic]; state != nil {
		return len(state.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, state := range b.topics {
		total += len(state.clients)
	}
	return total
}
