package sse

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
)

func TestBroker_LocalFanOut(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	topic := redisclient.SessionChannel("s1")
	c1 := b.Subscribe(topic)
	c2 := b.Subscribe(topic)
	other := b.Subscribe(redisclient.SessionChannel("s2"))

	assert.Equal(t, 2, b.ClientCount(topic))
	assert.Equal(t, 3, b.TotalClients())

	event, err := NewEvent(EventScan, map[string]any{"id": 1})
	require.NoError(t, err)
	b.broadcast(topic, event)

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.Events:
			assert.Equal(t, EventScan, got.Type)
			assert.JSONEq(t, `{"id":1}`, string(got.Data))
		default:
			t.Fatal("expected event")
		}
	}

	select {
	case <-other.Events:
		t.Fatal("event leaked to another topic")
	default:
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	topic := redisclient.SessionChannel("s1")
	c := b.Subscribe(topic)
	b.Unsubscribe(c)

	assert.Equal(t, 0, b.ClientCount(topic))
	select {
	case <-c.Done:
	default:
		t.Fatal("Done should be closed")
	}

	// second unsubscribe is a no-op
	b.Unsubscribe(c)
}

func TestBroker_FullBufferDrops(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	topic := redisclient.SessionChannel("s1")
	c := b.Subscribe(topic)
	for i := 0; i < clientBufferSize+5; i++ {
		b.broadcast(topic, Event{Type: EventScan, Data: json.RawMessage(`{}`)})
	}
	assert.Len(t, c.Events, clientBufferSize)
}

func TestBroker_RedisRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	rc, err := redisclient.NewClient(url)
	require.NoError(t, err)
	defer rc.Close()

	b := NewBroker(rc)
	defer b.Close()

	topic := redisclient.SessionChannel("roundtrip")
	c := b.Subscribe(topic)

	event, err := NewEvent(EventSessionEnded, map[string]string{"status": "ended"})
	require.NoError(t, err)

	// allow the subscription to register before publishing
	require.Eventually(t, func() bool {
		_ = b.Publish(context.Background(), topic, event)
		select {
		case got := <-c.Events:
			return got.Type == EventSessionEnded
		default:
			return false
		}
	}, 3*time.Second, 100*time.Millisecond)
}

func TestBroker_PublishWithoutRedis(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	topic := redisclient.PairingChannel("p1")
	c := b.Subscribe(topic)

	event, err := NewEvent(EventPairingComplete, map[string]string{"scan_session_id": "s1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), topic, event))

	got := <-c.Events
	assert.Equal(t, EventPairingComplete, got.Type)
}
