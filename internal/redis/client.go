package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SessionChannel carries scan events and control notices for one scan session.
func SessionChannel(scanSessionID string) string {
	return fmt.Sprintf("scan-session:%s", scanSessionID)
}

// PairingChannel announces the session spawned by a pairing challenge.
func PairingChannel(pairingID string) string {
	return fmt.Sprintf("pairing:%s", pairingID)
}

// RateLimitKey namespaces sliding-window counters per scope and client.
func RateLimitKey(scope, clientID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, clientID)
}
