package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/callbridge/pbx-bridge-go/internal/config"
)

type Client struct {
	*redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// DeliveryKey is the key claiming one webhook delivery for a conversation.
func DeliveryKey(conversationID string) string {
	return fmt.Sprintf("pbxbridge:delivery:%s", conversationID)
}
