// Package valkey dials the Valkey instance backing the session quota and resume buffers.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect dials rawURL and verifies the server responds. The valkey:// and valkeys:// schemes are accepted as
// aliases for redis:// and rediss://, the only schemes go-redis parses. Every command the gateway issues sits on a
// session's identify or write path, so read and write timeouts are pinned to the dial timeout and per-call context
// deadlines are honored.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	switch {
	case strings.HasPrefix(rawURL, "valkey://"):
		rawURL = "redis://" + strings.TrimPrefix(rawURL, "valkey://")
	case strings.HasPrefix(rawURL, "valkeys://"):
		rawURL = "rediss://" + strings.TrimPrefix(rawURL, "valkeys://")
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = dialTimeout
	opts.WriteTimeout = dialTimeout
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}
