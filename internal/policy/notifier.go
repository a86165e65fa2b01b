package policy

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/better-wallet/spendguard/internal/logger"
)

// Notifier tells peer instances that a policy changed so they can drop
// cached evaluation results.
type Notifier interface {
	PolicyChanged(ctx context.Context, policyID string) error
}

// RedisNotifier publishes policy IDs on a Redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier creates a notifier publishing on "<prefix>:policies:changed".
func NewRedisNotifier(client redis.UniversalClient, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "spendguard"
	}
	return &RedisNotifier{client: client, channel: prefix + ":policies:changed"}
}

// Channel returns the pub/sub channel name.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

func (n *RedisNotifier) PolicyChanged(ctx context.Context, policyID string) error {
	return n.client.Publish(ctx, n.channel, policyID).Err()
}

// Listen calls onChange for every published policy ID until ctx is done,
// resubscribing after connection loss. onResync runs after each successful
// (re)subscribe, since messages published while disconnected are lost.
func (n *RedisNotifier) Listen(ctx context.Context, onChange func(policyID string), onResync func()) {
	for {
		pubsub := n.client.Subscribe(ctx, n.channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "policy notifier subscribe failed", "channel", n.channel, "error", err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onResync != nil {
			onResync()
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				if msg.Payload != "" {
					onChange(msg.Payload)
				}
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
