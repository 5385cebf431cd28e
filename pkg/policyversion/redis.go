package policyversion

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster propagates policy activations across a fleet of bus
// processes: Activate on one instance publishes to a Redis channel, and
// every instance (including the publisher) subscribed via Listen installs
// the same version locally — the pub/sub invalidation spec.md's domain
// stack names for the Policy Version Cache.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

type versionChangeMessage struct {
	PolicyID string `json:"policy_id"`
	Version  string `json:"version"`
}

// NewRedisBroadcaster constructs a broadcaster over channel. Pass a
// dedicated channel per environment/tenant to avoid cross-deployment noise.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = "acgs2:policyversion:changed"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, logger: logger}
}

// Publish sends a version-changed notification. Wire this as a Cache
// Listener via cache.OnChange(broadcaster.Publish).
func (b *RedisBroadcaster) Publish(policyID, version string) {
	raw, err := json.Marshal(versionChangeMessage{PolicyID: policyID, Version: version})
	if err != nil {
		b.logger.Error("policyversion: marshal change message", "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, raw).Err(); err != nil {
		b.logger.Error("policyversion: publish change message", "error", err)
	}
}

// Listen subscribes to the channel and applies every received activation to
// cache by calling Activate, until ctx is cancelled. Run it in its own
// goroutine alongside a Cache built with OnChange(broadcaster.Publish) so a
// version activated anywhere reaches every instance, including the one that
// published it. A message whose version the cache already holds for that
// policy is skipped, so an echo of an activation is neither re-applied nor
// re-published.
func (b *RedisBroadcaster) Listen(ctx context.Context, cache *Cache) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m versionChangeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Error("policyversion: decode change message", "error", err)
				continue
			}
			cache.mu.RLock()
			cur, held := cache.entries[m.PolicyID]
			cache.mu.RUnlock()
			if held && cur.version == m.Version {
				continue
			}
			if err := cache.Activate(m.PolicyID, m.Version); err != nil {
				b.logger.Error("policyversion: apply remote activation", "policy_id", m.PolicyID, "error", err)
			}
		}
	}
}
