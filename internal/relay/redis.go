package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/stepsync/internal/hub"
	"github.com/roach88/stepsync/internal/metrics"
)

// DefaultChannelPrefix prefixes document IDs to form channel names.
const DefaultChannelPrefix = "stepsync:doc:"

// Redis publishes commits to Redis and re-broadcasts what it receives to the
// local registry. Publish does not deliver locally itself; the message comes
// back through Run like it does for every other process.
type Redis struct {
	client   *redis.Client
	prefix   string
	registry *hub.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ Publisher = (*Redis)(nil)

// RedisOptions configures a Redis relay.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and checks the connection with PING.
func NewRedis(ctx context.Context, opts RedisOptions, registry *hub.Registry, logger *slog.Logger, m *metrics.Metrics) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return newRedisWithClient(client, opts.Prefix, registry, logger, m), nil
}

func newRedisWithClient(client *redis.Client, prefix string, registry *hub.Registry, logger *slog.Logger, m *metrics.Metrics) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, registry: registry, logger: logger, metrics: m}
}

// Channel returns the channel name for documentID.
func (r *Redis) Channel(documentID string) string {
	return r.prefix + documentID
}

func (r *Redis) Publish(ctx context.Context, documentID string, msg []byte) error {
	if err := r.client.Publish(ctx, r.Channel(documentID), msg).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", documentID, err)
	}
	r.metrics.Relay("out")
	return nil
}

// Run subscribes to all document channels and broadcasts every message to
// local subscribers until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no publish is missed
	// after Run has started.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			documentID := strings.TrimPrefix(msg.Channel, r.prefix)
			r.metrics.Relay("in")
			delivered := r.registry.Broadcast(documentID, []byte(msg.Payload))
			r.metrics.Broadcast(delivered)
			r.logger.Debug("relayed commit", "document", documentID, "delivered", delivered)
		}
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
