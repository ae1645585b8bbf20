package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"job-scoring-pipeline/internal/logger"
)

// RedisPublisher publishes events on the tenant's pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("event %s has no tenant", ev.Type)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, Channel(ev.TenantID), raw).Err()
}

// Relay forwards every tenant channel into a local Publisher, normally the Hub.
type Relay struct {
	client *redis.Client
	target Publisher
	logger logger.Logger
}

func NewRelay(client *redis.Client, target Publisher, log logger.Logger) *Relay {
	return &Relay{client: client, target: target, logger: log}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed so no early event is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.logger.Info("notification relay subscribed", logger.String("pattern", channelPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn("dropping malformed event", logger.String("channel", msg.Channel), logger.Error(err))
		return
	}
	// the channel is authoritative for the tenant
	ev.TenantID = strings.TrimPrefix(msg.Channel, channelPrefix)
	if err := r.target.Publish(ctx, ev); err != nil {
		r.logger.Warn("relay publish failed", logger.String("tenant_id", ev.TenantID), logger.Error(err))
	}
}
