// README: Redis pub/sub bus so every API instance sees every ride update.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "feed:rides"

type RedisBus struct {
	redis   *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBus(client *redis.Client, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{redis: client, channel: channel, log: log.Named("redis_bus")}
}

func (b *RedisBus) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode feed update: %w", err)
	}
	return b.redis.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Run(ctx context.Context, deliver func(Update)) error {
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				b.log.Warn("dropping malformed feed update", zap.Error(err))
				continue
			}
			deliver(u)
		}
	}
}
