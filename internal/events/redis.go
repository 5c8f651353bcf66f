package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBridge relays events over a Redis pub/sub channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
	codec   Codec
}

func NewRedisBridge(ctx context.Context, addr, channel string) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBridge{client: client, channel: channel, codec: JSONCodec{}}, nil
}

func (b *RedisBridge) Name() string { return "redis" }

func (b *RedisBridge) Send(ctx context.Context, ev Event) error {
	payload, err := b.codec.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBridge) Listen(ctx context.Context, deliver func(Event)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var ev Event
			if err := b.codec.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			deliver(ev)
		}
	}
}

func (b *RedisBridge) Close() error { return b.client.Close() }
