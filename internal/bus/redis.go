package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// channelName is the single pub/sub channel all messages travel on.
const channelName = "orbiter:events"

// Redis is the production bus on Redis pub/sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis at url (redis:// form).
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// wireMessage is the form a Message travels in over Redis. The payload is
// carried as a JSON string so its bytes arrive exactly as published;
// marshalling a json.RawMessage directly would compact it.
type wireMessage struct {
	Message
	Payload string `json:"payload,omitempty"`
}

// Publish sends the message to every subscribed process.
func (b *Redis) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(wireMessage{Message: m, Payload: string(m.Payload)})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe consumes messages until ctx is canceled. Undecodable payloads
// are dropped; the contract is at-least-once with idempotent consumers, so
// skipping garbage is safe.
func (b *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := b.client.Subscribe(ctx, channelName)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var wm wireMessage
				if err := json.Unmarshal([]byte(raw.Payload), &wm); err != nil {
					continue
				}
				m := wm.Message
				if wm.Payload != "" {
					m.Payload = json.RawMessage(wm.Payload)
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (b *Redis) Close() error {
	return b.client.Close()
}
