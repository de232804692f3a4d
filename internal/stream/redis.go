package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/taskrunner/internal/bus"
)

// DefaultChannelPrefix prefixes the per-task Redis channel.
const DefaultChannelPrefix = "taskrunner:stream:"

// RedisPublisher publishes stream events to Redis pub/sub so every replica
// (and external consumers) can follow a task.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to url (redis://...) and pings it.
func NewRedisPublisher(ctx context.Context, url, prefix string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPublisherFromClient(client, prefix), nil
}

func NewRedisPublisherFromClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the Redis channel of taskID.
func (p *RedisPublisher) Channel(taskID string) string {
	return p.prefix + taskID
}

func (p *RedisPublisher) Publish(ctx context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(ev.TaskID), data).Err()
}

// Relay forwards events from Redis into the local bus until ctx is done.
// With Redis enabled, sinks publish only to Redis and the relay feeds local
// subscribers, so each event is delivered once.
func (p *RedisPublisher) Relay(ctx context.Context, local *bus.MessageBus) error {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	slog.Info("stream: redis relay started", "pattern", p.prefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev bus.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Debug("stream: bad relay payload", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.TaskID == "" {
				ev.TaskID = strings.TrimPrefix(msg.Channel, p.prefix)
			}
			local.Broadcast(ev)
		}
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
