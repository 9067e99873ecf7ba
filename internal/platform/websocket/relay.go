package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultRelayChannel is the redis channel events travel on between replicas.
const DefaultRelayChannel = "screening:events"

// RedisPublisher publishes events to a redis channel so every replica's hub
// can deliver them. Pair it with a Relay on each replica.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Relay forwards events from a redis channel into the local hub.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRelay(client *redis.Client, channel string, hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{client: client, channel: channel, hub: hub, logger: logger}
}

// Run subscribes and broadcasts until ctx is cancelled. ready, when non-nil,
// is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Str("channel", r.channel).Msg("websocket relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn().Err(err).Msg("discarding malformed relay event")
				continue
			}
			r.hub.Broadcast(ev.Topic, ev)
		}
	}
}
