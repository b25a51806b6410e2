package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chat-relay/internal/models"
)

// Channel is the Redis pub/sub channel carrying chat stream events between
// replicas.
const Channel = "chat_stream_events"

// Encode wraps a chat event in the websocket envelope listeners expect.
func Encode(event models.ChatEvent) ([]byte, error) {
	data, err := json.Marshal(models.WSMessage{
		Type:    models.EventChatStream,
		Payload: event,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat event: %w", err)
	}
	return data, nil
}

// RedisPublisher forwards chat events to Redis so every replica's hub can
// fan them out to its own listeners.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: Channel}
}

func (p *RedisPublisher) Emit(ctx context.Context, event models.ChatEvent) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish chat event: %w", err)
	}
	return nil
}
