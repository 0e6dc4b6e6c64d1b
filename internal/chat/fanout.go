package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel is the Redis channel every instance publishes chat events on.
const Channel = "chat-events"

const EventNewMessage = "new-message"

// Broadcaster delivers an event to the local connections of a chat room.
type Broadcaster interface {
	BroadcastRoom(ctx context.Context, roomID, event string, data any) error
}

// Fanout publishes chat events to Redis and relays what comes back to the
// local hub, so every instance reaches its own sockets.
type Fanout struct {
	redis *redis.Client
	hub   Broadcaster
	log   zerolog.Logger
}

func NewFanout(redisClient *redis.Client, hub Broadcaster, logger zerolog.Logger) *Fanout {
	return &Fanout{
		redis: redisClient,
		hub:   hub,
		log:   logger.With().Str("module", "chat.fanout").Logger(),
	}
}

func (f *Fanout) Publish(ctx context.Context, roomID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Event{RoomID: roomID, Event: event, Data: raw})
	if err != nil {
		return err
	}
	return f.redis.Publish(ctx, Channel, payload).Err()
}

// Run listens for events from every instance until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	pubsub := f.redis.Subscribe(ctx, Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	f.log.Info().Str("channel", Channel).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.relay(ctx, msg.Payload); err != nil {
				f.log.Warn().Err(err).Msg("relay failed")
			}
		}
	}
}

func (f *Fanout) relay(ctx context.Context, payload string) error {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.RoomID == "" || ev.Event == "" {
		return fmt.Errorf("decode event: missing room or event name")
	}
	return f.hub.BroadcastRoom(ctx, ev.RoomID, ev.Event, ev.Data)
}
