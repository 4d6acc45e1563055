// Package bus carries events between nodes over the shared Redis instance:
// pub/sub fan-out for connected clients and a stream-backed queue for
// delivery jobs.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"

	"courier/internal/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event is the envelope every pub/sub payload travels in. Data holds the
// type-specific body, already marshaled.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent wraps a body into an Event envelope.
func NewEvent(eventType string, body interface{}) (Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Notifier provides helpers to publish events into Redis channels.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) publish(ctx context.Context, channel string, event Event) error {
	if n.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, channel, string(raw)).Err()
}

// PublishChat sends an event to every node holding members of the chat's room.
func (n *Notifier) PublishChat(ctx context.Context, chatID uuid.UUID, event Event) error {
	return n.publish(ctx, cache.ChatTopic(chatID), event)
}

// PublishUser sends an event to every device of one user, wherever connected.
func (n *Notifier) PublishUser(ctx context.Context, userID uuid.UUID, event Event) error {
	return n.publish(ctx, cache.UserTopic(userID), event)
}

// PublishStatus sends a presence transition to all nodes.
func (n *Notifier) PublishStatus(ctx context.Context, event Event) error {
	return n.publish(ctx, cache.StatusTopic, event)
}

// StartSubscriber subscribes to the chat, user and status patterns and calls
// onMessage for each incoming event. A panicking handler is logged and
// skipped; the subscriber loop keeps running until ctx is done.
func (n *Notifier) StartSubscriber(
	ctx context.Context, onMessage func(channel string, event Event),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:*", "user:*", cache.StatusTopic)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("bus: dropping malformed event on %s: %v", msg.Channel, err)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in bus subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, event)
				}()
			}
		}
	}()

	return nil
}
