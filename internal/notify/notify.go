// Package notify fans out Notification rows to connected players over
// Redis pub/sub, the transport the task queue's send_notification job
// publishes through after persisting the row via the store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const channel = "xctf:notifications"

// Message is the payload published on the notification channel.
type Message struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id,omitempty"` // empty means broadcast to all
	Text           string `json:"text"`
}

// Publisher publishes notification messages.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a Publisher backed by the given Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish broadcasts msg to every subscriber.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscriber receives notification messages published by a Publisher.
type Subscriber struct {
	sub *redis.PubSub
}

// NewSubscriber subscribes to the notification channel.
func NewSubscriber(ctx context.Context, client *redis.Client) *Subscriber {
	return &Subscriber{sub: client.Subscribe(ctx, channel)}
}

// Messages returns a channel of decoded notification messages. Malformed
// payloads are dropped silently rather than closing the stream.
func (s *Subscriber) Messages(ctx context.Context) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		ch := s.sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close stops the subscription.
func (s *Subscriber) Close() error {
	return s.sub.Close()
}
