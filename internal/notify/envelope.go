// Package notify delivers block-completion notifications from the hot
// result consumer to websocket sessions. It keeps the teacher's CloudEvent
// envelope (internal/events/bus.go) but moves the transport from an
// in-process channel fan-out to Redis pub/sub on a channel scoped to one
// (user, document) pair, so a single completion never wakes every
// connected session on the instance (spec §4.7).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yapit-tts/yapit-sub004/internal/queue"
)

// CloudEvent is the CloudEvents 1.0 envelope reused for block-completion
// notifications (same shape the teacher used for its event bus).
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// EventBlockReady is the only event type published on the
// done:{user}:{document} channel. Eviction is delivered directly on the
// evicting session's own websocket (internal/orchestrator/session.go) and
// never needs cross-session fan-out, so it has no CloudEvent type here.
const EventBlockReady = "com.yapit.tts.block_ready"

// NewCloudEvent builds a CloudEvent with Time/ID pre-filled.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// Bus publishes and subscribes to per-document completion channels over
// Redis pub/sub.
type Bus struct {
	rdb *redis.Client
}

// NewBus wraps an existing Redis client. The queue and notify packages
// share one connection pool since both live on the hot path.
func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// PublishDone emits event on the (userID, documentID) channel.
func (b *Bus) PublishDone(ctx context.Context, userID, documentID string, event *CloudEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, queue.DoneChannel(userID, documentID), body).Err()
}

// Subscription is a live subscription to one document's completion
// channel.
type Subscription struct {
	sub *redis.PubSub
	ch  chan *CloudEvent
}

// Subscribe opens a subscription to (userID, documentID)'s channel. Callers
// must call Close when the websocket session ends.
func (b *Bus) Subscribe(ctx context.Context, userID, documentID string) (*Subscription, error) {
	sub := b.rdb.Subscribe(ctx, queue.DoneChannel(userID, documentID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan *CloudEvent, 32)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var event CloudEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- &event:
			default:
				// Slow consumer: drop rather than block the Redis reader
				// goroutine (spec §4.7 "hot path must not back up").
			}
		}
	}()

	return &Subscription{sub: sub, ch: out}, nil
}

// Events returns the channel of received CloudEvents. It closes when the
// subscription is closed or the connection drops.
func (s *Subscription) Events() <-chan *CloudEvent {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.sub.Close()
}
