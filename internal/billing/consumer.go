package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// Consumer serially drains the `billing` list into Postgres and the
// external usage recorder (spec §4.6). It never touches the inflight
// dedup gate — that already closed in the result consumer (spec §4.5
// step 1) before this event was ever pushed.
type Consumer struct {
	Client      *queue.Client
	Store       *Store
	Recorder    *UsageRecorder
	Mirror      *pubsub.Topic // optional GCP Pub/Sub mirror, nil disables it
	PollTimeout time.Duration
}

// Run drains billing events until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		event, err := c.Client.BlockingPopBillingEvent(ctx, c.pollTimeout())
		if err != nil {
			slog.Error("billing consumer: pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if event == nil {
			continue
		}
		c.handle(ctx, *event)
	}
}

func (c *Consumer) handle(ctx context.Context, event wire.BillingEvent) {
	if err := c.Store.RecordUsage(ctx, event); err != nil {
		slog.Error("billing consumer: postgres upsert failed", "user_id", event.UserID, "variant_hash", event.VariantHash, "error", err)
		return
	}

	if err := c.Recorder.Record(event); err != nil {
		slog.Error("billing consumer: usage recorder failed", "user_id", event.UserID, "variant_hash", event.VariantHash, "error", err)
	}

	if c.Mirror != nil {
		c.mirrorToPubSub(ctx, event)
	}
}

// mirrorToPubSub publishes a best-effort copy of the billing event for
// downstream analytics (SPEC_FULL.md §C). Failures are logged, not
// retried: the Postgres row is the durable record of this usage event.
func (c *Consumer) mirrorToPubSub(ctx context.Context, event wire.BillingEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("billing consumer: marshal for pubsub mirror failed", "error", err)
		return
	}
	result := c.Mirror.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"user_id": event.UserID,
			"model":   event.Model,
		},
		OrderingKey: event.UserID,
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("billing consumer: pubsub mirror publish failed", "error", err)
		}
	}()
}

func (c *Consumer) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return time.Second
}
