// Package consumer implements the hot result consumer (spec §4.5): the
// single drain loop between workers and everything a client or the
// billing path needs to know about a finished block. It never touches
// Postgres — that split is the billing consumer's job (§4.6, §5).
package consumer

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/notify"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// ResultConsumer drains `results`, gates each one against the inflight
// key, and fans it out to the cache, the per-document notification
// channel, and the billing list (spec §4.5 steps 1-5).
type ResultConsumer struct {
	Client      *queue.Client
	Cache       *cache.Store
	Bus         *notify.Bus
	PollTimeout time.Duration
}

// Run drains results until ctx is canceled.
func (rc *ResultConsumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := rc.Client.BlockingPopResult(ctx, rc.pollTimeout())
		if err != nil {
			slog.Error("result consumer: pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if result == nil {
			continue
		}
		rc.handle(ctx, *result)
	}
}

// handle runs the spec §4.5 steps for one result:
//  1. dedup gate + index cleanup (FinalizeResult) — drop stale duplicates
//  2. error result → publish a status=error event, no cache write, no billing
//  3. empty result (no audio) → publish status=skipped, no cache write, no billing
//  4. success → write the variant cache, publish status=cached/processing done
//  5. push a billing event only for a result whose audio reached the cache,
//     so the cold consumer can record usage
func (rc *ResultConsumer) handle(ctx context.Context, result wire.Result) {
	gated, err := rc.Client.FinalizeResult(ctx, result.VariantHash, result.JobID, result.UserID, result.DocumentID, result.BlockIdx)
	if err != nil {
		slog.Error("result consumer: finalize failed", "job_id", result.JobID, "error", err)
		return
	}
	if !gated {
		slog.Info("result consumer: dropping stale duplicate", "job_id", result.JobID, "variant_hash", result.VariantHash)
		return
	}

	switch {
	case result.IsError():
		rc.publish(ctx, result, wire.StatusError, result.ErrorMessage)
		return
	case result.IsEmpty():
		rc.publish(ctx, result, wire.StatusSkipped, "")
		return
	}

	audio, err := base64.StdEncoding.DecodeString(result.AudioB64)
	if err != nil {
		slog.Error("result consumer: bad audio encoding", "job_id", result.JobID, "error", err)
		rc.publish(ctx, result, wire.StatusError, "corrupt audio payload")
		return
	}

	if err := rc.Cache.Put(result.VariantHash, audio, result.Codec, result.DurationMs); err != nil {
		slog.Error("result consumer: cache put failed", "job_id", result.JobID, "error", err)
		rc.publish(ctx, result, wire.StatusError, "cache write failed")
		return
	}

	rc.publish(ctx, result, wire.StatusCached, "")

	event := wire.BillingEvent{
		UserID:          result.UserID,
		DocumentID:      result.DocumentID,
		VariantHash:     result.VariantHash,
		TextLength:      result.TextLength,
		UsageMultiplier: result.UsageMultiplier,
		DurationMs:      result.DurationMs,
		Model:           result.Model,
		Voice:           result.Voice,
		Codec:           result.Codec,
		CacheRef:        result.VariantHash,
	}
	if err := rc.Client.PushBillingEvent(ctx, event); err != nil {
		slog.Error("result consumer: push billing event failed", "job_id", result.JobID, "error", err)
	}
}

func (rc *ResultConsumer) publish(ctx context.Context, result wire.Result, status, errMsg string) {
	event := notify.NewCloudEvent(notify.EventBlockReady, "yapit-sub004/result-consumer",
		result.DocumentID, map[string]interface{}{
			"document_id":  result.DocumentID,
			"block_idx":    result.BlockIdx,
			"status":       status,
			"variant_hash": result.VariantHash,
			"error":        errMsg,
			"model_slug":   result.Model,
			"voice_slug":   result.Voice,
		})
	if err := rc.Bus.PublishDone(ctx, result.UserID, result.DocumentID, event); err != nil {
		slog.Error("result consumer: publish failed", "job_id", result.JobID, "error", err)
	}
}

func (rc *ResultConsumer) pollTimeout() time.Duration {
	if rc.PollTimeout > 0 {
		return rc.PollTimeout
	}
	return time.Second
}
