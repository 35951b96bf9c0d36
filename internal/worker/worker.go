// Package worker implements the two dispatch loops that turn claimed jobs
// into results (spec §4.4, §9): a serial loop for models that hold a
// scarce local resource (GPU-bound engines), and a parallel-dispatcher
// loop for models fronted by an elastic HTTP API.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// Dispatch names the two worker loop styles (spec §4.4).
type Dispatch string

const (
	DispatchSerial   Dispatch = "serial"
	DispatchParallel Dispatch = "parallel"
)

// Worker drains one model's queue with a chosen Dispatch strategy.
type Worker struct {
	Model              string
	Client             *queue.Client
	Adapter            adapter.Adapter
	Dispatch           Dispatch
	VisibilityTimeout  time.Duration
	ClaimPollTimeout   time.Duration
	MaxInFlight        int // parallel dispatch only: cap on concurrent synthesize calls
}

// Run blocks until ctx is canceled, claiming and processing jobs for
// w.Model according to w.Dispatch.
func (w *Worker) Run(ctx context.Context) {
	switch w.Dispatch {
	case DispatchParallel:
		w.runParallel(ctx)
	default:
		w.runSerial(ctx)
	}
}

// runSerial claims one job, synthesizes it to completion, pushes the
// result, and only then claims the next — the right shape for a single
// local GPU engine that can't usefully run two syntheses at once.
func (w *Worker) runSerial(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.Client.Claim(ctx, w.Model, w.VisibilityTimeout)
		if err != nil {
			slog.Error("worker: claim failed", "model", w.Model, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			time.Sleep(w.claimPollTimeout())
			continue
		}

		result := w.synthesize(ctx, *job)
		if err := w.Client.PushResult(ctx, result); err != nil {
			slog.Error("worker: push result failed", "model", w.Model, "job_id", job.JobID, "error", err)
		}
		if err := w.Client.Complete(ctx, w.Model, job.JobID); err != nil {
			slog.Error("worker: complete failed", "model", w.Model, "job_id", job.JobID, "error", err)
		}
	}
}

// runParallel claims a job and hands it to a goroutine immediately,
// spawn-and-forget, so a burst of blocks dispatches to the API backend
// concurrently instead of one at a time. Each claim still goes through
// Claim, so it sits in the processing set with a visibility deadline and
// the visibility scanner requeues it if its goroutine has not completed
// by then. The worker itself does not track its goroutines; the adapter's
// own timeout bounds how long a slot stays occupied.
func (w *Worker) runParallel(ctx context.Context) {
	sem := make(chan struct{}, w.maxInFlight())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.Client.Claim(ctx, w.Model, w.VisibilityTimeout)
		if err != nil {
			slog.Error("worker: claim failed", "model", w.Model, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			time.Sleep(w.claimPollTimeout())
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func(j wire.Job) {
			defer func() { <-sem }()
			result := w.synthesize(ctx, j)
			if err := w.Client.PushResult(ctx, result); err != nil {
				slog.Error("worker: push result failed", "model", w.Model, "job_id", j.JobID, "error", err)
			}
			if err := w.Client.Complete(ctx, w.Model, j.JobID); err != nil {
				slog.Error("worker: complete failed", "model", w.Model, "job_id", j.JobID, "error", err)
			}
		}(*job)
	}
}

// synthesize calls the model's adapter and shapes the outcome (success,
// adapter-fatal, or adapter-exhausted) into a wire.Result (spec §4.4,
// §7). Whitespace-only / empty text is not special-cased here: an adapter
// output with no audio becomes a result with empty AudioB64, which the
// result consumer reports as skipped.
func (w *Worker) synthesize(ctx context.Context, job wire.Job) wire.Result {
	base := wire.Result{
		JobID:           job.JobID,
		UserID:          job.UserID,
		DocumentID:      job.DocumentID,
		BlockIdx:        job.BlockIdx,
		Model:           job.Model,
		Voice:           job.Voice,
		VariantHash:     job.VariantHash,
		UsageMultiplier: job.UsageMultiplier,
		TextLength:      len(job.Text),
	}

	out, err := w.Adapter.Synthesize(ctx, job.Text, job.Voice, job.VoiceParams)
	if err != nil {
		base.ErrorMessage = err.Error()
		switch {
		case errors.Is(err, adapter.ErrFatal):
			base.ErrorCode = wire.ErrorCodeAdapterFatal
		default:
			base.ErrorCode = wire.ErrorCodeAdapterExhausted
		}
		return base
	}

	base.AudioB64 = base64.StdEncoding.EncodeToString(out.Audio)
	base.Codec = out.Codec
	base.DurationMs = out.DurationMs
	return base
}

func (w *Worker) claimPollTimeout() time.Duration {
	if w.ClaimPollTimeout > 0 {
		return w.ClaimPollTimeout
	}
	return time.Second
}

func (w *Worker) maxInFlight() int {
	if w.MaxInFlight > 0 {
		return w.MaxInFlight
	}
	return 8
}
