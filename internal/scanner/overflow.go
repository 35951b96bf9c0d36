package scanner

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/yapit-tts/yapit-sub004/internal/adapter"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// OverflowScanner spills jobs that have sat unclaimed past a model's
// overflow threshold onto a serverless adapter, so a burst a local worker
// can't keep up with still gets synthesized instead of queuing forever
// (spec §4.8).
type OverflowScanner struct {
	Client    *queue.Client
	Model     string
	Adapter   adapter.Adapter
	Threshold time.Duration
	Interval  time.Duration
	BatchSize int64
}

// Run sweeps every interval until ctx is canceled.
func (s *OverflowScanner) Run(ctx context.Context) {
	t := time.NewTicker(s.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *OverflowScanner) sweep(ctx context.Context) {
	candidates, err := s.Client.OverflowCandidates(ctx, s.Model, time.Now().Add(-s.Threshold), s.batchSize())
	if err != nil {
		slog.Error("overflow scanner: candidate lookup failed", "model", s.Model, "error", err)
		return
	}
	for _, jobID := range candidates {
		job, err := s.Client.ClaimSpecific(ctx, s.Model, jobID)
		if err != nil {
			slog.Error("overflow scanner: claim failed", "model", s.Model, "job_id", jobID, "error", err)
			continue
		}
		if job == nil {
			// A regular worker claimed it first; nothing to do.
			continue
		}
		go s.dispatch(ctx, *job)
	}
}

func (s *OverflowScanner) dispatch(ctx context.Context, job wire.Job) {
	out, err := s.Adapter.Synthesize(ctx, job.Text, job.Voice, job.VoiceParams)
	result := wire.Result{
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
	if err != nil {
		result.ErrorCode = wire.ErrorCodeAdapterExhausted
		result.ErrorMessage = err.Error()
	} else {
		result.AudioB64 = base64.StdEncoding.EncodeToString(out.Audio)
		result.Codec = out.Codec
		result.DurationMs = out.DurationMs
	}

	if err := s.Client.PushResult(ctx, result); err != nil {
		slog.Error("overflow scanner: push result failed", "model", s.Model, "job_id", job.JobID, "error", err)
		return
	}

	// ClaimSpecific already removed job.JobID from the queue; Complete's
	// ZREM against the processing set is then a no-op, but it still deletes
	// the job body, which a regular worker claim would otherwise do via its
	// own Complete call (spec §4.2 "job body" lifecycle).
	if err := s.Client.Complete(ctx, s.Model, job.JobID); err != nil {
		slog.Error("overflow scanner: complete failed", "model", s.Model, "job_id", job.JobID, "error", err)
	}
}

func (s *OverflowScanner) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 5 * time.Second
}

func (s *OverflowScanner) batchSize() int64 {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 50
}
