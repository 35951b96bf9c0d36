// Package scanner implements the two background sweeps that keep the
// queue honest (spec §4.7, §4.8): the visibility scanner requeues or
// DLQs claims a worker never completed, and the overflow scanner spills
// jobs that have aged past a threshold onto a serverless adapter.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/yapit-tts/yapit-sub004/internal/queue"
)

// VisibilityScanner periodically finds stale claims for one model and
// requeues or DLQs them (spec §4.7, "~15s cadence").
type VisibilityScanner struct {
	Client     *queue.Client
	Model      string
	MaxRetries int
	Interval   time.Duration
	BatchSize  int64
}

// Run sweeps every interval until ctx is canceled.
func (s *VisibilityScanner) Run(ctx context.Context) {
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

func (s *VisibilityScanner) sweep(ctx context.Context) {
	stale, err := s.Client.StaleClaims(ctx, s.Model, time.Now(), s.batchSize())
	if err != nil {
		slog.Error("visibility scanner: stale claims lookup failed", "model", s.Model, "error", err)
		return
	}
	for _, jobID := range stale {
		outcome, err := s.Client.RequeueOrDLQ(ctx, s.Model, jobID, s.MaxRetries)
		if err != nil {
			slog.Error("visibility scanner: requeue/dlq failed", "model", s.Model, "job_id", jobID, "error", err)
			continue
		}
		if outcome == queue.OutcomeDLQ {
			slog.Warn("visibility scanner: job moved to dlq", "model", s.Model, "job_id", jobID)
		}
	}
}

func (s *VisibilityScanner) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return 15 * time.Second
}

func (s *VisibilityScanner) batchSize() int64 {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 100
}
