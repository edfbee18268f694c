// Package indexing waits for server-side document ingestion to settle.
package indexing

import (
	"context"
	"log/slog"
	"time"

	"chatsurface/internal/domain"
)

const (
	// attemptCeiling bounds the poll loop. Indexing completion time is
	// unknown and unbounded in the worst case; the ceiling guarantees
	// control eventually returns to the caller.
	attemptCeiling = 100

	// minPollInterval is the floor used when remote configuration carries
	// no interval. The loop must not spin unbounded.
	minPollInterval = 100 * time.Millisecond
)

// PollerConfig configures the indexing poller.
type PollerConfig struct {
	Indexer  domain.Indexer
	Interval func() time.Duration // poll interval from remote settings; <=0 falls back to the floor
	Logger   *slog.Logger
}

// Poller triggers a remote indexing run and polls its status with a fixed
// interval and a bounded number of attempts.
type Poller struct {
	indexer  domain.Indexer
	interval func() time.Duration
	logger   *slog.Logger
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return 0 }
	}
	return &Poller{
		indexer:  cfg.Indexer,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// WaitForIndex triggers indexing for indexID and polls until a terminal
// status or the attempt ceiling. Ceiling exhaustion returns IndexExhausted,
// which callers treat as an implicit transient failure: the send proceeds.
// Context cancellation exits the loop cleanly.
func (p *Poller) WaitForIndex(ctx context.Context, indexID string) (domain.IndexStatus, error) {
	jobID, err := p.indexer.TriggerIndex(ctx, indexID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Trigger failures are absorbed: ingestion is eventually consistent
		// and the message is not held hostage to it.
		p.logger.Warn("index trigger failed", "index_id", indexID, "err", err)
		return domain.IndexTransientFailure, nil
	}

	job := domain.IndexingJob{
		IndexID:           indexID,
		JobID:             jobID,
		AttemptsRemaining: attemptCeiling,
		Status:            domain.IndexPending,
	}

	for job.AttemptsRemaining > 0 {
		interval := p.interval()
		if interval <= 0 {
			interval = minPollInterval
		}
		job.PollInterval = interval

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		job.AttemptsRemaining--
		status, err := p.indexer.JobStatus(ctx, job.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			p.logger.Warn("index status query failed",
				"index_id", indexID,
				"attempts_remaining", job.AttemptsRemaining,
				"err", err,
			)
			continue
		}

		if status == domain.IndexSuccess || status == domain.IndexTransientFailure {
			job.Status = status
			p.logger.Info("indexing settled",
				"index_id", indexID,
				"status", status,
				"attempts_used", attemptCeiling-job.AttemptsRemaining,
			)
			return status, nil
		}
	}

	p.logger.Warn("indexing poll ceiling reached", "index_id", indexID, "attempts", attemptCeiling)
	return domain.IndexExhausted, nil
}
