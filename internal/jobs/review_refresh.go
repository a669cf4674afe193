package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"gracechurch.org/authz/internal/obs"
	"gracechurch.org/authz/internal/review"
)

// CandidateSource builds the review queue. review.Scheduler satisfies it.
type CandidateSource interface {
	Candidates(ctx context.Context, onlyDue bool, now time.Time) ([]review.Candidate, error)
}

// ReviewRefreshJob scores users and publishes the queue size per priority tier.
type ReviewRefreshJob struct {
	source  CandidateSource
	logger  *zap.Logger
	clock   func() time.Time
	publish func(map[string]int)
}

// NewReviewRefreshJob wires dependencies for the refresh handler.
func NewReviewRefreshJob(source CandidateSource, logger *zap.Logger) *ReviewRefreshJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewRefreshJob{
		source:  source,
		logger:  logger,
		clock:   time.Now,
		publish: obs.SetReviewQueue,
	}
}

// Handle processes TaskReviewQueueRefresh tasks.
func (j *ReviewRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.source == nil {
		return errors.New("review refresh job not configured")
	}
	var payload ReviewRefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Refresh(ctx, payload.OnlyDue)
	return err
}

// Refresh recomputes the queue once and returns the per-tier counts.
func (j *ReviewRefreshJob) Refresh(ctx context.Context, onlyDue bool) (map[string]int, error) {
	start := j.clock()
	cands, err := j.source.Candidates(ctx, onlyDue, start)
	if err != nil {
		j.logger.Error("review queue refresh failed", zap.Error(err))
		return nil, fmt.Errorf("build review queue: %w", err)
	}
	counts := review.CountByPriority(cands)
	j.publish(counts)
	j.logger.Info("review queue refreshed",
		zap.Bool("only_due", onlyDue),
		zap.Int("candidates", len(cands)),
		zap.Int("critical", counts[string(review.PriorityCritical)]),
		zap.Int("high", counts[string(review.PriorityHigh)]),
		zap.Duration("took", j.clock().Sub(start)),
	)
	return counts, nil
}
