package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vergecare/vergegate/internal/audit"
	jobmetrics "github.com/vergecare/vergegate/internal/jobs"
)

// RetentionStore is the slice of the audit repository the sweep needs.
type RetentionStore interface {
	DeleteExpired(ctx context.Context, category audit.Category, cutoff time.Time) (int64, error)
	CountExpired(ctx context.Context, category audit.Category, cutoff time.Time) (int64, error)
}

// RetentionSweepJob purges audit records older than their category retention.
type RetentionSweepJob struct {
	Store   RetentionStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRetentionSweepJob initialises the retention sweep handler.
func NewRetentionSweepJob(store RetentionStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionSweepJob {
	return &RetentionSweepJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep across every retention category.
func (j *RetentionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("retention sweep: handler not configured")
	}
	var payload RetentionSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	now := j.now()
	tracker := j.metrics().Track(TaskAuditRetentionSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Bool("dry_run", payload.DryRun))
	logger.Info("starting retention sweep")

	var total int64
	for _, category := range audit.Categories() {
		cutoff := now.Add(-category.Retention())
		var removed int64
		var err error
		if payload.DryRun {
			removed, err = j.Store.CountExpired(ctx, category, cutoff)
		} else {
			removed, err = j.Store.DeleteExpired(ctx, category, cutoff)
		}
		if err != nil {
			resultErr = err
			logger.Error("sweep failed",
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
			return resultErr
		}
		if removed > 0 {
			logger.Info("purged expired records",
				slog.String("category", string(category)),
				slog.Time("cutoff", cutoff),
				slog.Int64("removed", removed),
			)
			if !payload.DryRun {
				j.metrics().AddPurged(string(category), removed)
			}
		}
		total += removed
	}

	logger.Info("completed retention sweep",
		slog.Int64("total", total),
		slog.Duration("duration", time.Since(now)),
	)
	return resultErr
}

func (j *RetentionSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditRetentionSweep))
	}
	return slog.Default().With(slog.String("job", TaskAuditRetentionSweep))
}

func (j *RetentionSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *RetentionSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
