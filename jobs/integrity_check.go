package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vergecare/vergegate/internal/audit"
	jobmetrics "github.com/vergecare/vergegate/internal/jobs"
)

// IntegrityCheckJob scans the audit trail for signs of tampering or decay:
// duplicated correlation ids, timestamps ahead of the clock, and records that
// outlived their retention window.
type IntegrityCheckJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewIntegrityCheckJob initialises the integrity check handler.
func NewIntegrityCheckJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityCheckJob {
	return &IntegrityCheckJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity check logic.
func (j *IntegrityCheckJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("integrity check: handler not configured")
	}
	var payload IntegrityCheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WindowHours <= 0 {
		payload.WindowHours = 24
	}

	now := j.now()
	tracker := j.metrics().Track(TaskAuditIntegrityCheck)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("window_hours", payload.WindowHours))
	logger.Info("starting integrity check")

	since := now.Add(-time.Duration(payload.WindowHours) * time.Hour)

	duplicates, err := j.countDuplicateCorrelations(ctx, since)
	if err != nil {
		resultErr = err
		logger.Error("duplicate scan failed", slog.Any("error", err))
		return resultErr
	}
	if duplicates > 0 {
		logger.Warn("duplicate correlation ids in trail", slog.Int64("count", duplicates))
		j.metrics().AddViolations("duplicate_correlation", duplicates)
	}

	future, err := j.countFutureTimestamps(ctx, now)
	if err != nil {
		resultErr = err
		logger.Error("timestamp scan failed", slog.Any("error", err))
		return resultErr
	}
	if future > 0 {
		logger.Warn("records stamped ahead of clock", slog.Int64("count", future))
		j.metrics().AddViolations("future_timestamp", future)
	}

	var overdue int64
	for _, category := range audit.Categories() {
		cutoff := now.Add(-category.Retention())
		count, err := j.countOverdue(ctx, category, cutoff)
		if err != nil {
			resultErr = err
			logger.Error("retention scan failed",
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
			return resultErr
		}
		if count > 0 {
			logger.Warn("records past retention not yet swept",
				slog.String("category", string(category)),
				slog.Int64("count", count),
			)
			j.metrics().AddViolations("overdue_retention", count)
		}
		overdue += count
	}

	logger.Info("completed integrity check",
		slog.Int64("duplicates", duplicates),
		slog.Int64("future_timestamps", future),
		slog.Int64("overdue", overdue),
		slog.Duration("duration", time.Since(now)),
	)
	return resultErr
}

func (j *IntegrityCheckJob) countDuplicateCorrelations(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := j.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(n - 1), 0) FROM (
  SELECT COUNT(*) AS n FROM audit_records
  WHERE occurred_at >= $1
  GROUP BY correlation_id HAVING COUNT(*) > 1
 ) dup`, since).Scan(&count)
	return count, err
}

func (j *IntegrityCheckJob) countFutureTimestamps(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := j.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE occurred_at > $1`,
		now.Add(time.Minute)).Scan(&count)
	return count, err
}

func (j *IntegrityCheckJob) countOverdue(ctx context.Context, category audit.Category, cutoff time.Time) (int64, error) {
	var count int64
	err := j.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE category = $1 AND occurred_at < $2`,
		string(category), cutoff).Scan(&count)
	return count, err
}

func (j *IntegrityCheckJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditIntegrityCheck))
	}
	return slog.Default().With(slog.String("job", TaskAuditIntegrityCheck))
}

func (j *IntegrityCheckJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *IntegrityCheckJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
