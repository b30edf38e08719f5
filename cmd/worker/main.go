package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/vergecare/vergegate/internal/app"
	"github.com/vergecare/vergegate/internal/audit"
	jobmetrics "github.com/vergecare/vergegate/internal/jobs"
	"github.com/vergecare/vergegate/internal/platform/db"
	"github.com/vergecare/vergegate/jobs"
)

func main() {
	enqueue := flag.String("enqueue", "", "enqueue one job now (sweep or integrity) and exit")
	dryRun := flag.Bool("dry-run", false, "with -enqueue sweep, report what would be purged without deleting")
	windowHours := flag.Int("window-hours", 0, "with -enqueue integrity, hours of trail to scan (0 means 24)")
	flag.Parse()

	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if *enqueue != "" {
		if err := enqueueNow(ctx, logger, cfg.RedisAddr, *enqueue, *dryRun, *windowHours); err != nil {
			logger.Error("enqueue job", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)
	auditRepo := audit.NewPGRepository(pool)

	sweepJob := jobs.NewRetentionSweepJob(auditRepo, logger, metrics)
	integrityJob := jobs.NewIntegrityCheckJob(pool, logger, metrics)

	sweepTask, err := jobs.NewRetentionSweepTask(jobs.RetentionSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewIntegrityCheckTask(jobs.IntegrityCheckPayload{WindowHours: 24})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditRetentionSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskAuditIntegrityCheck, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 2 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 2 * * *", Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// enqueueNow submits one immediate job for the worker fleet to pick up, so an
// operator can trigger a sweep or integrity check outside the cron schedule.
func enqueueNow(ctx context.Context, logger *slog.Logger, redisAddr, kind string, dryRun bool, windowHours int) error {
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	if err != nil {
		return err
	}
	defer client.Close()

	var info *asynq.TaskInfo
	switch kind {
	case "sweep":
		info, err = client.EnqueueRetentionSweep(ctx, jobs.RetentionSweepPayload{DryRun: dryRun})
	case "integrity":
		info, err = client.EnqueueIntegrityCheck(ctx, jobs.IntegrityCheckPayload{WindowHours: windowHours})
	default:
		return fmt.Errorf("unknown job %q, want sweep or integrity", kind)
	}
	if err != nil {
		return err
	}
	logger.Info("job enqueued",
		slog.String("id", info.ID),
		slog.String("type", info.Type),
		slog.String("queue", info.Queue))
	return nil
}
