package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vergecare/vergegate/internal/admin"
	"github.com/vergecare/vergegate/internal/app"
	"github.com/vergecare/vergegate/internal/audit"
	audithttp "github.com/vergecare/vergegate/internal/audit/http"
	"github.com/vergecare/vergegate/internal/auth"
	"github.com/vergecare/vergegate/internal/observability"
	"github.com/vergecare/vergegate/internal/platform/cache"
	"github.com/vergecare/vergegate/internal/platform/db"
	"github.com/vergecare/vergegate/internal/policy"
	policyhttp "github.com/vergecare/vergegate/internal/policy/http"
	"github.com/vergecare/vergegate/internal/relationship"
	"github.com/vergecare/vergegate/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	sessionManager := shared.NewSessionManager(redisClient, "vergegate_session", cfg.SessionTTL, cfg.IsProduction())
	apiKeys := shared.NewAPIKeyVerifier(cfg.APIKeyHashes)

	policyRepo := policy.NewPGRepository(dbpool)
	store := policy.NewStore(policyRepo, logger, metrics)
	if err := store.Load(ctx); err != nil {
		logger.Error("load policy matrix", slog.Any("error", err))
		os.Exit(1)
	}

	relationshipRepo := relationship.NewPGRepository(dbpool)
	relationshipService := relationship.NewService(relationshipRepo, redisClient, logger,
		metrics, cfg.RelationshipCacheTTL, relationship.DefaultLimitPredicate)

	auditRepo := audit.NewPGRepository(dbpool)
	recorder := audit.NewRecorder(auditRepo, logger, metrics, audit.RecorderConfig{
		MaxRetries:   cfg.AuditMaxRetries,
		BaseBackoff:  cfg.AuditBaseBackoff,
		WriteTimeout: cfg.AuditWriteTimeout,
	})

	engine := policy.NewEngine(store, relationshipService, recorder, logger, metrics, policy.EngineOptions{
		RelationshipTimeout: cfg.RelationshipTimeout,
	})

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	authzHandler := policyhttp.NewHandler(logger, engine, apiKeys)
	adminHandler := admin.NewHandler(logger, store, engine)

	auditService := audit.NewService(auditRepo)
	auditHandler := audithttp.NewHandler(logger, auditService, engine)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		AuthHandler:    authHandler,
		AuthzHandler:   authzHandler,
		AdminHandler:   adminHandler,
		AuditHandler:   auditHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}

	// Flush pending audit writes before the pool closes. Anything still queued
	// after the drain timeout is escalated as dropped, not lost silently.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.AuditDrainTimeout)
	defer cancelDrain()
	if err := recorder.Close(drainCtx); err != nil {
		logger.Error("audit drain", slog.Any("error", err))
	}
}
