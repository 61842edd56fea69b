package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/einvoice"
	einvoicehttp "github.com/meridian-erp/meridian-erp/internal/einvoice/http"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	apiClient := einvoice.NewClient(einvoice.ClientConfig{
		BaseURL:      cfg.EInvoiceBaseURL,
		ClientID:     cfg.EInvoiceClientID,
		ClientSecret: cfg.EInvoiceClientSecret,
		HTTPTimeout:  cfg.EInvoiceHTTPTimeout,
	}, logger)

	repo := einvoice.NewRepo(pool)
	policy := einvoice.PollPolicy{
		MaxAttempts:              cfg.EInvoicePollMaxAttempts,
		Interval:                 cfg.EInvoicePollInterval,
		InitialDelay:             cfg.EInvoicePollInitialDelay,
		AssumeValidAfterAttempts: cfg.EInvoiceAssumeValidAfter,
	}
	submissionService := einvoice.NewService(apiClient, repo, policy, logger)
	scheduler := einvoice.NewScheduler(repo, apiClient, einvoice.SchedulerConfig{
		RetryWindowDays:    cfg.ConsolidationRetryWindowDays,
		ScheduleOffsetDays: cfg.ConsolidationScheduleOffsetDays,
	}, logger)

	snapshots := einvoice.NewSnapshotStore(redisClient, 24*time.Hour)
	einvoiceHandler := einvoicehttp.NewHandler(ctx, logger, submissionService, scheduler, repo, snapshots)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Pool:            pool,
		EInvoiceHandler: einvoiceHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
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
}
