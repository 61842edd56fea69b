package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/einvoice"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/jobs"
)

func main() {
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	apiClient := einvoice.NewClient(einvoice.ClientConfig{
		BaseURL:      cfg.EInvoiceBaseURL,
		ClientID:     cfg.EInvoiceClientID,
		ClientSecret: cfg.EInvoiceClientSecret,
		HTTPTimeout:  cfg.EInvoiceHTTPTimeout,
	}, logger)

	repo := einvoice.NewRepo(pool)
	scheduler := einvoice.NewScheduler(repo, apiClient, einvoice.SchedulerConfig{
		RetryWindowDays:    cfg.ConsolidationRetryWindowDays,
		ScheduleOffsetDays: cfg.ConsolidationScheduleOffsetDays,
	}, logger)

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	consolidationJob := jobs.NewConsolidationRunJob(scheduler, logger, metrics)

	consolidationTask, err := jobs.NewConsolidationRunTask(jobs.ConsolidationRunPayload{})
	if err != nil {
		logger.Error("build consolidation task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskConsolidationRun, Handler: consolidationJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 2 * * *", Task: consolidationTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
