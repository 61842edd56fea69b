package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/einvoice"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

// ConsolidationScheduler describes the behaviour required to run the monthly
// consolidation pass.
type ConsolidationScheduler interface {
	RunDueConsolidations(ctx context.Context) (einvoice.RunSummary, error)
	ScheduleNextMonth(ctx context.Context) (int, error)
}

// ConsolidationRunJob coordinates the daily consolidation workflow.
type ConsolidationRunJob struct {
	Scheduler ConsolidationScheduler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewConsolidationRunJob constructs the job handler.
func NewConsolidationRunJob(scheduler ConsolidationScheduler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ConsolidationRunJob {
	return &ConsolidationRunJob{
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the consolidation run job.
func (j *ConsolidationRunJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Scheduler == nil {
		return errors.New("consolidation run: dependencies not configured")
	}
	var payload ConsolidationRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskConsolidationRun)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	summary, err := j.Scheduler.RunDueConsolidations(ctx)
	if err != nil {
		resultErr = err
		j.log().Error("run due consolidations", slog.Any("error", err))
		return resultErr
	}

	if !payload.SkipScheduling {
		created, err := j.Scheduler.ScheduleNextMonth(ctx)
		if err != nil {
			resultErr = err
			j.log().Error("schedule next month", slog.Any("error", err))
			return resultErr
		}
		if created > 0 {
			j.log().Info("planned next month tasks", slog.Int("created", created))
		}
	}

	j.log().Info("consolidation pass finished",
		slog.Int("due", summary.Due),
		slog.Int("completed", summary.Completed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("rescheduled", summary.Rescheduled),
		slog.Int("failed", summary.Failed),
		slog.Int("expired", summary.Expired),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ConsolidationRunJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *ConsolidationRunJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskConsolidationRun))
	}
	return slog.Default().With(slog.String("job", TaskConsolidationRun))
}

func (j *ConsolidationRunJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ConsolidationRunJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
