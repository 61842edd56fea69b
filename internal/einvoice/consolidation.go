package einvoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Store is the persistence surface the consolidation scheduler works
// against. *Repo implements it; tests provide an in-memory fake.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error

	GetDocument(ctx context.Context, id int64) (Document, error)
	ListDocuments(ctx context.Context, tenantID int64, ids []int64) ([]Document, error)
	UpdateDocumentValidation(ctx context.Context, id int64, upd ValidationUpdate) error
	EligibleForConsolidation(ctx context.Context, tenantID int64, year int, month time.Month) ([]Document, error)
	MarkDocumentsConsolidated(ctx context.Context, ids []int64) error
	ResetConsolidatedFlags(ctx context.Context, ids []int64) error

	DueConsolidationTasks(ctx context.Context, now time.Time) ([]ConsolidationTask, error)
	GetConsolidationTask(ctx context.Context, id int64) (ConsolidationTask, error)
	ListConsolidationTasks(ctx context.Context, tenantID int64, limit int) ([]ConsolidationTask, error)
	EnsureConsolidationTask(ctx context.Context, task ConsolidationTask) (bool, error)
	UpdateConsolidationTask(ctx context.Context, task ConsolidationTask) error

	ConsolidatedNumberExists(ctx context.Context, tenantID int64, number string) (bool, error)
	InsertConsolidatedDocument(ctx context.Context, doc ConsolidatedDocument) (int64, error)
	GetConsolidatedDocument(ctx context.Context, id int64) (ConsolidatedDocument, error)
	UpdateConsolidatedDocumentState(ctx context.Context, id int64, state ValidationState) error

	TenantsWithAutoConsolidation(ctx context.Context) ([]Tenant, error)
}

// SchedulerConfig tunes the consolidation scheduler.
type SchedulerConfig struct {
	// RetryWindowDays is how many days past month-end a failed
	// consolidation may still be retried.
	RetryWindowDays int
	// ScheduleOffsetDays shifts the first attempt past the last day of the
	// consolidated month.
	ScheduleOffsetDays int
	// StatusChecks bounds the direct status probes after submitting the
	// synthetic document. The scheduler polls the service itself rather
	// than going through the submission poller.
	StatusChecks int
	// StatusCheckInterval separates consecutive probes.
	StatusCheckInterval time.Duration
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.RetryWindowDays <= 0 {
		c.RetryWindowDays = 7
	}
	if c.ScheduleOffsetDays <= 0 {
		c.ScheduleOffsetDays = 1
	}
	if c.StatusChecks <= 0 {
		c.StatusChecks = 3
	}
	if c.StatusCheckInterval <= 0 {
		c.StatusCheckInterval = 2 * time.Second
	}
	return c
}

// RunSummary reports what one scheduler pass did.
type RunSummary struct {
	Due         int `json:"due"`
	Completed   int `json:"completed"`
	Skipped     int `json:"skipped"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Expired     int `json:"expired"`
}

// Scheduler executes due consolidation tasks and plans next month's. It is
// invoked by an external time trigger; one pass handles every due tenant.
type Scheduler struct {
	store  Store
	client SubmissionClient
	cfg    SchedulerConfig
	logger *slog.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewScheduler constructs a consolidation scheduler.
func NewScheduler(store Store, client SubmissionClient, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		client: client,
		cfg:    cfg.normalize(),
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Scheduler) WithClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// WithSleep overrides the probe sleep for deterministic tests.
func (s *Scheduler) WithSleep(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		s.sleep = sleep
	}
}

// RunDueConsolidations processes every pending task whose next attempt has
// arrived. Tasks are claimed with row locks inside one transaction, so a
// doubly fired trigger cannot build duplicate consolidated documents; each
// task's failure is isolated from its siblings and converts into a
// reschedule or a terminal state, never a returned error for the run.
func (s *Scheduler) RunDueConsolidations(ctx context.Context) (RunSummary, error) {
	if s == nil || s.store == nil || s.client == nil {
		return RunSummary{}, fmt.Errorf("einvoice scheduler not initialised")
	}
	var summary RunSummary
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		now := s.clock()
		tasks, err := tx.DueConsolidationTasks(ctx, now)
		if err != nil {
			return fmt.Errorf("list due tasks: %w", err)
		}
		summary.Due = len(tasks)
		for _, task := range tasks {
			s.runTask(ctx, tx, task, &summary)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}
	s.logger.Info("consolidation run finished",
		slog.Int("due", summary.Due),
		slog.Int("completed", summary.Completed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("rescheduled", summary.Rescheduled),
		slog.Int("failed", summary.Failed),
		slog.Int("expired", summary.Expired))
	return summary, nil
}

func (s *Scheduler) runTask(ctx context.Context, tx Store, task ConsolidationTask, summary *RunSummary) {
	log := s.logger.With(
		slog.Int64("task_id", task.ID),
		slog.Int64("tenant_id", task.TenantID),
		slog.Int("year", task.Year),
		slog.Int("month", int(task.Month)))
	now := s.clock()

	windowEnd := s.retryWindowEnd(task.Year, task.Month)
	if now.After(windowEnd) {
		task.Status = TaskExpired
		task.Error = fmt.Sprintf("retry window ended %s", windowEnd.Format("2006-01-02"))
		if err := tx.UpdateConsolidationTask(ctx, task); err != nil {
			log.Error("mark task expired", slog.Any("error", err))
			return
		}
		summary.Expired++
		log.Warn("consolidation expired", slog.String("window_end", windowEnd.Format("2006-01-02")))
		return
	}

	task.Status = TaskProcessing
	task.AttemptCount++
	attempt := now
	task.LastAttempt = &attempt
	task.Error = ""
	if err := tx.UpdateConsolidationTask(ctx, task); err != nil {
		log.Error("claim task", slog.Any("error", err))
		return
	}

	docs, err := tx.EligibleForConsolidation(ctx, task.TenantID, task.Year, task.Month)
	if err != nil {
		s.recordFailure(ctx, tx, task, now, windowEnd, fmt.Errorf("discover documents: %w", err), summary, log)
		return
	}
	if len(docs) == 0 {
		task.Status = TaskSkipped
		if err := tx.UpdateConsolidationTask(ctx, task); err != nil {
			log.Error("mark task skipped", slog.Any("error", err))
			return
		}
		summary.Skipped++
		log.Info("no documents to consolidate")
		return
	}

	consolidated, err := s.buildConsolidated(ctx, tx, task, docs)
	if err != nil {
		s.recordFailure(ctx, tx, task, now, windowEnd, err, summary, log)
		return
	}

	docID, err := s.submitConsolidated(ctx, tx, &consolidated, docs)
	if err != nil {
		s.recordFailure(ctx, tx, task, now, windowEnd, err, summary, log)
		return
	}

	task.Status = TaskCompleted
	task.ConsolidatedDocumentID = &docID
	if err := tx.UpdateConsolidationTask(ctx, task); err != nil {
		log.Error("mark task completed", slog.Any("error", err))
		return
	}
	summary.Completed++
	log.Info("consolidation completed",
		slog.String("number", consolidated.Number),
		slog.Int("documents", len(docs)))
}

// buildConsolidated aggregates the eligible documents into one synthetic
// document with a deterministic, collision-free number.
func (s *Scheduler) buildConsolidated(ctx context.Context, tx Store, task ConsolidationTask, docs []Document) (ConsolidatedDocument, error) {
	consolidated := ConsolidatedDocument{
		TenantID: task.TenantID,
		Year:     task.Year,
		Month:    task.Month,
	}
	for _, doc := range docs {
		consolidated.NetAmount += doc.NetAmount
		consolidated.TaxAmount += doc.TaxAmount
		consolidated.Rounding += doc.Rounding
		consolidated.PayableAmount += doc.PayableAmount
		consolidated.DocumentIDs = append(consolidated.DocumentIDs, doc.ID)
	}

	base := fmt.Sprintf("CON-%d%02d", task.Year, int(task.Month))
	number := base
	// Suffix on collision keeps repeated manual and automatic attempts from
	// clashing on the same month.
	for suffix := 2; ; suffix++ {
		exists, err := tx.ConsolidatedNumberExists(ctx, task.TenantID, number)
		if err != nil {
			return ConsolidatedDocument{}, fmt.Errorf("check consolidated number: %w", err)
		}
		if !exists {
			break
		}
		number = base + "-" + strconv.Itoa(suffix)
	}
	consolidated.Number = number
	return consolidated, nil
}

// submitConsolidated sends the synthetic document through the API client,
// probes its status directly, and persists the outcome.
func (s *Scheduler) submitConsolidated(ctx context.Context, tx Store, consolidated *ConsolidatedDocument, docs []Document) (int64, error) {
	refs := make([]string, 0, len(docs))
	for _, doc := range docs {
		refs = append(refs, doc.Number)
	}
	ack, err := s.client.Submit(ctx, []SubmitDocument{{
		InternalID:     consolidated.Number,
		Number:         consolidated.Number,
		IssuedAt:       s.clock(),
		Currency:       docs[0].Currency,
		NetAmount:      consolidated.NetAmount,
		TaxAmount:      consolidated.TaxAmount,
		Rounding:       consolidated.Rounding,
		PayableAmount:  consolidated.PayableAmount,
		Consolidated:   true,
		ConsolidatedOf: refs,
	}})
	if err != nil {
		return 0, fmt.Errorf("submit consolidated document: %w", err)
	}
	if len(ack.Rejected) > 0 {
		rejected := ack.Rejected[0]
		return 0, fmt.Errorf("consolidated document rejected: %s %s", rejected.Error.Code, rejected.Error.Message)
	}
	if len(ack.Accepted) == 0 {
		return 0, fmt.Errorf("consolidated document neither accepted nor rejected")
	}

	consolidated.ExternalID = ack.Accepted[0].ExternalID
	consolidated.SubmissionID = ack.SubmissionID
	consolidated.ValidationState = ValidationPending

	if state, ok := s.probeStatus(ctx, ack.SubmissionID); ok {
		if state == ValidationInvalid {
			return 0, fmt.Errorf("consolidated document failed validation")
		}
		consolidated.ValidationState = state
	}

	id, err := tx.InsertConsolidatedDocument(ctx, *consolidated)
	if err != nil {
		return 0, fmt.Errorf("persist consolidated document: %w", err)
	}
	consolidated.ID = id
	if err := tx.MarkDocumentsConsolidated(ctx, consolidated.DocumentIDs); err != nil {
		return 0, fmt.Errorf("mark originals consolidated: %w", err)
	}
	return id, nil
}

// probeStatus performs a short bounded series of direct status checks. Still
// InProgress after the budget is fine: the consolidated record stays pending
// and the service settles on its own time.
func (s *Scheduler) probeStatus(ctx context.Context, submissionID string) (ValidationState, bool) {
	for i := 0; i < s.cfg.StatusChecks; i++ {
		report, err := s.client.GetSubmissionStatus(ctx, submissionID)
		if err != nil {
			s.logger.Warn("consolidation status probe failed", slog.Any("error", err))
		} else if report.Overall != OverallInProgress {
			if report.Overall == OverallValid {
				return ValidationValid, true
			}
			return ValidationInvalid, true
		}
		if i < s.cfg.StatusChecks-1 {
			if err := s.sleep(ctx, s.cfg.StatusCheckInterval); err != nil {
				return "", false
			}
		}
	}
	return "", false
}

func (s *Scheduler) recordFailure(ctx context.Context, tx Store, task ConsolidationTask, now, windowEnd time.Time, cause error, summary *RunSummary, log *slog.Logger) {
	task.Error = cause.Error()
	tomorrow := startOfDay(now).AddDate(0, 0, 1)
	if !tomorrow.After(windowEnd) {
		task.Status = TaskPending
		task.NextAttempt = tomorrow
		summary.Rescheduled++
		log.Warn("consolidation failed, rescheduled",
			slog.Time("next_attempt", tomorrow),
			slog.Any("error", cause))
	} else {
		task.Status = TaskFailed
		summary.Failed++
		log.Error("consolidation failed terminally", slog.Any("error", cause))
	}
	if err := tx.UpdateConsolidationTask(ctx, task); err != nil {
		log.Error("record task failure", slog.Any("error", err))
	}
}

// ScheduleNextMonth creates next month's pending task for every tenant with
// auto-consolidation enabled that does not have one yet.
func (s *Scheduler) ScheduleNextMonth(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("einvoice scheduler not initialised")
	}
	now := s.clock()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	firstAttempt := lastDayOfMonth(next.Year(), next.Month()).AddDate(0, 0, s.cfg.ScheduleOffsetDays)

	tenants, err := s.store.TenantsWithAutoConsolidation(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	created := 0
	for _, tenant := range tenants {
		// The insert itself is the duplicate guard: concurrently fired
		// triggers race to the same (tenant, year, month) row and only
		// one of them creates it.
		inserted, err := s.store.EnsureConsolidationTask(ctx, ConsolidationTask{
			TenantID:    tenant.ID,
			Year:        next.Year(),
			Month:       next.Month(),
			Status:      TaskPending,
			NextAttempt: firstAttempt,
		})
		if err != nil {
			s.logger.Error("create task", slog.Int64("tenant_id", tenant.ID), slog.Any("error", err))
			continue
		}
		if inserted {
			created++
		}
	}
	if created > 0 {
		s.logger.Info("scheduled next month consolidations",
			slog.Int("created", created),
			slog.Time("first_attempt", firstAttempt))
	}
	return created, nil
}

// CancelConsolidation reverses a completed consolidation: the originals are
// released for individual processing and the synthetic document is cancelled
// at the service on a best-effort basis.
func (s *Scheduler) CancelConsolidation(ctx context.Context, taskID int64, reason string) error {
	task, err := s.store.GetConsolidationTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskCompleted || task.ConsolidatedDocumentID == nil {
		return fmt.Errorf("einvoice scheduler: task %d is not a completed consolidation", taskID)
	}
	doc, err := s.store.GetConsolidatedDocument(ctx, *task.ConsolidatedDocumentID)
	if err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.ResetConsolidatedFlags(ctx, doc.DocumentIDs); err != nil {
			return fmt.Errorf("release originals: %w", err)
		}
		if err := tx.UpdateConsolidatedDocumentState(ctx, doc.ID, ValidationCancelled); err != nil {
			return fmt.Errorf("cancel consolidated record: %w", err)
		}
		task.Status = TaskPending
		task.ConsolidatedDocumentID = nil
		task.NextAttempt = startOfDay(s.clock())
		task.Error = "consolidation cancelled: " + reason
		return tx.UpdateConsolidationTask(ctx, task)
	})
	if err != nil {
		return err
	}

	// Remote cancellation is best-effort: a 400 means the service already
	// considers the document terminal, anything else is only logged.
	if doc.ExternalID != "" {
		if err := s.client.UpdateDocumentState(ctx, doc.ExternalID, ServiceCancelled, reason); err != nil && !errors.Is(err, ErrStateConflict) {
			s.logger.Warn("cancel consolidated document at service",
				slog.String("external_id", doc.ExternalID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (s *Scheduler) retryWindowEnd(year int, month time.Month) time.Time {
	monthEnd := lastDayOfMonth(year, month)
	return monthEnd.AddDate(0, 0, s.cfg.RetryWindowDays).Add(24*time.Hour - time.Nanosecond)
}

func lastDayOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
