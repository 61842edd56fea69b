package einvoice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	documents    map[int64]Document
	tasks        map[int64]ConsolidationTask
	consolidated map[int64]ConsolidatedDocument
	tenants      []Tenant

	nextTaskID int64
	nextDocID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:    make(map[int64]Document),
		tasks:        make(map[int64]ConsolidationTask),
		consolidated: make(map[int64]ConsolidatedDocument),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) GetDocument(ctx context.Context, id int64) (Document, error) {
	doc, ok := f.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) ListDocuments(ctx context.Context, tenantID int64, ids []int64) ([]Document, error) {
	var out []Document
	for _, id := range ids {
		if doc, ok := f.documents[id]; ok && doc.TenantID == tenantID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateDocumentValidation(ctx context.Context, id int64, upd ValidationUpdate) error {
	doc, ok := f.documents[id]
	if !ok {
		return ErrNotFound
	}
	if upd.ExternalID != "" {
		doc.ExternalID = upd.ExternalID
	}
	if upd.LongID != "" {
		doc.LongID = upd.LongID
	}
	if upd.State != ValidationNone {
		doc.ValidationState = upd.State
	}
	if upd.ValidatedAt != nil {
		doc.ValidatedAt = upd.ValidatedAt
	}
	f.documents[id] = doc
	return nil
}

func (f *fakeStore) EligibleForConsolidation(ctx context.Context, tenantID int64, year int, month time.Month) ([]Document, error) {
	var out []Document
	for _, doc := range f.documents {
		if doc.TenantID != tenantID || doc.Cancelled || doc.IsConsolidated {
			continue
		}
		if doc.IssuedAt.Year() != year || doc.IssuedAt.Month() != month {
			continue
		}
		if doc.ValidationState == ValidationNone || doc.ValidationState == ValidationInvalid {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDocumentsConsolidated(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		doc := f.documents[id]
		doc.IsConsolidated = true
		f.documents[id] = doc
	}
	return nil
}

func (f *fakeStore) ResetConsolidatedFlags(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		doc := f.documents[id]
		doc.IsConsolidated = false
		f.documents[id] = doc
	}
	return nil
}

func (f *fakeStore) DueConsolidationTasks(ctx context.Context, now time.Time) ([]ConsolidationTask, error) {
	var out []ConsolidationTask
	for _, task := range f.tasks {
		if task.Status == TaskPending && !task.NextAttempt.After(now) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) GetConsolidationTask(ctx context.Context, id int64) (ConsolidationTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return ConsolidationTask{}, ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) ListConsolidationTasks(ctx context.Context, tenantID int64, limit int) ([]ConsolidationTask, error) {
	var out []ConsolidationTask
	for _, task := range f.tasks {
		if task.TenantID == tenantID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) EnsureConsolidationTask(ctx context.Context, task ConsolidationTask) (bool, error) {
	for _, existing := range f.tasks {
		if existing.TenantID == task.TenantID && existing.Year == task.Year && existing.Month == task.Month {
			return false, nil
		}
	}
	f.nextTaskID++
	task.ID = f.nextTaskID
	f.tasks[task.ID] = task
	return true, nil
}

func (f *fakeStore) UpdateConsolidationTask(ctx context.Context, task ConsolidationTask) error {
	if _, ok := f.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) ConsolidatedNumberExists(ctx context.Context, tenantID int64, number string) (bool, error) {
	for _, doc := range f.consolidated {
		if doc.TenantID == tenantID && doc.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertConsolidatedDocument(ctx context.Context, doc ConsolidatedDocument) (int64, error) {
	f.nextDocID++
	doc.ID = f.nextDocID
	f.consolidated[doc.ID] = doc
	return doc.ID, nil
}

func (f *fakeStore) GetConsolidatedDocument(ctx context.Context, id int64) (ConsolidatedDocument, error) {
	doc, ok := f.consolidated[id]
	if !ok {
		return ConsolidatedDocument{}, ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) UpdateConsolidatedDocumentState(ctx context.Context, id int64, state ValidationState) error {
	doc, ok := f.consolidated[id]
	if !ok {
		return ErrNotFound
	}
	doc.ValidationState = state
	f.consolidated[id] = doc
	return nil
}

func (f *fakeStore) TenantsWithAutoConsolidation(ctx context.Context) ([]Tenant, error) {
	return append([]Tenant(nil), f.tenants...), nil
}

type fakeClient struct {
	submitAck  SubmissionAck
	submitErr  error
	submitted  [][]SubmitDocument
	statusRep  StatusReport
	statusErr  error
	stateCalls []string
	stateErr   error
}

func (f *fakeClient) Submit(ctx context.Context, docs []SubmitDocument) (SubmissionAck, error) {
	f.submitted = append(f.submitted, docs)
	if f.submitErr != nil {
		return SubmissionAck{}, f.submitErr
	}
	ack := f.submitAck
	if len(ack.Accepted) == 0 && len(ack.Rejected) == 0 {
		for _, doc := range docs {
			ack.Accepted = append(ack.Accepted, AcceptedDocument{
				InternalID: doc.InternalID,
				ExternalID: "EXT-" + doc.InternalID,
			})
		}
	}
	if ack.SubmissionID == "" {
		ack.SubmissionID = "sub-fake"
	}
	return ack, nil
}

func (f *fakeClient) GetSubmissionStatus(ctx context.Context, submissionID string) (StatusReport, error) {
	if f.statusErr != nil {
		return StatusReport{}, f.statusErr
	}
	return f.statusRep, nil
}

func (f *fakeClient) UpdateDocumentState(ctx context.Context, externalID string, status ServiceStatus, reason string) error {
	f.stateCalls = append(f.stateCalls, externalID)
	return f.stateErr
}

func seedScheduler(t *testing.T, store *fakeStore, client *fakeClient, now time.Time) *Scheduler {
	t.Helper()
	scheduler := NewScheduler(store, client, SchedulerConfig{StatusChecks: 1}, nil)
	scheduler.WithClock(fixedClock(now))
	scheduler.WithSleep(noSleep)
	return scheduler
}

func seedTask(store *fakeStore, tenantID int64, year int, month time.Month, next time.Time) int64 {
	store.nextTaskID++
	store.tasks[store.nextTaskID] = ConsolidationTask{
		ID:          store.nextTaskID,
		TenantID:    tenantID,
		Year:        year,
		Month:       month,
		Status:      TaskPending,
		NextAttempt: next,
	}
	return store.nextTaskID
}

func seedDocument(store *fakeStore, id, tenantID int64, issued time.Time, payable float64, state ValidationState) {
	store.documents[id] = Document{
		ID:              id,
		TenantID:        tenantID,
		Number:          fmt.Sprintf("INV-%03d", id),
		IssuedAt:        issued,
		Currency:        "MYR",
		NetAmount:       payable,
		PayableAmount:   payable,
		ValidationState: state,
	}
}

func TestRunDueConsolidationsCompletes(t *testing.T) {
	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{statusRep: StatusReport{Overall: OverallValid}}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now.AddDate(0, 0, -1))
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)
	seedDocument(store, 2, 7, time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC), 250, ValidationInvalid)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSummary{Due: 1, Completed: 1}, summary)

	task := store.tasks[taskID]
	require.Equal(t, TaskCompleted, task.Status)
	require.Equal(t, 1, task.AttemptCount)
	require.NotNil(t, task.ConsolidatedDocumentID)

	doc := store.consolidated[*task.ConsolidatedDocumentID]
	require.Equal(t, "CON-202506", doc.Number)
	require.Equal(t, 350.0, doc.PayableAmount)
	require.Equal(t, ValidationValid, doc.ValidationState)
	require.ElementsMatch(t, []int64{1, 2}, doc.DocumentIDs)

	require.True(t, store.documents[1].IsConsolidated)
	require.True(t, store.documents[2].IsConsolidated)

	require.Len(t, client.submitted, 1)
	require.Len(t, client.submitted[0], 1)
	require.True(t, client.submitted[0][0].Consolidated)
	require.Equal(t, "CON-202506", client.submitted[0][0].InternalID)
}

func TestRunDueConsolidationsNumberCollisionSuffix(t *testing.T) {
	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{statusRep: StatusReport{Overall: OverallValid}}
	scheduler := seedScheduler(t, store, client, now)

	store.consolidated[99] = ConsolidatedDocument{ID: 99, TenantID: 7, Number: "CON-202506"}
	store.nextDocID = 99

	taskID := seedTask(store, 7, 2025, time.June, now)
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)

	task := store.tasks[taskID]
	doc := store.consolidated[*task.ConsolidatedDocumentID]
	require.Equal(t, "CON-202506-2", doc.Number)
}

func TestRunDueConsolidationsSkipsEmptyMonth(t *testing.T) {
	now := time.Date(2025, 7, 2, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSummary{Due: 1, Skipped: 1}, summary)
	require.Equal(t, TaskSkipped, store.tasks[taskID].Status)
	require.Empty(t, client.submitted)
}

func TestRunDueConsolidationsExpiresOutsideWindow(t *testing.T) {
	// June window with the default 7 retry days ends July 7; run on July 9.
	now := time.Date(2025, 7, 9, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSummary{Due: 1, Expired: 1}, summary)

	task := store.tasks[taskID]
	require.Equal(t, TaskExpired, task.Status)
	require.Zero(t, task.AttemptCount)
	require.Contains(t, task.Error, "retry window ended")
	require.Empty(t, client.submitted)
}

func TestRunDueConsolidationsLastWindowDayStillRuns(t *testing.T) {
	now := time.Date(2025, 7, 7, 23, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{statusRep: StatusReport{Overall: OverallValid}}
	scheduler := seedScheduler(t, store, client, now)

	seedTask(store, 7, 2025, time.June, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
}

func TestRunDueConsolidationsReschedulesInsideWindow(t *testing.T) {
	now := time.Date(2025, 7, 2, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{submitErr: &APIError{StatusCode: 503, Message: "unavailable"}}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now)
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSummary{Due: 1, Rescheduled: 1}, summary)

	task := store.tasks[taskID]
	require.Equal(t, TaskPending, task.Status)
	require.Equal(t, 1, task.AttemptCount)
	require.Equal(t, time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC), task.NextAttempt)
	require.Contains(t, task.Error, "unavailable")
}

func TestRunDueConsolidationsFailsTerminallyAtWindowEdge(t *testing.T) {
	// Tomorrow would fall outside the retry window, so no reschedule.
	now := time.Date(2025, 7, 7, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{submitErr: &APIError{StatusCode: 503, Message: "unavailable"}}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now)
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunSummary{Due: 1, Failed: 1}, summary)
	require.Equal(t, TaskFailed, store.tasks[taskID].Status)
}

func TestRunDueConsolidationsRejectedSubmissionReschedules(t *testing.T) {
	now := time.Date(2025, 7, 2, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{submitAck: SubmissionAck{
		SubmissionID: "sub-rej",
		Rejected: []RejectedDocument{{
			InternalID: "CON-202506",
			Error:      ServiceError{Code: "CF321", Message: "totals mismatch"},
		}},
	}}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now)
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Rescheduled)
	require.Contains(t, store.tasks[taskID].Error, "CF321")
	require.False(t, store.documents[1].IsConsolidated)
}

func TestRunDueConsolidationsPendingProbeKeepsPendingState(t *testing.T) {
	now := time.Date(2025, 7, 2, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{statusRep: StatusReport{Overall: OverallInProgress}}
	scheduler := seedScheduler(t, store, client, now)

	taskID := seedTask(store, 7, 2025, time.June, now)
	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)

	task := store.tasks[taskID]
	doc := store.consolidated[*task.ConsolidatedDocumentID]
	require.Equal(t, ValidationPending, doc.ValidationState)
}

func TestRunDueConsolidationsIgnoresFutureTasks(t *testing.T) {
	now := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	seedTask(store, 7, 2025, time.July, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	summary, err := scheduler.RunDueConsolidations(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Due)
}

func TestScheduleNextMonthCreatesTasks(t *testing.T) {
	now := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.tenants = []Tenant{
		{ID: 1, AutoConsolidationEnabled: true},
		{ID: 2, AutoConsolidationEnabled: true},
	}
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	created, err := scheduler.ScheduleNextMonth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, created)

	tasks, err := store.ListConsolidationTasks(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 2025, tasks[0].Year)
	require.Equal(t, time.July, tasks[0].Month)
	require.Equal(t, TaskPending, tasks[0].Status)
	// Last day of July plus the one-day offset.
	require.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), tasks[0].NextAttempt)
}

func TestScheduleNextMonthIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.tenants = []Tenant{{ID: 1, AutoConsolidationEnabled: true}}
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	created, err := scheduler.ScheduleNextMonth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	created, err = scheduler.ScheduleNextMonth(context.Background())
	require.NoError(t, err)
	require.Zero(t, created)
	require.Len(t, store.tasks, 1)
}

func TestScheduleNextMonthSkipsExistingRow(t *testing.T) {
	now := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.tenants = []Tenant{{ID: 1, AutoConsolidationEnabled: true}}
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	// A row inserted by a concurrently fired trigger wins the conflict;
	// this pass must not double it.
	seedTask(store, 1, 2025, time.July, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))

	created, err := scheduler.ScheduleNextMonth(context.Background())
	require.NoError(t, err)
	require.Zero(t, created)
	require.Len(t, store.tasks, 1)
}

func TestScheduleNextMonthYearRollover(t *testing.T) {
	now := time.Date(2025, 12, 10, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.tenants = []Tenant{{ID: 1, AutoConsolidationEnabled: true}}
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	created, err := scheduler.ScheduleNextMonth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	tasks, _ := store.ListConsolidationTasks(context.Background(), 1, 10)
	require.Equal(t, 2026, tasks[0].Year)
	require.Equal(t, time.January, tasks[0].Month)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), tasks[0].NextAttempt)
}

func TestCancelConsolidationReleasesOriginals(t *testing.T) {
	now := time.Date(2025, 7, 10, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{}
	scheduler := seedScheduler(t, store, client, now)

	seedDocument(store, 1, 7, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), 100, ValidationNone)
	seedDocument(store, 2, 7, time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC), 200, ValidationNone)
	_ = store.MarkDocumentsConsolidated(context.Background(), []int64{1, 2})

	docID, err := store.InsertConsolidatedDocument(context.Background(), ConsolidatedDocument{
		TenantID:        7,
		Number:          "CON-202506",
		ExternalID:      "EXT-CON",
		ValidationState: ValidationValid,
		DocumentIDs:     []int64{1, 2},
	})
	require.NoError(t, err)

	taskID := seedTask(store, 7, 2025, time.June, now)
	task := store.tasks[taskID]
	task.Status = TaskCompleted
	task.ConsolidatedDocumentID = &docID
	store.tasks[taskID] = task

	require.NoError(t, scheduler.CancelConsolidation(context.Background(), taskID, "wrong month"))

	require.False(t, store.documents[1].IsConsolidated)
	require.False(t, store.documents[2].IsConsolidated)
	require.Equal(t, ValidationCancelled, store.consolidated[docID].ValidationState)

	task = store.tasks[taskID]
	require.Equal(t, TaskPending, task.Status)
	require.Nil(t, task.ConsolidatedDocumentID)
	require.Equal(t, time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC), task.NextAttempt)
	require.Equal(t, []string{"EXT-CON"}, client.stateCalls)
}

func TestCancelConsolidationStateConflictIsSoftSuccess(t *testing.T) {
	now := time.Date(2025, 7, 10, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	client := &fakeClient{stateErr: fmt.Errorf("%w: already cancelled", ErrStateConflict)}
	scheduler := seedScheduler(t, store, client, now)

	docID, _ := store.InsertConsolidatedDocument(context.Background(), ConsolidatedDocument{
		TenantID:   7,
		Number:     "CON-202506",
		ExternalID: "EXT-CON",
	})
	taskID := seedTask(store, 7, 2025, time.June, now)
	task := store.tasks[taskID]
	task.Status = TaskCompleted
	task.ConsolidatedDocumentID = &docID
	store.tasks[taskID] = task

	require.NoError(t, scheduler.CancelConsolidation(context.Background(), taskID, "duplicate"))
	require.Equal(t, ValidationCancelled, store.consolidated[docID].ValidationState)
}

func TestCancelConsolidationRejectsNonCompletedTask(t *testing.T) {
	now := time.Date(2025, 7, 10, 3, 0, 0, 0, time.UTC)
	store := newFakeStore()
	scheduler := seedScheduler(t, store, &fakeClient{}, now)

	taskID := seedTask(store, 7, 2025, time.June, now)

	err := scheduler.CancelConsolidation(context.Background(), taskID, "nope")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a completed consolidation")
}

func TestRetryWindowEndCoversLeapFebruary(t *testing.T) {
	scheduler := NewScheduler(newFakeStore(), &fakeClient{}, SchedulerConfig{}, nil)
	end := scheduler.retryWindowEnd(2024, time.February)
	require.Equal(t, 2024, end.Year())
	require.Equal(t, time.March, end.Month())
	require.Equal(t, 7, end.Day())
}
