package einvoice

import (
	"strings"
	"time"
)

// Tracker owns the state of exactly one submission batch. It is not safe for
// concurrent mutation; callers serialize HandleInitialResponse,
// HandleProcessingUpdate and HandleError per batch. In practice only the
// initial submit call and the poller ever mutate a given tracker.
type Tracker struct {
	batch    SubmissionBatch
	observer Observer
	stop     func()
	now      func() time.Time
}

// NewTracker constructs a tracker for a batch of the given size. The observer
// receives a snapshot after every mutation and may be nil.
func NewTracker(batchSize int, observer Observer) *Tracker {
	return &Tracker{
		batch: SubmissionBatch{
			BatchSize: batchSize,
			Documents: make(map[string]*DocumentStatus),
			Overall:   OverallInProgress,
		},
		observer: observer,
		now:      time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (t *Tracker) WithClock(clock func() time.Time) {
	if clock != nil {
		t.now = clock
	}
}

// BindStop registers the cancellation hook for the poller driving this batch.
// The tracker invokes it once the batch reaches a terminal state so no timer
// outlives a finished batch.
func (t *Tracker) BindStop(stop func()) {
	t.stop = stop
}

// HandleInitialResponse consumes the immediate submission acknowledgement.
func (t *Tracker) HandleInitialResponse(ack SubmissionAck) {
	now := t.now()
	t.batch.SubmissionID = ack.SubmissionID
	if t.batch.SubmittedAt.IsZero() {
		t.batch.SubmittedAt = now
	}

	for _, doc := range ack.Accepted {
		status := t.ensureDocument(doc.InternalID)
		status.Current = DocumentAccepted
		status.ExternalID = doc.ExternalID
		status.History = append(status.History, StatusEntry{Timestamp: now, Status: DocumentAccepted})
	}
	for _, doc := range ack.Rejected {
		status := t.ensureDocument(doc.InternalID)
		status.Current = DocumentRejected
		status.Errors = normalizeServiceError(doc.Error)
		status.History = append(status.History, StatusEntry{
			Timestamp: now,
			Status:    DocumentRejected,
			Details:   doc.Error.Message,
		})
	}
	t.recomputeStatistics()

	accepted := len(ack.Accepted)
	rejected := len(ack.Rejected)
	switch {
	case rejected > 0 && accepted == 0:
		t.finish(OverallInvalid, now)
	case accepted > 0:
		t.batch.Overall = OverallInProgress
		t.notify(PhaseSubmission, nil)
	default:
		// Degenerate ack with neither list populated. Terminal as a
		// safety fallback so the caller never polls an empty batch.
		t.finish(OverallInvalid, now)
	}
}

// HandleProcessingUpdate consumes one poll result.
func (t *Tracker) HandleProcessingUpdate(report StatusReport) {
	now := t.now()
	update := ProcessingUpdate{Timestamp: now, Report: report}

	for _, summary := range report.Summary {
		if summary.InternalID == "" {
			continue
		}
		state := documentStateFromService(summary.Status)
		status := t.ensureDocument(summary.InternalID)
		if summary.ExternalID != "" {
			status.ExternalID = summary.ExternalID
		}
		entry := summary
		status.Summary = &entry
		// Every mention appends, including repeats of the same state;
		// history is the audit trail of what the service reported.
		status.History = append(status.History, StatusEntry{Timestamp: now, Status: state, Details: string(summary.Status)})
		status.Current = state
		update.AffectedRefs = append(update.AffectedRefs, summary.InternalID)
	}
	t.batch.Updates = append(t.batch.Updates, update)
	t.recomputeStatistics()

	t.batch.Overall = report.Overall
	if report.Overall != OverallInProgress {
		t.finish(report.Overall, now)
		return
	}
	t.notify(PhaseProcessing, nil)
}

// HandleError records a failure against the given phase and stops polling.
// Errors are terminal by notification, never by panic: callers observe state
// through the observer, not a promise chain.
func (t *Tracker) HandleError(err error, phase Phase) {
	tracked := ClassifyError(err)
	t.stopPolling()
	t.notify(phase, tracked)
}

// State returns a copy of the batch state.
func (t *Tracker) State() SubmissionBatch {
	return t.snapshotBatch()
}

// Statistics returns the current derived statistics.
func (t *Tracker) Statistics() BatchStatistics {
	return t.batch.Statistics
}

// DocumentStatuses returns copies of the per-document records.
func (t *Tracker) DocumentStatuses() map[string]DocumentStatus {
	snapshot := t.snapshotBatch()
	out := make(map[string]DocumentStatus, len(snapshot.Documents))
	for ref, status := range snapshot.Documents {
		out[ref] = *status
	}
	return out
}

func (t *Tracker) ensureDocument(ref string) *DocumentStatus {
	if status, ok := t.batch.Documents[ref]; ok {
		return status
	}
	status := &DocumentStatus{Ref: ref}
	t.batch.Documents[ref] = status
	return status
}

// recomputeStatistics rebuilds the counters from the per-document map. Always
// from scratch, never patched incrementally, so the statistics cannot drift
// from the authoritative map.
func (t *Tracker) recomputeStatistics() {
	stats := BatchStatistics{TotalDocuments: t.batch.BatchSize}
	if len(t.batch.Documents) > stats.TotalDocuments {
		stats.TotalDocuments = len(t.batch.Documents)
	}
	for _, status := range t.batch.Documents {
		switch status.Current {
		case DocumentAccepted:
			stats.Accepted++
			stats.Processing++
		case DocumentProcessing:
			stats.Processing++
		case DocumentRejected:
			stats.Rejected++
			stats.Processed++
		case DocumentFailed:
			stats.Rejected++
			stats.Processed++
		case DocumentCompleted:
			stats.Completed++
			stats.Processed++
		}
	}
	t.batch.Statistics = stats

	if status, ok := t.derivedOverall(); ok {
		t.batch.Overall = status
	}
}

// derivedOverall evaluates the aggregate rule once every document has been
// processed: Valid iff all completed, Invalid iff all rejected, Partial
// otherwise.
func (t *Tracker) derivedOverall() (OverallStatus, bool) {
	stats := t.batch.Statistics
	if stats.TotalDocuments == 0 || stats.Processed != stats.TotalDocuments {
		return "", false
	}
	switch {
	case stats.Completed == stats.TotalDocuments:
		return OverallValid, true
	case stats.Rejected == stats.TotalDocuments:
		return OverallInvalid, true
	default:
		return OverallPartial, true
	}
}

func (t *Tracker) finish(status OverallStatus, now time.Time) {
	// The aggregate derived from the per-document map wins over the
	// report's own overall field once every document was processed.
	if derived, ok := t.derivedOverall(); ok {
		status = derived
	}
	t.batch.Overall = status
	t.batch.FinalStatus = status
	completed := now
	t.batch.CompletedAt = &completed
	t.stopPolling()
	t.notify(PhaseCompleted, nil)
}

func (t *Tracker) stopPolling() {
	if t.stop != nil {
		t.stop()
	}
}

func (t *Tracker) notify(phase Phase, err *TrackingError) {
	if t.observer == nil {
		return
	}
	t.observer(Snapshot{Phase: phase, Batch: t.snapshotBatch(), Err: err})
}

func (t *Tracker) snapshotBatch() SubmissionBatch {
	out := t.batch
	out.Documents = make(map[string]*DocumentStatus, len(t.batch.Documents))
	for ref, status := range t.batch.Documents {
		copied := *status
		copied.History = append([]StatusEntry(nil), status.History...)
		copied.Errors = append([]ValidationDetail(nil), status.Errors...)
		if status.Summary != nil {
			summary := *status.Summary
			copied.Summary = &summary
		}
		out.Documents[ref] = &copied
	}
	out.Updates = append([]ProcessingUpdate(nil), t.batch.Updates...)
	return out
}

// normalizeServiceError flattens the service's error payload into validation
// details. Both the structured details array and the flat message form occur
// in the wild.
func normalizeServiceError(serviceErr ServiceError) []ValidationDetail {
	if len(serviceErr.Details) > 0 {
		return append([]ValidationDetail(nil), serviceErr.Details...)
	}
	message := strings.TrimSpace(serviceErr.Message)
	if message == "" && serviceErr.Code == "" {
		return nil
	}
	return []ValidationDetail{{Code: serviceErr.Code, Message: message}}
}
