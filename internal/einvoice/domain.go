package einvoice

import "time"

// DocumentState is the internal lifecycle state of one document within a
// submission batch.
type DocumentState string

const (
	DocumentAccepted   DocumentState = "ACCEPTED"
	DocumentRejected   DocumentState = "REJECTED"
	DocumentProcessing DocumentState = "PROCESSING"
	DocumentCompleted  DocumentState = "COMPLETED"
	DocumentFailed     DocumentState = "FAILED"
)

// OverallStatus is the aggregate status of a submission batch.
type OverallStatus string

const (
	OverallInProgress OverallStatus = "InProgress"
	OverallValid      OverallStatus = "Valid"
	OverallInvalid    OverallStatus = "Invalid"
	OverallPartial    OverallStatus = "Partial"
)

// ServiceStatus is the validation service's own per-document vocabulary.
type ServiceStatus string

const (
	ServiceSubmitted ServiceStatus = "Submitted"
	ServiceValid     ServiceStatus = "Valid"
	ServiceInvalid   ServiceStatus = "Invalid"
	ServiceRejected  ServiceStatus = "Rejected"
	ServiceCancelled ServiceStatus = "Cancelled"
)

// ValidationState is the persisted e-invoice state on a business document.
// The empty string means the document was never submitted.
type ValidationState string

const (
	ValidationNone      ValidationState = ""
	ValidationPending   ValidationState = "pending"
	ValidationValid     ValidationState = "valid"
	ValidationInvalid   ValidationState = "invalid"
	ValidationCancelled ValidationState = "cancelled"
)

// Phase identifies which stage of the submission lifecycle a notification
// belongs to.
type Phase string

const (
	PhaseSubmission Phase = "SUBMISSION"
	PhaseProcessing Phase = "PROCESSING"
	PhaseCompleted  Phase = "COMPLETED"
)

// TaskStatus is the lifecycle state of a monthly consolidation task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskSkipped    TaskStatus = "skipped"
	TaskFailed     TaskStatus = "failed"
	TaskExpired    TaskStatus = "expired"
)

// Document is the e-invoice view of an accounting record. Business fields are
// owned by the originating module; this subsystem only writes the validation
// fields (ExternalID, LongID, ValidationState, ValidatedAt).
type Document struct {
	ID             int64
	TenantID       int64
	Number         string
	IssuedAt       time.Time
	Currency       string
	NetAmount      float64
	TaxAmount      float64
	Rounding       float64
	PayableAmount  float64
	Cancelled      bool
	IsConsolidated bool

	ExternalID      string
	LongID          string
	ValidationState ValidationState
	ValidatedAt     *time.Time
}

// ValidationDetail is one normalized validation error reported by the
// service for a rejected or failed document.
type ValidationDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

// DocumentSummary is one per-document entry of a submission status report.
type DocumentSummary struct {
	InternalID string        `json:"internalId"`
	ExternalID string        `json:"uuid"`
	Status     ServiceStatus `json:"status"`
	LongID     string        `json:"longId,omitempty"`
}

// StatusEntry records one transition in a document's status history.
type StatusEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Status    DocumentState `json:"status"`
	Details   string        `json:"details,omitempty"`
}

// DocumentStatus is the tracker's live record for one document of a batch.
// Entries are created the first time a response mentions the document and are
// never removed for the life of the batch.
type DocumentStatus struct {
	Ref        string             `json:"ref"`
	Current    DocumentState      `json:"current"`
	ExternalID string             `json:"externalId,omitempty"`
	Errors     []ValidationDetail `json:"errors,omitempty"`
	Summary    *DocumentSummary   `json:"summary,omitempty"`
	History    []StatusEntry      `json:"history"`
}

// BatchStatistics is derived from the per-document map after every mutation.
type BatchStatistics struct {
	TotalDocuments int `json:"totalDocuments"`
	Processed      int `json:"processed"`
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
	Processing     int `json:"processing"`
	Completed      int `json:"completed"`
}

// ProcessingUpdate records one status report consumed by the tracker.
type ProcessingUpdate struct {
	Timestamp    time.Time    `json:"timestamp"`
	Report       StatusReport `json:"report"`
	AffectedRefs []string     `json:"affectedRefs"`
}

// SubmissionBatch is the tracker's full state for one in-flight batch.
type SubmissionBatch struct {
	SubmissionID string                     `json:"submissionId"`
	BatchSize    int                        `json:"batchSize"`
	SubmittedAt  time.Time                  `json:"submittedAt"`
	CompletedAt  *time.Time                 `json:"completedAt,omitempty"`
	Statistics   BatchStatistics            `json:"statistics"`
	Documents    map[string]*DocumentStatus `json:"documents"`
	Updates      []ProcessingUpdate         `json:"updates"`
	Overall      OverallStatus              `json:"overall"`
	FinalStatus  OverallStatus              `json:"finalStatus,omitempty"`
}

// ConsolidationTask is one row per (tenant, year, month). Transitions are
// owned by the scheduler; the tracker and poller never touch it.
type ConsolidationTask struct {
	ID                     int64      `json:"id"`
	TenantID               int64      `json:"tenantId"`
	Year                   int        `json:"year"`
	Month                  time.Month `json:"month"`
	Status                 TaskStatus `json:"status"`
	AttemptCount           int        `json:"attemptCount"`
	LastAttempt            *time.Time `json:"lastAttempt,omitempty"`
	NextAttempt            time.Time  `json:"nextAttempt"`
	ConsolidatedDocumentID *int64     `json:"consolidatedDocumentId,omitempty"`
	Error                  string     `json:"error,omitempty"`
}

// ConsolidatedDocument is the persisted synthetic document produced by a
// monthly consolidation, referencing the originals it aggregates.
type ConsolidatedDocument struct {
	ID              int64           `json:"id"`
	TenantID        int64           `json:"tenantId"`
	Number          string          `json:"number"`
	Year            int             `json:"year"`
	Month           time.Month      `json:"month"`
	NetAmount       float64         `json:"netAmount"`
	TaxAmount       float64         `json:"taxAmount"`
	Rounding        float64         `json:"rounding"`
	PayableAmount   float64         `json:"payableAmount"`
	ExternalID      string          `json:"externalId,omitempty"`
	SubmissionID    string          `json:"submissionId,omitempty"`
	ValidationState ValidationState `json:"validationState,omitempty"`
	DocumentIDs     []int64         `json:"consolidatedDocuments"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Tenant carries the per-tenant flags the scheduler needs.
type Tenant struct {
	ID                       int64
	Name                     string
	AutoConsolidationEnabled bool
}

// Snapshot is what the tracker pushes to its observer on every mutation.
// Rendering the snapshot is the caller's concern.
type Snapshot struct {
	Phase Phase           `json:"phase"`
	Batch SubmissionBatch `json:"batch"`
	Err   *TrackingError  `json:"error,omitempty"`
}

// Observer receives tracker snapshots. Callbacks run synchronously on the
// mutating goroutine; observers must not call back into the tracker.
type Observer func(Snapshot)
