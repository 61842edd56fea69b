package einvoice

import "time"

// SubmitDocument is the neutral wire shape sent to the validation service.
// Transforming a business document into the service's full schema happens
// upstream of this subsystem; the client only carries identity and totals.
type SubmitDocument struct {
	InternalID     string    `json:"internalId"`
	Number         string    `json:"number"`
	IssuedAt       time.Time `json:"issuedAt"`
	Currency       string    `json:"currency"`
	NetAmount      float64   `json:"netAmount"`
	TaxAmount      float64   `json:"taxAmount"`
	Rounding       float64   `json:"rounding"`
	PayableAmount  float64   `json:"payableAmount"`
	Consolidated   bool      `json:"consolidated,omitempty"`
	ConsolidatedOf []string  `json:"consolidatedOf,omitempty"`
}

// ServiceError is the error payload attached to a rejected document. The
// service sends either a structured Details array or a flat Message.
type ServiceError struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Details []ValidationDetail `json:"details,omitempty"`
}

// AcceptedDocument is one accepted entry of a submission acknowledgement.
type AcceptedDocument struct {
	InternalID  string        `json:"internalId"`
	ExternalID  string        `json:"uuid"`
	Status      ServiceStatus `json:"status"`
	LongID      string        `json:"longId,omitempty"`
	ValidatedAt *time.Time    `json:"dateTimeValidated,omitempty"`
}

// RejectedDocument is one rejected entry of a submission acknowledgement.
type RejectedDocument struct {
	InternalID string       `json:"internalId"`
	Error      ServiceError `json:"error"`
}

// SubmissionAck is the immediate response to a batch submission.
type SubmissionAck struct {
	SubmissionID string             `json:"submissionUid"`
	ReceivedAt   time.Time          `json:"dateTimeReceived"`
	Accepted     []AcceptedDocument `json:"acceptedDocuments"`
	Rejected     []RejectedDocument `json:"rejectedDocuments"`
}

// StatusReport is the response to a submission status query. ActualStatus
// and TimedOut are side channels written by the poller when it coerces an
// ambiguous report; the service itself never sets them.
type StatusReport struct {
	SubmissionID string            `json:"submissionUid"`
	Overall      OverallStatus     `json:"overallStatus"`
	Summary      []DocumentSummary `json:"documentSummary"`
	ReceivedAt   time.Time         `json:"dateTimeReceived"`

	ActualStatus OverallStatus `json:"actualStatus,omitempty"`
	TimedOut     bool          `json:"timedOut,omitempty"`
}

// DocumentDetail is the response to a single-document status query.
type DocumentDetail struct {
	ExternalID  string        `json:"uuid"`
	Status      ServiceStatus `json:"status"`
	LongID      string        `json:"longId,omitempty"`
	ValidatedAt *time.Time    `json:"dateTimeValidated,omitempty"`
}
