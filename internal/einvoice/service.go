package einvoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// SubmissionClient is the slice of the API client the submission service
// needs.
type SubmissionClient interface {
	Submit(ctx context.Context, docs []SubmitDocument) (SubmissionAck, error)
	GetSubmissionStatus(ctx context.Context, submissionID string) (StatusReport, error)
	UpdateDocumentState(ctx context.Context, externalID string, status ServiceStatus, reason string) error
}

// DocumentStore is the persistence slice used by the submission service.
type DocumentStore interface {
	GetDocument(ctx context.Context, id int64) (Document, error)
	ListDocuments(ctx context.Context, tenantID int64, ids []int64) ([]Document, error)
	UpdateDocumentValidation(ctx context.Context, id int64, upd ValidationUpdate) error
}

// Service runs the submit-and-track lifecycle for document batches.
type Service struct {
	client SubmissionClient
	store  DocumentStore
	policy PollPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a submission service.
func NewService(client SubmissionClient, store DocumentStore, policy PollPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client: client,
		store:  store,
		policy: policy.normalize(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// SubmitBatch submits the given documents, then polls the submission to a
// terminal state, pushing a snapshot to the observer on every change and
// writing validation outcomes back to the store. The call blocks until the
// batch is terminal; callers wanting live progress run it in a goroutine and
// drain the observer.
func (s *Service) SubmitBatch(ctx context.Context, tenantID int64, documentIDs []int64, observer Observer) (*Tracker, error) {
	if s == nil || s.client == nil || s.store == nil {
		return nil, fmt.Errorf("einvoice service not initialised")
	}
	if len(documentIDs) == 0 {
		return nil, fmt.Errorf("einvoice service: no documents to submit")
	}

	docs, err := s.store.ListDocuments(ctx, tenantID, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	if len(docs) != len(documentIDs) {
		return nil, fmt.Errorf("einvoice service: %d of %d documents not found", len(documentIDs)-len(docs), len(documentIDs))
	}
	for _, doc := range docs {
		if doc.Cancelled {
			return nil, fmt.Errorf("einvoice service: document %d is cancelled", doc.ID)
		}
		if doc.IsConsolidated {
			return nil, fmt.Errorf("einvoice service: document %d is part of a consolidation", doc.ID)
		}
	}

	tracker := NewTracker(len(docs), observer)
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	tracker.BindStop(cancelPoll)

	payload := make([]SubmitDocument, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, SubmitDocument{
			InternalID:    strconv.FormatInt(doc.ID, 10),
			Number:        doc.Number,
			IssuedAt:      doc.IssuedAt,
			Currency:      doc.Currency,
			NetAmount:     doc.NetAmount,
			TaxAmount:     doc.TaxAmount,
			Rounding:      doc.Rounding,
			PayableAmount: doc.PayableAmount,
		})
	}

	ack, err := s.client.Submit(ctx, payload)
	if err != nil {
		tracker.HandleError(err, PhaseSubmission)
		return tracker, err
	}
	tracker.HandleInitialResponse(ack)
	s.persistAck(ctx, ack)

	state := tracker.State()
	if state.CompletedAt != nil {
		return tracker, nil
	}

	poller := NewPoller(s.client, s.policy, s.logger)
	report, err := poller.Poll(pollCtx, ack.SubmissionID)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// The tracker reached a terminal state and cancelled its
			// own poll; nothing left to record.
			return tracker, nil
		}
		tracker.HandleError(err, PhaseProcessing)
		return tracker, err
	}
	tracker.HandleProcessingUpdate(report)
	s.persistReport(ctx, report)
	return tracker, nil
}

// CancelDocument asks the service to cancel a validated document. The service
// answering 400 means the document is already terminal and counts as a soft
// success; the local state is updated either way.
func (s *Service) CancelDocument(ctx context.Context, documentID int64, reason string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.ExternalID == "" {
		return fmt.Errorf("einvoice service: document %d was never submitted", documentID)
	}
	if err := s.client.UpdateDocumentState(ctx, doc.ExternalID, ServiceCancelled, reason); err != nil {
		if !errors.Is(err, ErrStateConflict) {
			return err
		}
		s.logger.Info("document already terminal at service, treating cancel as done",
			slog.Int64("document_id", documentID))
	}
	return s.store.UpdateDocumentValidation(ctx, documentID, ValidationUpdate{
		ExternalID: doc.ExternalID,
		State:      ValidationCancelled,
	})
}

// persistAck writes the immediate accept/reject outcome to the store. Write
// failures are logged, not surfaced: the authoritative state lives in the
// tracker and a missed write self-heals on the next poll persist.
func (s *Service) persistAck(ctx context.Context, ack SubmissionAck) {
	for _, accepted := range ack.Accepted {
		id, err := strconv.ParseInt(accepted.InternalID, 10, 64)
		if err != nil {
			continue
		}
		upd := ValidationUpdate{
			ExternalID:  accepted.ExternalID,
			LongID:      accepted.LongID,
			State:       ValidationPending,
			ValidatedAt: accepted.ValidatedAt,
		}
		if err := s.store.UpdateDocumentValidation(ctx, id, upd); err != nil {
			s.logger.Error("persist accepted document", slog.Int64("document_id", id), slog.Any("error", err))
		}
	}
	for _, rejected := range ack.Rejected {
		id, err := strconv.ParseInt(rejected.InternalID, 10, 64)
		if err != nil {
			continue
		}
		if err := s.store.UpdateDocumentValidation(ctx, id, ValidationUpdate{State: ValidationInvalid}); err != nil {
			s.logger.Error("persist rejected document", slog.Int64("document_id", id), slog.Any("error", err))
		}
	}
}

func (s *Service) persistReport(ctx context.Context, report StatusReport) {
	now := s.now()
	for _, summary := range report.Summary {
		id, err := strconv.ParseInt(summary.InternalID, 10, 64)
		if err != nil {
			continue
		}
		state := documentStateFromService(summary.Status)
		upd := ValidationUpdate{
			ExternalID: summary.ExternalID,
			LongID:     summary.LongID,
			State:      validationStateFromDocument(state),
		}
		if state == DocumentCompleted {
			validated := now
			upd.ValidatedAt = &validated
		}
		if err := s.store.UpdateDocumentValidation(ctx, id, upd); err != nil {
			s.logger.Error("persist document outcome", slog.Int64("document_id", id), slog.Any("error", err))
		}
	}
}
