package einvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ClientConfig configures the validation API client.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// HTTPTimeout bounds a single request round trip.
	HTTPTimeout time.Duration
	// TokenSafetyMargin forces a refresh this long before the token expiry.
	TokenSafetyMargin time.Duration
	// RequestsPerSecond caps outbound calls; the upstream service enforces
	// per-client quotas and answers over-quota calls with 429.
	RequestsPerSecond float64
	RequestBurst      int
}

func (c ClientConfig) normalize() ClientConfig {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.TokenSafetyMargin <= 0 {
		c.TokenSafetyMargin = 60 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = 5
	}
	return c
}

// Client wraps interactions with the validation service. One client is
// constructed per tenant/process and passed by reference; the token cache is
// a field, never process-global.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
	refresh  singleflight.Group
}

// NewClient constructs a validation API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.normalize()
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "einvoice-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		breaker:    breaker,
	}
}

// Submit transmits a batch of documents and returns the immediate
// acknowledgement.
func (c *Client) Submit(ctx context.Context, docs []SubmitDocument) (SubmissionAck, error) {
	var ack SubmissionAck
	if len(docs) == 0 {
		return ack, fmt.Errorf("einvoice client: empty batch")
	}
	payload := struct {
		Documents []SubmitDocument `json:"documents"`
	}{Documents: docs}
	body, err := c.callAPI(ctx, http.MethodPost, "/api/v1/documentsubmissions", payload)
	if err != nil {
		return ack, err
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return ack, fmt.Errorf("einvoice client: decode submission ack: %w", err)
	}
	return ack, nil
}

// GetSubmissionStatus queries the aggregate status of a prior submission.
func (c *Client) GetSubmissionStatus(ctx context.Context, submissionID string) (StatusReport, error) {
	var report StatusReport
	if submissionID == "" {
		return report, fmt.Errorf("einvoice client: submission id is required")
	}
	body, err := c.callAPI(ctx, http.MethodGet, "/api/v1/documentsubmissions/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return report, fmt.Errorf("einvoice client: decode status report: %w", err)
	}
	return report, nil
}

// GetDocumentDetails fetches the validation detail of a single document.
func (c *Client) GetDocumentDetails(ctx context.Context, externalID string) (DocumentDetail, error) {
	var detail DocumentDetail
	if externalID == "" {
		return detail, fmt.Errorf("einvoice client: document id is required")
	}
	body, err := c.callAPI(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(externalID)+"/details", nil)
	if err != nil {
		return detail, err
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return detail, fmt.Errorf("einvoice client: decode document detail: %w", err)
	}
	return detail, nil
}

// UpdateDocumentState asks the service to move a document to the given state.
// A 400 answer means the document already reached a terminal state and maps
// to ErrStateConflict so callers can treat it as a soft success.
func (c *Client) UpdateDocumentState(ctx context.Context, externalID string, status ServiceStatus, reason string) error {
	if externalID == "" {
		return fmt.Errorf("einvoice client: document id is required")
	}
	payload := struct {
		Status ServiceStatus `json:"status"`
		Reason string        `json:"reason,omitempty"`
	}{Status: status, Reason: reason}
	_, err := c.callAPI(ctx, http.MethodPut, "/api/v1/documents/"+url.PathEscape(externalID)+"/state", payload)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %s", ErrStateConflict, apiErr.Message)
		}
		return err
	}
	return nil
}

func (c *Client) callAPI(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.doOnce(ctx, method, path, payload, true)
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// doOnce performs a single authenticated request. A 401 invalidates the
// cached token and retries exactly once with a fresh one.
func (c *Client) doOnce(ctx context.Context, method, path string, payload any, retryAuth bool) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("einvoice client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{StatusCode: 0, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("einvoice client: read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		c.invalidateToken()
		return c.doOnce(ctx, method, path, payload, false)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

// accessToken returns the cached token or refreshes it when it is within the
// safety margin of expiry. Concurrent callers share one in-flight refresh.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && time.Until(c.tokenExp) > c.cfg.TokenSafetyMargin {
		token := c.token
		c.tokenMu.Unlock()
		return token, nil
	}
	c.tokenMu.Unlock()

	result, err, _ := c.refresh.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/connect/token", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{StatusCode: 0, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("einvoice client: read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", decodeAPIError(resp.StatusCode, raw)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("einvoice client: decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("einvoice client: empty access token")
	}

	c.tokenMu.Lock()
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.tokenMu.Unlock()

	c.logger.Debug("einvoice token refreshed", slog.Int("expires_in", tok.ExpiresIn))
	return tok.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.tokenMu.Unlock()
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Error.Message != "" || body.Error.Code != "":
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		case body.Message != "" || body.Code != "":
			apiErr.Code = body.Code
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = "status " + strconv.Itoa(status)
	}
	return apiErr
}
