package einvoice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		BaseURL:           srv.URL,
		ClientID:          "client-id",
		ClientSecret:      "client-secret",
		HTTPTimeout:       5 * time.Second,
		RequestsPerSecond: 1000,
		RequestBurst:      1000,
	}, nil)
	return client, srv
}

func writeToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"expires_in":   3600,
	})
}

func TestClientSubmitFetchesTokenOnce(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))
		require.Equal(t, "client-id", r.FormValue("client_id"))
		writeToken(w, "tok-1")
	})
	mux.HandleFunc("/api/v1/documentsubmissions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var payload struct {
			Documents []SubmitDocument `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Documents, 1)
		_ = json.NewEncoder(w).Encode(SubmissionAck{
			SubmissionID: "sub-1",
			Accepted: []AcceptedDocument{
				{InternalID: payload.Documents[0].InternalID, ExternalID: "EXT-1"},
			},
		})
	})

	client, _ := testClient(t, mux)
	ack, err := client.Submit(context.Background(), []SubmitDocument{{InternalID: "1", Number: "INV-001"}})
	require.NoError(t, err)
	require.Equal(t, "sub-1", ack.SubmissionID)
	require.Len(t, ack.Accepted, 1)

	// Second call reuses the cached token.
	_, err = client.Submit(context.Background(), []SubmitDocument{{InternalID: "2", Number: "INV-002"}})
	require.NoError(t, err)
	require.Equal(t, 1, tokenCalls)
}

func TestClientRetriesOnceOnExpiredToken(t *testing.T) {
	tokenCalls := 0
	apiCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		writeToken(w, "tok-fresh")
	})
	mux.HandleFunc("/api/v1/documentsubmissions/", func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if apiCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(StatusReport{SubmissionID: "sub-1", Overall: OverallValid})
	})

	client, _ := testClient(t, mux)
	report, err := client.GetSubmissionStatus(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, OverallValid, report.Overall)
	require.Equal(t, 2, apiCalls)
	require.Equal(t, 2, tokenCalls)
}

func TestClientUpdateDocumentStateConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "tok-1")
	})
	mux.HandleFunc("/api/v1/documents/EXT-1/state", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "OperationPeriodExpired", "message": "document is terminal"},
		})
	})

	client, _ := testClient(t, mux)
	err := client.UpdateDocumentState(context.Background(), "EXT-1", ServiceCancelled, "wrong buyer")
	require.ErrorIs(t, err, ErrStateConflict)
	require.Contains(t, err.Error(), "document is terminal")
}

func TestClientDecodesStructuredError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "tok-1")
	})
	mux.HandleFunc("/api/v1/documentsubmissions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "BadStructure", "message": "schema violation"})
	})

	client, _ := testClient(t, mux)
	_, err := client.Submit(context.Background(), []SubmitDocument{{InternalID: "1"}})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.Equal(t, "BadStructure", apiErr.Code)
	require.Equal(t, "schema violation", apiErr.Message)
}

func TestClientTokenFailureSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "invalid client"}})
	})

	client, _ := testClient(t, mux)
	_, err := client.GetSubmissionStatus(context.Background(), "sub-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestClientSubmitRejectsEmptyBatch(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://localhost:0"}, nil)
	_, err := client.Submit(context.Background(), nil)
	require.Error(t, err)
}

func TestClientGetDocumentDetails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "tok-1")
	})
	mux.HandleFunc("/api/v1/documents/EXT-9/details", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DocumentDetail{ExternalID: "EXT-9", Status: ServiceValid, LongID: "LONG-9"})
	})

	client, _ := testClient(t, mux)
	detail, err := client.GetDocumentDetails(context.Background(), "EXT-9")
	require.NoError(t, err)
	require.Equal(t, ServiceValid, detail.Status)
	require.Equal(t, "LONG-9", detail.LongID)
}
