package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/metrics"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newServer(t *testing.T, status int) (*httptest.Server, func() recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var last recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = recordedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body}
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"insufficient funds for project"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

type mockMetrics struct {
	mu      sync.Mutex
	classes []string
}

func (m *mockMetrics) LedgerRequest(_, statusClass string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = append(m.classes, statusClass)
}

func sampleTransfer() driver.Transfer {
	return driver.Transfer{
		ExecutionID:       uuid.MustParse("11111111-1111-4111-8111-111111111111"),
		ProjectID:         uuid.MustParse("22222222-2222-4222-8222-222222222222"),
		Amount:            decimal.RequireFromString("1250.75"),
		InstallmentNumber: 2,
		TotalInstallments: 4,
	}
}

func TestTransfer_SignedRequest(t *testing.T) {
	srv, last := newServer(t, http.StatusCreated)
	m := &mockMetrics{}
	c := New(Config{BaseURL: srv.URL + "/", Secret: "s3cret"}).WithMetrics(m)

	require.NoError(t, c.Transfer(context.Background(), sampleTransfer()))

	req := last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/transfers", req.path)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", req.header.Get(IdempotencyHeader))
	assert.True(t, VerifySignature("s3cret", req.body, req.header.Get(SignatureHeader)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(req.body, &got))
	assert.Equal(t, "1250.75", got["amount"])
	assert.Equal(t, "22222222-2222-4222-8222-222222222222", got["projectId"])
	assert.Equal(t, 2.0, got["installmentNumber"])

	assert.Equal(t, []string{metrics.StatusClass2xx}, m.classes)
}

func TestFinalizeProject_Path(t *testing.T) {
	srv, last := newServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL, Secret: "k"})

	project := uuid.New()
	execID := uuid.New()
	require.NoError(t, c.FinalizeProject(context.Background(), project, execID))

	req := last()
	assert.Equal(t, "/projects/"+project.String()+"/finalize", req.path)
	assert.Equal(t, execID.String(), req.header.Get(IdempotencyHeader))
}

func TestPost_ConflictIsAlreadyApplied(t *testing.T) {
	srv, _ := newServer(t, http.StatusConflict)
	c := New(Config{BaseURL: srv.URL})
	assert.NoError(t, c.Transfer(context.Background(), sampleTransfer()))
}

func TestPost_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newServer(t, tt.status)
			err := New(Config{BaseURL: srv.URL}).Transfer(context.Background(), sampleTransfer())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.NotContains(t, err.Error(), "insufficient funds", "body stays in details")
			assert.Contains(t, errors.FlattenDetails(err), "insufficient funds")
		})
	}
}

func TestPost_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := &mockMetrics{}
	err := New(Config{BaseURL: url}).WithMetrics(m).Transfer(context.Background(), sampleTransfer())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	assert.Equal(t, []string{metrics.StatusClassConnectionError}, m.classes)
}

func TestPost_NoBaseURLIsPermanent(t *testing.T) {
	err := New(Config{}).FinalizeProject(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestPost_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	err := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}).Transfer(context.Background(), sampleTransfer())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := computeSignature("key", body)
	assert.True(t, VerifySignature("key", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("key", []byte(`{"a":2}`), sig))
}
