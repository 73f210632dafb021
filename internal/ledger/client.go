// Package ledger moves project funds and finalizes projects by calling the
// simulation's ledger service over signed HTTP.
package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/driver"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/metrics"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/retry"
)

const (
	SignatureHeader   = "X-Simnations-Signature"
	IdempotencyHeader = "X-Idempotency-Key"

	OperationTransfer = "transfer"
	OperationFinalize = "finalize"

	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL string
	Secret  string
	// Timeout bounds a single request. Default: 10s.
	Timeout time.Duration
}

type MetricsSink interface {
	LedgerRequest(operation, statusClass string, duration time.Duration)
}

// StatusError is returned for a non-2xx response other than 409.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger %s: unexpected status %d", e.Operation, e.StatusCode)
}

type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
	metrics MetricsSink // optional, nil = disabled
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		timeout: timeout,
		client:  &http.Client{},
		logger:  zap.NewNop(),
	}
}

func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.client = hc
	}
	return c
}

func (c *Client) WithLogger(l *zap.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *Client) WithMetrics(m MetricsSink) *Client {
	c.metrics = m
	return c
}

type transferPayload struct {
	ExecutionID       string          `json:"executionId"`
	ProjectID         string          `json:"projectId"`
	Amount            decimal.Decimal `json:"amount"`
	InstallmentNumber int             `json:"installmentNumber,omitempty"`
	TotalInstallments int             `json:"totalInstallments,omitempty"`
}

type finalizePayload struct {
	ProjectID   string `json:"projectId"`
	ExecutionID string `json:"executionId"`
}

// Transfer debits the project's funds for one payment record. The execution
// ID is the idempotency key, so a retried transfer is applied once.
func (c *Client) Transfer(ctx context.Context, t driver.Transfer) error {
	return c.post(ctx, OperationTransfer, "/transfers", t.ExecutionID, transferPayload{
		ExecutionID:       t.ExecutionID.String(),
		ProjectID:         t.ProjectID.String(),
		Amount:            t.Amount,
		InstallmentNumber: t.InstallmentNumber,
		TotalInstallments: t.TotalInstallments,
	})
}

func (c *Client) FinalizeProject(ctx context.Context, projectID, executionID uuid.UUID) error {
	path := "/projects/" + projectID.String() + "/finalize"
	return c.post(ctx, OperationFinalize, path, executionID, finalizePayload{
		ProjectID:   projectID.String(),
		ExecutionID: executionID.String(),
	})
}

// post sends a signed JSON request. 2xx and 409 (already applied) are
// success; 429 and 5xx are retryable; any other status is permanent.
func (c *Client) post(ctx context.Context, op, path string, key uuid.UUID, payload any) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		if c.metrics != nil {
			c.metrics.LedgerRequest(op, metrics.ClassifyStatus(status, err), time.Since(start))
		}
	}()

	if c.baseURL == "" {
		return retry.Permanent(errors.Newf("ledger %s: no ledger URL configured", op))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "marshal"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key.String())
	req.Header.Set(SignatureHeader, computeSignature(c.secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "ledger %s", op)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		c.logger.Debug("ledger: already applied", zap.String("operation", op), zap.String("key", key.String()))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := errors.WithDetail(&StatusError{Operation: op, StatusCode: status}, string(respBody))
	if status == http.StatusTooManyRequests || status >= 500 {
		return statusErr
	}
	return retry.Permanent(statusErr)
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for ledger implementations to verify incoming requests.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var (
	_ driver.FundsTransferer  = (*Client)(nil)
	_ driver.ProjectFinalizer = (*Client)(nil)
)
