// Package openaicompat is a generation backend for any server exposing the
// OpenAI chat completions API (OpenAI, OpenRouter, Ollama, LocalAI).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/esc4n0rx/simnations-backend-sub001/internal/circuitbreaker"
	"github.com/esc4n0rx/simnations-backend-sub001/internal/generation"
)

const (
	Name    = "openai"
	version = "1"

	maxErrorBody = 4096
)

type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerMinute int
	Timeout           time.Duration
	// RequireAPIKey makes the provider unavailable when APIKey is empty.
	// Local servers such as Ollama do not need one.
	RequireAPIKey bool
}

// Provider talks to an OpenAI-compatible endpoint. Safe for concurrent use.
type Provider struct {
	generation.Base

	cfg        Config
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

// New creates a provider. breaker may be shared with other clients; the
// provider keys its state by endpoint.
func New(cfg Config, breaker *circuitbreaker.CircuitBreaker) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst = max(1, cfg.RequestsPerMinute/10)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 2*time.Minute)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{
		Base:       generation.Base{Name: Name, Version: version},
		cfg:        cfg,
		endpoint:   base + "/chat/completions",
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		logger:     zap.NewNop(),
	}
}

func (p *Provider) WithLogger(logger *zap.Logger) *Provider {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.httpClient = c
	return p
}

func (p *Provider) breakerKey() string {
	return Name + ":" + p.endpoint
}

func (p *Provider) configured() bool {
	if p.cfg.BaseURL == "" || p.cfg.Model == "" {
		return false
	}
	return !p.cfg.RequireAPIKey || p.cfg.APIKey != ""
}

// IsAvailable reports false when the provider is not configured, its
// circuit is open, or the rate limiter has no token to spare.
func (p *Provider) IsAvailable(context.Context) bool {
	if !p.configured() {
		return false
	}
	if !p.breaker.CanAttempt(p.breakerKey()) {
		return false
	}
	if p.limiter.Limit() == rate.Inf {
		return true
	}
	return p.limiter.Tokens() >= 1
}

func (p *Provider) Describe() generation.Descriptor {
	return generation.Descriptor{
		Name:       Name,
		Version:    version,
		Model:      p.cfg.Model,
		Structured: true,
		Text:       true,
		Limits:     generation.Limits{RequestsPerMinute: p.cfg.RequestsPerMinute},
	}
}

func (p *Provider) Generate(ctx context.Context, prompt string, opts generation.Options) (string, error) {
	return p.complete(ctx, opts.System, prompt, opts, false)
}

// GenerateStructured asks the model for a JSON object and coerces the reply
// through schema.
func (p *Provider) GenerateStructured(ctx context.Context, prompt string, schema *generation.Schema, opts generation.Options) (map[string]any, error) {
	system := structuredInstruction(schema)
	if opts.System != "" {
		system = opts.System + "\n\n" + system
	}
	text, err := p.complete(ctx, system, prompt, opts, true)
	if err != nil {
		return nil, err
	}
	return schema.Coerce(Name, text)
}

func structuredInstruction(schema *generation.Schema) string {
	return "Respond with a single JSON object and nothing else. " +
		"The object must validate against this JSON Schema:\n" + schema.Raw()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) complete(ctx context.Context, system, prompt string, opts generation.Options, jsonMode bool) (string, error) {
	if !p.configured() {
		return "", generation.Unavailable(Name, errors.New("not configured"))
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limit wait")
	}
	key := p.breakerKey()
	if err := p.breaker.Allow(key); err != nil {
		return "", generation.Unavailable(Name, err)
	}

	req := chatRequest{
		Model:     p.cfg.Model,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		p.breaker.Abort(key)
		return "", errors.Wrap(err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		p.breaker.Abort(key)
		return "", errors.Wrap(err, "create chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			p.breaker.Abort(key)
		} else {
			p.breaker.RecordFailure(key)
		}
		return "", generation.Unavailable(Name, errors.Wrap(err, "chat request"))
	}
	defer resp.Body.Close()

	p.logger.Debug("openaicompat: response",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.String("model", p.cfg.Model),
	)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := errors.WithDetail(errors.Newf("status %d", resp.StatusCode), string(raw))

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			p.breaker.RecordFailure(key)
			return "", generation.Unavailable(Name, cause)
		}
		p.breaker.RecordSuccess(key)
		return "", &generation.GenerationError{
			Provider: Name,
			Message:  fmt.Sprintf("request rejected with status %d", resp.StatusCode),
			Cause:    cause,
		}
	}
	p.breaker.RecordSuccess(key)

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", &generation.GenerationError{Provider: Name, Message: "decode response", Cause: err}
	}
	if len(completion.Choices) == 0 {
		return "", &generation.GenerationError{Provider: Name, Message: "no completion choices returned"}
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &generation.GenerationError{Provider: Name, Message: "empty completion"}
	}
	return content, nil
}
