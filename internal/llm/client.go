// Package llm abstracts the language-model transport. The orchestrator only
// sees the Client interface; the HTTP implementation talks to the model
// service, and Resilient layers retry, rate limiting and a circuit breaker
// on top of any Client.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// Options tune a single completion call.
type Options struct {
	Timeout   time.Duration
	MaxTokens int
}

// Result is a completion with the model's optional self-reported confidence.
type Result struct {
	Text           string   `json:"text"`
	SelfConfidence *float64 `json:"self_confidence,omitempty"`
}

// Client is the completion capability. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// HTTPClient calls the model service over HTTP/JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the model service at baseURL.
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http: &http.Client{
			// Per-call deadlines come from the request context; this is the
			// absolute ceiling against a wedged transport.
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type completeRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Complete issues one completion call.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(completeRequest{Prompt: prompt, MaxTokens: opts.MaxTokens})
	if err != nil {
		return nil, models.E(models.KindInternal, fmt.Errorf("marshal completion request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		return nil, models.E(models.KindInternal, fmt.Errorf("build completion request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, models.E(models.KindTimeout, err)
		}
		return nil, models.E(models.KindLLMTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, models.E(models.KindLLMTransport, fmt.Errorf("model service returned %d: %s", resp.StatusCode, b))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.E(models.KindOutputParse, fmt.Errorf("decode completion response: %w", err))
	}
	return &out, nil
}

// Healthy probes the model service.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service health returned %d", resp.StatusCode)
	}
	return nil
}
