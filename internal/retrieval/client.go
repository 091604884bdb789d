// Package retrieval defines the client interface to the external retrieval
// subsystem. The orchestrator treats retrieval as best-effort: a hard
// failure downgrades to the empty-context path rather than failing the
// workflow.
package retrieval

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

// Client is the retrieval capability.
type Client interface {
	Retrieve(ctx context.Context, query string) (*models.Context, error)
}

// HTTPClient calls the retrieval service over HTTP/JSON.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a retrieval client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
}

type retrieveResponse struct {
	ContextText string          `json:"context_text"`
	Sources     []models.Source `json:"sources"`
}

// Retrieve fetches grounding context for a query.
func (c *HTTPClient) Retrieve(ctx context.Context, query string) (*models.Context, error) {
	body, err := json.Marshal(retrieveRequest{Query: query})
	if err != nil {
		return nil, models.E(models.KindInternal, fmt.Errorf("marshal retrieve request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, models.E(models.KindInternal, fmt.Errorf("build retrieve request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.E(models.KindRetrievalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, models.E(models.KindRetrievalUnavailable, fmt.Errorf("retrieval service returned %d: %s", resp.StatusCode, b))
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.E(models.KindRetrievalUnavailable, fmt.Errorf("decode retrieve response: %w", err))
	}

	return &models.Context{Text: out.ContextText, Sources: out.Sources}, nil
}

// Healthy probes the retrieval service.
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
		return fmt.Errorf("retrieval service health returned %d", resp.StatusCode)
	}
	return nil
}
