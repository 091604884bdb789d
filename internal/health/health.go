// Package health provides component health checking for the service's
// liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the result level of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker probes one component.
type Checker struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Probe    func(ctx context.Context) error
}

// Manager runs registered checkers and reports overall health.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Report holds the aggregate check outcome.
type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Check runs all checkers concurrently and aggregates. The service is
// unhealthy when any critical checker fails.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.Timeout)
			defer cancel()

			start := time.Now()
			err := c.Probe(cctx)
			res := CheckResult{
				Component: c.Name,
				Status:    StatusHealthy,
				Duration:  time.Since(start),
				Critical:  c.Critical,
			}
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  time.Now(),
	}
	for _, res := range results {
		report.Components[res.Component] = res
		if res.Status == StatusUnhealthy && res.Critical {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

// Handler serves the detailed health report.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Warn("Health encode failed", zap.Error(err))
		}
	}
}

// LivenessHandler always reports alive; process-level only.
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	}
}
