package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestCheckAggregates(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(Checker{Name: "ok", Critical: true, Probe: func(ctx context.Context) error { return nil }})
	m.Register(Checker{Name: "degraded", Critical: false, Probe: func(ctx context.Context) error { return errors.New("down") }})

	report := m.Check(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("non-critical failure must not mark the service unhealthy, got %s", report.Status)
	}
	if report.Components["degraded"].Status != StatusUnhealthy {
		t.Fatal("failed component not reported")
	}
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(Checker{Name: "llm", Critical: true, Probe: func(ctx context.Context) error { return errors.New("down") }})

	report := m.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", report.Status)
	}

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLiveness(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	m.LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
