// Package audit provides the append-only event sink. The core emits one
// record per state transition of interest: workflow start/end, validation
// create/resolve, cache hit, agent error.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// EventType enumerates auditable transitions.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventCacheHit           EventType = "cache_hit"
	EventValidationCreated  EventType = "validation_created"
	EventValidationResolved EventType = "validation_resolved"
	EventAgentError         EventType = "agent_error"
)

// Event is one audit record.
type Event struct {
	Type        EventType              `json:"type"`
	RequestID   string                 `json:"request_id,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Sink receives events. Append must never block the workflow on sink
// slowness and must never fail it: implementations log and drop on error.
type Sink interface {
	Append(ctx context.Context, ev Event)
}

// LogSink writes audit events to the structured log. It is the default sink
// when no database DSN is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Append logs the event.
func (s *LogSink) Append(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	details, _ := json.Marshal(ev.Details)
	s.logger.Info("audit",
		zap.String("event", string(ev.Type)),
		zap.String("request_id", ev.RequestID),
		zap.String("fingerprint", ev.Fingerprint),
		zap.ByteString("details", details),
	)
}

// NopSink discards events; used in tests.
type NopSink struct{}

// Append discards the event.
func (NopSink) Append(context.Context, Event) {}
