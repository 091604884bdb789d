// Package humanloop owns the validation requests raised when a safety
// trigger fires. It queues pending requests for reviewers, lets the
// orchestrator await decisions without polling, and enforces expiry: a
// PENDING request past its deadline is transitioned to EXPIRED before any
// caller can observe it.
package humanloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

const historyLimit = 1000

type entry struct {
	req   *models.ValidationRequest
	done  chan struct{}
	timer *time.Timer
}

// Manager is the process-wide human validation coordinator.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.Mutex
	requests map[string]*entry
	history  []string // resolved request ids, oldest first

	approved  int
	rejected  int
	modified  int
	expired   int
	totalWait time.Duration
	resolved  int

	subscribers []chan *models.ValidationRequest
}

// NewManager creates a manager with the given validation timeout.
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		timeout:  timeout,
		requests: make(map[string]*entry),
	}
}

// CreateInput carries what a new validation request records.
type CreateInput struct {
	Query            string
	QueryFingerprint string
	Trigger          models.SafetyTrigger
	DraftResponse    string
	DetectedLanguage models.Language
}

// Create registers a PENDING validation request and returns a copy of it.
func (m *Manager) Create(in CreateInput) *models.ValidationRequest {
	now := time.Now()
	req := &models.ValidationRequest{
		ID:               uuid.New().String(),
		QueryFingerprint: in.QueryFingerprint,
		Query:            in.Query,
		TriggerKind:      in.Trigger.Kind,
		Priority:         in.Trigger.Priority,
		MatchedTerms:     append([]string(nil), in.Trigger.MatchedTerms...),
		DraftResponse:    in.DraftResponse,
		DetectedLanguage: in.DetectedLanguage,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.timeout),
		Status:           models.ValidationPending,
	}

	e := &entry{req: req, done: make(chan struct{})}
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(req.ID) })

	m.mu.Lock()
	m.requests[req.ID] = e
	pending := m.pendingLocked()
	m.mu.Unlock()

	metrics.ValidationsCreated.WithLabelValues(string(req.TriggerKind)).Inc()
	metrics.ValidationsPending.Set(float64(pending))

	m.logger.Info("Validation request created",
		zap.String("validation_id", req.ID),
		zap.String("trigger_kind", string(req.TriggerKind)),
		zap.Int("priority", req.Priority),
		zap.Time("expires_at", req.ExpiresAt),
	)

	m.notify(req)
	return cloneRequest(req)
}

// SubmitDecision records a reviewer's verdict. Submitting the same terminal
// decision twice is idempotent; any other submit on a terminal request fails
// with CONFLICT. MODIFIED requires modified text.
func (m *Manager) SubmitDecision(id string, d models.Decision) (*models.ValidationRequest, error) {
	switch d.Decision {
	case models.ValidationApproved, models.ValidationRejected:
	case models.ValidationModified:
		if d.ModifiedText == "" {
			return nil, models.E(models.KindInputInvalid, errors.New("MODIFIED decision requires modified_text"))
		}
	default:
		return nil, models.E(models.KindInputInvalid, fmt.Errorf("invalid decision %q", d.Decision))
	}

	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, models.E(models.KindNotFound, fmt.Errorf("validation %s not found", id))
	}

	m.expireDueLocked(e)

	if e.req.Status.Terminal() {
		status := e.req.Status
		req := cloneRequest(e.req)
		m.mu.Unlock()
		if status == d.Decision {
			return req, nil
		}
		return nil, models.E(models.KindConflict, fmt.Errorf("validation %s already %s", id, status))
	}

	now := time.Now()
	e.req.Status = d.Decision
	decision := d
	e.req.Decision = &decision
	e.req.ResolvedAt = now
	if e.timer != nil {
		e.timer.Stop()
	}

	wait := now.Sub(e.req.CreatedAt)
	m.recordResolutionLocked(d.Decision, wait)
	m.rememberLocked(id)
	req := cloneRequest(e.req)
	pending := m.pendingLocked()
	close(e.done)
	m.mu.Unlock()

	metrics.ValidationsResolved.WithLabelValues(string(d.Decision)).Inc()
	metrics.ValidationsPending.Set(float64(pending))
	metrics.ValidationWait.Observe(wait.Seconds())

	m.logger.Info("Validation decision recorded",
		zap.String("validation_id", id),
		zap.String("decision", string(d.Decision)),
		zap.Duration("wait", wait),
	)

	m.notify(req)
	return req, nil
}

// AwaitDecision blocks until the request reaches a terminal state or ctx is
// done. Multiple callers may await the same request; all receive the same
// outcome. Expiry is an outcome, not an error: the returned request carries
// status EXPIRED.
func (m *Manager) AwaitDecision(ctx context.Context, id string) (*models.ValidationRequest, error) {
	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return nil, models.E(models.KindNotFound, fmt.Errorf("validation %s not found", id))
	}
	m.expireDueLocked(e)
	if e.req.Status.Terminal() {
		req := cloneRequest(e.req)
		m.mu.Unlock()
		return req, nil
	}
	done := e.done
	m.mu.Unlock()

	select {
	case <-done:
		m.mu.Lock()
		req := cloneRequest(e.req)
		m.mu.Unlock()
		return req, nil
	case <-ctx.Done():
		return nil, models.E(models.KindTimeout, ctx.Err())
	}
}

// Get returns a copy of a request by id.
func (m *Manager) Get(id string) (*models.ValidationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.requests[id]
	if !ok {
		return nil, models.E(models.KindNotFound, fmt.Errorf("validation %s not found", id))
	}
	m.expireDueLocked(e)
	return cloneRequest(e.req), nil
}

// Pending returns a snapshot of PENDING requests ordered by priority
// descending, then creation time ascending.
func (m *Manager) Pending() []*models.ValidationRequest {
	m.mu.Lock()
	out := make([]*models.ValidationRequest, 0, len(m.requests))
	for _, e := range m.requests {
		m.expireDueLocked(e)
		if e.req.Status == models.ValidationPending {
			out = append(out, cloneRequest(e.req))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Statistics returns the queue counters.
func (m *Manager) Statistics() models.ValidationStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.requests {
		m.expireDueLocked(e)
	}

	stats := models.ValidationStats{
		Pending:  m.pendingLocked(),
		Approved: m.approved,
		Rejected: m.rejected,
		Modified: m.modified,
		Expired:  m.expired,
	}
	if m.resolved > 0 {
		stats.AvgWaitMs = m.totalWait.Milliseconds() / int64(m.resolved)
	}
	return stats
}

// Subscribe returns a channel receiving every create and resolve event, for
// the admin feed. The channel is never closed; slow consumers drop events.
// Callers must Unsubscribe when done.
func (m *Manager) Subscribe() <-chan *models.ValidationRequest {
	ch := make(chan *models.ValidationRequest, 16)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe detaches a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch <-chan *models.ValidationRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(req *models.ValidationRequest) {
	m.mu.Lock()
	subs := append([]chan *models.ValidationRequest(nil), m.subscribers...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- cloneRequest(req):
		default:
		}
	}
}

// expire transitions a due PENDING request to EXPIRED. Called by the per-
// request timer and defensively by every observer.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	expired := m.expireDueLocked(e)
	var req *models.ValidationRequest
	if expired {
		req = cloneRequest(e.req)
	}
	pending := m.pendingLocked()
	m.mu.Unlock()

	if expired {
		metrics.ValidationsResolved.WithLabelValues(string(models.ValidationExpired)).Inc()
		metrics.ValidationsPending.Set(float64(pending))
		m.logger.Warn("Validation request expired", zap.String("validation_id", id))
		m.notify(req)
	}
}

// expireDueLocked performs the lazy PENDING -> EXPIRED transition. Reports
// whether a transition happened. Caller holds m.mu.
func (m *Manager) expireDueLocked(e *entry) bool {
	if e.req.Status != models.ValidationPending || time.Now().Before(e.req.ExpiresAt) {
		return false
	}
	e.req.Status = models.ValidationExpired
	e.req.ResolvedAt = e.req.ExpiresAt
	m.expired++
	m.rememberLocked(e.req.ID)
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	return true
}

func (m *Manager) recordResolutionLocked(status models.ValidationStatus, wait time.Duration) {
	switch status {
	case models.ValidationApproved:
		m.approved++
	case models.ValidationRejected:
		m.rejected++
	case models.ValidationModified:
		m.modified++
	}
	m.totalWait += wait
	m.resolved++
}

// rememberLocked appends to the bounded history of terminal requests,
// evicting the oldest terminal entries from the map.
func (m *Manager) rememberLocked(id string) {
	m.history = append(m.history, id)
	for len(m.history) > historyLimit {
		victim := m.history[0]
		m.history = m.history[1:]
		delete(m.requests, victim)
	}
}

func (m *Manager) pendingLocked() int {
	n := 0
	for _, e := range m.requests {
		if e.req.Status == models.ValidationPending {
			n++
		}
	}
	return n
}

func cloneRequest(r *models.ValidationRequest) *models.ValidationRequest {
	c := *r
	c.MatchedTerms = append([]string(nil), r.MatchedTerms...)
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	return &c
}
