package humanloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

func trigger(kind models.TriggerKind, priority int) models.SafetyTrigger {
	return models.SafetyTrigger{Kind: kind, Priority: priority, MatchedTerms: []string{"term"}}
}

func create(m *Manager, priority int) *models.ValidationRequest {
	return m.Create(CreateInput{
		Query:            "What is the lethal dose of paracetamol for a child?",
		QueryFingerprint: "fp",
		Trigger:          trigger(models.TriggerSafetyReview, priority),
		DraftResponse:    "• draft",
		DetectedLanguage: models.LangEN,
	})
}

func TestCreateIsPendingWithDeadline(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	assert.Equal(t, models.ValidationPending, req.Status)
	assert.NotEmpty(t, req.ID)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))
}

func TestSubmitDecisionApproves(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	got, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved, Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.ValidationApproved, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "ok", got.Decision.Notes)
}

func TestSubmitDecisionModifiedRequiresText(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	_, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationModified})
	assert.Equal(t, models.KindInputInvalid, models.KindOf(err))

	got, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationModified, ModifiedText: "better"})
	require.NoError(t, err)
	assert.Equal(t, models.ValidationModified, got.Status)
}

func TestSubmitDecisionIdempotentOnMatchingTerminal(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	_, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved})
	require.NoError(t, err)

	// Same terminal decision again: idempotent.
	got, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved})
	require.NoError(t, err)
	assert.Equal(t, models.ValidationApproved, got.Status)

	// Different decision: conflict.
	_, err = m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationRejected})
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

func TestSubmitDecisionUnknownID(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	_, err := m.SubmitDecision("nope", models.Decision{Decision: models.ValidationApproved})
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestAwaitDecisionWakesAllWaiters(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	const waiters = 3
	var wg sync.WaitGroup
	results := make([]*models.ValidationRequest, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.AwaitDecision(context.Background(), req.ID)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	_, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved})
	require.NoError(t, err)
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, models.ValidationApproved, got.Status)
	}
}

func TestAwaitDecisionOnResolvedReturnsImmediately(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)
	_, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationRejected})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := m.AwaitDecision(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationRejected, got.Status)
}

func TestExpiryBeforeObservation(t *testing.T) {
	m := NewManager(20*time.Millisecond, zaptest.NewLogger(t))
	req := create(m, 5)

	got, err := m.AwaitDecision(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationExpired, got.Status)

	// EXPIRED is terminal: no decision may land afterwards.
	_, err = m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved})
	assert.Equal(t, models.KindConflict, models.KindOf(err))
}

func TestLazyExpiryOnGet(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	req := create(m, 5)

	// Force the deadline into the past without waiting for the timer.
	m.mu.Lock()
	m.requests[req.ID].req.ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	got, err := m.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationExpired, got.Status)
}

func TestPendingOrderedByPriorityThenAge(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))

	low := create(m, 2)
	time.Sleep(2 * time.Millisecond)
	highOld := create(m, 5)
	time.Sleep(2 * time.Millisecond)
	highNew := create(m, 5)

	got := m.Pending()
	require.Len(t, got, 3)
	assert.Equal(t, highOld.ID, got[0].ID)
	assert.Equal(t, highNew.ID, got[1].ID)
	assert.Equal(t, low.ID, got[2].ID)
}

func TestStatistics(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))

	a := create(m, 5)
	b := create(m, 3)
	create(m, 2) // stays pending

	_, err := m.SubmitDecision(a.ID, models.Decision{Decision: models.ValidationApproved})
	require.NoError(t, err)
	_, err = m.SubmitDecision(b.ID, models.Decision{Decision: models.ValidationModified, ModifiedText: "x"})
	require.NoError(t, err)

	stats := m.Statistics()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Modified)
	assert.Equal(t, 0, stats.Rejected)
	assert.Equal(t, 0, stats.Expired)
	assert.GreaterOrEqual(t, stats.AvgWaitMs, int64(0))
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	m := NewManager(time.Hour, zaptest.NewLogger(t))
	events := m.Subscribe()

	req := create(m, 5)
	created := <-events
	assert.Equal(t, models.ValidationPending, created.Status)

	_, err := m.SubmitDecision(req.ID, models.Decision{Decision: models.ValidationApproved})
	require.NoError(t, err)
	resolved := <-events
	assert.Equal(t, models.ValidationApproved, resolved.Status)
}
