package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/agents"
	"github.com/TedBerlin/MIRAGE-v2/internal/audit"
	"github.com/TedBerlin/MIRAGE-v2/internal/humanloop"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// runHumanLoop handles the safety-trigger branch: generate a draft, park it
// with the human loop manager, return a PENDING_VALIDATION envelope, and
// resume in the background once the decision arrives.
func (s *Service) runHumanLoop(ctx context.Context, w *workflow, retrieved models.Context, trigger models.SafetyTrigger, fingerprint string) (*models.FinalResponse, error) {
	// The draft shown to the reviewer comes from the normal Generator path.
	w.stage("generator")
	gen, err := s.generator.Run(ctx, agents.GeneratorInput{
		Query:    w.query.Text,
		Context:  retrieved,
		Language: w.detected,
	})
	if err != nil {
		s.auditAgentError(ctx, w.query.RequestID, models.RoleGenerator, err)
		return w.failed(err), nil
	}
	w.iterations = append(w.iterations, models.IterationRecord{Index: 1, Generator: gen})
	w.stage("human_validation")

	req := s.humanLoop.Create(humanloop.CreateInput{
		Query:            w.query.Text,
		QueryFingerprint: fingerprint,
		Trigger:          trigger,
		DraftResponse:    gen.Text,
		DetectedLanguage: w.detected,
	})

	s.sink.Append(ctx, audit.Event{
		Type:        audit.EventValidationCreated,
		RequestID:   w.query.RequestID,
		Fingerprint: fingerprint,
		Details: map[string]interface{}{
			"validation_id": req.ID,
			"trigger_kind":  string(req.TriggerKind),
			"priority":      req.Priority,
		},
	})

	// Resume in the background. The await is bounded by the request's own
	// expiry, not by the workflow timeout: human review legitimately takes
	// hours.
	go s.resumeAfterDecision(w.clone(), retrieved, req.ID, fingerprint)

	resp := w.envelope(models.ConsensusPendingValidation)
	resp.ValidationID = req.ID
	resp.Sources = retrieved.Sources
	return resp, nil
}

// resumeAfterDecision waits for the human decision and finalizes the
// suspended workflow.
func (s *Service) resumeAfterDecision(w *workflow, retrieved models.Context, validationID, fingerprint string) {
	ctx := context.Background()

	req, err := s.humanLoop.AwaitDecision(ctx, validationID)
	if err != nil {
		s.logger.Error("Await decision failed",
			zap.String("validation_id", validationID),
			zap.Error(err),
		)
		return
	}

	// Only the finalization work is bounded; the await above is governed by
	// the validation's own expiry.
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WorkflowTimeout)
	defer cancel()

	var resp *models.FinalResponse
	switch req.Status {
	case models.ValidationApproved:
		resp, _ = w.finalize(ctx, &models.AgentOutput{
			Role: models.RoleGenerator,
			Text: req.DraftResponse,
		}, retrieved, models.ConsensusApproved, false)

	case models.ValidationModified:
		resp, _ = w.finalize(ctx, &models.AgentOutput{
			Role: models.RoleGenerator,
			Text: req.Decision.ModifiedText,
		}, retrieved, models.ConsensusApproved, false)

	case models.ValidationRejected:
		resp = w.fallback("rejected by human review")

	case models.ValidationExpired:
		resp = w.fallback(string(models.KindHumanLoopExpired))
		resp.Error = string(models.KindHumanLoopExpired)

	default:
		s.logger.Error("Unexpected validation status on resume",
			zap.String("validation_id", validationID),
			zap.String("status", string(req.Status)),
		)
		return
	}

	resp.ValidationID = validationID

	s.mu.Lock()
	s.resolved[validationID] = resp
	s.mu.Unlock()

	s.sink.Append(ctx, audit.Event{
		Type:        audit.EventValidationResolved,
		RequestID:   w.query.RequestID,
		Fingerprint: fingerprint,
		Details: map[string]interface{}{
			"validation_id": validationID,
			"status":        string(req.Status),
			"consensus":     string(resp.Consensus),
		},
	})
}

// FetchResolved returns the finalized response for a validation id once the
// decision has been applied. While the request is still pending it returns
// a PENDING_VALIDATION envelope.
func (s *Service) FetchResolved(ctx context.Context, validationID string) (*models.FinalResponse, error) {
	s.mu.Lock()
	resp, ok := s.resolved[validationID]
	s.mu.Unlock()
	if ok {
		return resp.Clone(), nil
	}

	req, err := s.humanLoop.Get(validationID)
	if err != nil {
		return nil, err
	}
	if req.Status == models.ValidationPending {
		return &models.FinalResponse{
			DetectedLanguage: req.DetectedLanguage,
			TargetLanguage:   req.DetectedLanguage,
			Consensus:        models.ConsensusPendingValidation,
			ValidationID:     validationID,
			IterationsUsed:   1,
		}, nil
	}

	// Terminal but the background finalization is still racing us; it only
	// has a translation call left at most, so wait it out briefly.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			resp, ok = s.resolved[validationID]
			s.mu.Unlock()
			if ok {
				return resp.Clone(), nil
			}
		case <-deadline:
			return nil, models.E(models.KindInternal, fmt.Errorf("validation %s resolved but response not finalized", validationID))
		case <-ctx.Done():
			return nil, models.E(models.KindTimeout, ctx.Err())
		}
	}
}

// clone duplicates the workflow state for the detached resume goroutine.
func (w *workflow) clone() *workflow {
	c := *w
	c.iterations = append([]models.IterationRecord(nil), w.iterations...)
	c.stages = append([]string(nil), w.stages...)
	return &c
}

// SubmitHumanDecision records a reviewer decision and returns the updated
// request. The suspended workflow resumes asynchronously.
func (s *Service) SubmitHumanDecision(validationID string, d models.Decision) (*models.ValidationRequest, error) {
	return s.humanLoop.SubmitDecision(validationID, d)
}

// ValidationQueue returns the pending validation requests, highest priority
// first.
func (s *Service) ValidationQueue() []*models.ValidationRequest {
	return s.humanLoop.Pending()
}

// ValidationStatistics returns the human-loop counters.
func (s *Service) ValidationStatistics() models.ValidationStats {
	return s.humanLoop.Statistics()
}

// HumanLoopDefault reports the configured default for requests that omit
// the enable_human_loop field.
func (s *Service) HumanLoopDefault() bool {
	return s.cfg.EnableHumanLoopDefault
}
