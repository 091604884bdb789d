// Package orchestrator drives a query through the four-agent pipeline:
// cache check, classification, retrieval, generate/verify(/reform) loop,
// optional human validation, optional translation. One Service instance
// serves many concurrent workflows; each workflow advances sequentially
// through its states.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/agents"
	"github.com/TedBerlin/MIRAGE-v2/internal/audit"
	"github.com/TedBerlin/MIRAGE-v2/internal/cache"
	"github.com/TedBerlin/MIRAGE-v2/internal/humanloop"
	"github.com/TedBerlin/MIRAGE-v2/internal/langdetect"
	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
	"github.com/TedBerlin/MIRAGE-v2/internal/retrieval"
	"github.com/TedBerlin/MIRAGE-v2/internal/safety"
	"github.com/TedBerlin/MIRAGE-v2/internal/tracing"
)

// Config holds the orchestrator tuning knobs.
type Config struct {
	MaxIterations            int
	VerifierApproveThreshold float64
	VerifierRejectThreshold  float64
	CacheTTL                 time.Duration
	WorkflowTimeout          time.Duration
	EnableHumanLoopDefault   bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:            3,
		VerifierApproveThreshold: 0.7,
		VerifierRejectThreshold:  0.3,
		CacheTTL:                 time.Hour,
		WorkflowTimeout:          120 * time.Second,
		EnableHumanLoopDefault:   true,
	}
}

// Service is the query lifecycle orchestrator.
type Service struct {
	cfg       Config
	generator *agents.Generator
	verifier  *agents.Verifier
	reformer  *agents.Reformer
	translate *agents.Translator
	retriever retrieval.Client
	cache     *cache.ResponseCache
	humanLoop *humanloop.Manager
	sink      audit.Sink
	logger    *zap.Logger

	mu       sync.Mutex
	resolved map[string]*models.FinalResponse // validation id -> finalized response
}

// Deps bundles the service's collaborators.
type Deps struct {
	Generator  *agents.Generator
	Verifier   *agents.Verifier
	Reformer   *agents.Reformer
	Translator *agents.Translator
	Retriever  retrieval.Client
	Cache      *cache.ResponseCache
	HumanLoop  *humanloop.Manager
	Audit      audit.Sink
	Logger     *zap.Logger
}

// New creates the orchestrator service.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	return &Service{
		cfg:       cfg,
		generator: deps.Generator,
		verifier:  deps.Verifier,
		reformer:  deps.Reformer,
		translate: deps.Translator,
		retriever: deps.Retriever,
		cache:     deps.Cache,
		humanLoop: deps.HumanLoop,
		sink:      deps.Audit,
		logger:    deps.Logger,
		resolved:  make(map[string]*models.FinalResponse),
	}
}

// ProcessQuery validates the query and drives it through the pipeline.
// Identical concurrent queries coalesce onto one workflow; all callers
// receive equal copies of its outcome.
func (s *Service) ProcessQuery(ctx context.Context, q models.Query) (*models.FinalResponse, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.RequestID == "" {
		q.RequestID = uuid.New().String()
	}
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now()
	}

	fingerprint := q.Fingerprint()

	if resp, ok := s.cache.Lookup(ctx, fingerprint); ok {
		s.sink.Append(ctx, audit.Event{
			Type:        audit.EventCacheHit,
			RequestID:   q.RequestID,
			Fingerprint: fingerprint,
		})
		return resp, nil
	}

	fl, owner := s.cache.AcquireInflight(fingerprint)
	if owner {
		// The workflow runs detached from this caller: coalesced waiters
		// must receive its outcome even if the owner disconnects. The last
		// departing waiter cancels it via the flight.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WorkflowTimeout)
		fl.AttachCancel(cancel)
		go func() {
			defer cancel()
			resp, err := s.runWorkflow(wctx, q, fingerprint)
			s.cache.Complete(fingerprint, fl, resp, err)
		}()
	}

	return fl.Wait(ctx)
}

// runWorkflow advances one workflow through the full state machine.
func (s *Service) runWorkflow(ctx context.Context, q models.Query, fingerprint string) (resp *models.FinalResponse, err error) {
	start := time.Now()
	metrics.WorkflowsStarted.Inc()

	ctx, span := tracing.StartWorkflowSpan(ctx, q.RequestID)
	defer span.End()

	logger := s.logger.With(
		zap.String("request_id", q.RequestID),
		zap.String("fingerprint", fingerprint),
	)

	s.sink.Append(ctx, audit.Event{
		Type:        audit.EventWorkflowStarted,
		RequestID:   q.RequestID,
		Fingerprint: fingerprint,
	})

	defer func() {
		if resp != nil {
			resp.ProcessingTimeMs = time.Since(start).Milliseconds()
			metrics.WorkflowsCompleted.WithLabelValues(string(resp.Consensus)).Inc()
			metrics.WorkflowDuration.Observe(time.Since(start).Seconds())
			if resp.IterationsUsed > 0 {
				metrics.WorkflowIterations.Observe(float64(resp.IterationsUsed))
			}
			s.sink.Append(ctx, audit.Event{
				Type:        audit.EventWorkflowCompleted,
				RequestID:   q.RequestID,
				Fingerprint: fingerprint,
				Details: map[string]interface{}{
					"consensus":  string(resp.Consensus),
					"iterations": resp.IterationsUsed,
				},
			})
		}
	}()

	// CLASSIFY runs before retrieval so the service log records the routing
	// decision ahead of any draft content.
	detected := langdetect.Detect(q.Text)
	trigger := safety.Classify(q.Text)

	target := q.TargetLanguage
	if target == "" {
		target = detected.Language
	}

	w := &workflow{
		service:  s,
		query:    q,
		logger:   logger,
		detected: detected.Language,
		target:   target,
	}

	logger.Info("Workflow classified",
		zap.String("detected_language", string(detected.Language)),
		zap.Float64("language_confidence", detected.Confidence),
		zap.Bool("safety_trigger", trigger != nil),
	)

	// RETRIEVE. A hard retrieval failure downgrades to the empty-context
	// path; the Generator's uncertainty contract covers it.
	retrieved := s.retrieve(ctx, q, logger)

	if trigger != nil && q.EnableHumanLoop {
		return s.runHumanLoop(ctx, w, retrieved, *trigger, fingerprint)
	}

	return w.runConsensus(ctx, retrieved)
}

func (s *Service) retrieve(ctx context.Context, q models.Query, logger *zap.Logger) models.Context {
	retrieved, err := s.retriever.Retrieve(ctx, q.Text)
	if err != nil {
		logger.Warn("Retrieval unavailable, continuing with empty context", zap.Error(err))
		return models.Context{}
	}
	if retrieved == nil {
		return models.Context{}
	}
	return *retrieved
}

// workflow carries per-query state through the pipeline stages.
type workflow struct {
	service  *Service
	query    models.Query
	logger   *zap.Logger
	detected models.Language
	target   models.Language

	iterations []models.IterationRecord
	stages     []string
}

func (w *workflow) stage(name string) {
	w.stages = append(w.stages, name)
}

// envelope assembles the common response fields.
func (w *workflow) envelope(consensus models.Consensus) *models.FinalResponse {
	return &models.FinalResponse{
		Success:          consensus == models.ConsensusApproved || consensus == models.ConsensusReformedApproved,
		DetectedLanguage: w.detected,
		TargetLanguage:   w.target,
		Consensus:        consensus,
		IterationsUsed:   len(w.iterations),
		AgentWorkflow:    append([]string(nil), w.stages...),
		Iterations:       append([]models.IterationRecord(nil), w.iterations...),
	}
}

func (w *workflow) failed(err error) *models.FinalResponse {
	resp := w.envelope(models.ConsensusFailed)
	if resp.IterationsUsed == 0 {
		resp.IterationsUsed = 1
	}
	resp.Error = string(models.KindOf(err))
	w.logger.Error("Workflow failed", zap.Error(err))
	return resp
}

// runConsensus executes the generate/verify(/reform) loop and finalizes.
func (w *workflow) runConsensus(ctx context.Context, retrieved models.Context) (*models.FinalResponse, error) {
	s := w.service

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

	best := gen
	bestFromReform := false
	reformEverApproved := false
	lastVote := models.VoteUnknown
	flaggedUncertain := false

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		record := models.IterationRecord{Index: iter}
		if iter == 1 {
			record.Generator = gen
		}

		w.stage("verifier")
		verdict, verr := s.verifier.Run(ctx, agents.VerifierInput{
			Query:     w.query.Text,
			Context:   retrieved,
			Candidate: best.Text,
			Language:  w.detected,
		})
		if verr != nil {
			// A verifier that cannot be reached after retries is treated as
			// an UNKNOWN vote: the reform path gets at least one chance.
			s.auditAgentError(ctx, w.query.RequestID, models.RoleVerifier, verr)
			verdict = &models.AgentOutput{Role: models.RoleVerifier, Vote: models.VoteUnknown}
		}
		record.Verifier = verdict
		lastVote = verdict.Vote
		if bestFromReform && verdict.Vote == models.VoteYes {
			reformEverApproved = true
		}

		switch {
		case verdict.Vote == models.VoteYes && verdict.Confidence >= s.cfg.VerifierApproveThreshold:
			w.iterations = append(w.iterations, record)
			consensus := models.ConsensusApproved
			if bestFromReform {
				consensus = models.ConsensusReformedApproved
			}
			return w.finalize(ctx, best, retrieved, consensus, false)

		case verdict.Vote == models.VoteNo || verdict.Vote == models.VoteUnknown || verdict.Confidence < s.cfg.VerifierRejectThreshold:
			if iter == s.cfg.MaxIterations {
				w.iterations = append(w.iterations, record)
				break
			}
			w.stage("reformer")
			reformed, rerr := s.reformer.Run(ctx, agents.ReformerInput{
				Query:            w.query.Text,
				Context:          retrieved,
				Candidate:        best.Text,
				VerifierAnalysis: verdict.Analysis,
				Language:         w.detected,
			})
			if rerr != nil {
				s.auditAgentError(ctx, w.query.RequestID, models.RoleReformer, rerr)
				if verr != nil {
					// Verifier and Reformer both down: nothing can make
					// progress.
					w.iterations = append(w.iterations, record)
					return w.failed(rerr), nil
				}
				// Keep the current best draft and burn the iteration.
			} else {
				record.Reformer = reformed
				best = reformed
				bestFromReform = true
			}
			w.iterations = append(w.iterations, record)
			continue

		default:
			// Middle band (a YES vote with confidence between the reject and
			// approve thresholds): accept with a flag rather than loop on an
			// unconvinced but unopposed verifier. UNKNOWN votes never get
			// here; they take the reform branch above.
			w.iterations = append(w.iterations, record)
			flaggedUncertain = true
			consensus := models.ConsensusApproved
			if bestFromReform {
				consensus = models.ConsensusReformedApproved
			}
			return w.finalize(ctx, best, retrieved, consensus, flaggedUncertain)
		}
		break
	}

	// MAX_ITERATIONS exhausted.
	if lastVote == models.VoteYes {
		return w.finalize(ctx, best, retrieved, models.ConsensusApproved, false)
	}
	if reformEverApproved {
		return w.finalize(ctx, best, retrieved, models.ConsensusReformedApproved, false)
	}
	return w.fallback("consensus not reached within iteration budget"), nil
}

// fallback produces the safe-refusal envelope.
func (w *workflow) fallback(reason string) *models.FinalResponse {
	resp := w.envelope(models.ConsensusFallback)
	if resp.IterationsUsed == 0 {
		resp.IterationsUsed = 1
	}
	resp.Answer = prompts.SafeRefusal(w.detected)
	resp.Error = reason
	w.logger.Warn("Workflow fell back", zap.String("reason", reason))
	return resp
}

// finalize translates if needed, assembles the envelope and stores it in
// the cache for cacheable consensus values.
func (w *workflow) finalize(ctx context.Context, best *models.AgentOutput, retrieved models.Context, consensus models.Consensus, flaggedUncertain bool) (*models.FinalResponse, error) {
	s := w.service
	answer := best.Text
	untranslated := false

	if w.target != w.detected {
		w.stage("translator")
		out, err := s.translate.Run(ctx, agents.TranslatorInput{
			Text:           answer,
			SourceLanguage: w.detected,
			TargetLanguage: w.target,
		})
		if err != nil {
			// Translation failure downgrades: the source-language answer is
			// still correct and approved.
			s.auditAgentError(ctx, w.query.RequestID, models.RoleTranslator, err)
			untranslated = true
		} else {
			answer = out.Text
		}
	}

	resp := w.envelope(consensus)
	resp.Answer = answer
	resp.Sources = retrieved.Sources
	resp.Untranslated = untranslated
	resp.FlaggedUncertain = flaggedUncertain

	if resp.Consensus.Cacheable() {
		s.cache.Put(ctx, w.query.Fingerprint(), resp, s.cfg.CacheTTL)
	}
	return resp, nil
}

func (s *Service) auditAgentError(ctx context.Context, requestID string, role models.Role, err error) {
	s.sink.Append(ctx, audit.Event{
		Type:      audit.EventAgentError,
		RequestID: requestID,
		Details: map[string]interface{}{
			"role":  string(role),
			"error": err.Error(),
			"kind":  string(models.KindOf(err)),
		},
	})
}
