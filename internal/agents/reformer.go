package agents

import (
	"context"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
)

// Reformer rewrites a rejected draft to address the verifier's objections
// while preserving context-supported facts.
type Reformer struct {
	runner
}

// NewReformer creates the reformer role runner.
func NewReformer(client llm.Client, builder *prompts.Builder, opts llm.Options, logger *zap.Logger) *Reformer {
	return &Reformer{runner: newRunner(client, builder, opts, logger)}
}

// ReformerInput is the reformer's role contract input.
type ReformerInput struct {
	Query            string
	Context          models.Context
	Candidate        string
	VerifierAnalysis string
	Language         models.Language
}

// Run emits the improved candidate for the next verification pass.
func (r *Reformer) Run(ctx context.Context, in ReformerInput) (*models.AgentOutput, error) {
	if err := validateNonEmpty("query", in.Query); err != nil {
		return nil, err
	}
	if err := validateNonEmpty("candidate answer", in.Candidate); err != nil {
		return nil, err
	}

	res, elapsed, err := r.invoke(ctx, models.RoleReformer, prompts.BuildInput{
		Query:            in.Query,
		Context:          in.Context.Text,
		GeneratorOutput:  in.Candidate,
		VerifierAnalysis: in.VerifierAnalysis,
		DetectedLanguage: in.Language,
	})
	if err != nil {
		return nil, err
	}

	text, confidence, selfReported := extractConfidence(res.Text)
	if !selfReported {
		confidence = bestSimilarity(in.Context)
	}
	if containsUncertainty(text) && confidence > maxUncertainConfidence {
		confidence = maxUncertainConfidence
	}

	return &models.AgentOutput{
		Role:       models.RoleReformer,
		Text:       text,
		Confidence: confidence,
		Latency:    elapsed,
	}, nil
}
