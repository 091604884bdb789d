package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
)

// Generator produces the draft answer grounded in the retrieved context.
type Generator struct {
	runner
}

// NewGenerator creates the generator role runner.
func NewGenerator(client llm.Client, builder *prompts.Builder, opts llm.Options, logger *zap.Logger) *Generator {
	return &Generator{runner: newRunner(client, builder, opts, logger)}
}

// GeneratorInput is the generator's role contract input.
type GeneratorInput struct {
	Query    string
	Context  models.Context
	Language models.Language
}

// maxUncertainConfidence caps the confidence of any answer that acknowledges
// missing grounding.
const maxUncertainConfidence = 0.3

// Run produces a draft answer. With empty context, a reply that does not
// contain the uncertainty acknowledgement is replaced by the exact
// acknowledgement in the detected language. Any reply that contains the
// acknowledgement has its confidence capped at 0.3. Irrelevant non-empty
// context is not detected here; that case rests on the model's reply.
func (g *Generator) Run(ctx context.Context, in GeneratorInput) (*models.AgentOutput, error) {
	if err := validateNonEmpty("query", in.Query); err != nil {
		return nil, err
	}

	res, elapsed, err := g.invoke(ctx, models.RoleGenerator, prompts.BuildInput{
		Query:            in.Query,
		Context:          in.Context.Text,
		DetectedLanguage: in.Language,
	})
	if err != nil {
		return nil, err
	}

	text, confidence, selfReported := extractConfidence(res.Text)
	if !selfReported && res.SelfConfidence != nil {
		confidence = clamp01(*res.SelfConfidence)
		selfReported = true
	}
	if !selfReported {
		// Derive from retrieval similarity when the model did not self-report.
		confidence = bestSimilarity(in.Context)
	}

	acknowledged := containsUncertainty(text)
	if in.Context.Empty() {
		if !acknowledged {
			// The role contract is absolute: no grounding, no answer.
			text = prompts.UncertaintyAcknowledgement(in.Language)
		}
		acknowledged = true
	}
	if acknowledged && confidence > maxUncertainConfidence {
		confidence = maxUncertainConfidence
	}

	return &models.AgentOutput{
		Role:       models.RoleGenerator,
		Text:       text,
		Confidence: confidence,
		Latency:    elapsed,
	}, nil
}

func bestSimilarity(c models.Context) float64 {
	best := 0.0
	for _, s := range c.Sources {
		if s.Similarity > best {
			best = s.Similarity
		}
	}
	return clamp01(best)
}

// containsUncertainty recognizes the acknowledgement contract sentence in
// any supported language.
func containsUncertainty(text string) bool {
	lower := strings.ToLower(text)
	for _, l := range models.SupportedLanguages {
		if strings.Contains(lower, strings.ToLower(prompts.UncertaintyAcknowledgement(l))) {
			return true
		}
	}
	return false
}
