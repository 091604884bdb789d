package agents

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
)

// Translator renders the final approved answer into the requested language,
// preserving medical terminology.
type Translator struct {
	runner
}

// NewTranslator creates the translator role runner.
func NewTranslator(client llm.Client, builder *prompts.Builder, opts llm.Options, logger *zap.Logger) *Translator {
	return &Translator{runner: newRunner(client, builder, opts, logger)}
}

// TranslatorInput is the translator's role contract input.
type TranslatorInput struct {
	Text           string
	SourceLanguage models.Language
	TargetLanguage models.Language
}

// Run translates the text. Same-language input is rejected as INPUT_INVALID;
// the orchestrator only invokes this role when languages differ.
func (t *Translator) Run(ctx context.Context, in TranslatorInput) (*models.AgentOutput, error) {
	if err := validateNonEmpty("text", in.Text); err != nil {
		return nil, err
	}
	if in.SourceLanguage == in.TargetLanguage {
		return nil, models.E(models.KindInputInvalid, errors.New("source and target language are identical"))
	}

	res, elapsed, err := t.invoke(ctx, models.RoleTranslator, prompts.BuildInput{
		Text:           in.Text,
		SourceLanguage: in.SourceLanguage,
		TargetLanguage: in.TargetLanguage,
	})
	if err != nil {
		return nil, err
	}

	translated := strings.TrimSpace(res.Text)
	if translated == "" {
		return nil, models.E(models.KindOutputParse, errors.New("translator returned empty text"))
	}

	return &models.AgentOutput{
		Role:       models.RoleTranslator,
		Text:       translated,
		Confidence: 1,
		Latency:    elapsed,
	}, nil
}
