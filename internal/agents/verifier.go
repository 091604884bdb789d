package agents

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
)

// Verifier judges whether a draft answer is grounded and safe.
type Verifier struct {
	runner
}

// NewVerifier creates the verifier role runner.
func NewVerifier(client llm.Client, builder *prompts.Builder, opts llm.Options, logger *zap.Logger) *Verifier {
	return &Verifier{runner: newRunner(client, builder, opts, logger)}
}

// VerifierInput is the verifier's role contract input.
type VerifierInput struct {
	Query     string
	Context   models.Context
	Candidate string
	Language  models.Language
}

// Run emits a strict YES/NO vote with confidence and a short analysis.
// A missing or malformed vote maps to UNKNOWN with confidence 0; that is a
// valid output, not an error, and routes the orchestrator into the Reformer
// path.
func (v *Verifier) Run(ctx context.Context, in VerifierInput) (*models.AgentOutput, error) {
	if err := validateNonEmpty("query", in.Query); err != nil {
		return nil, err
	}
	if err := validateNonEmpty("candidate answer", in.Candidate); err != nil {
		return nil, err
	}

	res, elapsed, err := v.invoke(ctx, models.RoleVerifier, prompts.BuildInput{
		Query:            in.Query,
		Context:          in.Context.Text,
		GeneratorOutput:  in.Candidate,
		DetectedLanguage: in.Language,
	})
	if err != nil {
		return nil, err
	}

	vote, confidence, analysis, ok := parseVerdict(res.Text)
	if !ok {
		v.logger.Warn("Verifier output failed strict parsing",
			zap.String("output", truncate(res.Text, 200)),
		)
		vote, confidence = models.VoteUnknown, 0
	}

	return &models.AgentOutput{
		Role:       models.RoleVerifier,
		Text:       res.Text,
		Vote:       vote,
		Confidence: confidence,
		Analysis:   analysis,
		Latency:    elapsed,
	}, nil
}

var (
	voteLine     = regexp.MustCompile(`(?mi)^\s*VOTE:\s*([A-ZÍa-zí]+)\s*$`)
	analysisLine = regexp.MustCompile(`(?mi)^\s*ANALYSIS:\s*(.+)\s*$`)
)

// voteTokens accepts the English verdict plus the per-language tokens the
// original prompts elicit.
var voteTokens = map[string]models.Vote{
	"YES":  models.VoteYes,
	"NO":   models.VoteNo,
	"OUI":  models.VoteYes,
	"NON":  models.VoteNo,
	"SI":   models.VoteYes,
	"SÍ":   models.VoteYes,
	"JA":   models.VoteYes,
	"NEIN": models.VoteNo,
}

// parseVerdict enforces the strict verifier output format. ok is false when
// either the vote or the confidence line is missing or malformed.
func parseVerdict(text string) (models.Vote, float64, string, bool) {
	analysis := ""
	if m := analysisLine.FindStringSubmatch(text); m != nil {
		analysis = strings.TrimSpace(m[1])
	}

	vm := voteLine.FindStringSubmatch(text)
	if vm == nil {
		return models.VoteUnknown, 0, analysis, false
	}
	vote, known := voteTokens[strings.ToUpper(strings.TrimSpace(vm[1]))]
	if !known {
		return models.VoteUnknown, 0, analysis, false
	}

	_, confidence, found := extractConfidence(text)
	if !found {
		return models.VoteUnknown, 0, analysis, false
	}

	return vote, confidence, analysis, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
