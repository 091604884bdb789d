// Package agents wraps the LLM transport with the four role contracts of the
// pipeline: Generator, Verifier, Reformer, Translator. Each runner validates
// its input, builds its prompt through the shared builder, and parses the
// model output into a typed AgentOutput.
package agents

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/llm"
	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
	"github.com/TedBerlin/MIRAGE-v2/internal/models"
	"github.com/TedBerlin/MIRAGE-v2/internal/prompts"
)

// runner holds what every role needs.
type runner struct {
	client  llm.Client
	builder *prompts.Builder
	opts    llm.Options
	logger  *zap.Logger
}

func newRunner(client llm.Client, builder *prompts.Builder, opts llm.Options, logger *zap.Logger) runner {
	return runner{client: client, builder: builder, opts: opts, logger: logger}
}

// invoke builds the role prompt and performs the completion, recording
// latency and invocation metrics.
func (r *runner) invoke(ctx context.Context, role models.Role, in prompts.BuildInput) (*llm.Result, time.Duration, error) {
	prompt, err := r.builder.Build(role, in)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	res, err := r.client.Complete(ctx, prompt, r.opts)
	elapsed := time.Since(start)

	metrics.AgentLatency.WithLabelValues(string(role)).Observe(float64(elapsed.Milliseconds()))
	if err != nil {
		metrics.AgentInvocations.WithLabelValues(string(role), "error").Inc()
		return nil, elapsed, err
	}
	metrics.AgentInvocations.WithLabelValues(string(role), "ok").Inc()
	return res, elapsed, nil
}

var confidenceLine = regexp.MustCompile(`(?mi)^\s*CONFIDENCE:\s*([0-9]*\.?[0-9]+)\s*$`)

// extractConfidence pulls a trailing "CONFIDENCE: x" line out of the text,
// returning the cleaned text and whether a score was found. Out-of-range
// scores are clamped to [0,1].
func extractConfidence(text string) (string, float64, bool) {
	m := confidenceLine.FindStringSubmatch(text)
	if m == nil {
		return strings.TrimSpace(text), 0, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return strings.TrimSpace(text), 0, false
	}
	cleaned := strings.TrimSpace(confidenceLine.ReplaceAllString(text, ""))
	return cleaned, clamp01(score), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validateNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return models.E(models.KindInputInvalid, errors.New(field+" must not be empty"))
	}
	return nil
}
