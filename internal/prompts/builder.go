// Package prompts owns the agent prompt templates. There is exactly one
// Builder instance shared by all agents; template updates are atomic pointer
// swaps so in-flight calls see either the old or the new set, never a torn
// mix. Earlier generations of this service kept one template copy per agent
// and the copies drifted.
package prompts

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// BuildInput carries everything a role template can reference.
type BuildInput struct {
	Query            string
	Context          string
	DetectedLanguage models.Language
	GeneratorOutput  string
	VerifierAnalysis string
	SourceLanguage   models.Language
	TargetLanguage   models.Language
	Text             string
}

// templateSet is the immutable unit of swap.
type templateSet struct {
	generator  string
	verifier   string
	reformer   string
	translator string
}

// Overrides replaces individual role templates; empty fields keep the
// built-in template.
type Overrides struct {
	Generator  string `mapstructure:"generator"`
	Verifier   string `mapstructure:"verifier"`
	Reformer   string `mapstructure:"reformer"`
	Translator string `mapstructure:"translator"`
}

// Builder is the shared prompt builder.
type Builder struct {
	current atomic.Pointer[templateSet]
}

// NewBuilder returns a builder holding the built-in templates.
func NewBuilder() *Builder {
	b := &Builder{}
	b.current.Store(defaultTemplates())
	return b
}

// Swap installs new templates. All agents observe the swap on their next
// Build call.
func (b *Builder) Swap(o Overrides) {
	next := *defaultTemplates()
	if o.Generator != "" {
		next.generator = o.Generator
	}
	if o.Verifier != "" {
		next.verifier = o.Verifier
	}
	if o.Reformer != "" {
		next.reformer = o.Reformer
	}
	if o.Translator != "" {
		next.translator = o.Translator
	}
	b.current.Store(&next)
}

// Build renders the prompt for a role. Placeholders use {name} syntax so
// operator-supplied overrides stay readable in YAML.
func (b *Builder) Build(role models.Role, in BuildInput) (string, error) {
	ts := b.current.Load()

	var tmpl string
	switch role {
	case models.RoleGenerator:
		tmpl = ts.generator
	case models.RoleVerifier:
		tmpl = ts.verifier
	case models.RoleReformer:
		tmpl = ts.reformer
	case models.RoleTranslator:
		tmpl = ts.translator
	default:
		return "", models.E(models.KindInputInvalid, fmt.Errorf("unknown role %q", role))
	}

	r := strings.NewReplacer(
		"{query}", in.Query,
		"{context}", in.Context,
		"{language}", LanguageName(in.DetectedLanguage),
		"{generator_output}", in.GeneratorOutput,
		"{verifier_analysis}", in.VerifierAnalysis,
		"{source_language}", LanguageName(in.SourceLanguage),
		"{target_language}", LanguageName(in.TargetLanguage),
		"{text}", in.Text,
		"{uncertainty}", UncertaintyAcknowledgement(in.DetectedLanguage),
	)
	return r.Replace(tmpl), nil
}

// LanguageName spells a language code out for prompt directives.
func LanguageName(l models.Language) string {
	switch l {
	case models.LangFR:
		return "French"
	case models.LangES:
		return "Spanish"
	case models.LangDE:
		return "German"
	default:
		return "English"
	}
}

// UncertaintyAcknowledgement is the exact sentence the Generator must emit
// when the provided context does not cover the question.
func UncertaintyAcknowledgement(l models.Language) string {
	switch l {
	case models.LangFR:
		return "Je ne trouve pas cette information dans les sources fournies."
	case models.LangES:
		return "No puedo encontrar esta información en las fuentes proporcionadas."
	case models.LangDE:
		return "Ich kann diese Information in den bereitgestellten Quellen nicht finden."
	default:
		return "I cannot find this information in the provided sources."
	}
}

// SafeRefusal is the FALLBACK answer when a human review rejected or never
// resolved a draft.
func SafeRefusal(l models.Language) string {
	switch l {
	case models.LangFR:
		return "Je ne peux pas fournir cette information médicale sans examen complémentaire. Consultez un professionnel de santé qualifié."
	case models.LangES:
		return "No puedo proporcionar esta información médica sin una revisión adicional. Consulte a un profesional de salud calificado."
	case models.LangDE:
		return "Ich kann diese medizinische Information ohne weitere Prüfung nicht bereitstellen. Konsultieren Sie einen qualifizierten Gesundheitsfachmann."
	default:
		return "I cannot safely answer this medical question without further review. Please consult a qualified healthcare professional."
	}
}

func defaultTemplates() *templateSet {
	return &templateSet{
		generator: `You are The Innovator, an expert assistant for pharmaceutical research and medical intelligence.

CORE PRINCIPLES
- Base your answer strictly on the CONTEXT below. Never invent medical facts.
- If the context does not contain the answer, reply with exactly this sentence and nothing else: "{uncertainty}"
- Prioritize patient safety and regulatory accuracy. Use precise medical terminology.

FORMATTING RULES (mandatory)
- Answer in {language}.
- Structure the answer as bullet points, one bullet per line, each starting with "• " and a fitting emoji (💊 benefit, ⚠️ warning, 🔬 mechanism or research, 📚 source).
- End with a line "CONFIDENCE: <score between 0.0 and 1.0>" reflecting how well the context supports the answer.

CONTEXT
{context}

QUESTION
{query}`,

		verifier: `You are The Skeptic, a medical fact verifier. Judge whether the candidate answer is faithful to the context and safe.

Reply in exactly this format, in English, with no extra lines:
VOTE: YES or NO
CONFIDENCE: <score between 0.0 and 1.0>
ANALYSIS: <one or two sentences explaining the vote>

Vote YES when the answer is grounded in the context (an explicit "cannot find this information" acknowledgement is a correct, grounded answer when the context is empty or off-topic). Vote NO when the answer contains claims the context does not support or omits a safety-critical caveat.

CONTEXT
{context}

QUESTION
{query}

CANDIDATE ANSWER
{generator_output}`,

		reformer: `You are The Architect, a medical answer editor. Rewrite the candidate answer so it addresses the verifier's objections while preserving every factual statement that the context supports.

- Answer in {language}.
- Keep the bullet structure (one "• " bullet per line with a fitting emoji).
- Do not introduce facts absent from the context.
- End with a line "CONFIDENCE: <score between 0.0 and 1.0>".

CONTEXT
{context}

QUESTION
{query}

CANDIDATE ANSWER
{generator_output}

VERIFIER ANALYSIS
{verifier_analysis}`,

		translator: `You are a medical translator. Translate the text below from {source_language} to {target_language}.

- Preserve medical terminology exactly; keep INN drug names untranslated.
- Preserve the bullet structure and emojis line for line.
- Output only the translated text.

TEXT
{text}`,
	}
}
