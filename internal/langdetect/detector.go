// Package langdetect classifies query text into one of the four supported
// languages using curated indicator lists. It is deterministic, total and
// dependency-free: medical queries are short and the supported set is closed,
// so statistical detection buys nothing over scored keyword matching.
package langdetect

import (
	"strings"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

// Result is a detected language with a confidence score in [0,1].
type Result struct {
	Language   models.Language
	Confidence float64
}

// Indicator lists mix general function words with medical-domain terms so
// that both "what is X" and bare pharmacological queries score.
var indicators = map[models.Language][]string{
	models.LangEN: {
		"what", "how", "why", "when", "where", "which", "who",
		"the", "and", "are", "is", "of", "for",
		"side", "effects", "contraindications", "overdose", "dosage",
		"treatment", "mechanism", "action", "paracetamol", "drug",
		"medication", "safety", "pregnancy", "children",
	},
	models.LangFR: {
		"quels", "quelles", "comment", "pourquoi", "quand", "qui",
		"les", "des", "du", "une", "dans", "avec", "sont", "est",
		"effets", "secondaires", "paracétamol", "médicament", "posologie",
		"traitement", "contre-indications", "grossesse", "enfants", "surdose",
	},
	models.LangES: {
		"qué", "cuáles", "cómo", "cuándo", "dónde", "quién", "por",
		"los", "las", "del", "con", "para", "son", "es",
		"efectos", "secundarios", "paracetamol", "medicamento", "dosis",
		"tratamiento", "contraindicaciones", "embarazo", "niños", "sobredosis",
	},
	models.LangDE: {
		"was", "welche", "wie", "warum", "wann", "wer",
		"der", "die", "das", "und", "mit", "von", "für", "sind", "ist",
		"nebenwirkungen", "paracetamol", "medikament", "dosierung",
		"behandlung", "kontraindikationen", "schwangerschaft", "kinder", "überdosis",
	},
}

var indexed = buildIndex()

func buildIndex() map[models.Language]map[string]struct{} {
	out := make(map[models.Language]map[string]struct{}, len(indicators))
	for lang, words := range indicators {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		out[lang] = set
	}
	return out
}

// Detect classifies text. It never fails: with no indicator matches at all
// it returns English with confidence 0, the international default for
// medical queries.
func Detect(text string) Result {
	tokens := tokenize(text)

	scores := make(map[models.Language]int, len(indexed))
	total := 0
	for lang, set := range indexed {
		seen := make(map[string]struct{})
		for _, tok := range tokens {
			if _, ok := set[tok]; !ok {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
		}
		scores[lang] = len(seen)
		total += len(seen)
	}

	if total == 0 {
		return Result{Language: models.LangEN, Confidence: 0}
	}

	maxOther := 0
	for lang, s := range scores {
		if lang != models.LangEN && s > maxOther {
			maxOther = s
		}
	}

	// English priority: an English score at least matching every other
	// language wins outright.
	winner := models.LangEN
	if scores[models.LangEN] == 0 || scores[models.LangEN] < maxOther {
		best := 0
		for _, lang := range []models.Language{models.LangFR, models.LangES, models.LangDE} {
			if scores[lang] > best {
				best = scores[lang]
				winner = lang
			}
		}
	}

	return Result{
		Language:   winner,
		Confidence: float64(scores[winner]) / float64(max(1, total)),
	}
}

// tokenize lowercases and splits on whitespace and common punctuation,
// keeping intra-word hyphens (contre-indications).
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', '.', ';', ':', '!', '?', '(', ')', '[', ']', '"', '\'', '¿', '¡':
			return true
		}
		return false
	})
}
