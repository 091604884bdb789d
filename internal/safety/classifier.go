// Package safety classifies queries against the fixed taxonomy of human
// validation triggers. Matching is case-insensitive whole-word across all
// supported languages.
package safety

import (
	"strings"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

type taxonomyEntry struct {
	kind     models.TriggerKind
	priority int
	terms    []string
}

// taxonomy order doubles as the tie-break order between equal priorities.
// Term lists carry the original service's multilingual keyword sets.
var taxonomy = []taxonomyEntry{
	{
		kind:     models.TriggerSafetyReview,
		priority: 5,
		terms: []string{
			"overdose", "toxicity", "pregnancy", "child", "children",
			"contraindication", "warning", "lactation", "allergy",
			"surdose", "toxicité", "grossesse", "enfant", "enfants",
			"contre-indication", "avertissement", "allaitement", "allergie",
			"sobredosis", "toxicidad", "embarazo", "niño", "niños",
			"contraindicación", "advertencia", "lactancia", "alergia",
			"überdosis", "toxizität", "schwangerschaft", "kind", "kinder",
			"kontraindikation", "warnung", "stillzeit", "allergie",
		},
	},
	{
		kind:     models.TriggerMedicalApproval,
		priority: 3,
		terms: []string{
			"diagnosis", "treatment", "dosage", "clinical", "prescription",
			"diagnostic", "traitement", "posologie", "clinique", "ordonnance",
			"diagnóstico", "tratamiento", "dosificación", "clínico", "receta",
			"diagnose", "behandlung", "dosierung", "klinisch", "rezept",
		},
	},
	{
		kind:     models.TriggerRegulatoryCompliance,
		priority: 4,
		terms: []string{
			"fda", "ema", "regulatory", "approval", "compliance",
			"ansm", "réglementaire", "approbation", "conformité",
			"aemps", "regulatorio", "aprobación", "cumplimiento",
			"regulatorisch", "zulassung",
		},
	},
	{
		kind:     models.TriggerCriticalDecision,
		priority: 5,
		terms: []string{
			"lethal", "emergency", "life-threatening", "fatal",
			"létale", "mortelle", "urgence",
			"letal", "mortal", "emergencia",
			"tödlich", "lebensbedrohlich", "notfall",
		},
	},
	{
		kind:     models.TriggerQualityAssurance,
		priority: 2,
		terms: []string{
			"verify", "double-check",
			"vérifier", "revérifier",
			"verificar", "comprobar",
			"überprüfen", "nachprüfen",
		},
	},
}

// Classify returns the highest-priority matched trigger, or nil when the
// query matches nothing. Ties between equal priorities resolve by taxonomy
// order.
func Classify(text string) *models.SafetyTrigger {
	tokens := tokenSet(text)

	var best *models.SafetyTrigger
	for _, entry := range taxonomy {
		var matched []string
		for _, term := range entry.terms {
			if _, ok := tokens[term]; ok {
				matched = append(matched, term)
			}
		}
		if len(matched) == 0 {
			continue
		}
		if best == nil || entry.priority > best.Priority {
			best = &models.SafetyTrigger{
				Kind:         entry.kind,
				Priority:     entry.priority,
				MatchedTerms: matched,
			}
		}
	}
	return best
}

func tokenSet(text string) map[string]struct{} {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', '\r', ',', '.', ';', ':', '!', '?', '(', ')', '[', ']', '"', '\'', '¿', '¡', '/':
			return true
		}
		return false
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
