package safety

import (
	"testing"

	"github.com/TedBerlin/MIRAGE-v2/internal/models"
)

func TestClassifyNone(t *testing.T) {
	if got := Classify("What is the capital of France?"); got != nil {
		t.Fatalf("expected no trigger, got %+v", got)
	}
}

func TestClassifySafetyReview(t *testing.T) {
	got := Classify("Is paracetamol safe during pregnancy?")
	if got == nil || got.Kind != models.TriggerSafetyReview {
		t.Fatalf("expected SAFETY_REVIEW, got %+v", got)
	}
	if got.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", got.Priority)
	}
}

func TestClassifyLethalChildQuery(t *testing.T) {
	// Both SAFETY_REVIEW (child) and CRITICAL_DECISION (lethal) match at
	// priority 5; taxonomy order breaks the tie in favor of SAFETY_REVIEW.
	got := Classify("What is the lethal dose of paracetamol for a child?")
	if got == nil || got.Kind != models.TriggerSafetyReview {
		t.Fatalf("expected SAFETY_REVIEW, got %+v", got)
	}
}

func TestClassifyHighestPriorityWins(t *testing.T) {
	// "treatment" (3) and "fda" (4): regulatory compliance must win.
	got := Classify("Has the FDA approved this treatment?")
	if got == nil || got.Kind != models.TriggerRegulatoryCompliance {
		t.Fatalf("expected REGULATORY_COMPLIANCE, got %+v", got)
	}
}

func TestClassifyWholeWordOnly(t *testing.T) {
	// "childhood" must not match the "child" indicator.
	if got := Classify("A history of childhood illnesses in literature"); got != nil {
		t.Fatalf("expected no trigger for substring, got %+v", got)
	}
}

func TestClassifyMultilingual(t *testing.T) {
	cases := map[string]models.TriggerKind{
		"Quelle est la posologie recommandée ?":       models.TriggerMedicalApproval,
		"¿Es seguro durante el embarazo?":             models.TriggerSafetyReview,
		"Welche Dosierung wird empfohlen?":            models.TriggerMedicalApproval,
		"Bitte überprüfen Sie die Antwort noch einmal": models.TriggerQualityAssurance,
	}
	for text, want := range cases {
		got := Classify(text)
		if got == nil || got.Kind != want {
			t.Errorf("Classify(%q) = %+v, want kind %s", text, got, want)
		}
	}
}

func TestClassifyReportsMatchedTerms(t *testing.T) {
	got := Classify("overdose and toxicity warning")
	if got == nil {
		t.Fatal("expected a trigger")
	}
	if len(got.MatchedTerms) < 3 {
		t.Fatalf("expected all three terms reported, got %v", got.MatchedTerms)
	}
}
