package embedding

import (
	"context"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

// LabelGeneral is assigned when no body-system keyword matches.
const LabelGeneral = "general"

// BodySystem is a classification label and the keywords that indicate it.
type BodySystem struct {
	Label    string
	Keywords []string
}

// DefaultBodySystems is the keyword table used by the local classifier,
// in tie-break order.
var DefaultBodySystems = []BodySystem{
	{Label: "cardiovascular", Keywords: []string{"chest pain", "chest pressure", "palpitations", "rapid heartbeat", "heart", "blood pressure", "fainting", "jaw pain", "left arm", "sweating"}},
	{Label: "respiratory", Keywords: []string{"cough", "shortness of breath", "breathing", "breathe", "wheezing", "runny nose", "nasal congestion", "congestion", "sneezing", "sore throat", "throat", "chest tightness", "mucus", "lungs", "nose"}},
	{Label: "gastrointestinal", Keywords: []string{"nausea", "vomiting", "diarrhea", "abdominal", "stomach", "heartburn", "constipation", "bloating", "appetite", "acid", "navel", "stool"}},
	{Label: "neurological", Keywords: []string{"headache", "dizziness", "confusion", "seizure", "numbness", "weakness", "speech", "face drooping", "vision", "memory", "tingling", "consciousness"}},
	{Label: "musculoskeletal", Keywords: []string{"back pain", "joint", "muscle", "stiffness", "neck pain", "spasms", "body aches", "range of motion"}},
	{Label: "dermatological", Keywords: []string{"rash", "itchy skin", "itching", "hives", "skin", "welts", "bruising", "blisters"}},
	{Label: "genitourinary", Keywords: []string{"urination", "urine", "urinate", "bladder", "pelvic", "flank", "kidney", "menstrual", "groin"}},
	{Label: "endocrine", Keywords: []string{"thirst", "weight gain", "weight loss", "cold intolerance", "heat intolerance", "thyroid"}},
	{Label: "infectious", Keywords: []string{"fever", "chills", "swollen lymph nodes", "infection", "night sweats"}},
	{Label: "psychiatric", Keywords: []string{"anxiety", "worry", "sadness", "depressed", "suicidal", "self harm", "panic", "trouble sleeping", "loss of interest"}},
}

// KeywordClassifier labels symptom text with a body system by keyword hits.
type KeywordClassifier struct {
	systems []BodySystem
}

// NewKeywordClassifier creates a classifier over the given systems. A nil
// table selects DefaultBodySystems.
func NewKeywordClassifier(systems []BodySystem) *KeywordClassifier {
	if systems == nil {
		systems = DefaultBodySystems
	}
	return &KeywordClassifier{systems: systems}
}

// Classify returns the body system with the most keyword hits. Confidence
// grows with the share of hits won by that system: an unambiguous match
// scores 0.9, a two-way tie 0.7, no match 0.3 for the general label.
func (c *KeywordClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Classification{}, err
	}

	best, bestHits, total := -1, 0, 0
	for i, sys := range c.systems {
		hits := 0
		for _, kw := range sys.Keywords {
			if textnorm.ContainsPhrase(text, kw) {
				hits++
			}
		}
		total += hits
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}

	if best < 0 {
		return domain.Classification{Label: LabelGeneral, Confidence: 0.3}, nil
	}

	share := float64(bestHits) / float64(total)
	confidence := 0.5 + 0.4*share
	return domain.Classification{Label: c.systems[best].Label, Confidence: confidence}, nil
}
