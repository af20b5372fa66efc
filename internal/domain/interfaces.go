package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Embedder turns text into a dense vector. Implementations signal temporary
// unavailability by wrapping ErrTransient.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// TextClassifier assigns a categorical label with a confidence in [0,1].
type TextClassifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// KnowledgeBase hands out scoped read handles over the condition catalogue.
// Every successful Acquire must be paired with Release.
type KnowledgeBase interface {
	Acquire(ctx context.Context) (KnowledgeHandle, error)
}

// KnowledgeHandle is a read-only view held for the duration of one agent call.
type KnowledgeHandle interface {
	Conditions() []Condition
	Condition(id string) (Condition, bool)
	Release()
}

// GuidelineTable maps a condition to its ordered treatment entries.
type GuidelineTable interface {
	Guideline(conditionID string) (Guideline, bool)
}

// DrugTable lists known adverse drug interactions and the classes a drug
// belongs to, so that "warfarin" also matches interactions listed for
// "anticoagulant".
type DrugTable interface {
	Interactions() []DrugInteraction
	DrugClasses(drug string) []string
	ClassMembers(class string) []string
}

// Lexicon maps symptom synonyms onto canonical names.
type Lexicon interface {
	Canonical(name string) string
}

// RuleSet is the ordered, immutable red-flag rule list of the urgency detector.
type RuleSet interface {
	Rules() []RedFlagRule
}

// RuleSubject is one piece of evidence examined by red-flag predicates.
// Subjects derived from the chief complaint have no severity and are
// Narrative: negated mentions in them do not match.
type RuleSubject struct {
	Source    string
	Text      string
	Label     string
	Severity  Severity
	Narrative bool
}

// RuleContext is the input of a red-flag predicate.
type RuleContext struct {
	Subjects []RuleSubject
	Patient  PatientContext
}

// RulePredicate reports whether a rule fires and, if so, the evidence for it.
type RulePredicate func(rc RuleContext) (bool, string)

// RedFlagRule is a compiled red-flag rule.
type RedFlagRule struct {
	ID          string
	Name        string
	Description string
	Weight      float64
	Action      string
	Predicate   RulePredicate
}

// SymptomNormalizer maps raw symptoms to canonical symptoms.
type SymptomNormalizer interface {
	Normalize(ctx context.Context, symptoms []Symptom, patient PatientContext) (*NormalizationResult, error)
}

// ConditionMatcher ranks knowledge-base conditions against canonical symptoms.
// A *NoMatchError is returned together with an empty, non-nil slice.
type ConditionMatcher interface {
	Match(ctx context.Context, symptoms []CanonicalSymptom, patient PatientContext) ([]ConditionCandidate, error)
}

// UrgencyInput is everything the urgency detector may inspect.
type UrgencyInput struct {
	Canonical      []CanonicalSymptom
	Unclassified   []UnclassifiedSymptom
	Patient        PatientContext
	ChiefComplaint string
}

// UrgencyDetector evaluates red-flag rules into an urgency tier.
type UrgencyDetector interface {
	Assess(ctx context.Context, input UrgencyInput) (*UrgencyAssessment, error)
}

// TreatmentRetriever looks up and safety-filters guideline treatments.
type TreatmentRetriever interface {
	Retrieve(ctx context.Context, candidates []ConditionCandidate, patient PatientContext, tier UrgencyTier) (*TreatmentPlan, error)
}

// UncertaintyInput is everything the uncertainty quantifier combines.
type UncertaintyInput struct {
	Normalization *NormalizationResult
	Candidates    []ConditionCandidate
	Patient       PatientContext
}

// UncertaintyQuantifier aggregates per-agent confidence signals.
type UncertaintyQuantifier interface {
	Quantify(ctx context.Context, input UncertaintyInput) (*UncertaintyProfile, error)
}

// AuditRecord is the append-only summary of one assessment.
type AuditRecord struct {
	RequestID      string        `json:"request_id"`
	State          PipelineState `json:"state"`
	Tier           UrgencyTier   `json:"tier,omitempty"`
	Score          float64       `json:"score"`
	TriggeredRules []string      `json:"triggered_rules"`
	TopCondition   string        `json:"top_condition,omitempty"`
	Confidence     float64       `json:"confidence"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Feedback ratings run from 1 (not useful) to 5 (very useful).
const (
	MinFeedbackRating = 1
	MaxFeedbackRating = 5
)

// Feedback is a user rating of one completed assessment.
type Feedback struct {
	RequestID string    `json:"request_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the request id and the rating range.
func (f Feedback) Validate() error {
	if strings.TrimSpace(f.RequestID) == "" {
		return NewValidationError("request_id", "is required", f.RequestID)
	}
	if f.Rating < MinFeedbackRating || f.Rating > MaxFeedbackRating {
		return NewValidationError("rating", fmt.Sprintf("must be between %d and %d", MinFeedbackRating, MaxFeedbackRating), f.Rating)
	}
	return nil
}

// AuditSink receives audit records. The engine never reads them back.
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}

// PipelineObserver receives append-only timing and outcome signals.
type PipelineObserver interface {
	ObserveStage(stage PipelineState, d time.Duration)
	ObserveOutcome(state PipelineState, tier UrgencyTier, unclassified int)
	ObserveCapabilityError(capability string)
}
