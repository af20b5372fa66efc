// Package domain contains the core entities of the diagnostic triage engine:
// symptom reports, patient context, the per-agent outputs and the aggregate
// DiagnosisResult assembled by the coordinator.
//
// The engine is decision support only. It is not a certified medical device
// and never replaces professional medical advice.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the reported intensity of a single symptom. Values are ordered
// mild < moderate < severe < critical.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityMild:     1,
	SeverityModerate: 2,
	SeveritySevere:   3,
	SeverityCritical: 4,
}

// ParseSeverity normalises a severity string. Case and surrounding
// whitespace are ignored.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// IsValid checks if the severity is one of the known values
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the position of the severity in its ordering, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above min in the severity ordering.
// Unknown severities never satisfy a minimum.
func (s Severity) AtLeast(min Severity) bool {
	return s.IsValid() && s.Rank() >= min.Rank()
}

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// UrgencyTier is the ordered safety classification low < moderate < urgent < emergency.
type UrgencyTier string

const (
	TierLow       UrgencyTier = "low"
	TierModerate  UrgencyTier = "moderate"
	TierUrgent    UrgencyTier = "urgent"
	TierEmergency UrgencyTier = "emergency"
)

var tierRank = map[UrgencyTier]int{
	TierLow:       1,
	TierModerate:  2,
	TierUrgent:    3,
	TierEmergency: 4,
}

// IsValid checks if the tier is one of the known values
func (t UrgencyTier) IsValid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the position of the tier in its ordering, 0 for unknown values.
func (t UrgencyTier) Rank() int {
	return tierRank[t]
}

// String returns the string representation
func (t UrgencyTier) String() string {
	return string(t)
}

// SafetyStatus marks whether a treatment option is usable for the patient.
type SafetyStatus string

const (
	StatusSafe            SafetyStatus = "safe"
	StatusCaution         SafetyStatus = "caution"
	StatusContraindicated SafetyStatus = "contraindicated"
)

// Worse returns whichever of s and other is the more restrictive status.
func (s SafetyStatus) Worse(other SafetyStatus) SafetyStatus {
	rank := func(v SafetyStatus) int {
		switch v {
		case StatusContraindicated:
			return 3
		case StatusCaution:
			return 2
		default:
			return 1
		}
	}
	if rank(other) > rank(s) {
		return other
	}
	return s
}

// TreatmentCategory groups treatment options by kind.
type TreatmentCategory string

const (
	CategoryMedication TreatmentCategory = "medication"
	CategorySelfCare   TreatmentCategory = "self-care"
	CategoryLifestyle  TreatmentCategory = "lifestyle"
	CategoryTherapy    TreatmentCategory = "therapy"
	CategoryProcedure  TreatmentCategory = "procedure"
	CategoryReferral   TreatmentCategory = "referral"
)

// IsValid checks if the category is one of the known values
func (c TreatmentCategory) IsValid() bool {
	switch c {
	case CategoryMedication, CategorySelfCare, CategoryLifestyle,
		CategoryTherapy, CategoryProcedure, CategoryReferral:
		return true
	}
	return false
}

// TreatmentTier distinguishes primary suggestions from alternatives.
type TreatmentTier string

const (
	TreatmentPrimary     TreatmentTier = "primary"
	TreatmentAlternative TreatmentTier = "alternative"
)

// ConfidenceLevel is a coarse label for a confidence score.
type ConfidenceLevel string

const (
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceModerate ConfidenceLevel = "moderate"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// ConfidenceLevelFor maps a score in [0,1] to its label.
func ConfidenceLevelFor(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh
	case score >= 0.75:
		return ConfidenceHigh
	case score >= 0.6:
		return ConfidenceModerate
	case score >= 0.4:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// Symptom is a single raw symptom report. It is not modified after submission.
type Symptom struct {
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Duration    string   `json:"duration,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
}

// PatientContext carries the demographic and clinical context of one request.
// A nil slice means the information was not provided; an empty slice means
// the patient reported none.
type PatientContext struct {
	Age                int      `json:"age"`
	Gender             string   `json:"gender,omitempty"`
	MedicalHistory     []string `json:"medical_history,omitempty"`
	CurrentMedications []string `json:"current_medications,omitempty"`
	Allergies          []string `json:"allergies,omitempty"`
}

// KnownGender reports whether a usable gender value was supplied.
func (p PatientContext) KnownGender() bool {
	g := strings.ToLower(strings.TrimSpace(p.Gender))
	return g != "" && g != "unknown" && g != "unspecified"
}

// Completeness returns the fraction of optional context fields that were provided.
func (p PatientContext) Completeness() float64 {
	known := 0
	if p.KnownGender() {
		known++
	}
	if p.MedicalHistory != nil {
		known++
	}
	if p.CurrentMedications != nil {
		known++
	}
	if p.Allergies != nil {
		known++
	}
	return float64(known) / 4.0
}

// Classification is the output of a text-classification capability.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// CanonicalSymptom is the normalised, embedding-bearing form of a Symptom.
type CanonicalSymptom struct {
	SourceIndex int       `json:"source_index"`
	Name        string    `json:"name"`
	Text        string    `json:"text"`
	Original    Symptom   `json:"original"`
	Severity    Severity  `json:"severity"`
	Embedding   []float64 `json:"-"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
}

// DetailCompleteness returns the fraction of optional detail fields
// (duration, location, description) present on the source symptom.
func (c CanonicalSymptom) DetailCompleteness() float64 {
	return SymptomDetailCompleteness(c.Original)
}

// SymptomDetailCompleteness returns the fraction of optional detail fields present.
func SymptomDetailCompleteness(s Symptom) float64 {
	n := 0
	if strings.TrimSpace(s.Duration) != "" {
		n++
	}
	if strings.TrimSpace(s.Location) != "" {
		n++
	}
	if strings.TrimSpace(s.Description) != "" {
		n++
	}
	return float64(n) / 3.0
}

// UnclassifiedSymptom is a symptom the normalizer could not resolve.
type UnclassifiedSymptom struct {
	SourceIndex int     `json:"source_index"`
	Name        string  `json:"name"`
	Symptom     Symptom `json:"symptom"`
	Reason      string  `json:"reason"`
}

// NormalizationResult is the normalizer output. Canonical keeps input order.
type NormalizationResult struct {
	Canonical    []CanonicalSymptom    `json:"canonical"`
	Unclassified []UnclassifiedSymptom `json:"unclassified,omitempty"`
	Errors       []*NormalizationError `json:"-"`
}

// RiskFactorStatus tells whether a contextual factor supported or argued against a condition.
type RiskFactorStatus string

const (
	RiskFactorMatched  RiskFactorStatus = "matched"
	RiskFactorViolated RiskFactorStatus = "violated"
)

// RiskFactorMatch records one contextual factor applied to a candidate.
type RiskFactorMatch struct {
	Factor     string           `json:"factor"`
	Status     RiskFactorStatus `json:"status"`
	Multiplier float64          `json:"multiplier"`
}

// SymptomMatch is one input symptom paired with a characteristic symptom.
type SymptomMatch struct {
	SymptomIndex   int     `json:"symptom_index"`
	Symptom        string  `json:"symptom"`
	Characteristic string  `json:"characteristic"`
	Similarity     float64 `json:"similarity"`
}

// ConditionCandidate is a scored hypothesis for one condition.
type ConditionCandidate struct {
	ConditionID          string            `json:"condition_id"`
	Name                 string            `json:"name"`
	ICDCode              string            `json:"icd_code,omitempty"`
	Score                float64           `json:"score"`
	RawSimilarity        float64           `json:"raw_similarity"`
	Confidence           float64           `json:"confidence"`
	ConfidenceLevel      ConfidenceLevel   `json:"confidence_level"`
	ContributingSymptoms []SymptomMatch    `json:"contributing_symptoms"`
	RiskFactors          []RiskFactorMatch `json:"risk_factors,omitempty"`
}

// TriggeredRule is one red-flag rule that fired, with the evidence that fired it.
type TriggeredRule struct {
	RuleID         string  `json:"rule_id"`
	Name           string  `json:"name"`
	Weight         float64 `json:"weight"`
	AdjustedWeight float64 `json:"adjusted_weight"`
	Evidence       string  `json:"evidence"`
	Action         string  `json:"action,omitempty"`
}

// UrgencyAssessment is the urgency detector output.
type UrgencyAssessment struct {
	Tier              UrgencyTier     `json:"tier"`
	Score             float64         `json:"score"`
	AgeMultiplier     float64         `json:"age_multiplier"`
	TriggeredRules    []TriggeredRule `json:"triggered_rules"`
	RecommendedAction string          `json:"recommended_action"`
	NextSteps         []string        `json:"next_steps,omitempty"`
	WhenToSeekCare    string          `json:"when_to_seek_care,omitempty"`
}

// RuleIDs returns the ids of the triggered rules in evaluation order.
func (u UrgencyAssessment) RuleIDs() []string {
	ids := make([]string, 0, len(u.TriggeredRules))
	for _, r := range u.TriggeredRules {
		ids = append(ids, r.RuleID)
	}
	return ids
}

// TreatmentOption is one suggested treatment with its safety evaluation.
type TreatmentOption struct {
	Name        string            `json:"name"`
	Category    TreatmentCategory `json:"category"`
	Status      SafetyStatus      `json:"status"`
	Tier        TreatmentTier     `json:"tier"`
	Rationale   string            `json:"rationale"`
	Source      string            `json:"source"`
	ConditionID string            `json:"condition_id,omitempty"`
	Dosage      string            `json:"dosage,omitempty"`
	Duration    string            `json:"duration,omitempty"`

	// SuggestedAlternatives names drugs that could replace a contraindicated
	// medication for this patient.
	SuggestedAlternatives []string `json:"suggested_alternatives,omitempty"`
}

// TreatmentPlan is the treatment retriever output.
type TreatmentPlan struct {
	Primary      []TreatmentOption   `json:"primary"`
	Alternatives []TreatmentOption   `json:"alternatives"`
	Skipped      []*NoGuidelineError `json:"-"`

	// MedicationWarnings lists interactions among the current medications.
	MedicationWarnings []MedicationInteraction `json:"-"`
}

// Ordered returns primary options followed by alternatives.
func (p TreatmentPlan) Ordered() []TreatmentOption {
	out := make([]TreatmentOption, 0, len(p.Primary)+len(p.Alternatives))
	out = append(out, p.Primary...)
	return append(out, p.Alternatives...)
}

// UncertaintyProfile is the uncertainty quantifier output.
type UncertaintyProfile struct {
	OverallConfidence float64         `json:"overall_confidence"`
	ConfidenceLevel   ConfidenceLevel `json:"confidence_level"`
	Epistemic         float64         `json:"epistemic"`
	Aleatoric         float64         `json:"aleatoric"`
	Flags             []string        `json:"flags,omitempty"`
}

// FlagLowConfidence is raised when overall confidence falls below the configured floor.
const FlagLowConfidence = "low_confidence"

// LowConfidence reports whether the low-confidence flag is set.
func (u UncertaintyProfile) LowConfidence() bool {
	for _, f := range u.Flags {
		if f == FlagLowConfidence {
			return true
		}
	}
	return false
}

// AgentName identifies which agent produced an explanation step.
type AgentName string

const (
	AgentCoordinator AgentName = "coordinator"
	AgentNormalizer  AgentName = "normalizer"
	AgentMatcher     AgentName = "condition_matcher"
	AgentUrgency     AgentName = "urgency_detector"
	AgentTreatment   AgentName = "treatment_retriever"
	AgentUncertainty AgentName = "uncertainty_quantifier"
)

// StepKind classifies an explanation step.
type StepKind string

const (
	StepReasoning StepKind = "reasoning"
	StepCaveat    StepKind = "caveat"
	StepOverride  StepKind = "override"
)

// ExplanationStep is one entry of the explanation trail.
type ExplanationStep struct {
	Sequence int       `json:"sequence"`
	Agent    AgentName `json:"agent"`
	Kind     StepKind  `json:"kind"`
	Message  string    `json:"message"`
}

// PipelineState is a coordinator state.
type PipelineState string

const (
	StateReceived     PipelineState = "received"
	StateNormalizing  PipelineState = "normalizing"
	StateAnalyzing    PipelineState = "analyzing"
	StateSynthesizing PipelineState = "synthesizing"
	StateComplete     PipelineState = "complete"
	StateFailed       PipelineState = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s PipelineState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

var stateTransitions = map[PipelineState][]PipelineState{
	StateReceived:     {StateNormalizing, StateFailed},
	StateNormalizing:  {StateAnalyzing, StateFailed},
	StateAnalyzing:    {StateSynthesizing, StateFailed},
	StateSynthesizing: {StateComplete, StateFailed},
}

// CanTransition reports whether next is a legal successor of s.
func (s PipelineState) CanTransition(next PipelineState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DiagnosisRequest is the single input to the coordinator.
type DiagnosisRequest struct {
	Symptoms       []Symptom      `json:"symptoms"`
	Patient        PatientContext `json:"patient"`
	ChiefComplaint string         `json:"chief_complaint,omitempty"`
}

// DiagnosisResult is the aggregate produced once per request.
type DiagnosisResult struct {
	RequestID         string                  `json:"request_id"`
	State             PipelineState           `json:"state"`
	StateHistory      []PipelineState         `json:"state_history"`
	ChiefComplaint    string                  `json:"chief_complaint,omitempty"`
	Urgency           UrgencyAssessment       `json:"urgency"`
	RecommendedAction string                  `json:"recommended_action"`
	Conditions        []ConditionCandidate    `json:"conditions"`
	Treatments        []TreatmentOption       `json:"treatments"`
	MedicationAlerts  []MedicationInteraction `json:"medication_alerts,omitempty"`
	Uncertainty       UncertaintyProfile      `json:"uncertainty"`
	Explanation       []ExplanationStep       `json:"explanation"`
	Caveats           []string                `json:"caveats,omitempty"`
	WarningSigns      []string                `json:"warning_signs,omitempty"`
	SystemsAffected   []string                `json:"systems_affected,omitempty"`
	Unclassified      []UnclassifiedSymptom   `json:"unclassified,omitempty"`
	Disclaimer        string                  `json:"disclaimer"`
	CreatedAt         time.Time               `json:"created_at"`
	ProcessingTime    time.Duration           `json:"processing_time_ns"`
}

// Disclaimer is attached to every result.
const Disclaimer = "This AI assessment is for informational purposes only and should not replace professional medical advice."
