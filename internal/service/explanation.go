package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// Caveat texts shown to the user
const (
	caveatUnclassified  = "Symptom %q could not be classified, so this assessment may be incomplete. Please seek professional medical evaluation."
	caveatLowConfidence = "Overall confidence in this assessment is low. Please seek professional medical evaluation."
	caveatNoMatch       = "No matching condition data was found (%s). Please seek professional medical evaluation."
	caveatMatcherFailed = "Condition matching was unavailable; the urgency assessment is unaffected. Please seek professional medical evaluation."
	caveatNoGuideline   = "No treatment guideline is available for %s."
	caveatNoTreatments  = "Treatment suggestions are unavailable for this assessment."
	caveatMedications   = "Current medications %s and %s have a %s interaction (%s). Review them with a pharmacist or doctor."
)

// trail collects explanation steps in the order they are added. Sequence
// numbers are assigned by Steps.
type trail struct {
	steps   []domain.ExplanationStep
	caveats []string
}

func (t *trail) reason(agent domain.AgentName, format string, args ...interface{}) {
	t.steps = append(t.steps, domain.ExplanationStep{Agent: agent, Kind: domain.StepReasoning, Message: fmt.Sprintf(format, args...)})
}

func (t *trail) caveat(agent domain.AgentName, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	t.steps = append(t.steps, domain.ExplanationStep{Agent: agent, Kind: domain.StepCaveat, Message: msg})
	t.caveats = append(t.caveats, msg)
}

// prependOverride puts the emergency override at the head of the trail.
func (t *trail) prependOverride(message string) {
	step := domain.ExplanationStep{Agent: domain.AgentCoordinator, Kind: domain.StepOverride, Message: message}
	t.steps = append([]domain.ExplanationStep{step}, t.steps...)
}

// Steps returns the trail with 1-based sequence numbers.
func (t *trail) Steps() []domain.ExplanationStep {
	out := make([]domain.ExplanationStep, len(t.steps))
	for i, s := range t.steps {
		s.Sequence = i + 1
		out[i] = s
	}
	return out
}

// synthesis holds every agent output the trail is built from.
type synthesis struct {
	symptomCount  int
	normalization *domain.NormalizationResult
	candidates    []domain.ConditionCandidate
	matchErr      error
	urgency       *domain.UrgencyAssessment
	plan          *domain.TreatmentPlan
	treatmentErr  error
	uncertainty   *domain.UncertaintyProfile
}

// buildTrail renders the explanation in fixed agent order so that identical
// inputs always produce an identical trail.
func buildTrail(s synthesis) *trail {
	t := &trail{}

	if s.urgency.Tier == domain.TierEmergency {
		t.prependOverride(fmt.Sprintf("EMERGENCY: %s. Red flags: %s.",
			s.urgency.RecommendedAction, strings.Join(ruleNames(s.urgency.TriggeredRules), ", ")))
	}

	norm := s.normalization
	t.reason(domain.AgentNormalizer, "Normalized %d of %d reported symptoms%s",
		len(norm.Canonical), s.symptomCount, describeCanonical(norm.Canonical))
	for _, u := range norm.Unclassified {
		t.caveat(domain.AgentNormalizer, caveatUnclassified, u.Name)
	}

	var noMatch *domain.NoMatchError
	switch {
	case len(s.candidates) > 0:
		top := s.candidates[0]
		t.reason(domain.AgentMatcher, "Ranked %d candidate conditions; top match %s (score %.2f, confidence %.2f) on %s",
			len(s.candidates), top.Name, top.Score, top.Confidence, describeMatches(top.ContributingSymptoms))
	case asNoMatch(s.matchErr, &noMatch):
		t.caveat(domain.AgentMatcher, caveatNoMatch, noMatch.Reason)
	case s.matchErr != nil:
		t.caveat(domain.AgentMatcher, caveatMatcherFailed)
	default:
		t.caveat(domain.AgentMatcher, caveatNoMatch, "no candidates")
	}

	if len(s.urgency.TriggeredRules) == 0 {
		t.reason(domain.AgentUrgency, "Urgency tier %s (score %.2f): no red-flag rules triggered", s.urgency.Tier, s.urgency.Score)
	} else {
		t.reason(domain.AgentUrgency, "Urgency tier %s (score %.2f, age multiplier %.2f) from %d red-flag rules",
			s.urgency.Tier, s.urgency.Score, s.urgency.AgeMultiplier, len(s.urgency.TriggeredRules))
		for _, r := range s.urgency.TriggeredRules {
			t.reason(domain.AgentUrgency, "Rule %s (weight %.2f): %s", r.RuleID, r.AdjustedWeight, r.Evidence)
		}
	}

	if s.treatmentErr != nil {
		t.caveat(domain.AgentTreatment, caveatNoTreatments)
	} else {
		contraindicated := 0
		for _, o := range s.plan.Ordered() {
			if o.Status == domain.StatusContraindicated {
				contraindicated++
			}
		}
		t.reason(domain.AgentTreatment, "Suggested %d primary and %d alternative treatments; %d marked contraindicated",
			len(s.plan.Primary), len(s.plan.Alternatives), contraindicated)
		for _, skip := range s.plan.Skipped {
			t.caveat(domain.AgentTreatment, caveatNoGuideline, skip.ConditionName)
		}
		for _, w := range s.plan.MedicationWarnings {
			t.caveat(domain.AgentTreatment, caveatMedications, w.DrugA, w.DrugB, w.Severity, w.Description)
		}
	}

	t.reason(domain.AgentUncertainty, "Overall confidence %.2f (%s); epistemic uncertainty %.2f, aleatoric uncertainty %.2f",
		s.uncertainty.OverallConfidence, s.uncertainty.ConfidenceLevel, s.uncertainty.Epistemic, s.uncertainty.Aleatoric)
	if s.uncertainty.LowConfidence() {
		t.caveat(domain.AgentUncertainty, caveatLowConfidence)
	}

	return t
}

func asNoMatch(err error, target **domain.NoMatchError) bool {
	return err != nil && errors.As(err, target)
}

func ruleNames(rules []domain.TriggeredRule) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	return names
}

func describeCanonical(symptoms []domain.CanonicalSymptom) string {
	if len(symptoms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		parts = append(parts, fmt.Sprintf("%s (%s, %.2f)", s.Name, s.Label, s.Confidence))
	}
	return ": " + strings.Join(parts, ", ")
}

func describeMatches(matches []domain.SymptomMatch) string {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("%s~%s %.2f", m.Symptom, m.Characteristic, m.Similarity))
	}
	return strings.Join(parts, ", ")
}
