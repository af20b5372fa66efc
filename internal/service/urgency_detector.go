package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// Subject sources reported in rule evidence
const (
	SourceSymptom        = "symptom"
	SourceChiefComplaint = "chief complaint"
)

type tierGuidance struct {
	action         string
	nextSteps      []string
	whenToSeekCare string
}

var guidanceByTier = map[domain.UrgencyTier]tierGuidance{
	domain.TierEmergency: {
		action: "Seek immediate emergency medical care (call 911)",
		nextSteps: []string{
			"Call emergency services or go to the nearest emergency department now",
			"Do not drive yourself",
			"Bring a list of your current medications and allergies",
		},
		whenToSeekCare: "Immediately",
	},
	domain.TierUrgent: {
		action: "Seek medical care within 24 hours",
		nextSteps: []string{
			"Contact your doctor or an urgent care clinic today",
			"Go to the emergency department if symptoms get worse",
		},
		whenToSeekCare: "Within 24 hours",
	},
	domain.TierModerate: {
		action: "Schedule medical appointment within 2-3 days",
		nextSteps: []string{
			"Book an appointment with your primary care provider",
			"Keep a record of how your symptoms change",
		},
		whenToSeekCare: "Within 2-3 days, sooner if symptoms worsen",
	},
	domain.TierLow: {
		action: "Monitor symptoms and seek care if they worsen or persist",
		nextSteps: []string{
			"Rest, stay hydrated and use self-care measures",
			"See a doctor if symptoms last longer than a week or new symptoms appear",
		},
		whenToSeekCare: "If symptoms worsen or persist beyond 7 days",
	},
}

// UrgencyDetectorService implements domain.UrgencyDetector. It depends only
// on the rule set and never on condition ranking.
type UrgencyDetectorService struct {
	rules  domain.RuleSet
	config domain.UrgencyConfig
	logger *logrus.Logger
}

// NewUrgencyDetectorService creates a detector over the given rule set.
func NewUrgencyDetectorService(rules domain.RuleSet, config domain.UrgencyConfig, logger *logrus.Logger) *UrgencyDetectorService {
	return &UrgencyDetectorService{rules: rules, config: config, logger: logger}
}

// Assess evaluates every rule in order and maps the summed, age-scaled
// weights onto a tier. It fails only when no rule set is available.
func (d *UrgencyDetectorService) Assess(ctx context.Context, input domain.UrgencyInput) (*domain.UrgencyAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.rules == nil {
		return nil, domain.ErrRuleSetUnavailable
	}
	rules := d.rules.Rules()
	if len(rules) == 0 {
		return nil, domain.ErrRuleSetUnavailable
	}

	rc := domain.RuleContext{Subjects: subjects(input), Patient: input.Patient}
	multiplier := d.ageMultiplier(input.Patient.Age)

	assessment := &domain.UrgencyAssessment{
		AgeMultiplier:  multiplier,
		TriggeredRules: make([]domain.TriggeredRule, 0),
	}
	var score float64
	for _, rule := range rules {
		fired, evidence := rule.Predicate(rc)
		if !fired {
			continue
		}
		adjusted := rule.Weight * multiplier
		score += adjusted
		assessment.TriggeredRules = append(assessment.TriggeredRules, domain.TriggeredRule{
			RuleID:         rule.ID,
			Name:           rule.Name,
			Weight:         rule.Weight,
			AdjustedWeight: round4(adjusted),
			Evidence:       evidence,
			Action:         rule.Action,
		})
	}

	assessment.Score = round4(score)
	assessment.Tier = d.tierFor(assessment.Score)
	guidance := guidanceByTier[assessment.Tier]
	assessment.RecommendedAction = guidance.action
	assessment.NextSteps = append([]string(nil), guidance.nextSteps...)
	assessment.WhenToSeekCare = guidance.whenToSeekCare

	d.logger.WithFields(logrus.Fields{
		"tier":           assessment.Tier,
		"score":          assessment.Score,
		"triggered":      len(assessment.TriggeredRules),
		"age_multiplier": multiplier,
	}).Debug("Assessed urgency")

	return assessment, nil
}

func (d *UrgencyDetectorService) ageMultiplier(age int) float64 {
	switch {
	case age < d.config.YoungAge && d.config.YoungMultiplier > 0:
		return d.config.YoungMultiplier
	case d.config.ElderlyAge > 0 && age >= d.config.ElderlyAge && d.config.ElderlyMultiplier > 0:
		return d.config.ElderlyMultiplier
	default:
		return 1.0
	}
}

func (d *UrgencyDetectorService) tierFor(score float64) domain.UrgencyTier {
	switch {
	case score >= d.config.EmergencyThreshold:
		return domain.TierEmergency
	case score >= d.config.UrgentThreshold:
		return domain.TierUrgent
	case score >= d.config.ModerateThreshold:
		return domain.TierModerate
	default:
		return domain.TierLow
	}
}

// subjects turns every piece of evidence into a rule subject. Symptoms the
// normalizer could not resolve are still scanned so that a failing capability
// never hides a red flag.
func subjects(input domain.UrgencyInput) []domain.RuleSubject {
	out := make([]domain.RuleSubject, 0, len(input.Canonical)+len(input.Unclassified)+1)
	for _, cs := range input.Canonical {
		out = append(out, domain.RuleSubject{
			Source:   SourceSymptom,
			Text:     subjectText(cs.Name, cs.Original),
			Label:    cs.Label,
			Severity: cs.Severity,
		})
	}
	for _, u := range input.Unclassified {
		severity, err := domain.ParseSeverity(string(u.Symptom.Severity))
		if err != nil {
			severity = ""
		}
		out = append(out, domain.RuleSubject{
			Source:   SourceSymptom,
			Text:     subjectText(strings.ToLower(strings.TrimSpace(u.Symptom.Name)), u.Symptom),
			Severity: severity,
		})
	}
	if cc := strings.TrimSpace(input.ChiefComplaint); cc != "" {
		out = append(out, domain.RuleSubject{Source: SourceChiefComplaint, Text: strings.ToLower(cc), Narrative: true})
	}
	return out
}

func subjectText(name string, s domain.Symptom) string {
	parts := []string{name}
	if l := strings.TrimSpace(s.Location); l != "" {
		parts = append(parts, l)
	}
	if d := strings.TrimSpace(s.Description); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(parts, " ")
}
