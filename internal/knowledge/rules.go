package knowledge

import (
	"fmt"
	"strings"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

// CompileRules turns declarative red-flag definitions into predicates,
// preserving definition order.
func CompileRules(defs []domain.RedFlagRuleDefinition) ([]domain.RedFlagRule, error) {
	rules := make([]domain.RedFlagRule, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("red-flag rule %d has no id", i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate red-flag rule id %s", def.ID)
		}
		seen[def.ID] = true
		if def.Weight <= 0 {
			return nil, fmt.Errorf("red-flag rule %s: weight must be positive", def.ID)
		}
		pred, err := compileCondition(def.When)
		if err != nil {
			return nil, fmt.Errorf("red-flag rule %s: %w", def.ID, err)
		}
		rules = append(rules, domain.RedFlagRule{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Weight:      def.Weight,
			Action:      def.Action,
			Predicate:   pred,
		})
	}
	return rules, nil
}

func compileCondition(c domain.RuleCondition) (domain.RulePredicate, error) {
	if c.MinSeverity != "" && !c.MinSeverity.IsValid() {
		return nil, fmt.Errorf("unknown min_severity %q", c.MinSeverity)
	}

	switch c.Kind {
	case domain.RuleSymptom:
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("symptom condition needs keywords")
		}
		return symptomPredicate(c.Keywords, c.MinSeverity), nil

	case domain.RuleSeverity:
		if c.MinSeverity == "" {
			return nil, fmt.Errorf("severity condition needs min_severity")
		}
		return severityPredicate(c.MinSeverity), nil

	case domain.RuleAge:
		if c.AgeBelow == nil && c.AgeAtLeast == nil {
			return nil, fmt.Errorf("age condition needs age_below or age_at_least")
		}
		return agePredicate(c.AgeBelow, c.AgeAtLeast), nil

	case domain.RuleHistory:
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("history condition needs keywords")
		}
		return listPredicate("medical history", c.Keywords, func(p domain.PatientContext) []string { return p.MedicalHistory }), nil

	case domain.RuleMedication:
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("medication condition needs keywords")
		}
		return listPredicate("current medications", c.Keywords, func(p domain.PatientContext) []string { return p.CurrentMedications }), nil

	case domain.RuleAllOf:
		if len(c.Conditions) == 0 {
			return nil, fmt.Errorf("all_of condition needs sub-conditions")
		}
		preds := make([]domain.RulePredicate, 0, len(c.Conditions))
		for _, sub := range c.Conditions {
			p, err := compileCondition(sub)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return allOf(preds), nil

	default:
		return nil, fmt.Errorf("unknown rule kind %q", c.Kind)
	}
}

func symptomPredicate(keywords []string, min domain.Severity) domain.RulePredicate {
	return func(rc domain.RuleContext) (bool, string) {
		for _, subject := range rc.Subjects {
			if min != "" && !subject.Severity.AtLeast(min) {
				continue
			}
			contains := textnorm.ContainsPhrase
			if subject.Narrative {
				contains = textnorm.ContainsAffirmedPhrase
			}
			for _, kw := range keywords {
				if !contains(subject.Text, kw) {
					continue
				}
				if subject.Severity == "" {
					return true, fmt.Sprintf("%s %q matches %q", subject.Source, subject.Text, kw)
				}
				return true, fmt.Sprintf("%s %q with severity %s matches %q", subject.Source, subject.Text, subject.Severity, kw)
			}
		}
		return false, ""
	}
}

func severityPredicate(min domain.Severity) domain.RulePredicate {
	return func(rc domain.RuleContext) (bool, string) {
		for _, subject := range rc.Subjects {
			if subject.Severity.AtLeast(min) {
				return true, fmt.Sprintf("%s %q reported as %s", subject.Source, subject.Text, subject.Severity)
			}
		}
		return false, ""
	}
}

func agePredicate(below, atLeast *int) domain.RulePredicate {
	return func(rc domain.RuleContext) (bool, string) {
		age := rc.Patient.Age
		if below != nil && age < *below {
			return true, fmt.Sprintf("patient age %d is below %d", age, *below)
		}
		if atLeast != nil && age >= *atLeast {
			return true, fmt.Sprintf("patient age %d is at least %d", age, *atLeast)
		}
		return false, ""
	}
}

func listPredicate(label string, keywords []string, values func(domain.PatientContext) []string) domain.RulePredicate {
	return func(rc domain.RuleContext) (bool, string) {
		if entry, kw, ok := textnorm.AnyTermMatch(values(rc.Patient), keywords); ok {
			return true, fmt.Sprintf("%s includes %q (%s)", label, entry, kw)
		}
		return false, ""
	}
}

func allOf(preds []domain.RulePredicate) domain.RulePredicate {
	return func(rc domain.RuleContext) (bool, string) {
		evidence := make([]string, 0, len(preds))
		for _, p := range preds {
			ok, ev := p(rc)
			if !ok {
				return false, ""
			}
			evidence = append(evidence, ev)
		}
		return true, strings.Join(evidence, "; ")
	}
}
