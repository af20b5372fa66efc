package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

// Emergency referral injected ahead of guideline treatments
const (
	EmergencyReferralName   = "Emergency Department Evaluation"
	EmergencyProtocolSource = "EMERGENCY_PROTOCOL"
	deferredRationale       = "defer until emergency evaluation"
)

const maxSuggestedAlternatives = 5

// TreatmentRetrieverService implements domain.TreatmentRetriever.
type TreatmentRetrieverService struct {
	guidelines domain.GuidelineTable
	drugs      domain.DrugTable
	config     domain.TreatmentConfig
	logger     *logrus.Logger
}

// NewTreatmentRetrieverService creates a retriever. drugs may be nil, in
// which case no interaction checks are made.
func NewTreatmentRetrieverService(guidelines domain.GuidelineTable, drugs domain.DrugTable, config domain.TreatmentConfig, logger *logrus.Logger) *TreatmentRetrieverService {
	if config.MaxConditions <= 0 {
		config.MaxConditions = 3
	}
	if config.PrimaryCount <= 0 {
		config.PrimaryCount = 3
	}
	return &TreatmentRetrieverService{guidelines: guidelines, drugs: drugs, config: config, logger: logger}
}

// Retrieve walks the top candidates in rank order and evaluates every
// guideline treatment for the patient. Contraindicated options are kept and
// marked, never dropped.
func (r *TreatmentRetrieverService) Retrieve(ctx context.Context, candidates []domain.ConditionCandidate, patient domain.PatientContext, tier domain.UrgencyTier) (*domain.TreatmentPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &domain.TreatmentPlan{
		Primary:      make([]domain.TreatmentOption, 0),
		Alternatives: make([]domain.TreatmentOption, 0),
	}

	var (
		options []domain.TreatmentOption
		entries []domain.TreatmentEntry
	)
	seen := make(map[string]bool)
	for i, candidate := range candidates {
		if i >= r.config.MaxConditions {
			break
		}
		guideline, ok := r.guidelines.Guideline(candidate.ConditionID)
		if !ok {
			skip := &domain.NoGuidelineError{ConditionID: candidate.ConditionID, ConditionName: candidate.Name}
			plan.Skipped = append(plan.Skipped, skip)
			r.logger.WithField("condition_id", candidate.ConditionID).WithError(skip).Warn("No treatment guideline for condition")
			continue
		}
		for _, entry := range guideline.Treatments {
			key := textnorm.Normalize(entry.Name)
			if seen[key] {
				continue
			}
			seen[key] = true
			options = append(options, r.evaluate(entry, guideline.Source, candidate, patient))
			entries = append(entries, entry)
		}
	}

	for i := range options {
		if options[i].Status == domain.StatusContraindicated && options[i].Category == domain.CategoryMedication {
			options[i].SuggestedAlternatives = r.suggestAlternatives(entries[i], options[i].ConditionID, options, patient)
		}
	}
	plan.MedicationWarnings = r.CheckMedications(patient.CurrentMedications)

	if tier == domain.TierEmergency {
		plan.Primary = append(plan.Primary, domain.TreatmentOption{
			Name:      EmergencyReferralName,
			Category:  domain.CategoryReferral,
			Status:    domain.StatusSafe,
			Tier:      domain.TreatmentPrimary,
			Rationale: "Red-flag findings require in-person emergency assessment before any other treatment",
			Source:    EmergencyProtocolSource,
		})
		for i := range options {
			if options[i].Status == domain.StatusSafe {
				options[i].Status = domain.StatusCaution
				options[i].Rationale += "; " + deferredRationale
			}
		}
	}

	for _, opt := range options {
		if opt.Status == domain.StatusSafe && len(plan.Primary) < r.config.PrimaryCount {
			opt.Tier = domain.TreatmentPrimary
			plan.Primary = append(plan.Primary, opt)
			continue
		}
		opt.Tier = domain.TreatmentAlternative
		plan.Alternatives = append(plan.Alternatives, opt)
	}

	r.logger.WithFields(logrus.Fields{
		"primary":      len(plan.Primary),
		"alternatives": len(plan.Alternatives),
		"skipped":      len(plan.Skipped),
		"med_warnings": len(plan.MedicationWarnings),
	}).Debug("Retrieved treatments")

	return plan, nil
}

// evaluate applies the allergy, interaction, age and history checks to one
// treatment entry. The most restrictive finding determines the status.
func (r *TreatmentRetrieverService) evaluate(entry domain.TreatmentEntry, source string, candidate domain.ConditionCandidate, patient domain.PatientContext) domain.TreatmentOption {
	status := domain.StatusSafe
	var reasons []string
	flag := func(s domain.SafetyStatus, reason string) {
		status = status.Worse(s)
		reasons = append(reasons, reason)
	}

	allergyTerms := append(entry.DrugTerms(), entry.AllergyConflicts...)
	for _, allergy := range patient.Allergies {
		for _, term := range allergyTerms {
			if textnorm.TermsMatch(allergy, term) {
				flag(domain.StatusContraindicated, fmt.Sprintf("patient allergy to %s conflicts with %s", allergy, term))
				break
			}
		}
	}

	if r.drugs != nil {
		treatmentTerms := r.withClasses(entry.DrugTerms())
		for _, med := range patient.CurrentMedications {
			medTerms := r.withClasses([]string{med})
			for _, in := range r.drugs.Interactions() {
				if interacts(medTerms, treatmentTerms, in) {
					flag(in.Status(), fmt.Sprintf("%s interaction with current medication %s: %s", in.Severity, med, in.Description))
				}
			}
		}
	}

	if entry.MinAge != nil && patient.Age < *entry.MinAge {
		flag(domain.StatusContraindicated, fmt.Sprintf("not recommended under age %d", *entry.MinAge))
	}
	if entry.MaxAge != nil && patient.Age > *entry.MaxAge {
		flag(domain.StatusContraindicated, fmt.Sprintf("not recommended over age %d", *entry.MaxAge))
	}
	if entry.CautionAgeAbove != nil && patient.Age >= *entry.CautionAgeAbove {
		flag(domain.StatusCaution, fmt.Sprintf("use with caution from age %d", *entry.CautionAgeAbove))
	}

	if h, c, ok := textnorm.AnyTermMatch(patient.MedicalHistory, entry.HistoryContraindications); ok {
		flag(domain.StatusContraindicated, fmt.Sprintf("medical history of %s (%s)", h, c))
	}

	rationale := fmt.Sprintf("%s for %s", strings.TrimSuffix(entry.Description, "."), candidate.Name)
	if entry.Description == "" {
		rationale = "Guideline treatment for " + candidate.Name
	}
	if len(reasons) > 0 {
		rationale += "; " + strings.Join(reasons, "; ")
	}

	return domain.TreatmentOption{
		Name:        entry.Name,
		Category:    entry.Category,
		Status:      status,
		Rationale:   rationale,
		Source:      source,
		ConditionID: candidate.ConditionID,
		Dosage:      entry.Dosage,
		Duration:    entry.Duration,
	}
}

// CheckMedications reports interactions between pairs of the given
// medications, drug classes included. Each pair is reported once with its most
// severe interaction, most severe pairs first.
func (r *TreatmentRetrieverService) CheckMedications(medications []string) []domain.MedicationInteraction {
	if r.drugs == nil {
		return nil
	}
	interactions := r.drugs.Interactions()
	var found []domain.MedicationInteraction
	for i := range medications {
		a := r.withClasses(medications[i : i+1])
		for j := i + 1; j < len(medications); j++ {
			if textnorm.Stem(medications[i]) == textnorm.Stem(medications[j]) {
				continue
			}
			b := r.withClasses(medications[j : j+1])
			worst := -1
			for k, in := range interactions {
				if interacts(a, b, in) && (worst < 0 || in.Severity.Rank() > interactions[worst].Severity.Rank()) {
					worst = k
				}
			}
			if worst < 0 {
				continue
			}
			found = append(found, domain.MedicationInteraction{
				DrugA:       medications[i],
				DrugB:       medications[j],
				Severity:    interactions[worst].Severity,
				Description: interactions[worst].Description,
			})
		}
	}
	sort.SliceStable(found, func(x, y int) bool {
		return found[x].Severity.Rank() > found[y].Severity.Rank()
	})
	return found
}

// suggestAlternatives names replacements for a contraindicated medication:
// drugs of the same class that neither trigger an allergy nor interact with
// a current medication, then safe guideline medications for the same
// condition.
func (r *TreatmentRetrieverService) suggestAlternatives(entry domain.TreatmentEntry, conditionID string, options []domain.TreatmentOption, patient domain.PatientContext) []string {
	var out []string
	seen := make(map[string]bool)
	for _, term := range entry.DrugTerms() {
		seen[textnorm.Stem(term)] = true
	}
	add := func(name string) {
		key := textnorm.Stem(name)
		if seen[key] || len(out) >= maxSuggestedAlternatives {
			return
		}
		seen[key] = true
		out = append(out, name)
	}

	if r.drugs != nil && entry.DrugClass != "" {
		for _, drug := range r.drugs.ClassMembers(entry.DrugClass) {
			if !r.conflicts(drug, patient) {
				add(drug)
			}
		}
	}
	for _, o := range options {
		if o.ConditionID == conditionID && o.Category == domain.CategoryMedication && o.Status == domain.StatusSafe {
			add(o.Name)
		}
	}
	return out
}

// conflicts reports whether a drug matches a patient allergy or interacts
// with one of the current medications.
func (r *TreatmentRetrieverService) conflicts(drug string, patient domain.PatientContext) bool {
	terms := r.withClasses([]string{drug})
	if _, _, ok := textnorm.AnyTermMatch(patient.Allergies, terms); ok {
		return true
	}
	for _, med := range patient.CurrentMedications {
		medTerms := r.withClasses([]string{med})
		for _, in := range r.drugs.Interactions() {
			if interacts(medTerms, terms, in) {
				return true
			}
		}
	}
	return false
}

func (r *TreatmentRetrieverService) withClasses(terms []string) []string {
	out := append([]string(nil), terms...)
	for _, t := range terms {
		out = append(out, r.drugs.DrugClasses(t)...)
	}
	return out
}

// interacts reports whether the interaction links the two term sets in either direction.
func interacts(medTerms, treatmentTerms []string, in domain.DrugInteraction) bool {
	matchesAny := func(terms []string, drug string) bool {
		for _, t := range terms {
			if textnorm.TermsMatch(t, drug) {
				return true
			}
		}
		return false
	}
	return (matchesAny(medTerms, in.DrugA) && matchesAny(treatmentTerms, in.DrugB)) ||
		(matchesAny(medTerms, in.DrugB) && matchesAny(treatmentTerms, in.DrugA))
}
