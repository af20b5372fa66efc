package domain

// Onset describes the typical time course of a condition.
type Onset string

const (
	OnsetAcute   Onset = "acute"
	OnsetChronic Onset = "chronic"
	OnsetAny     Onset = "any"
)

// AgeRange is an inclusive typical age bracket in years.
type AgeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether age lies within the inclusive range.
func (r AgeRange) Contains(age int) bool {
	return age >= r.Min && age <= r.Max
}

// Distance returns how many years age lies outside the range, 0 when inside.
func (r AgeRange) Distance(age int) int {
	switch {
	case age < r.Min:
		return r.Min - age
	case age > r.Max:
		return age - r.Max
	default:
		return 0
	}
}

// CharacteristicSymptom is one reference symptom of a condition.
type CharacteristicSymptom struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Condition is a knowledge-base entry.
type Condition struct {
	ID                string                  `json:"id" yaml:"id"`
	Name              string                  `json:"name" yaml:"name"`
	ICDCode           string                  `json:"icd_code" yaml:"icd_code"`
	BodySystem        string                  `json:"body_system" yaml:"body_system"`
	Symptoms          []CharacteristicSymptom `json:"symptoms" yaml:"symptoms"`
	AgeRange          AgeRange                `json:"age_range" yaml:"age_range"`
	Onset             Onset                   `json:"onset" yaml:"onset"`
	SexPredilection   string                  `json:"sex_predilection,omitempty" yaml:"sex_predilection"`
	SexSpecific       bool                    `json:"sex_specific,omitempty" yaml:"sex_specific"`
	RiskFactors       []string                `json:"risk_factors,omitempty" yaml:"risk_factors"`
	RelatedConditions []string                `json:"related_conditions,omitempty" yaml:"related_conditions"`
	WarningSigns      []string                `json:"warning_signs,omitempty" yaml:"warning_signs"`
}

// TotalWeight returns the sum of characteristic symptom weights.
func (c Condition) TotalWeight() float64 {
	total := 0.0
	for _, s := range c.Symptoms {
		total += s.Weight
	}
	return total
}

// TreatmentEntry is one guideline-associated treatment with its contraindication data.
type TreatmentEntry struct {
	Name                     string            `json:"name" yaml:"name"`
	Category                 TreatmentCategory `json:"category" yaml:"category"`
	Description              string            `json:"description" yaml:"description"`
	Dosage                   string            `json:"dosage,omitempty" yaml:"dosage"`
	Duration                 string            `json:"duration,omitempty" yaml:"duration"`
	DrugClass                string            `json:"drug_class,omitempty" yaml:"drug_class"`
	Ingredients              []string          `json:"ingredients,omitempty" yaml:"ingredients"`
	AllergyConflicts         []string          `json:"allergy_conflicts,omitempty" yaml:"allergy_conflicts"`
	HistoryContraindications []string          `json:"history_contraindications,omitempty" yaml:"history_contraindications"`
	MinAge                   *int              `json:"min_age,omitempty" yaml:"min_age"`
	MaxAge                   *int              `json:"max_age,omitempty" yaml:"max_age"`
	CautionAgeAbove          *int              `json:"caution_age_above,omitempty" yaml:"caution_age_above"`
}

// DrugTerms returns the lowercase-insensitive identifiers a treatment can be
// matched by: its name, ingredients and drug class.
func (t TreatmentEntry) DrugTerms() []string {
	terms := []string{t.Name}
	terms = append(terms, t.Ingredients...)
	if t.DrugClass != "" {
		terms = append(terms, t.DrugClass)
	}
	return terms
}

// Guideline is the ordered treatment list for one condition.
type Guideline struct {
	ConditionID string           `json:"condition_id" yaml:"condition_id"`
	Source      string           `json:"source" yaml:"source"`
	Treatments  []TreatmentEntry `json:"treatments" yaml:"treatments"`
}

// InteractionSeverity grades a drug-drug interaction.
type InteractionSeverity string

const (
	InteractionContraindicated InteractionSeverity = "contraindicated"
	InteractionMajor           InteractionSeverity = "major"
	InteractionModerate        InteractionSeverity = "moderate"
)

// DrugInteraction is an adverse interaction between two drugs or drug classes.
type DrugInteraction struct {
	DrugA       string              `json:"drug_a" yaml:"drug_a"`
	DrugB       string              `json:"drug_b" yaml:"drug_b"`
	Severity    InteractionSeverity `json:"severity" yaml:"severity"`
	Description string              `json:"description" yaml:"description"`
}

// Status maps the interaction severity to a treatment safety status.
func (d DrugInteraction) Status() SafetyStatus {
	switch d.Severity {
	case InteractionContraindicated, InteractionMajor:
		return StatusContraindicated
	default:
		return StatusCaution
	}
}

// Rank orders severities, higher is worse. Unknown severities rank 0.
func (s InteractionSeverity) Rank() int {
	switch s {
	case InteractionContraindicated:
		return 3
	case InteractionMajor:
		return 2
	case InteractionModerate:
		return 1
	default:
		return 0
	}
}

// MedicationInteraction is an interaction found between two medications the
// patient already takes.
type MedicationInteraction struct {
	DrugA       string              `json:"drug_a"`
	DrugB       string              `json:"drug_b"`
	Severity    InteractionSeverity `json:"severity"`
	Description string              `json:"description"`
}

// RuleKind selects how a red-flag rule predicate is evaluated.
type RuleKind string

const (
	RuleSymptom    RuleKind = "symptom"
	RuleSeverity   RuleKind = "severity"
	RuleAge        RuleKind = "age"
	RuleHistory    RuleKind = "history"
	RuleMedication RuleKind = "medication"
	RuleAllOf      RuleKind = "all_of"
)

// RuleCondition is the declarative form of a red-flag predicate.
type RuleCondition struct {
	Kind        RuleKind        `json:"kind" yaml:"kind"`
	Keywords    []string        `json:"keywords,omitempty" yaml:"keywords"`
	MinSeverity Severity        `json:"min_severity,omitempty" yaml:"min_severity"`
	AgeBelow    *int            `json:"age_below,omitempty" yaml:"age_below"`
	AgeAtLeast  *int            `json:"age_at_least,omitempty" yaml:"age_at_least"`
	Conditions  []RuleCondition `json:"conditions,omitempty" yaml:"conditions"`
}

// RedFlagRuleDefinition is one declarative entry of the red-flag rule set.
type RedFlagRuleDefinition struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Weight      float64       `json:"weight" yaml:"weight"`
	Action      string        `json:"action" yaml:"action"`
	When        RuleCondition `json:"when" yaml:"when"`
}
