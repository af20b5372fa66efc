package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

type fakeGuidelines map[string]domain.Guideline

func (f fakeGuidelines) Guideline(conditionID string) (domain.Guideline, bool) {
	g, ok := f[conditionID]
	return g, ok
}

type fakeDrugs struct {
	interactions []domain.DrugInteraction
	classes      map[string][]string
}

func (f fakeDrugs) Interactions() []domain.DrugInteraction { return f.interactions }

func (f fakeDrugs) DrugClasses(drug string) []string { return f.classes[strings.ToLower(drug)] }

func (f fakeDrugs) ClassMembers(class string) []string {
	var drugs []string
	for drug, classes := range f.classes {
		for _, c := range classes {
			if c == class {
				drugs = append(drugs, drug)
			}
		}
	}
	sort.Strings(drugs)
	return drugs
}

func guideline(conditionID string, entries ...domain.TreatmentEntry) domain.Guideline {
	return domain.Guideline{ConditionID: conditionID, Source: strings.ToUpper(conditionID) + "_GUIDE", Treatments: entries}
}

func selfCare(name string) domain.TreatmentEntry {
	return domain.TreatmentEntry{Name: name, Category: domain.CategorySelfCare, Description: name + " helps."}
}

func candidate(id, name string) domain.ConditionCandidate {
	return domain.ConditionCandidate{ConditionID: id, Name: name}
}

func optionByName(options []domain.TreatmentOption, name string) (domain.TreatmentOption, bool) {
	for _, o := range options {
		if o.Name == name {
			return o, true
		}
	}
	return domain.TreatmentOption{}, false
}

func TestTreatmentRetriever_PenicillinAllergy(t *testing.T) {
	catalog, err := knowledge.LoadDefault()
	require.NoError(t, err)
	r := NewTreatmentRetrieverService(catalog, catalog, domain.TreatmentConfig{}, testLogger())

	patient := domain.PatientContext{Age: 40, Allergies: []string{"Penicillin"}}
	plan, err := r.Retrieve(context.Background(), []domain.ConditionCandidate{candidate("pneumonia", "Pneumonia")}, patient, domain.TierUrgent)
	require.NoError(t, err)

	amoxicillin, ok := optionByName(plan.Alternatives, "Amoxicillin")
	require.True(t, ok, "contraindicated options are kept as alternatives")
	assert.Equal(t, domain.StatusContraindicated, amoxicillin.Status)
	assert.Equal(t, domain.TreatmentAlternative, amoxicillin.Tier)
	assert.Contains(t, amoxicillin.Rationale, "patient allergy to Penicillin")
	assert.Equal(t, "WHO_PNEUMONIA_2019", amoxicillin.Source)
	assert.Equal(t, "pneumonia", amoxicillin.ConditionID)

	assert.Equal(t, []string{"Azithromycin"}, amoxicillin.SuggestedAlternatives)

	_, ok = optionByName(plan.Primary, "Amoxicillin")
	assert.False(t, ok)

	require.Len(t, plan.Primary, 3)
	assert.Equal(t, "Azithromycin", plan.Primary[0].Name)
	assert.Equal(t, domain.StatusSafe, plan.Primary[0].Status)
	assert.Equal(t, "Macrolide alternative for penicillin-allergic patients for Pneumonia", plan.Primary[0].Rationale)
	for _, o := range plan.Primary {
		assert.Equal(t, domain.StatusSafe, o.Status)
		assert.Equal(t, domain.TreatmentPrimary, o.Tier)
	}
}

func TestTreatmentRetriever_SafetyChecks(t *testing.T) {
	ibuprofen := domain.TreatmentEntry{
		Name:        "Ibuprofen",
		Category:    domain.CategoryMedication,
		Description: "Analgesic.",
		DrugClass:   "nsaid",
		Ingredients: []string{"ibuprofen"},
	}
	drugs := fakeDrugs{
		classes: map[string][]string{"warfarin": {"anticoagulant"}, "ibuprofen": {"nsaid"}},
		interactions: []domain.DrugInteraction{
			{DrugA: "anticoagulant", DrugB: "nsaid", Severity: domain.InteractionMajor, Description: "increased bleeding risk"},
			{DrugA: "nsaid", DrugB: "lisinopril", Severity: domain.InteractionModerate, Description: "reduced antihypertensive effect"},
		},
	}

	tests := []struct {
		name     string
		entry    domain.TreatmentEntry
		patient  domain.PatientContext
		status   domain.SafetyStatus
		contains string
	}{
		{
			name:    "no findings",
			entry:   ibuprofen,
			patient: domain.PatientContext{Age: 30},
			status:  domain.StatusSafe,
		},
		{
			name:     "interaction through drug class",
			entry:    ibuprofen,
			patient:  domain.PatientContext{Age: 30, CurrentMedications: []string{"Warfarin"}},
			status:   domain.StatusContraindicated,
			contains: "major interaction with current medication Warfarin: increased bleeding risk",
		},
		{
			name:     "interaction listed in reverse order",
			entry:    ibuprofen,
			patient:  domain.PatientContext{Age: 30, CurrentMedications: []string{"lisinopril"}},
			status:   domain.StatusCaution,
			contains: "moderate interaction with current medication lisinopril",
		},
		{
			name:     "allergy to drug class",
			entry:    ibuprofen,
			patient:  domain.PatientContext{Age: 30, Allergies: []string{"NSAIDs"}},
			status:   domain.StatusContraindicated,
			contains: "patient allergy to NSAIDs conflicts with nsaid",
		},
		{
			name:     "below minimum age",
			entry:    domain.TreatmentEntry{Name: "Lozenges", Category: domain.CategorySelfCare, MinAge: intPtr(4)},
			patient:  domain.PatientContext{Age: 2},
			status:   domain.StatusContraindicated,
			contains: "not recommended under age 4",
		},
		{
			name:     "above maximum age",
			entry:    domain.TreatmentEntry{Name: "Growth Therapy", Category: domain.CategoryTherapy, MaxAge: intPtr(18)},
			patient:  domain.PatientContext{Age: 40},
			status:   domain.StatusContraindicated,
			contains: "not recommended over age 18",
		},
		{
			name:     "caution age",
			entry:    domain.TreatmentEntry{Name: "Sedative", Category: domain.CategoryMedication, CautionAgeAbove: intPtr(65)},
			patient:  domain.PatientContext{Age: 70},
			status:   domain.StatusCaution,
			contains: "use with caution from age 65",
		},
		{
			name: "history contraindication",
			entry: domain.TreatmentEntry{
				Name:                     "Acetaminophen",
				Category:                 domain.CategoryMedication,
				HistoryContraindications: []string{"liver disease"},
			},
			patient:  domain.PatientContext{Age: 50, MedicalHistory: []string{"chronic liver disease"}},
			status:   domain.StatusContraindicated,
			contains: "medical history of chronic liver disease (liver disease)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewTreatmentRetrieverService(fakeGuidelines{"c": guideline("c", tt.entry)}, drugs, domain.TreatmentConfig{}, testLogger())

			plan, err := r.Retrieve(context.Background(), []domain.ConditionCandidate{candidate("c", "Condition C")}, tt.patient, domain.TierLow)
			require.NoError(t, err)

			ordered := plan.Ordered()
			require.Len(t, ordered, 1)
			assert.Equal(t, tt.status, ordered[0].Status)
			if tt.contains != "" {
				assert.Contains(t, ordered[0].Rationale, tt.contains)
			}
			if tt.status == domain.StatusSafe {
				assert.Len(t, plan.Primary, 1)
			} else {
				assert.Len(t, plan.Alternatives, 1)
			}
		})
	}
}

func TestTreatmentRetriever_SuggestedAlternatives(t *testing.T) {
	ibuprofen := domain.TreatmentEntry{Name: "Ibuprofen", Category: domain.CategoryMedication, DrugClass: "nsaid", Ingredients: []string{"ibuprofen"}}
	acetaminophen := domain.TreatmentEntry{Name: "Acetaminophen", Category: domain.CategoryMedication, DrugClass: "analgesic"}
	drugs := fakeDrugs{
		classes: map[string][]string{
			"ibuprofen": {"nsaid"},
			"naproxen":  {"nsaid"},
			"celecoxib": {"nsaid"},
			"warfarin":  {"anticoagulant"},
		},
		interactions: []domain.DrugInteraction{
			{DrugA: "anticoagulant", DrugB: "nsaid", Severity: domain.InteractionMajor, Description: "increased bleeding risk"},
		},
	}
	guidelines := fakeGuidelines{"c": guideline("c", ibuprofen, acetaminophen, selfCare("Rest"))}
	r := NewTreatmentRetrieverService(guidelines, drugs, domain.TreatmentConfig{}, testLogger())

	tests := []struct {
		name     string
		patient  domain.PatientContext
		expected []string
	}{
		{
			name:     "same class first when only the drug itself is a problem",
			patient:  domain.PatientContext{Age: 30, Allergies: []string{"ibuprofen"}},
			expected: []string{"celecoxib", "naproxen", "Acetaminophen"},
		},
		{
			name:     "class members sharing the interaction are skipped",
			patient:  domain.PatientContext{Age: 30, CurrentMedications: []string{"warfarin"}},
			expected: []string{"Acetaminophen"},
		},
		{
			name:     "class allergy rules out the whole class",
			patient:  domain.PatientContext{Age: 30, Allergies: []string{"NSAIDs"}},
			expected: []string{"Acetaminophen"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := r.Retrieve(context.Background(), []domain.ConditionCandidate{candidate("c", "Condition C")}, tt.patient, domain.TierLow)
			require.NoError(t, err)

			opt, ok := optionByName(plan.Alternatives, "Ibuprofen")
			require.True(t, ok)
			assert.Equal(t, domain.StatusContraindicated, opt.Status)
			assert.Equal(t, tt.expected, opt.SuggestedAlternatives)

			for _, o := range plan.Primary {
				assert.Empty(t, o.SuggestedAlternatives, "only contraindicated medications get suggestions")
			}
		})
	}
}

func TestTreatmentRetriever_CheckMedications(t *testing.T) {
	catalog, err := knowledge.LoadDefault()
	require.NoError(t, err)
	r := NewTreatmentRetrieverService(catalog, catalog, domain.TreatmentConfig{}, testLogger())

	found := r.CheckMedications([]string{"Warfarin", "Aspirin", "Sertraline", "Lisinopril", "ibuprofen"})
	require.Len(t, found, 4)

	type pair struct {
		a, b     string
		severity domain.InteractionSeverity
	}
	var got []pair
	for _, f := range found {
		got = append(got, pair{f.DrugA, f.DrugB, f.Severity})
	}
	assert.Equal(t, []pair{
		{"Warfarin", "Aspirin", domain.InteractionMajor},
		{"Warfarin", "ibuprofen", domain.InteractionMajor},
		{"Aspirin", "Lisinopril", domain.InteractionModerate},
		{"Lisinopril", "ibuprofen", domain.InteractionModerate},
	}, got)
	assert.Equal(t, "increased bleeding risk", found[0].Description)

	assert.Empty(t, r.CheckMedications([]string{"warfarin", "Warfarin"}), "a drug never interacts with itself")
	assert.Empty(t, r.CheckMedications([]string{"sertraline"}))

	statin := r.CheckMedications([]string{"clarithromycin", "atorvastatin"})
	require.Len(t, statin, 1)
	assert.Equal(t, domain.InteractionContraindicated, statin[0].Severity)

	noTable := NewTreatmentRetrieverService(catalog, nil, domain.TreatmentConfig{}, testLogger())
	assert.Nil(t, noTable.CheckMedications([]string{"warfarin", "aspirin"}))
}

func TestTreatmentRetriever_EmergencyReferral(t *testing.T) {
	guidelines := fakeGuidelines{
		"acs": guideline("acs", selfCare("Sit Down and Rest"), domain.TreatmentEntry{
			Name:             "Aspirin",
			Category:         domain.CategoryMedication,
			Description:      "Chew aspirin.",
			AllergyConflicts: []string{"aspirin"},
		}, domain.TreatmentEntry{
			Name:        "Nitroglycerin",
			Category:    domain.CategoryMedication,
			Description: "Sublingual nitrate.",
		}),
	}
	r := NewTreatmentRetrieverService(guidelines, nil, domain.TreatmentConfig{}, testLogger())

	plan, err := r.Retrieve(context.Background(), []domain.ConditionCandidate{candidate("acs", "ACS")},
		domain.PatientContext{Age: 60, Allergies: []string{"aspirin"}}, domain.TierEmergency)
	require.NoError(t, err)

	require.Len(t, plan.Primary, 1)
	referral := plan.Primary[0]
	assert.Equal(t, EmergencyReferralName, referral.Name)
	assert.Equal(t, domain.CategoryReferral, referral.Category)
	assert.Equal(t, EmergencyProtocolSource, referral.Source)
	assert.Equal(t, domain.StatusSafe, referral.Status)

	require.Len(t, plan.Alternatives, 3)
	rest := plan.Alternatives[0]
	assert.Equal(t, "Sit Down and Rest", rest.Name)
	assert.Equal(t, domain.StatusCaution, rest.Status)
	assert.True(t, strings.HasSuffix(rest.Rationale, "; defer until emergency evaluation"))

	aspirin := plan.Alternatives[1]
	assert.Equal(t, domain.StatusContraindicated, aspirin.Status, "contraindications are never softened")
	assert.NotContains(t, aspirin.Rationale, "defer until emergency evaluation")

	nitro := plan.Alternatives[2]
	assert.Equal(t, domain.CategoryMedication, nitro.Category)
	assert.Equal(t, domain.StatusCaution, nitro.Status, "safe medications wait for the evaluation too")
	assert.Equal(t, "Sublingual nitrate for ACS; defer until emergency evaluation", nitro.Rationale)
}

func TestTreatmentRetriever_Selection(t *testing.T) {
	guidelines := fakeGuidelines{
		"a": guideline("a", selfCare("Rest and Fluids"), selfCare("Steam")),
		"b": guideline("b", selfCare("rest and fluids"), selfCare("Humidifier"), selfCare("Gargle")),
		"c": guideline("c", selfCare("Walks")),
		"d": guideline("d", selfCare("Never Reached")),
	}
	r := NewTreatmentRetrieverService(guidelines, nil, domain.TreatmentConfig{}, testLogger())

	candidates := []domain.ConditionCandidate{candidate("a", "A"), candidate("missing", "Missing"), candidate("b", "B"), candidate("d", "D")}
	plan, err := r.Retrieve(context.Background(), candidates, domain.PatientContext{Age: 30}, domain.TierLow)
	require.NoError(t, err)

	var names []string
	for _, o := range plan.Ordered() {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"Rest and Fluids", "Steam", "Humidifier", "Gargle"}, names,
		"duplicates are dropped and the walk stops at the third candidate")
	assert.Len(t, plan.Primary, 3)
	assert.Len(t, plan.Alternatives, 1)
	assert.Equal(t, "a", plan.Primary[0].ConditionID)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "missing", plan.Skipped[0].ConditionID)
	var noGuideline *domain.NoGuidelineError
	assert.True(t, errors.As(error(plan.Skipped[0]), &noGuideline))
}

func TestTreatmentRetriever_EmptyCandidates(t *testing.T) {
	r := NewTreatmentRetrieverService(fakeGuidelines{}, nil, domain.TreatmentConfig{}, testLogger())

	plan, err := r.Retrieve(context.Background(), nil, domain.PatientContext{Age: 30}, domain.TierModerate)
	require.NoError(t, err)
	assert.NotNil(t, plan.Primary)
	assert.NotNil(t, plan.Alternatives)
	assert.Empty(t, plan.Ordered())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Retrieve(ctx, nil, domain.PatientContext{}, domain.TierLow)
	assert.ErrorIs(t, err, context.Canceled)
}
