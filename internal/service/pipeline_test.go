package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/embedding"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

// newPipeline wires the real agents over the given catalog with the local
// embedding and classification capabilities.
func newPipeline(t *testing.T, catalog *knowledge.Catalog) *Coordinator {
	t.Helper()
	logger := testLogger()

	embedder, err := embedding.NewHashingEmbedder(embedding.DefaultDimension)
	require.NoError(t, err)

	matcher, err := NewConditionMatcherService(context.Background(), catalog, embedder, defaultMatcherConfig(), logger)
	require.NoError(t, err)

	c, err := NewCoordinator(Agents{
		Normalizer: NewNormalizerService(embedder, embedding.NewKeywordClassifier(nil), catalog, domain.NormalizerConfig{}, logger),
		Matcher:    matcher,
		Detector:   NewUrgencyDetectorService(catalog, defaultUrgencyConfig(), logger),
		Retriever:  NewTreatmentRetrieverService(catalog, catalog, domain.TreatmentConfig{}, logger),
		Quantifier: NewUncertaintyService(defaultUncertaintyConfig()),
		Knowledge:  catalog,
		RequestIDs: func() string { return "pipeline" },
		Clock:      func() time.Time { return fixedTime },
	}, logger)
	require.NoError(t, err)
	return c
}

func defaultPipeline(t *testing.T) *Coordinator {
	t.Helper()
	catalog, err := knowledge.LoadDefault()
	require.NoError(t, err)
	return newPipeline(t, catalog)
}

func pneumoniaRequest() domain.DiagnosisRequest {
	return domain.DiagnosisRequest{
		Symptoms: []domain.Symptom{
			{Name: "productive cough", Severity: domain.SeverityModerate, Duration: "4 days"},
			{Name: "high fever", Severity: domain.SeverityModerate},
			{Name: "chest pain when breathing", Severity: domain.SeverityModerate},
		},
		Patient: domain.PatientContext{Age: 40, Allergies: []string{"penicillin"}},
	}
}

func assertRanked(t *testing.T, candidates []domain.ConditionCandidate) {
	t.Helper()
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Score, candidates[i].Score)
	}
}

func TestPipeline_SevereChestPain(t *testing.T) {
	c := defaultPipeline(t)

	res, err := c.Diagnose(context.Background(), domain.DiagnosisRequest{
		Symptoms: []domain.Symptom{{Name: "chest pain", Severity: domain.SeveritySevere}},
		Patient:  domain.PatientContext{Age: 55},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TierEmergency, res.Urgency.Tier)
	assert.InDelta(t, 1.9, res.Urgency.Score, 1e-9)
	assert.Equal(t, []string{"acs_chest_pain_severe", "chest_pain_any", "severe_symptom_reported"}, res.Urgency.RuleIDs())
	assert.Equal(t, "Seek immediate emergency medical care (call 911)", res.RecommendedAction)

	require.NotEmpty(t, res.Explanation)
	assert.Equal(t, domain.StepOverride, res.Explanation[0].Kind)

	require.NotEmpty(t, res.Conditions)
	assert.Equal(t, "acute_coronary_syndrome", res.Conditions[0].ConditionID)
	assertRanked(t, res.Conditions)

	require.NotEmpty(t, res.Treatments)
	assert.Equal(t, EmergencyReferralName, res.Treatments[0].Name)
	for _, o := range res.Treatments[1:] {
		assert.NotEqual(t, domain.StatusSafe, o.Status, "everything else waits for the emergency evaluation")
	}
	assert.Contains(t, res.SystemsAffected, "cardiovascular")
	assert.NotEmpty(t, res.WarningSigns)
}

func TestPipeline_MildCold(t *testing.T) {
	c := defaultPipeline(t)

	res, err := c.Diagnose(context.Background(), domain.DiagnosisRequest{
		Symptoms: []domain.Symptom{{Name: "runny nose", Severity: domain.SeverityMild, Duration: "2 days"}},
		Patient:  domain.PatientContext{Age: 30},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TierLow, res.Urgency.Tier)
	assert.Empty(t, res.Urgency.TriggeredRules)

	require.GreaterOrEqual(t, len(res.Conditions), 2)
	assert.Equal(t, "common_cold", res.Conditions[0].ConditionID)
	assert.Equal(t, "allergic_rhinitis", res.Conditions[1].ConditionID)
	assert.InDelta(t, 0.61, res.Conditions[0].Score, 0.01)
	assert.InDelta(t, 0.64, res.Conditions[0].Confidence, 0.01)
	assertRanked(t, res.Conditions)

	assert.False(t, res.Uncertainty.LowConfidence())
	assert.Equal(t, "Monitor symptoms and seek care if they worsen or persist", res.RecommendedAction)
	assert.Equal(t, []string{"respiratory"}, res.SystemsAffected)

	rest, ok := optionByName(res.Treatments, "Rest and Fluids")
	require.True(t, ok)
	assert.Equal(t, domain.TreatmentPrimary, rest.Tier)
	assert.Equal(t, domain.StatusSafe, rest.Status)
}

func TestPipeline_CurrentMedicationInteractions(t *testing.T) {
	c := defaultPipeline(t)

	res, err := c.Diagnose(context.Background(), domain.DiagnosisRequest{
		Symptoms: []domain.Symptom{{Name: "runny nose", Severity: domain.SeverityMild, Duration: "2 days"}},
		Patient:  domain.PatientContext{Age: 30, CurrentMedications: []string{"Warfarin", "Ibuprofen"}},
	})
	require.NoError(t, err)

	require.Len(t, res.MedicationAlerts, 1)
	alert := res.MedicationAlerts[0]
	assert.Equal(t, "Warfarin", alert.DrugA)
	assert.Equal(t, "Ibuprofen", alert.DrugB)
	assert.Equal(t, domain.InteractionMajor, alert.Severity)
	caveat := "Current medications Warfarin and Ibuprofen have a major interaction (increased bleeding risk). Review them with a pharmacist or doctor."
	assert.Contains(t, res.Caveats, caveat)
	var found bool
	for _, step := range res.Explanation {
		if step.Message == caveat {
			found = true
			assert.Equal(t, domain.AgentTreatment, step.Agent)
			assert.Equal(t, domain.StepCaveat, step.Kind)
		}
	}
	assert.True(t, found, "medication caveat is part of the explanation")
}

func TestPipeline_PenicillinAllergy(t *testing.T) {
	c := defaultPipeline(t)

	res, err := c.Diagnose(context.Background(), pneumoniaRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.TierUrgent, res.Urgency.Tier)
	require.NotEmpty(t, res.Conditions)
	assert.Equal(t, "pneumonia", res.Conditions[0].ConditionID)
	assertRanked(t, res.Conditions)

	amoxicillin, ok := optionByName(res.Treatments, "Amoxicillin")
	require.True(t, ok)
	assert.Equal(t, domain.StatusContraindicated, amoxicillin.Status)
	assert.Equal(t, domain.TreatmentAlternative, amoxicillin.Tier)
	assert.Contains(t, amoxicillin.Rationale, "penicillin")

	for _, o := range res.Treatments {
		if o.Tier == domain.TreatmentPrimary {
			assert.Equal(t, domain.StatusSafe, o.Status)
		}
	}
}

func TestPipeline_EmptyKnowledgeBase(t *testing.T) {
	seed, err := knowledge.DefaultSeed()
	require.NoError(t, err)
	seed.Conditions = nil
	seed.Guidelines = nil
	catalog, err := knowledge.NewCatalog(seed)
	require.NoError(t, err)

	c := newPipeline(t, catalog)
	res, err := c.Diagnose(context.Background(), domain.DiagnosisRequest{
		Symptoms: []domain.Symptom{{Name: "chest pain", Severity: domain.SeveritySevere}},
		Patient:  domain.PatientContext{Age: 55},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateComplete, res.State)
	assert.Equal(t, domain.TierEmergency, res.Urgency.Tier, "red flags do not depend on the condition catalogue")
	assert.NotNil(t, res.Conditions)
	assert.Empty(t, res.Conditions)
	assert.Contains(t, res.Caveats, "No matching condition data was found (knowledge base contains no conditions). Please seek professional medical evaluation.")
	assert.True(t, res.Uncertainty.LowConfidence())
	assert.Equal(t, 1.0, res.Uncertainty.Epistemic)
}

func TestPipeline_NoSymptoms(t *testing.T) {
	tests := []struct {
		name  string
		age   int
		tier  domain.UrgencyTier
		rules []string
	}{
		{name: "adult", age: 30, tier: domain.TierLow, rules: []string{}},
		{name: "infant", age: 0, tier: domain.TierModerate, rules: []string{"infant_patient"}},
	}

	c := defaultPipeline(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Diagnose(context.Background(), domain.DiagnosisRequest{Patient: domain.PatientContext{Age: tt.age}})
			require.NoError(t, err)

			assert.Equal(t, tt.tier, res.Urgency.Tier)
			assert.Equal(t, tt.rules, res.Urgency.RuleIDs())
			assert.Empty(t, res.Conditions)
			assert.Empty(t, res.Treatments)
			assert.True(t, res.Uncertainty.LowConfidence())
			assert.Contains(t, res.Caveats, "No matching condition data was found (no classified symptoms to match). Please seek professional medical evaluation.")
		})
	}
}

func TestPipeline_Deterministic(t *testing.T) {
	c := defaultPipeline(t)
	req := pneumoniaRequest()

	first, err := c.Diagnose(context.Background(), req)
	require.NoError(t, err)
	firstTrail, err := json.Marshal(first.Explanation)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		res, err := c.Diagnose(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, res)

		trail, err := json.Marshal(res.Explanation)
		require.NoError(t, err)
		assert.Equal(t, string(firstTrail), string(trail))
	}
}

func TestPipeline_ConcurrentRequests(t *testing.T) {
	c := defaultPipeline(t)
	requests := []domain.DiagnosisRequest{
		pneumoniaRequest(),
		{Symptoms: []domain.Symptom{{Name: "runny nose", Severity: domain.SeverityMild}}, Patient: domain.PatientContext{Age: 30}},
		{Symptoms: []domain.Symptom{{Name: "chest pain", Severity: domain.SeveritySevere}}, Patient: domain.PatientContext{Age: 55}},
		{Symptoms: []domain.Symptom{{Name: "headache", Severity: domain.SeverityModerate}, {Name: "stiff neck", Severity: domain.SeverityModerate}}, Patient: domain.PatientContext{Age: 19}},
	}

	expected := make([]*domain.DiagnosisResult, len(requests))
	for i, req := range requests {
		res, err := c.Diagnose(context.Background(), req)
		require.NoError(t, err)
		expected[i] = res
	}

	var wg sync.WaitGroup
	results := make([]*domain.DiagnosisResult, len(requests)*4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Diagnose(context.Background(), requests[i%len(requests)])
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, expected[i%len(requests)], res)
	}
}
