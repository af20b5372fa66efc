package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func defaultMatcherConfig() domain.MatcherConfig {
	return domain.MatcherConfig{
		TopK:                      5,
		MinScore:                  0.1,
		PairFloor:                 0.3,
		HistoryBoost:              0.1,
		MaxHistoryMatches:         3,
		AgeDecayPerYear:           0.02,
		AgeFloor:                  0.3,
		SexMismatchMultiplier:     0.1,
		SexPredilectionMultiplier: 1.2,
		OnsetMatchMultiplier:      1.05,
		OnsetMismatchMultiplier:   0.85,
	}
}

func defaultUrgencyConfig() domain.UrgencyConfig {
	return domain.UrgencyConfig{
		ModerateThreshold:  0.25,
		UrgentThreshold:    0.55,
		EmergencyThreshold: 0.95,
		YoungAge:           5,
		ElderlyAge:         65,
		YoungMultiplier:    1.5,
		ElderlyMultiplier:  1.25,
	}
}

func defaultUncertaintyConfig() domain.UncertaintyConfig {
	return domain.UncertaintyConfig{LowConfidenceFloor: 0.5, GapSaturation: 0.3}
}

func intPtr(v int) *int { return &v }

// mapEmbedder returns fixed vectors by text.
type mapEmbedder struct {
	dim     int
	vectors map[string][]float64
	err     error
}

func (e *mapEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return make([]float64, e.dim), nil
}

func (e *mapEmbedder) Dimension() int { return e.dim }

// funcEmbedder delegates to fn.
type funcEmbedder struct {
	dim int
	fn  func(ctx context.Context, text string) ([]float64, error)
}

func (e *funcEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.fn(ctx, text)
}

func (e *funcEmbedder) Dimension() int { return e.dim }

func catalogOf(conditions ...domain.Condition) *knowledge.Catalog {
	catalog, err := knowledge.NewCatalog(&knowledge.Seed{Conditions: conditions})
	if err != nil {
		panic(err)
	}
	return catalog
}

// Mock implementations

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	args := m.Called(ctx, text)
	if v := args.Get(0); v != nil {
		return v.([]float64), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEmbedder) Dimension() int {
	args := m.Called()
	return args.Int(0)
}

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(domain.Classification), args.Error(1)
}

type MockNormalizer struct {
	mock.Mock
}

func (m *MockNormalizer) Normalize(ctx context.Context, symptoms []domain.Symptom, patient domain.PatientContext) (*domain.NormalizationResult, error) {
	args := m.Called(ctx, symptoms, patient)
	if v := args.Get(0); v != nil {
		return v.(*domain.NormalizationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockMatcher struct {
	mock.Mock
}

func (m *MockMatcher) Match(ctx context.Context, symptoms []domain.CanonicalSymptom, patient domain.PatientContext) ([]domain.ConditionCandidate, error) {
	args := m.Called(ctx, symptoms, patient)
	if v := args.Get(0); v != nil {
		return v.([]domain.ConditionCandidate), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Assess(ctx context.Context, input domain.UrgencyInput) (*domain.UrgencyAssessment, error) {
	args := m.Called(ctx, input)
	if v := args.Get(0); v != nil {
		return v.(*domain.UrgencyAssessment), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, candidates []domain.ConditionCandidate, patient domain.PatientContext, tier domain.UrgencyTier) (*domain.TreatmentPlan, error) {
	args := m.Called(ctx, candidates, patient, tier)
	if v := args.Get(0); v != nil {
		return v.(*domain.TreatmentPlan), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockQuantifier struct {
	mock.Mock
}

func (m *MockQuantifier) Quantify(ctx context.Context, input domain.UncertaintyInput) (*domain.UncertaintyProfile, error) {
	args := m.Called(ctx, input)
	if v := args.Get(0); v != nil {
		return v.(*domain.UncertaintyProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) ObserveStage(stage domain.PipelineState, d time.Duration) {
	m.Called(stage, d)
}

func (m *MockObserver) ObserveOutcome(state domain.PipelineState, tier domain.UrgencyTier, unclassified int) {
	m.Called(state, tier, unclassified)
}

func (m *MockObserver) ObserveCapabilityError(capability string) {
	m.Called(capability)
}
