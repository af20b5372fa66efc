package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/embedding"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

func TestNormalizerService_Normalize(t *testing.T) {
	catalog, err := knowledge.LoadDefault()
	require.NoError(t, err)
	embedder, err := embedding.NewHashingEmbedder(embedding.DefaultDimension)
	require.NoError(t, err)

	n := NewNormalizerService(embedder, embedding.NewKeywordClassifier(nil), catalog, domain.NormalizerConfig{}, testLogger())

	symptoms := []domain.Symptom{
		{Name: "SOB", Severity: "Moderate", Duration: "2 days"},
		{Name: "Throwing up", Severity: domain.SeverityMild},
		{Name: "Headache", Severity: domain.SeveritySevere, Location: "forehead"},
	}
	res, err := n.Normalize(context.Background(), symptoms, domain.PatientContext{Age: 30})
	require.NoError(t, err)
	require.Len(t, res.Canonical, 3)
	assert.Empty(t, res.Unclassified)

	first := res.Canonical[0]
	assert.Equal(t, 0, first.SourceIndex)
	assert.Equal(t, "shortness of breath", first.Name)
	assert.Equal(t, domain.SeverityModerate, first.Severity)
	assert.Equal(t, "shortness of breath moderate", first.Text)
	assert.Equal(t, "respiratory", first.Label)
	assert.InDelta(t, 0.9, first.Confidence, 1e-9)
	assert.Len(t, first.Embedding, embedding.DefaultDimension)

	assert.Equal(t, "vomiting", res.Canonical[1].Name)
	assert.Equal(t, "gastrointestinal", res.Canonical[1].Label)
	assert.Equal(t, "headache severe forehead", res.Canonical[2].Text)
	assert.Equal(t, 2, res.Canonical[2].SourceIndex)
}

func TestNormalizerService_EmptyInput(t *testing.T) {
	embedder, err := embedding.NewHashingEmbedder(64)
	require.NoError(t, err)
	n := NewNormalizerService(embedder, embedding.NewKeywordClassifier(nil), nil, domain.NormalizerConfig{}, testLogger())

	res, err := n.Normalize(context.Background(), nil, domain.PatientContext{})
	require.NoError(t, err)
	assert.NotNil(t, res.Canonical)
	assert.Empty(t, res.Canonical)
	assert.Empty(t, res.Unclassified)
}

func TestNormalizerService_RetriesTransientOnce(t *testing.T) {
	vec := []float64{1, 0, 0}
	transient := fmt.Errorf("%w: upstream busy", domain.ErrTransient)

	t.Run("recovers on second attempt", func(t *testing.T) {
		embedder := new(MockEmbedder)
		embedder.On("Embed", mock.Anything, "cough mild").Return(nil, transient).Once()
		embedder.On("Embed", mock.Anything, "cough mild").Return(vec, nil).Once()
		embedder.On("Dimension").Return(3)
		classifier := new(MockClassifier)
		classifier.On("Classify", mock.Anything, "cough mild").Return(domain.Classification{Label: "respiratory", Confidence: 0.8}, nil)

		n := NewNormalizerService(embedder, classifier, nil, domain.NormalizerConfig{}, testLogger())
		res, err := n.Normalize(context.Background(), []domain.Symptom{{Name: "Cough", Severity: "mild"}}, domain.PatientContext{})

		require.NoError(t, err)
		require.Len(t, res.Canonical, 1)
		assert.Equal(t, vec, res.Canonical[0].Embedding)
		embedder.AssertNumberOfCalls(t, "Embed", 2)
		classifier.AssertExpectations(t)
	})

	t.Run("gives up after second failure", func(t *testing.T) {
		embedder := new(MockEmbedder)
		embedder.On("Embed", mock.Anything, "cough mild").Return(nil, transient)
		embedder.On("Dimension").Return(3)
		classifier := new(MockClassifier)

		n := NewNormalizerService(embedder, classifier, nil, domain.NormalizerConfig{}, testLogger())
		res, err := n.Normalize(context.Background(), []domain.Symptom{{Name: "Cough", Severity: "mild"}}, domain.PatientContext{})

		require.NoError(t, err)
		assert.Empty(t, res.Canonical)
		require.Len(t, res.Unclassified, 1)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, StageEmbed, res.Errors[0].Stage)
		assert.True(t, errors.Is(res.Errors[0], domain.ErrTransient))
		embedder.AssertNumberOfCalls(t, "Embed", 2)
		classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		embedder := new(MockEmbedder)
		embedder.On("Embed", mock.Anything, "cough mild").Return(nil, errors.New("bad request"))
		embedder.On("Dimension").Return(3)

		n := NewNormalizerService(embedder, new(MockClassifier), nil, domain.NormalizerConfig{}, testLogger())
		res, err := n.Normalize(context.Background(), []domain.Symptom{{Name: "Cough", Severity: "mild"}}, domain.PatientContext{})

		require.NoError(t, err)
		require.Len(t, res.Unclassified, 1)
		assert.Contains(t, res.Unclassified[0].Reason, "bad request")
		embedder.AssertNumberOfCalls(t, "Embed", 1)
	})
}

func TestNormalizerService_PerSymptomFailures(t *testing.T) {
	tests := []struct {
		name      string
		embedder  domain.Embedder
		class     domain.Classification
		wantStage string
		wantErr   error
	}{
		{
			name:      "dimension mismatch",
			embedder:  &funcEmbedder{dim: 4, fn: func(context.Context, string) ([]float64, error) { return []float64{1, 0}, nil }},
			class:     domain.Classification{Label: "general", Confidence: 0.5},
			wantStage: StageEmbed,
			wantErr:   domain.ErrDimensionMismatch,
		},
		{
			name:      "confidence above one",
			embedder:  &funcEmbedder{dim: 2, fn: func(context.Context, string) ([]float64, error) { return []float64{1, 0}, nil }},
			class:     domain.Classification{Label: "general", Confidence: 1.5},
			wantStage: StageClassify,
		},
		{
			name:      "negative confidence",
			embedder:  &funcEmbedder{dim: 2, fn: func(context.Context, string) ([]float64, error) { return []float64{1, 0}, nil }},
			class:     domain.Classification{Label: "general", Confidence: -0.1},
			wantStage: StageClassify,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := new(MockClassifier)
			classifier.On("Classify", mock.Anything, mock.Anything).Return(tt.class, nil)

			n := NewNormalizerService(tt.embedder, classifier, nil, domain.NormalizerConfig{}, testLogger())
			res, err := n.Normalize(context.Background(), []domain.Symptom{{Name: "itch", Severity: "mild"}}, domain.PatientContext{})

			require.NoError(t, err)
			assert.Empty(t, res.Canonical)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.wantStage, res.Errors[0].Stage)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(res.Errors[0], tt.wantErr))
			}
			require.Len(t, res.Unclassified, 1)
			assert.Equal(t, "itch", res.Unclassified[0].Name)
		})
	}
}

func TestNormalizerService_PartialFailureKeepsOrder(t *testing.T) {
	embedder := &funcEmbedder{dim: 2, fn: func(_ context.Context, text string) ([]float64, error) {
		if text == "broken mild" {
			return nil, errors.New("cannot embed")
		}
		return []float64{0.6, 0.8}, nil
	}}
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(domain.Classification{Label: "general", Confidence: 0.4}, nil)

	n := NewNormalizerService(embedder, classifier, nil, domain.NormalizerConfig{MaxConcurrency: 2}, testLogger())
	symptoms := []domain.Symptom{
		{Name: "first", Severity: "mild"},
		{Name: "broken", Severity: "mild"},
		{Name: "third", Severity: "mild"},
	}
	res, err := n.Normalize(context.Background(), symptoms, domain.PatientContext{})
	require.NoError(t, err)

	require.Len(t, res.Canonical, 2)
	assert.Equal(t, 0, res.Canonical[0].SourceIndex)
	assert.Equal(t, 2, res.Canonical[1].SourceIndex)
	require.Len(t, res.Unclassified, 1)
	assert.Equal(t, 1, res.Unclassified[0].SourceIndex)
	assert.Equal(t, "broken", res.Unclassified[0].Name)
}

func TestNormalizerService_CallTimeout(t *testing.T) {
	calls := 0
	embedder := &funcEmbedder{dim: 2, fn: func(ctx context.Context, _ string) ([]float64, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	n := NewNormalizerService(embedder, new(MockClassifier), nil, domain.NormalizerConfig{CallTimeout: 20 * time.Millisecond}, testLogger())
	res, err := n.Normalize(context.Background(), []domain.Symptom{{Name: "slow", Severity: "mild"}}, domain.PatientContext{})

	require.NoError(t, err, "a per-call timeout only affects its own symptom")
	require.Len(t, res.Unclassified, 1)
	assert.True(t, errors.Is(res.Errors[0], context.DeadlineExceeded))
	assert.Equal(t, 2, calls, "timeouts are retried once")
}

func TestNormalizerService_Cancellation(t *testing.T) {
	embedder, err := embedding.NewHashingEmbedder(64)
	require.NoError(t, err)
	n := NewNormalizerService(embedder, embedding.NewKeywordClassifier(nil), nil, domain.NormalizerConfig{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := n.Normalize(ctx, []domain.Symptom{{Name: "cough", Severity: "mild"}}, domain.PatientContext{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSymptomText(t *testing.T) {
	assert.Equal(t, "chest pain severe left side crushing", SymptomText("chest pain", domain.SeveritySevere, " left side ", "crushing"))
	assert.Equal(t, "cough mild", SymptomText("cough", domain.SeverityMild, "", "  "))
}
