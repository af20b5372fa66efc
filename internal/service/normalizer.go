package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// Normalization stages reported on NormalizationError
const (
	StageValidate = "validate"
	StageEmbed    = "embed"
	StageClassify = "classify"
)

// NormalizerService implements domain.SymptomNormalizer on top of the
// injected embedding and classification capabilities.
type NormalizerService struct {
	embedder   domain.Embedder
	classifier domain.TextClassifier
	lexicon    domain.Lexicon
	config     domain.NormalizerConfig
	logger     *logrus.Logger
}

// NewNormalizerService creates a normalizer. lexicon may be nil.
func NewNormalizerService(
	embedder domain.Embedder,
	classifier domain.TextClassifier,
	lexicon domain.Lexicon,
	config domain.NormalizerConfig,
	logger *logrus.Logger,
) *NormalizerService {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 2 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	return &NormalizerService{
		embedder:   embedder,
		classifier: classifier,
		lexicon:    lexicon,
		config:     config,
		logger:     logger,
	}
}

// Normalize resolves every symptom independently. A failure affects only its
// own symptom, which is reported as unclassified. Only cancellation of ctx
// aborts the whole call.
func (n *NormalizerService) Normalize(ctx context.Context, symptoms []domain.Symptom, patient domain.PatientContext) (*domain.NormalizationResult, error) {
	type outcome struct {
		canonical *domain.CanonicalSymptom
		err       *domain.NormalizationError
	}

	outcomes := make([]outcome, len(symptoms))
	semaphore := make(chan struct{}, n.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, symptom := range symptoms {
		wg.Add(1)
		go func(index int, s domain.Symptom) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				outcomes[index] = outcome{err: &domain.NormalizationError{Index: index, Symptom: s.Name, Stage: StageValidate, Err: ctx.Err()}}
				return
			}
			cs, err := n.normalizeOne(ctx, index, s)
			outcomes[index] = outcome{canonical: cs, err: err}
		}(i, symptom)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &domain.NormalizationResult{
		Canonical: make([]domain.CanonicalSymptom, 0, len(symptoms)),
	}
	for i, o := range outcomes {
		if o.err != nil {
			result.Errors = append(result.Errors, o.err)
			result.Unclassified = append(result.Unclassified, domain.UnclassifiedSymptom{
				SourceIndex: i,
				Name:        symptoms[i].Name,
				Symptom:     symptoms[i],
				Reason:      o.err.Error(),
			})
			n.logger.WithFields(logrus.Fields{
				"symptom_index": i,
				"symptom":       symptoms[i].Name,
				"stage":         o.err.Stage,
			}).WithError(o.err.Err).Warn("Symptom could not be normalized")
			continue
		}
		result.Canonical = append(result.Canonical, *o.canonical)
	}

	n.logger.WithFields(logrus.Fields{
		"symptoms":     len(symptoms),
		"canonical":    len(result.Canonical),
		"unclassified": len(result.Unclassified),
	}).Debug("Normalized symptoms")

	return result, nil
}

func (n *NormalizerService) normalizeOne(ctx context.Context, index int, s domain.Symptom) (*domain.CanonicalSymptom, *domain.NormalizationError) {
	fail := func(stage string, err error) *domain.NormalizationError {
		return &domain.NormalizationError{Index: index, Symptom: s.Name, Stage: stage, Err: err}
	}

	name := n.canonicalName(s.Name)
	if name == "" {
		return nil, fail(StageValidate, errors.New("symptom name is empty"))
	}
	severity, err := domain.ParseSeverity(string(s.Severity))
	if err != nil {
		return nil, fail(StageValidate, err)
	}

	text := SymptomText(name, severity, s.Location, s.Description)

	var vec []float64
	err = n.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		vec, callErr = n.embedder.Embed(callCtx, text)
		return callErr
	})
	if err != nil {
		return nil, fail(StageEmbed, err)
	}
	if want := n.embedder.Dimension(); len(vec) != want {
		return nil, fail(StageEmbed, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), want))
	}

	var class domain.Classification
	err = n.withRetry(ctx, func(callCtx context.Context) error {
		var callErr error
		class, callErr = n.classifier.Classify(callCtx, text)
		return callErr
	})
	if err != nil {
		return nil, fail(StageClassify, err)
	}
	if class.Confidence < 0 || class.Confidence > 1 {
		return nil, fail(StageClassify, fmt.Errorf("classification confidence %v outside [0,1]", class.Confidence))
	}

	return &domain.CanonicalSymptom{
		SourceIndex: index,
		Name:        name,
		Text:        text,
		Original:    s,
		Severity:    severity,
		Embedding:   vec,
		Label:       class.Label,
		Confidence:  class.Confidence,
	}, nil
}

// withRetry runs call under the per-call timeout. Errors wrapping ErrTransient
// and per-call timeouts are retried once; caller cancellation never is.
func (n *NormalizerService) withRetry(ctx context.Context, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, n.config.CallTimeout)
		err = call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrTransient) && !timedOut {
			return err
		}
	}
	return err
}

func (n *NormalizerService) canonicalName(name string) string {
	if n.lexicon != nil {
		return n.lexicon.Canonical(name)
	}
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// SymptomText joins the parts of a symptom into the single unit that is
// embedded and classified.
func SymptomText(name string, severity domain.Severity, location, description string) string {
	parts := []string{name, string(severity)}
	if l := strings.TrimSpace(location); l != "" {
		parts = append(parts, l)
	}
	if d := strings.TrimSpace(description); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(parts, " ")
}
