package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// Capability names used for breakers, logs and metrics
const (
	CapabilityEmbedding      = "embedding"
	CapabilityClassification = "classification"
)

// newBreaker builds the breaker shared by the resilient wrappers. Caller
// cancellation is not counted as a capability failure.
func newBreaker(name string, config domain.BreakerConfig, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 3
	}
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
	})
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// breakerError maps breaker rejections onto ErrTransient so the normalizer
// retries once and then degrades the symptom instead of failing the request.
func breakerError(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit breaker: %w", domain.ErrTransient, name, err)
	}
	return err
}

// ResilientEmbedder wraps an Embedder with caching, rate limiting and a
// circuit breaker.
type ResilientEmbedder struct {
	inner    domain.Embedder
	model    string
	cache    *EmbeddingCache
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	observer domain.PipelineObserver
	logger   *logrus.Logger
}

// NewResilientEmbedder creates the wrapper. cache may be nil.
func NewResilientEmbedder(inner domain.Embedder, config domain.EmbeddingConfig, cache *EmbeddingCache, logger *logrus.Logger) *ResilientEmbedder {
	return &ResilientEmbedder{
		inner:   inner,
		model:   config.Model,
		cache:   cache,
		breaker: newBreaker(CapabilityEmbedding, config.Breaker, logger),
		limiter: newLimiter(config.RateLimit, config.Burst),
		logger:  logger,
	}
}

// SetObserver registers a sink for capability failures
func (r *ResilientEmbedder) SetObserver(observer domain.PipelineObserver) {
	r.observer = observer
}

// Dimension returns the dimension of the wrapped embedder
func (r *ResilientEmbedder) Dimension() int {
	return r.inner.Dimension()
}

// State returns the current breaker state
func (r *ResilientEmbedder) State() gobreaker.State {
	return r.breaker.State()
}

// Embed returns a cached vector when available, otherwise calls the wrapped
// embedder through the limiter and breaker.
func (r *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	key := Key(r.model, text)
	if r.cache != nil {
		if vec, ok := r.cache.Get(ctx, key); ok {
			return vec, nil
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.Embed(ctx, text)
	})
	if err != nil {
		if r.observer != nil && !errors.Is(err, context.Canceled) {
			r.observer.ObserveCapabilityError(CapabilityEmbedding)
		}
		return nil, breakerError(CapabilityEmbedding, err)
	}

	vec := result.([]float64)
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, vec); err != nil {
			r.logger.WithError(err).Warn("Failed to cache embedding")
		}
	}
	return vec, nil
}

// ResilientClassifier wraps a TextClassifier with rate limiting and a circuit breaker.
type ResilientClassifier struct {
	inner    domain.TextClassifier
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	observer domain.PipelineObserver
}

// NewResilientClassifier creates the wrapper
func NewResilientClassifier(inner domain.TextClassifier, config domain.EmbeddingConfig, logger *logrus.Logger) *ResilientClassifier {
	return &ResilientClassifier{
		inner:   inner,
		breaker: newBreaker(CapabilityClassification, config.Breaker, logger),
		limiter: newLimiter(config.RateLimit, config.Burst),
	}
}

// SetObserver registers a sink for capability failures
func (r *ResilientClassifier) SetObserver(observer domain.PipelineObserver) {
	r.observer = observer
}

// State returns the current breaker state
func (r *ResilientClassifier) State() gobreaker.State {
	return r.breaker.State()
}

// Classify calls the wrapped classifier through the limiter and breaker.
func (r *ResilientClassifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Classification{}, fmt.Errorf("rate limit wait failed: %w", err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.Classify(ctx, text)
	})
	if err != nil {
		if r.observer != nil && !errors.Is(err, context.Canceled) {
			r.observer.ObserveCapabilityError(CapabilityClassification)
		}
		return domain.Classification{}, breakerError(CapabilityClassification, err)
	}
	return result.(domain.Classification), nil
}
