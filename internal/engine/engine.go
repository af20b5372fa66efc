// Package engine assembles a ready-to-use triage pipeline from configuration:
// capabilities, knowledge source, agents and the audit and metrics sinks.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/audit"
	"github.com/diagnostic-triage-engine/internal/database"
	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/embedding"
	"github.com/diagnostic-triage-engine/internal/health"
	"github.com/diagnostic-triage-engine/internal/knowledge"
	"github.com/diagnostic-triage-engine/internal/metrics"
	"github.com/diagnostic-triage-engine/internal/repository"
	"github.com/diagnostic-triage-engine/internal/service"
	"github.com/diagnostic-triage-engine/pkg/external"
)

// Engine owns every long-lived component of the pipeline.
type Engine struct {
	Coordinator *service.Coordinator
	Catalog     *knowledge.Catalog
	Metrics     *metrics.Collector
	Audit       audit.Store

	embedder domain.Embedder
	cache    *external.EmbeddingCache
	logger   *logrus.Logger
}

// capabilities are the embedder and classifier chosen by embedding.provider.
type capabilities struct {
	embedder   domain.Embedder
	classifier domain.TextClassifier
	cache      *external.EmbeddingCache
}

// NewLogger builds the process logger from the logging configuration.
func NewLogger(config domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// New wires the engine. The returned engine must be closed.
func New(ctx context.Context, config *domain.Config, logger *logrus.Logger) (*Engine, error) {
	catalog, err := LoadCatalog(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(logger)

	caps, err := newCapabilities(config.Embedding, collector, logger)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	store, err := audit.Open(config.Audit)
	if err != nil {
		catalog.Close()
		closeCache(caps.cache)
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	e := &Engine{
		Catalog:  catalog,
		Metrics:  collector,
		Audit:    store,
		embedder: caps.embedder,
		cache:    caps.cache,
		logger:   logger,
	}

	matcher, err := service.NewConditionMatcherService(ctx, catalog, caps.embedder, config.Engine.Matcher, logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to build condition matcher: %w", err)
	}

	e.Coordinator, err = service.NewCoordinator(service.Agents{
		Normalizer: service.NewNormalizerService(caps.embedder, caps.classifier, catalog, config.Engine.Normalizer, logger),
		Matcher:    matcher,
		Detector:   service.NewUrgencyDetectorService(catalog, config.Engine.Urgency, logger),
		Retriever:  service.NewTreatmentRetrieverService(catalog, catalog, config.Engine.Treatment, logger),
		Quantifier: service.NewUncertaintyService(config.Engine.Uncertainty),
		Knowledge:  catalog,
		AuditSink:  store,
		Observer:   collector,
	}, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"provider":   config.Embedding.Provider,
		"knowledge":  config.Knowledge.Source,
		"audit":      config.Audit.Driver,
		"conditions": len(catalog.Conditions()),
		"rules":      len(catalog.Rules()),
	}).Info("Triage engine ready")

	return e, nil
}

// Diagnose runs one request through the coordinator.
func (e *Engine) Diagnose(ctx context.Context, req domain.DiagnosisRequest) (*domain.DiagnosisResult, error) {
	return e.Coordinator.Diagnose(ctx, req)
}

// Health checks every component the engine was wired with.
func (e *Engine) Health(ctx context.Context, timeout time.Duration) health.Status {
	checker := health.NewChecker(timeout, e.logger)
	checker.Register(health.KnowledgeCheck{Source: e.Catalog})
	checker.Register(health.EmbeddingCheck{Embedder: e.embedder})
	checker.Register(health.AuditCheck{Store: e.Audit})
	if e.cache != nil {
		checker.Register(health.CacheCheck{Cache: e.cache})
	}
	return checker.Run(ctx)
}

// Close waits for in-flight knowledge readers, then releases the audit store
// and the embedding cache.
func (e *Engine) Close() error {
	if e.Catalog != nil {
		e.Catalog.Close()
	}
	var firstErr error
	if e.Audit != nil {
		if err := e.Audit.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close audit store: %w", err)
		}
	}
	if err := closeCache(e.cache); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// LoadCatalog builds the knowledge catalog from knowledge.source.
func LoadCatalog(ctx context.Context, config *domain.Config, logger *logrus.Logger) (*knowledge.Catalog, error) {
	switch config.Knowledge.Source {
	case "", "seed":
		catalog, err := knowledge.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load seed knowledge base: %w", err)
		}
		return catalog, nil

	case "postgres":
		db, err := database.NewConnection(ctx, config.Database, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		seed, err := repository.NewKnowledgeRepository(db.Pool, logger).Load(ctx)
		if err != nil {
			return nil, err
		}
		catalog, err := knowledge.NewCatalog(seed)
		if err != nil {
			return nil, fmt.Errorf("stored knowledge base is invalid: %w", err)
		}
		return catalog, nil

	default:
		return nil, fmt.Errorf("unknown knowledge source %q", config.Knowledge.Source)
	}
}

// ClassifierLabels lists the body systems a remote classifier may answer
// with. The catch-all label comes last.
func ClassifierLabels() []string {
	labels := make([]string, 0, len(embedding.DefaultBodySystems)+1)
	for _, s := range embedding.DefaultBodySystems {
		labels = append(labels, s.Label)
	}
	return append(labels, embedding.LabelGeneral)
}

func newCapabilities(config domain.EmbeddingConfig, observer domain.PipelineObserver, logger *logrus.Logger) (capabilities, error) {
	switch config.Provider {
	case "", "local":
		embedder, err := embedding.NewHashingEmbedder(config.ResolvedDimension())
		if err != nil {
			return capabilities{}, err
		}
		return capabilities{
			embedder:   embedder,
			classifier: embedding.NewKeywordClassifier(nil),
		}, nil

	case "openai":
		inner, err := external.NewOpenAIEmbedder(config)
		if err != nil {
			return capabilities{}, err
		}
		innerClassifier, err := external.NewOpenAIClassifier(config, ClassifierLabels())
		if err != nil {
			return capabilities{}, err
		}
		cache, err := external.NewEmbeddingCache(config.Cache)
		if err != nil {
			return capabilities{}, err
		}

		embedder := external.NewResilientEmbedder(inner, config, cache, logger)
		embedder.SetObserver(observer)
		classifier := external.NewResilientClassifier(innerClassifier, config, logger)
		classifier.SetObserver(observer)

		return capabilities{embedder: embedder, classifier: classifier, cache: cache}, nil

	default:
		return capabilities{}, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}
}

func closeCache(cache *external.EmbeddingCache) error {
	if cache == nil {
		return nil
	}
	if err := cache.Close(); err != nil {
		return fmt.Errorf("failed to close embedding cache: %w", err)
	}
	return nil
}
