// Package health runs readiness checks against the components an engine
// depends on: the knowledge catalogue, the embedding capability, the audit
// store and the Redis embedding cache.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// State is the outcome of a check.
type State string

const (
	StateHealthy   State = "healthy"
	StateWarning   State = "warning"
	StateUnhealthy State = "unhealthy"
)

// Check probes one component.
type Check interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// ComponentHealth is the result of a single check.
type ComponentHealth struct {
	Name     string                 `json:"name"`
	Status   State                  `json:"status"`
	Message  string                 `json:"message"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Status aggregates every component result. Components are sorted by name.
type Status struct {
	Overall    State             `json:"overall"`
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs registered checks in parallel, each bounded by the timeout.
type Checker struct {
	timeout time.Duration
	logger  *logrus.Logger
	checks  []Check
}

// NewChecker creates a checker. A non-positive timeout defaults to 5s.
func NewChecker(timeout time.Duration, logger *logrus.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout, logger: logger}
}

// Register adds a check. Nil checks are ignored.
func (c *Checker) Register(check Check) {
	if check != nil {
		c.checks = append(c.checks, check)
	}
}

// Run executes every check and derives the overall state: any unhealthy
// component makes the whole unhealthy, any warning downgrades it to warning.
func (c *Checker) Run(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]ComponentHealth, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			start := time.Now()
			result := check.Check(ctx)
			result.Name = check.Name()
			result.Duration = time.Since(start)
			results[i] = result
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	overall := StateHealthy
	var failing []string
	for _, r := range results {
		switch r.Status {
		case StateUnhealthy:
			overall = StateUnhealthy
			failing = append(failing, r.Name)
		case StateWarning:
			if overall == StateHealthy {
				overall = StateWarning
			}
		}
	}

	if c.logger != nil {
		if overall != StateHealthy {
			c.logger.WithFields(logrus.Fields{
				"overall_status":       overall,
				"unhealthy_components": failing,
			}).Warn("Health check completed with issues")
		} else {
			c.logger.Debug("Health check completed successfully")
		}
	}

	return Status{Overall: overall, CheckedAt: time.Now().UTC(), Components: results}
}

func unhealthy(message string, err error) ComponentHealth {
	return ComponentHealth{Status: StateUnhealthy, Message: message, Error: err.Error()}
}

// KnowledgeSource is the part of the catalogue the knowledge check inspects.
type KnowledgeSource interface {
	Acquire(ctx context.Context) (domain.KnowledgeHandle, error)
	Rules() []domain.RedFlagRule
	GuidelineIDs() []string
}

// KnowledgeCheck reports the catalogue sizes. A missing rule set disables
// urgency detection and is unhealthy; an empty condition list only degrades
// matching and is a warning.
type KnowledgeCheck struct {
	Source KnowledgeSource
}

func (k KnowledgeCheck) Name() string { return "knowledge" }

func (k KnowledgeCheck) Check(ctx context.Context) ComponentHealth {
	h, err := k.Source.Acquire(ctx)
	if err != nil {
		return unhealthy("Knowledge base not readable", err)
	}
	defer h.Release()

	conditions, rules := len(h.Conditions()), len(k.Source.Rules())
	result := ComponentHealth{
		Status:  StateHealthy,
		Message: "Knowledge base loaded",
		Metadata: map[string]interface{}{
			"conditions": conditions,
			"guidelines": len(k.Source.GuidelineIDs()),
			"rules":      rules,
		},
	}
	switch {
	case rules == 0:
		result.Status = StateUnhealthy
		result.Message = "Red-flag rule set is empty"
	case conditions == 0:
		result.Status = StateWarning
		result.Message = "Knowledge base contains no conditions"
	}
	return result
}

// EmbeddingCheck embeds a probe phrase and verifies the vector dimension.
type EmbeddingCheck struct {
	Embedder domain.Embedder
}

func (e EmbeddingCheck) Name() string { return "embedding" }

func (e EmbeddingCheck) Check(ctx context.Context) ComponentHealth {
	vec, err := e.Embedder.Embed(ctx, "headache")
	if err != nil {
		if errors.Is(err, domain.ErrTransient) {
			return ComponentHealth{Status: StateWarning, Message: "Embedding capability temporarily unavailable", Error: err.Error()}
		}
		return unhealthy("Embedding capability failed", err)
	}
	if len(vec) != e.Embedder.Dimension() {
		return unhealthy("Embedding dimension mismatch",
			fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), e.Embedder.Dimension()))
	}
	return ComponentHealth{
		Status:   StateHealthy,
		Message:  "Embedding capability responding",
		Metadata: map[string]interface{}{"dimension": len(vec)},
	}
}

// Counter is satisfied by audit stores.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// AuditCheck counts the audit records to prove the store is reachable.
type AuditCheck struct {
	Store Counter
}

func (a AuditCheck) Name() string { return "audit" }

func (a AuditCheck) Check(ctx context.Context) ComponentHealth {
	n, err := a.Store.Count(ctx)
	if err != nil {
		return unhealthy("Audit store not reachable", err)
	}
	return ComponentHealth{
		Status:   StateHealthy,
		Message:  "Audit store reachable",
		Metadata: map[string]interface{}{"records": n},
	}
}

// Pinger is satisfied by the embedding cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheCheck pings the shared embedding cache. Failures are warnings because
// the engine falls back to computing embeddings.
type CacheCheck struct {
	Cache Pinger
}

func (c CacheCheck) Name() string { return "cache" }

func (c CacheCheck) Check(ctx context.Context) ComponentHealth {
	if err := c.Cache.Ping(ctx); err != nil {
		return ComponentHealth{Status: StateWarning, Message: "Embedding cache not reachable", Error: err.Error()}
	}
	return ComponentHealth{Status: StateHealthy, Message: "Embedding cache reachable"}
}
