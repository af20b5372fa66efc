// Package metrics aggregates in-process pipeline signals. Everything is
// append-only; nothing in the engine reads these values to make decisions.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// latencyBuckets are histogram upper bounds in seconds.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Bucket counts observations at or below LE seconds.
type Bucket struct {
	LE    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Histogram is a cumulative latency histogram.
type Histogram struct {
	Count   int64    `json:"count"`
	Sum     float64  `json:"sum"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Buckets []Bucket `json:"buckets"`
}

func newHistogram() *Histogram {
	buckets := make([]Bucket, len(latencyBuckets))
	for i, le := range latencyBuckets {
		buckets[i] = Bucket{LE: le}
	}
	return &Histogram{Buckets: buckets}
}

func (h *Histogram) observe(value float64) {
	if h.Count == 0 || value < h.Min {
		h.Min = value
	}
	if value > h.Max {
		h.Max = value
	}
	h.Count++
	h.Sum += value
	for i := range h.Buckets {
		if value <= h.Buckets[i].LE {
			h.Buckets[i].Count++
		}
	}
}

// Avg returns the mean observation, 0 when empty.
func (h Histogram) Avg() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

func (h *Histogram) clone() Histogram {
	out := *h
	out.Buckets = append([]Bucket(nil), h.Buckets...)
	return out
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Requests         int64                              `json:"requests"`
	Outcomes         map[domain.PipelineState]int64     `json:"outcomes"`
	Tiers            map[domain.UrgencyTier]int64       `json:"tiers"`
	StageLatency     map[domain.PipelineState]Histogram `json:"stage_latency"`
	Unclassified     int64                              `json:"unclassified_symptoms"`
	CapabilityErrors map[string]int64                   `json:"capability_errors"`
	StartedAt        time.Time                          `json:"started_at"`
}

// Collector implements domain.PipelineObserver.
type Collector struct {
	mu               sync.Mutex
	requests         int64
	outcomes         map[domain.PipelineState]int64
	tiers            map[domain.UrgencyTier]int64
	stages           map[domain.PipelineState]*Histogram
	unclassified     int64
	capabilityErrors map[string]int64
	startedAt        time.Time
	logger           *logrus.Logger
}

// NewCollector creates an empty collector.
func NewCollector(logger *logrus.Logger) *Collector {
	return &Collector{
		outcomes:         make(map[domain.PipelineState]int64),
		tiers:            make(map[domain.UrgencyTier]int64),
		stages:           make(map[domain.PipelineState]*Histogram),
		capabilityErrors: make(map[string]int64),
		startedAt:        time.Now(),
		logger:           logger,
	}
}

// ObserveStage records the latency of one pipeline stage.
func (c *Collector) ObserveStage(stage domain.PipelineState, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.stages[stage]
	if !ok {
		h = newHistogram()
		c.stages[stage] = h
	}
	h.observe(d.Seconds())
}

// ObserveOutcome records a terminal request state.
func (c *Collector) ObserveOutcome(state domain.PipelineState, tier domain.UrgencyTier, unclassified int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.outcomes[state]++
	if tier != "" {
		c.tiers[tier]++
	}
	c.unclassified += int64(unclassified)
}

// ObserveCapabilityError counts a failed capability call.
func (c *Collector) ObserveCapabilityError(capability string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilityErrors[capability]++
}

// Snapshot returns a deep copy of the current metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Requests:         c.requests,
		Outcomes:         make(map[domain.PipelineState]int64, len(c.outcomes)),
		Tiers:            make(map[domain.UrgencyTier]int64, len(c.tiers)),
		StageLatency:     make(map[domain.PipelineState]Histogram, len(c.stages)),
		Unclassified:     c.unclassified,
		CapabilityErrors: make(map[string]int64, len(c.capabilityErrors)),
		StartedAt:        c.startedAt,
	}
	for k, v := range c.outcomes {
		s.Outcomes[k] = v
	}
	for k, v := range c.tiers {
		s.Tiers[k] = v
	}
	for k, h := range c.stages {
		s.StageLatency[k] = h.clone()
	}
	for k, v := range c.capabilityErrors {
		s.CapabilityErrors[k] = v
	}
	return s
}

// LogSummary writes one line per observed stage plus the outcome totals.
func (c *Collector) LogSummary() {
	if c.logger == nil {
		return
	}
	s := c.Snapshot()

	stages := make([]string, 0, len(s.StageLatency))
	for stage := range s.StageLatency {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	for _, stage := range stages {
		h := s.StageLatency[domain.PipelineState(stage)]
		c.logger.WithFields(logrus.Fields{
			"stage":  stage,
			"count":  h.Count,
			"avg_ms": h.Avg() * 1000,
			"max_ms": h.Max * 1000,
		}).Debug("Stage latency")
	}

	c.logger.WithFields(logrus.Fields{
		"requests":          s.Requests,
		"complete":          s.Outcomes[domain.StateComplete],
		"failed":            s.Outcomes[domain.StateFailed],
		"emergency":         s.Tiers[domain.TierEmergency],
		"unclassified":      s.Unclassified,
		"capability_errors": len(s.CapabilityErrors),
	}).Info("Pipeline metrics")
}
