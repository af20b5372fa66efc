package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnostic-triage-engine/internal/domain"
)

func TestCollector_Observations(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveStage(domain.StateNormalizing, 3*time.Millisecond)
	c.ObserveStage(domain.StateNormalizing, 30*time.Millisecond)
	c.ObserveStage(domain.StateAnalyzing, 2*time.Second)
	c.ObserveOutcome(domain.StateComplete, domain.TierEmergency, 1)
	c.ObserveOutcome(domain.StateComplete, domain.TierLow, 0)
	c.ObserveOutcome(domain.StateFailed, "", 2)
	c.ObserveCapabilityError("embedder")
	c.ObserveCapabilityError("embedder")

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(2), s.Outcomes[domain.StateComplete])
	assert.Equal(t, int64(1), s.Outcomes[domain.StateFailed])
	assert.Equal(t, map[domain.UrgencyTier]int64{domain.TierEmergency: 1, domain.TierLow: 1}, s.Tiers)
	assert.Equal(t, int64(3), s.Unclassified)
	assert.Equal(t, int64(2), s.CapabilityErrors["embedder"])

	norm := s.StageLatency[domain.StateNormalizing]
	assert.Equal(t, int64(2), norm.Count)
	assert.InDelta(t, 0.003, norm.Min, 1e-9)
	assert.InDelta(t, 0.030, norm.Max, 1e-9)
	assert.InDelta(t, 0.0165, norm.Avg(), 1e-9)

	buckets := map[float64]int64{}
	for _, b := range norm.Buckets {
		buckets[b.LE] = b.Count
	}
	assert.Equal(t, int64(0), buckets[0.001])
	assert.Equal(t, int64(1), buckets[0.005])
	assert.Equal(t, int64(1), buckets[0.025])
	assert.Equal(t, int64(2), buckets[0.05])
	assert.Equal(t, int64(2), buckets[10.0])

	assert.Equal(t, int64(0), s.StageLatency[domain.StateAnalyzing].Buckets[8].Count, "2s is above the 1s bucket")
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveStage(domain.StateSynthesizing, time.Millisecond)

	s := c.Snapshot()
	s.StageLatency[domain.StateSynthesizing].Buckets[0].Count = 99
	s.Outcomes[domain.StateComplete] = 99

	again := c.Snapshot()
	assert.Equal(t, int64(1), again.StageLatency[domain.StateSynthesizing].Buckets[0].Count)
	assert.Zero(t, again.Outcomes[domain.StateComplete])

	_, err := json.Marshal(again)
	assert.NoError(t, err)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ObserveStage(domain.StateAnalyzing, time.Millisecond)
			c.ObserveOutcome(domain.StateComplete, domain.TierModerate, 1)
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(50), s.Requests)
	assert.Equal(t, int64(50), s.StageLatency[domain.StateAnalyzing].Count)
	assert.Equal(t, int64(50), s.Unclassified)
}

func TestCollector_LogSummary(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	c := NewCollector(logger)
	c.ObserveStage(domain.StateNormalizing, time.Millisecond)
	c.ObserveOutcome(domain.StateComplete, domain.TierEmergency, 0)
	c.LogSummary()

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Stage latency", entries[0].Message)
	assert.Equal(t, "normalizing", entries[0].Data["stage"])

	last := hook.LastEntry()
	assert.Equal(t, "Pipeline metrics", last.Message)
	assert.Equal(t, int64(1), last.Data["requests"])
	assert.Equal(t, int64(1), last.Data["emergency"])

	NewCollector(nil).LogSummary()
}
