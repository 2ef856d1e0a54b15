package prometheus

import (
	"testing"
	"time"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var _ ports.MetricsCollector = (*Collector)(nil)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPlanCreated(3, 4)
	c.RecordAttempt(domain.PriorityP1, domain.OutcomeFailure, 2*time.Second)
	c.RecordAttempt(domain.PriorityP1, domain.OutcomeSuccess, time.Second)
	c.RecordRetry(domain.PriorityP1)
	c.RecordBlocked(domain.PriorityP3)
	c.SetRunning(domain.PriorityP0, 3)
	c.RecordWaveCompleted(true)
	c.RecordRunCompleted(domain.RunStatusFailed, time.Minute)
	c.SetActiveRuns(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.plansCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("P1", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("P1", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("P1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.blocked.WithLabelValues("P3")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.running.WithLabelValues("P0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wavesCompleted.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 1, testutil.CollectAndCount(c.attemptDuration))
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
