package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportLog struct {
	mu      sync.Mutex
	reports []bool
}

func (r *reportLog) report(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, healthy)
}

func (r *reportLog) last() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return false, 0
	}
	return r.reports[len(r.reports)-1], len(r.reports)
}

func TestHealthMonitorCheck(t *testing.T) {
	mgr, _ := newTestManager(succeed, testConfig())
	log := &reportLog{}
	monitor := NewHealthMonitor(mgr, nil, log.report, time.Hour, nil)

	status := monitor.Check()
	assert.True(t, status.Healthy)
	assert.True(t, status.Accepting)
	assert.Equal(t, 0, status.ActiveRuns)
	healthy, n := log.last()
	assert.True(t, healthy)
	assert.Equal(t, 1, n)

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.True(t, monitor.IsHealthy(), "status is cached until the next check")

	status = monitor.Check()
	assert.False(t, status.Healthy)
	assert.False(t, monitor.IsHealthy())
	healthy, _ = log.last()
	assert.False(t, healthy)
}

func TestHealthMonitorStartStop(t *testing.T) {
	mgr, _ := newTestManager(succeed, testConfig())
	log := &reportLog{}
	monitor := NewHealthMonitor(mgr, nil, log.report, 10*time.Millisecond, nil)

	monitor.Start()
	require.Eventually(t, func() bool {
		_, n := log.last()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)

	monitor.Stop()
	healthy, n := log.last()
	assert.False(t, healthy)

	monitor.Stop()
	_, again := log.last()
	assert.Equal(t, n, again)
}
