package orchestrator

import (
	"sync"
	"time"

	"github.com/aescanero/handoff/pkg/ports"
	"go.uber.org/zap"
)

// StatusReporter receives the result of every health check, for example to
// flip a gRPC health service between SERVING and NOT_SERVING.
type StatusReporter func(healthy bool)

// HealthMonitor periodically checks the manager and publishes its status
type HealthMonitor struct {
	manager  *Manager
	metrics  ports.MetricsCollector
	reporter StatusReporter
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	last    *HealthStatus
}

// HealthStatus represents the health status of the orchestrator
type HealthStatus struct {
	ActiveRuns int       `json:"activeRuns"`
	Accepting  bool      `json:"accepting"`
	Healthy    bool      `json:"healthy"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor. reporter may be nil.
func NewHealthMonitor(manager *Manager, metrics ports.MetricsCollector, reporter StatusReporter, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		manager:  manager,
		metrics:  metrics,
		reporter: reporter,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.Check()
	h.wg.Add(1)
	go h.run()
}

// Stop stops the health monitor and reports the orchestrator as unhealthy.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
	h.wg.Wait()
	if h.reporter != nil {
		h.reporter(false)
	}
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check computes the current status, records it and logs it.
func (h *HealthMonitor) Check() *HealthStatus {
	status := &HealthStatus{
		ActiveRuns: h.manager.ActiveRuns(),
		Accepting:  h.manager.Accepting(),
		Timestamp:  time.Now(),
	}
	status.Healthy = status.Accepting

	h.logger.Info("orchestrator health check",
		zap.Int("active_runs", status.ActiveRuns),
		zap.Bool("accepting", status.Accepting),
		zap.Bool("healthy", status.Healthy))

	h.metrics.SetActiveRuns(status.ActiveRuns)
	if h.reporter != nil {
		h.reporter(status.Healthy)
	}

	if !status.Healthy {
		h.logger.Warn("orchestrator is not accepting runs")
	}

	h.mu.Lock()
	h.last = status
	h.mu.Unlock()
	return status
}

// GetStatus returns the most recent status, checking now if none exists yet.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	h.mu.RLock()
	last := h.last
	h.mu.RUnlock()
	if last != nil {
		return last
	}
	return h.Check()
}

// IsHealthy returns true if the orchestrator is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
