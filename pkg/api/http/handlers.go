package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/handoff/internal/application/graph"
	"github.com/aescanero/handoff/internal/application/orchestrator"
	"github.com/aescanero/handoff/pkg/domain"
	"github.com/aescanero/handoff/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GraphRequest carries a node graph
type GraphRequest struct {
	Nodes []domain.GraphNode `json:"nodes" binding:"required"`
}

// LimitsRequest overrides dispatch limits. Unset fields keep the defaults.
type LimitsRequest struct {
	MaxParallelAgents *int           `json:"maxParallelAgents"`
	PerPriorityCaps   map[string]int `json:"perPriorityCaps"`
}

// PolicyRequest overrides the dispatch policy. Unset fields keep the defaults.
type PolicyRequest struct {
	AttemptTimeoutMs    *int64   `json:"attemptTimeoutMs"`
	MaxRetries          *int     `json:"maxRetries"`
	BackoffMs           *int64   `json:"backoffMs"`
	BackoffMultiplier   *float64 `json:"backoffMultiplier"`
	FailFastFutureWaves *bool    `json:"failFastFutureWaves"`
}

// RunSubmitRequest represents a run submission request
type RunSubmitRequest struct {
	TaskID string             `json:"taskId"`
	Nodes  []domain.GraphNode `json:"nodes" binding:"required"`
	Limits *LimitsRequest     `json:"limits"`
	Policy *PolicyRequest     `json:"policy"`
}

// RunSubmitResponse represents a run submission response
type RunSubmitResponse struct {
	RunID       string    `json:"runId"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ValidationResponse is the result of graph validation
type ValidationResponse struct {
	domain.ValidationResult
	Nodes []domain.GraphNode `json:"nodes"`
	Waves [][]string         `json:"waves,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
		return
	}

	status := s.health.GetStatus()
	code := http.StatusOK
	label := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":    label,
		"timestamp": status.Timestamp,
		"checks": gin.H{
			"activeRuns": status.ActiveRuns,
			"accepting":  status.Accepting,
		},
	})
}

// handleValidateGraph validates a graph and returns its id-ordered layers
func (s *Server) handleValidateGraph(c *gin.Context) {
	var req GraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	res := s.orchestrator.Validate(req.Nodes)
	c.JSON(http.StatusOK, ValidationResponse{
		ValidationResult: res.Validation,
		Nodes:            res.Nodes,
		Waves:            res.Waves,
	})
}

// handleCreatePlan returns the schedule plan for a graph
func (s *Server) handleCreatePlan(c *gin.Context) {
	var req GraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	plan, err := s.orchestrator.Plan(req.Nodes)
	if err != nil {
		s.graphError(c, req.Nodes, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// handleSubmitRun handles run submission
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req RunSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	runReq, err := s.toRunRequest(req)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	runID, err := s.orchestrator.Submit(c.Request.Context(), runReq)
	if err != nil {
		if errors.Is(err, orchestrator.ErrShuttingDown) {
			abortWithError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), nil)
			return
		}
		s.graphError(c, req.Nodes, err)
		return
	}

	c.JSON(http.StatusCreated, RunSubmitResponse{
		RunID:       runID,
		Status:      string(domain.RunStatusSubmitted),
		SubmittedAt: time.Now(),
	})
}

// handleListRuns lists stored runs, optionally filtered by status
func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.orchestrator.ListRuns(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to list runs", err.Error())
		return
	}

	if want := c.Query("status"); want != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if string(r.Status) == want {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}

	type runSummary struct {
		RunID       string           `json:"runId"`
		TaskID      string           `json:"taskId"`
		Status      domain.RunStatus `json:"status"`
		SubmittedAt time.Time        `json:"submittedAt"`
		CompletedAt *time.Time       `json:"completedAt,omitempty"`
	}
	out := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary{r.RunID, r.TaskID, r.Status, r.SubmittedAt, r.CompletedAt})
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  out,
		"total": len(out),
	})
}

// handleGetRun returns the latest run snapshot
func (s *Server) handleGetRun(c *gin.Context) {
	state, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleGetRunEvents returns the lifecycle events of a run in seq order.
// ?after=N skips events with seq <= N.
func (s *Server) handleGetRunEvents(c *gin.Context) {
	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "after must be an integer", nil)
			return
		}
		after = v
	}

	state, ok := s.loadRun(c)
	if !ok {
		return
	}

	events := []domain.LifecycleEvent{}
	for _, w := range state.Waves {
		for _, e := range w.Events {
			if e.Seq > after {
				events = append(events, e)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"runId":   state.RunID,
		"taskId":  state.TaskID,
		"status":  state.Status,
		"events":  events,
		"summary": state.Summary,
	})
}

// handleCancelRun handles run cancellation
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	if err := s.orchestrator.CancelRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, ports.ErrRunNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
			return
		}
		abortWithError(c, http.StatusConflict, "CANCELLATION_FAILED", err.Error(), nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId":       runID,
		"status":      "cancelling",
		"requestedAt": time.Now(),
	})
}

func (s *Server) loadRun(c *gin.Context) (*domain.RunState, bool) {
	state, err := s.orchestrator.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ports.ErrRunNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "Run not found", nil)
			return nil, false
		}
		s.logger.Error("failed to get run", zap.String("run_id", c.Param("id")), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to get run", err.Error())
		return nil, false
	}
	return state, true
}

// graphError maps planning errors to responses, attaching the structured
// validation result for invalid graphs.
func (s *Server) graphError(c *gin.Context, nodes []domain.GraphNode, err error) {
	if errors.Is(err, graph.ErrInvalidGraph) {
		abortWithError(c, http.StatusUnprocessableEntity, "INVALID_GRAPH", err.Error(),
			s.orchestrator.Validate(nodes).Validation)
		return
	}
	s.logger.Error("failed to plan graph", zap.Error(err))
	abortWithError(c, http.StatusInternalServerError, "PLANNING_FAILED", err.Error(), nil)
}

func (s *Server) toRunRequest(req RunSubmitRequest) (orchestrator.RunRequest, error) {
	limits, policy := s.orchestrator.Defaults()

	if l := req.Limits; l != nil {
		if l.MaxParallelAgents != nil {
			limits.MaxParallelAgents = *l.MaxParallelAgents
		}
		if len(l.PerPriorityCaps) > 0 {
			caps := make(map[domain.Priority]int, len(domain.Priorities))
			for p, c := range limits.PerPriorityCaps {
				caps[p] = c
			}
			for raw, c := range l.PerPriorityCaps {
				p, err := domain.ParsePriority(raw)
				if err != nil {
					return orchestrator.RunRequest{}, fmt.Errorf("perPriorityCaps: %w", err)
				}
				if c < 0 {
					return orchestrator.RunRequest{}, fmt.Errorf("perPriorityCaps: %s cap must not be negative", p)
				}
				caps[p] = c
			}
			limits.PerPriorityCaps = caps
		}
	}
	if limits.MaxParallelAgents < 1 {
		return orchestrator.RunRequest{}, fmt.Errorf("maxParallelAgents must be at least 1")
	}

	if p := req.Policy; p != nil {
		if p.AttemptTimeoutMs != nil {
			policy.AttemptTimeout = time.Duration(*p.AttemptTimeoutMs) * time.Millisecond
		}
		if p.MaxRetries != nil {
			policy.MaxRetries = *p.MaxRetries
		}
		if p.BackoffMs != nil {
			policy.Backoff = time.Duration(*p.BackoffMs) * time.Millisecond
		}
		if p.BackoffMultiplier != nil {
			policy.BackoffMultiplier = *p.BackoffMultiplier
		}
		if p.FailFastFutureWaves != nil {
			policy.FailFastFutureWaves = *p.FailFastFutureWaves
		}
	}
	if policy.MaxRetries < 0 {
		return orchestrator.RunRequest{}, fmt.Errorf("maxRetries must not be negative")
	}
	if policy.AttemptTimeout <= 0 {
		return orchestrator.RunRequest{}, fmt.Errorf("attemptTimeoutMs must be positive")
	}
	if policy.Backoff < 0 {
		return orchestrator.RunRequest{}, fmt.Errorf("backoffMs must not be negative")
	}
	if policy.BackoffMultiplier < 1 {
		return orchestrator.RunRequest{}, fmt.Errorf("backoffMultiplier must be at least 1")
	}

	return orchestrator.RunRequest{
		TaskID: req.TaskID,
		Nodes:  req.Nodes,
		Limits: &limits,
		Policy: &policy,
	}, nil
}
