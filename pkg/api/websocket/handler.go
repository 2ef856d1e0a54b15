package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aescanero/handoff/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	bufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TaskResolver maps a run id to the task id its events carry.
type TaskResolver func(ctx context.Context, runID string) (string, error)

// Handler handles WebSocket connections
type Handler struct {
	eventBus ports.EventBus
	topic    string
	resolve  TaskResolver
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler streaming topic
func NewHandler(eventBus ports.EventBus, topic string, resolve TaskResolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		eventBus: eventBus,
		topic:    topic,
		resolve:  resolve,
		logger:   logger,
	}
}

// HandleRunStream streams the events of one run until the client goes away
func (h *Handler) HandleRunStream(c *gin.Context) {
	runID := c.Param("id")

	taskID, err := h.resolve(c.Request.Context(), runID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": err.Error()}})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before upgrading so nothing published after the handshake is missed.
	events := make(chan ports.Event, bufferSize)
	err = h.eventBus.SubscribeBroadcast(ctx, h.topic, func(_ context.Context, event ports.Event) error {
		if event.ExecutionID != taskID {
			return nil
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			h.logger.Warn("event channel full, dropping event",
				zap.String("run_id", runID),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe to events", zap.String("topic", h.topic), zap.Error(err))
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("run_id", runID),
		zap.String("task_id", taskID),
		zap.String("client", c.ClientIP()))

	// Reader: only needed to notice the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("failed to write message", zap.String("run_id", runID), zap.Error(err))
				return
			}
		}
	}
}
