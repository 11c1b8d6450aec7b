package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/errors"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/ledger/repository"
	"github.com/agentboard/agentboard/internal/orchestrator/loop"
	"github.com/agentboard/agentboard/internal/orchestrator/streaming"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GatewayPinger checks the RPC gateway's liveness. *gateway.Client
// satisfies it; health reports "disconnected" when it is nil.
type GatewayPinger interface {
	Health(ctx context.Context) error
}

// Handler contains HTTP handlers for the work-loop status API
type Handler struct {
	controller *loop.Controller
	ledger     repository.Repository
	gateway    GatewayPinger
	hub        *streaming.Hub
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(controller *loop.Controller, ledger repository.Repository, gw GatewayPinger, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		controller: controller,
		ledger:     ledger,
		gateway:    gw,
		hub:        hub,
		logger:     log,
	}
}

// Health reports orchestrator liveness and the gateway connection state
// GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Gateway: "disconnected"}
	if h.gateway != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := h.gateway.Health(ctx); err == nil {
			resp.Gateway = "connected"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Status returns a snapshot of the work loop
// GET /api/v1/workloop/status
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Status())
}

// ListChildren returns all live agent children
// GET /api/v1/workloop/children
func (h *Handler) ListChildren(c *gin.Context) {
	children := h.controller.Children()
	c.JSON(http.StatusOK, gin.H{
		"children": children,
		"total":    len(children),
	})
}

// ListRunLog returns recent run-log entries
// GET /api/v1/workloop/runlog?project_id=&limit=
func (h *Handler) ListRunLog(c *gin.Context) {
	projectID := c.Query("project_id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}

	entries, err := h.ledger.ListRunLog(c.Request.Context(), projectID, limit)
	if err != nil {
		h.logger.Error("failed to list run log", zap.Error(err))
		appErr := errors.InternalError("failed to list run log", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

// CreateTask enqueues a new task in the ledger
// POST /api/v1/workloop/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	now := time.Now()
	task := &v1.Task{
		ID:           uuid.New().String(),
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		Role:         req.Role,
		Message:      req.Message,
		Model:        req.Model,
		SessionLabel: req.SessionLabel,
		Branch:       req.Branch,
		Priority:     req.Priority,
		State:        v1.TaskStateReady,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.ledger.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		appErr := errors.InternalError("failed to create task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, taskToSummary(task))
}

// GetTask retrieves a ledger task
// GET /api/v1/workloop/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	task, err := h.ledger.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.IsNotFound(err) {
			appErr := errors.NotFound("task", taskID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to get task", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to get task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, taskToSummary(task))
}

// ListTasks returns tasks for a project
// GET /api/v1/workloop/tasks?project_id=
func (h *Handler) ListTasks(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		appErr := errors.BadRequest("project_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tasks, err := h.ledger.ListTasks(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.String("project_id", projectID), zap.Error(err))
		appErr := errors.InternalError("failed to list tasks", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := TasksListResponse{Tasks: make([]*TaskSummary, 0, len(tasks)), Total: len(tasks)}
	for _, task := range tasks {
		resp.Tasks = append(resp.Tasks, taskToSummary(task))
	}
	c.JSON(http.StatusOK, resp)
}

// KillTask kills the running child for a task
// POST /api/v1/workloop/tasks/:taskId/kill
func (h *Handler) KillTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.controller.KillTask(c.Request.Context(), taskID); err != nil {
		if errors.IsNotFound(err) {
			appErr := errors.NotFound("child", taskID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to kill task", zap.String("task_id", taskID), zap.Error(err))
		appErr := errors.InternalError("failed to kill task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "killed": true})
}

// Events upgrades the connection to a WebSocket event feed
// GET /api/v1/workloop/events
func (h *Handler) Events(c *gin.Context) {
	if h.hub == nil {
		appErr := errors.ServiceUnavailable("event streaming")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := h.hub.Register(conn)
	go client.WritePump()
	go client.ReadPump()
}

// TriggerCycle runs one dispatch/monitor cycle immediately
// POST /api/v1/workloop/cycle
func (h *Handler) TriggerCycle(c *gin.Context) {
	h.controller.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, h.controller.Status())
}

func taskToSummary(task *v1.Task) *TaskSummary {
	return &TaskSummary{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Title:     task.Title,
		Role:      task.Role,
		Branch:    task.Branch,
		Priority:  task.Priority,
		State:     string(task.State),
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.UpdatedAt,
	}
}
