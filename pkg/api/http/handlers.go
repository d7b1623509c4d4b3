package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// TaskSubmitRequest represents a task submission request.
type TaskSubmitRequest struct {
	Type          string                 `json:"type" binding:"required"`
	Data          map[string]interface{} `json:"data"`
	Priority      string                 `json:"priority"`
	MaxRetries    *int                   `json:"max_retries"`
	TimeoutSec    *int                   `json:"timeout_seconds"`
	DelaySec      *int                   `json:"delay_seconds"`
	CorrelationID string                 `json:"correlation_id"`
	UserID        string                 `json:"user_id"`
}

// TaskSubmitResponse represents a task submission response.
type TaskSubmitResponse struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	workersOK := s.pool.IsHealthy()
	status := http.StatusOK
	overall := "healthy"
	if !workersOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"workers": workersOK,
		},
	})
}

// handleSubmitTask handles task submission from the business layer.
func (s *Server) handleSubmitTask(c *gin.Context) {
	var req TaskSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	priority := domain.TaskPriority(req.Priority)
	if req.Priority == "" {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_PRIORITY",
				Message: "priority must be one of high, normal, low",
			},
		})
		return
	}

	opts := []domain.TaskOption{}
	if req.MaxRetries != nil {
		opts = append(opts, domain.WithMaxRetries(*req.MaxRetries))
	}
	if req.TimeoutSec != nil {
		opts = append(opts, domain.WithTimeout(*req.TimeoutSec))
	}
	if req.DelaySec != nil {
		opts = append(opts, domain.WithDelay(*req.DelaySec))
	}
	if req.CorrelationID != "" {
		opts = append(opts, domain.WithTaskCorrelationID(req.CorrelationID))
	}
	if req.UserID != "" {
		opts = append(opts, domain.WithTaskUserID(req.UserID))
	}

	task := domain.NewTask(req.Type, req.Data, priority, opts...)

	taskID, err := s.pool.Submit(c.Request.Context(), task)
	if err != nil {
		s.logger.Error("failed to submit task", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, TaskSubmitResponse{
		TaskID:      taskID,
		Status:      string(domain.TaskStatusPending),
		ScheduledAt: task.ScheduledAt,
	})
}

// handleGetTask returns the current result of a task.
func (s *Server) handleGetTask(c *gin.Context) {
	taskID := c.Param("id")

	result, err := s.pool.GetResult(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: ErrorDetail{
					Code:    "NOT_FOUND",
					Message: "Task not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleCancelTask cancels a queued or delayed task, best effort.
func (s *Server) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")

	cancelled, err := s.pool.Cancel(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":   taskID,
		"cancelled": cancelled,
	})
}

// handleListFailed lists permanently failed tasks.
func (s *Server) handleListFailed(c *gin.Context) {
	limit := queryInt64(c, "limit", 50)

	failed, err := s.pool.ListFailed(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failed": failed,
		"count":  len(failed),
	})
}

// handleStreamInfo describes one event type's stream.
func (s *Server) handleStreamInfo(c *gin.Context) {
	t, ok := s.eventType(c)
	if !ok {
		return
	}

	info, err := s.bus.GetStreamInfo(c.Request.Context(), t)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, info)
}

// handlePendingMessages lists in-flight deliveries for one event type.
func (s *Server) handlePendingMessages(c *gin.Context) {
	t, ok := s.eventType(c)
	if !ok {
		return
	}

	pending, err := s.bus.GetPendingMessages(c.Request.Context(), t, c.Query("consumer"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

// handleReplay reconstructs events within a time window for audit/backfill.
func (s *Server) handleReplay(c *gin.Context) {
	t, ok := s.eventType(c)
	if !ok {
		return
	}

	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	var err error
	if v := c.Query("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "start must be RFC3339"},
			})
			return
		}
	}
	if v := c.Query("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "end must be RFC3339"},
			})
			return
		}
	}

	events, err := s.bus.ReplayEvents(c.Request.Context(), t, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleDeadLetters lists recently dead-lettered events for operators.
func (s *Server) handleDeadLetters(c *gin.Context) {
	limit := queryInt64(c, "limit", 50)

	letters, err := s.bus.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// handleQueueStats exposes queue depths for dashboards.
func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.pool.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INTERNAL",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleConnectionStats exposes live connection counts.
func (s *Server) handleConnectionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) eventType(c *gin.Context) (domain.EventType, bool) {
	t := domain.EventType(c.Param("type"))
	if !t.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_EVENT_TYPE",
				Message: "unknown event type: " + c.Param("type"),
			},
		})
		return "", false
	}
	return t, true
}

func queryInt64(c *gin.Context, name string, fallback int64) int64 {
	if v := c.Query(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
