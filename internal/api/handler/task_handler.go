package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/taskrelay/internal/api/dto"
	"github.com/cuongbtq/taskrelay/internal/ledger"
	"github.com/cuongbtq/taskrelay/internal/publisher"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateTask handles POST /api/v1/tasks
// Stages the uploaded payload and publishes a task referencing it
func (h *TaskHandler) CreateTask(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	var req dto.CreateTaskRequest
	if err := c.ShouldBind(&req); err != nil {
		h.badForm(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.badForm(c, err)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read uploaded file"})
		return
	}
	defer file.Close()

	taskID, err := h.publisher.Publish(c.Request.Context(), file, fileHeader.Filename, req.TaskOwner, req.TaskTypeID)
	if err != nil {
		status, msg := publishErrorStatus(err)
		resp := dto.ErrorResponse{Error: msg}
		var perr *publisher.PublishError
		if errors.As(err, &perr) {
			resp.TaskID = perr.TaskID
		}
		h.logger.Error("Failed to submit task",
			slog.String("task_owner", req.TaskOwner),
			slog.String("task_type_id", req.TaskTypeID),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		c.JSON(status, resp)
		return
	}

	h.logger.Info("Task submitted",
		slog.String("task_id", taskID),
		slog.String("task_owner", req.TaskOwner),
		slog.String("task_type_id", req.TaskTypeID),
		slog.Int64("size", fileHeader.Size),
	)

	c.JSON(http.StatusAccepted, dto.CreateTaskResponse{
		TaskID: taskID,
		Status: ledger.StatusSubmitted,
	})
}

func (h *TaskHandler) badForm(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{Error: "Payload too large"})
		return
	}
	h.logger.Error("Invalid request body", slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file, task_owner and task_type_id are required"})
}

func publishErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, publisher.ErrInvalidTask):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, publisher.ErrNotConnected):
		return http.StatusServiceUnavailable, "Broker not connected"
	case errors.Is(err, publisher.ErrStagingFailed):
		return http.StatusBadGateway, "Failed to stage payload"
	case errors.Is(err, publisher.ErrUnconfirmed):
		return http.StatusGatewayTimeout, "Broker did not confirm the task"
	default:
		return http.StatusInternalServerError, "Failed to submit task"
	}
}

// GetTask handles GET /api/v1/tasks/:task_id
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "task_id is required"})
		return
	}

	t, err := h.tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, ledger.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Task not found", TaskID: taskID})
			return
		}
		h.logger.Error("Failed to get task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get task"})
		return
	}

	c.JSON(http.StatusOK, toDTO(*t))
}

// ListTasks handles GET /api/v1/tasks
// Lists tasks newest first with optional filtering and cursor pagination
func (h *TaskHandler) ListTasks(c *gin.Context) {
	var req dto.ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeTaskCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	tasks, err := h.tasks.ListTasks(c.Request.Context(), ledger.Filter{
		TaskOwner:  req.TaskOwner,
		TaskTypeID: req.TaskTypeID,
		Status:     req.Status,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list tasks", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list tasks"})
		return
	}

	hasMore := len(tasks) > req.PageSize
	if hasMore {
		tasks = tasks[:req.PageSize]
	}

	resp := dto.ListTasksResponse{Tasks: make([]dto.TaskDTO, len(tasks))}
	for i, t := range tasks {
		resp.Tasks[i] = toDTO(t)
	}

	if hasMore {
		last := tasks[len(tasks)-1]
		resp.NextCursor = EncodeTaskCursor(&ledger.Cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID})
	}

	c.JSON(http.StatusOK, resp)
}

func toDTO(t ledger.Task) dto.TaskDTO {
	d := dto.TaskDTO{
		TaskID:        t.TaskID,
		TaskOwner:     t.TaskOwner,
		TaskTypeID:    t.TaskTypeID,
		FileReference: t.FileReference,
		Status:        t.Status,
		ErrorMessage:  t.ErrorMessage,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     t.UpdatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		d.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return d
}
