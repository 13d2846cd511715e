package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/cuongbtq/taskrelay/internal/ledger"
)

// TaskPublisher submits tasks; *publisher.Publisher implements it.
type TaskPublisher interface {
	Publish(ctx context.Context, src io.Reader, nameHint, taskOwner, taskTypeID string) (string, error)
}

// TaskStore reads task records; *ledger.Postgres implements it.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*ledger.Task, error)
	ListTasks(ctx context.Context, filter ledger.Filter) ([]ledger.Task, error)
}

// HealthChecker is a dependency reported by the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Service        string
	Publisher      TaskPublisher
	Tasks          TaskStore
	Checks         map[string]HealthChecker
	MaxUploadBytes int64
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	logger         *slog.Logger
	publisher      TaskPublisher
	tasks          TaskStore
	maxUploadBytes int64
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger:         deps.Logger,
		publisher:      deps.Publisher,
		tasks:          deps.Tasks,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}
