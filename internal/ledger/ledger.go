// Package ledger records task outcomes by task_id so redelivered messages can be
// recognized and skipped.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/taskrelay/internal/task"
)

// Task status values
const (
	StatusSubmitted = "SUBMITTED"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// ErrTaskNotFound is returned when a task_id has no record
var ErrTaskNotFound = errors.New("task not found")

// Ledger is what the dispatcher needs for deduplication.
type Ledger interface {
	IsCompleted(ctx context.Context, taskID string) (bool, error)
	MarkCompleted(ctx context.Context, msg task.Message) error
	MarkFailed(ctx context.Context, msg task.Message, reason string) error
}

// Task is a ledger record
type Task struct {
	TaskID        string     `db:"task_id"`
	TaskOwner     string     `db:"task_owner"`
	TaskTypeID    string     `db:"task_type_id"`
	FileReference string     `db:"file_reference"`
	Status        string     `db:"status"`
	ErrorMessage  string     `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

// Memory is a process-local ledger. It only deduplicates within one worker process.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]Task
	now   func() time.Time
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]Task), now: time.Now}
}

func (m *Memory) IsCompleted(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[taskID].Status == StatusCompleted, nil
}

func (m *Memory) MarkCompleted(_ context.Context, msg task.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := m.record(msg, now)
	t.Status = StatusCompleted
	t.ErrorMessage = ""
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	m.tasks[msg.TaskID] = t
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, msg task.Message, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.record(msg, m.now())
	if t.Status == StatusCompleted {
		return nil
	}
	t.Status = StatusFailed
	t.ErrorMessage = reason
	m.tasks[msg.TaskID] = t
	return nil
}

// Get returns the record for taskID.
func (m *Memory) Get(taskID string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// record returns the existing record or a new one. Caller holds mu.
func (m *Memory) record(msg task.Message, now time.Time) Task {
	t, ok := m.tasks[msg.TaskID]
	if !ok {
		t = Task{
			TaskID:        msg.TaskID,
			TaskOwner:     msg.TaskOwner,
			TaskTypeID:    msg.TaskTypeID,
			FileReference: msg.FileReference,
			CreatedAt:     now,
		}
	}
	t.UpdatedAt = now
	return t
}
