package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrelay/internal/task"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schema string

// Filter selects tasks for ListTasks
type Filter struct {
	TaskOwner  string
	TaskTypeID string
	Status     string
	PageSize   int
	Cursor     *Cursor
}

// Cursor is the keyset position of the last task of the previous page
type Cursor struct {
	CreatedAt time.Time
	TaskID    string
}

// Postgres keeps task records in the tasks table
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres ledger
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the tasks table and its indexes if they are missing
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tasks schema: %w", err)
	}
	return nil
}

// RecordSubmitted inserts a SUBMITTED record. A record written first by the
// dispatcher is left untouched.
func (p *Postgres) RecordSubmitted(ctx context.Context, msg task.Message) error {
	query := `
		INSERT INTO tasks (
			task_id, task_owner, task_type_id, file_reference,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, NOW(), NOW()
		)
		ON CONFLICT (task_id) DO NOTHING
	`

	_, err := p.db.ExecContext(ctx, query,
		msg.TaskID,
		msg.TaskOwner,
		msg.TaskTypeID,
		msg.FileReference,
		StatusSubmitted,
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

func (p *Postgres) IsCompleted(ctx context.Context, taskID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1 AND status = $2)`

	var done bool
	if err := p.db.QueryRowContext(ctx, query, taskID, StatusCompleted).Scan(&done); err != nil {
		return false, fmt.Errorf("failed to check task status: %w", err)
	}
	return done, nil
}

// MarkCompleted upserts the record as COMPLETED. The first completion time wins.
func (p *Postgres) MarkCompleted(ctx context.Context, msg task.Message) error {
	query := `
		INSERT INTO tasks (
			task_id, task_owner, task_type_id, file_reference,
			status, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, NOW(), NOW(), NOW()
		)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = '',
		    completed_at = COALESCE(tasks.completed_at, EXCLUDED.completed_at),
		    updated_at = NOW()
	`

	_, err := p.db.ExecContext(ctx, query,
		msg.TaskID,
		msg.TaskOwner,
		msg.TaskTypeID,
		msg.FileReference,
		StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}

	p.logger.Debug("Task marked completed", slog.String("task_id", msg.TaskID))
	return nil
}

// MarkFailed records the failure reason unless the task already completed.
func (p *Postgres) MarkFailed(ctx context.Context, msg task.Message, reason string) error {
	query := `
		INSERT INTO tasks (
			task_id, task_owner, task_type_id, file_reference,
			status, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, NOW(), NOW()
		)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    updated_at = NOW()
		WHERE tasks.status <> $7
	`

	_, err := p.db.ExecContext(ctx, query,
		msg.TaskID,
		msg.TaskOwner,
		msg.TaskTypeID,
		msg.FileReference,
		StatusFailed,
		reason,
		StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := `
		SELECT
			task_id, task_owner, task_type_id, file_reference,
			status, error_message, created_at, updated_at, completed_at
		FROM tasks
		WHERE task_id = $1
	`

	var t Task
	if err := p.db.GetContext(ctx, &t, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns up to PageSize+1 tasks, newest first; the extra row tells the
// caller another page exists.
func (p *Postgres) ListTasks(ctx context.Context, filter Filter) ([]Task, error) {
	query := `
		SELECT
			task_id, task_owner, task_type_id, file_reference,
			status, error_message, created_at, updated_at, completed_at
		FROM tasks
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.TaskOwner != "" {
		query += fmt.Sprintf(" AND task_owner = $%d", argIdx)
		args = append(args, filter.TaskOwner)
		argIdx++
	}

	if filter.TaskTypeID != "" {
		query += fmt.Sprintf(" AND task_type_id = $%d", argIdx)
		args = append(args, filter.TaskTypeID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, task_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.TaskID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, task_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var tasks []Task
	if err := p.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}
