// Package publisher submits tasks: it stages the payload first and publishes the
// task message only after the staging store confirmed the upload.
package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/cuongbtq/taskrelay/internal/task"
	"github.com/cuongbtq/taskrelay/shared/rabbitmq"
)

// Uploader stages payloads; *staging.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, src io.Reader, nameHint string) (string, error)
}

// Broker publishes with confirms; *rabbitmq.Client implements it.
type Broker interface {
	PublishConfirmed(ctx context.Context, msg rabbitmq.Message) error
	IsConnected() bool
}

// Recorder keeps a record of submitted tasks.
type Recorder interface {
	RecordSubmitted(ctx context.Context, msg task.Message) error
}

// Config holds publisher dependencies
type Config struct {
	Logger   *slog.Logger
	Staging  Uploader
	Broker   Broker
	Recorder Recorder // optional
	// TaskTypes restricts accepted task_type_id values when not empty.
	TaskTypes []string
}

// Publisher sequences staging and publication
type Publisher struct {
	logger    *slog.Logger
	staging   Uploader
	broker    Broker
	recorder  Recorder
	taskTypes map[string]struct{}
}

// New creates a publisher
func New(cfg *Config) *Publisher {
	p := &Publisher{
		logger:   cfg.Logger,
		staging:  cfg.Staging,
		broker:   cfg.Broker,
		recorder: cfg.Recorder,
	}
	if len(cfg.TaskTypes) > 0 {
		p.taskTypes = make(map[string]struct{}, len(cfg.TaskTypes))
		for _, t := range cfg.TaskTypes {
			p.taskTypes[t] = struct{}{}
		}
	}
	return p
}

// Publish stages src and publishes a task referencing it. The returned task id
// is only valid when err is nil.
func (p *Publisher) Publish(ctx context.Context, src io.Reader, nameHint, taskOwner, taskTypeID string) (string, error) {
	if err := p.validate(taskOwner, taskTypeID); err != nil {
		metrics.ObservePublish(metrics.ResultRejected)
		return "", err
	}

	// Checked first so a disconnected broker does not leave orphaned payloads.
	if !p.broker.IsConnected() {
		metrics.ObservePublish(metrics.ResultNotConnect)
		return "", &PublishError{Kind: ErrNotConnected, Err: rabbitmq.ErrNotConnected}
	}

	// Step 1: stage the payload. Nothing is published if this fails.
	ref, err := p.staging.Upload(ctx, src, nameHint)
	if err != nil {
		p.logger.Error("Failed to stage task payload",
			slog.String("task_owner", taskOwner),
			slog.Any("error", err),
		)
		metrics.ObservePublish(metrics.ResultStaging)
		return "", &PublishError{Kind: ErrStagingFailed, Err: err}
	}

	// Step 2-3: build and encode the message around the confirmed reference.
	msg := task.Message{
		TaskID:        task.NewID(),
		TaskOwner:     taskOwner,
		TaskTypeID:    taskTypeID,
		FileReference: ref,
	}
	body, err := task.Encode(msg)
	if err != nil {
		metrics.ObservePublish(metrics.ResultError)
		return "", &PublishError{Kind: ErrInvalidTask, TaskID: msg.TaskID, FileReference: ref, Err: err}
	}

	// Step 4-5: publish and wait for the broker confirm.
	err = p.broker.PublishConfirmed(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: task.ContentType,
		MessageID:   msg.TaskID,
		Type:        msg.TaskTypeID,
	})
	if err != nil {
		kind, result := ErrUnconfirmed, metrics.ResultUnconfirm
		if errors.Is(err, rabbitmq.ErrNotConnected) {
			kind, result = ErrNotConnected, metrics.ResultNotConnect
		}
		p.logger.Error("Task not confirmed by broker, payload left staged",
			slog.String("task_id", msg.TaskID),
			slog.String("file_reference", ref),
			slog.Any("error", err),
		)
		metrics.ObservePublish(result)
		return "", &PublishError{Kind: kind, TaskID: msg.TaskID, FileReference: ref, Err: err}
	}

	metrics.ObservePublish(metrics.ResultOK)
	p.logger.Info("Task published",
		slog.String("task_id", msg.TaskID),
		slog.String("task_owner", msg.TaskOwner),
		slog.String("task_type_id", msg.TaskTypeID),
		slog.String("file_reference", ref),
	)

	if p.recorder != nil {
		if err := p.recorder.RecordSubmitted(ctx, msg); err != nil {
			p.logger.Warn("Failed to record submitted task",
				slog.String("task_id", msg.TaskID),
				slog.Any("error", err),
			)
		}
	}

	return msg.TaskID, nil
}

func (p *Publisher) validate(taskOwner, taskTypeID string) error {
	switch {
	case strings.TrimSpace(taskOwner) == "":
		return &PublishError{Kind: ErrInvalidTask, Err: errors.New("task_owner is required")}
	case strings.TrimSpace(taskTypeID) == "":
		return &PublishError{Kind: ErrInvalidTask, Err: errors.New("task_type_id is required")}
	}

	if p.taskTypes != nil {
		if _, ok := p.taskTypes[taskTypeID]; !ok {
			return &PublishError{Kind: ErrInvalidTask, Err: errors.New("unknown task_type_id " + taskTypeID)}
		}
	}
	return nil
}
