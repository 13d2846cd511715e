package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/internal/task"
	"github.com/cuongbtq/taskrelay/shared/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the position of a delivery in its lifecycle
type State string

const (
	StateReceived     State = "RECEIVED"
	StateDecoded      State = "DECODED"
	StateFetched      State = "FETCHED"
	StateProcessed    State = "PROCESSED"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateFailed       State = "FAILED"
)

const (
	unknownTaskType = "unknown"
	ledgerTimeout   = 5 * time.Second
)

// Handle runs one delivery through decode, fetch, process and ack, and returns
// the final state. Only StateAcknowledged removes the message from the queue.
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) State {
	start := time.Now()
	log := d.logger.With(slog.Uint64("delivery_tag", delivery.DeliveryTag))
	log.Debug("Delivery received",
		slog.String("state", string(StateReceived)),
		slog.Bool("redelivered", delivery.Redelivered),
	)

	// RECEIVED -> DECODED
	msg, err := task.Decode(delivery.Body)
	if err != nil {
		log.Error("Failed to decode task message",
			slog.String("state", string(StateFailed)),
			slog.Int("body_size", len(delivery.Body)),
			slog.Any("error", err),
		)
		d.nack(log, delivery, false)
		metrics.ObserveDispatch(unknownTaskType, metrics.ResultRejected, time.Since(start))
		return StateFailed
	}

	log = log.With(
		slog.String("task_id", msg.TaskID),
		slog.String("task_type_id", msg.TaskTypeID),
		slog.String("file_reference", msg.FileReference),
	)
	log.Debug("Task decoded", slog.String("state", string(StateDecoded)))

	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	if d.alreadyCompleted(ctx, log, msg.TaskID) {
		log.Info("Task already completed, acknowledging redelivery")
		if !d.ack(log, delivery) {
			metrics.ObserveDispatch(msg.TaskTypeID, metrics.ResultError, time.Since(start))
			return StateFailed
		}
		metrics.ObserveDispatch(msg.TaskTypeID, metrics.ResultDuplicate, time.Since(start))
		return StateAcknowledged
	}

	err = d.process(ctx, log, msg)
	if err != nil {
		return d.fail(ctx, log, delivery, msg, err, start)
	}
	log.Debug("Task processed", slog.String("state", string(StateProcessed)))

	// PROCESSED -> ACKNOWLEDGED
	if d.ledger != nil {
		if err := d.ledger.MarkCompleted(ctx, msg); err != nil {
			log.Warn("Failed to record task completion", slog.Any("error", err))
		}
	}

	if !d.ack(log, delivery) {
		metrics.ObserveDispatch(msg.TaskTypeID, metrics.ResultError, time.Since(start))
		return StateFailed
	}

	log.Info("Task completed",
		slog.String("state", string(StateAcknowledged)),
		slog.Duration("duration", time.Since(start)),
	)
	metrics.ObserveDispatch(msg.TaskTypeID, metrics.ResultOK, time.Since(start))

	if d.cleanup == staging.CleanupDelete {
		if err := d.staging.Delete(ctx, msg.FileReference); err != nil {
			log.Warn("Failed to delete staged payload", slog.Any("error", err))
		}
	}
	return StateAcknowledged
}

// process covers DECODED -> FETCHED -> PROCESSED.
func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, msg task.Message) error {
	handler, err := d.handlers.Lookup(msg.TaskTypeID)
	if err != nil {
		return err
	}

	sink := filepath.Join(d.workDir, d.consumerTag, localName(msg.TaskID)+localName(filepath.Ext(msg.FileReference)))
	defer func() {
		if err := os.Remove(sink); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to remove payload copy", slog.String("path", sink), slog.Any("error", err))
		}
	}()

	size, err := d.fetch(ctx, log, msg.FileReference, sink)
	if err != nil {
		return err
	}
	log.Debug("Payload fetched",
		slog.String("state", string(StateFetched)),
		slog.Int64("size", size),
	)

	if err := handler.Handle(ctx, Job{Message: msg, PayloadPath: sink, Size: size}); err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}
	return nil
}

// fetch downloads ref, retrying connection and transfer failures with backoff.
func (d *Dispatcher) fetch(ctx context.Context, log *slog.Logger, ref, sink string) (int64, error) {
	var (
		size      int64
		lastErr   error
		tried     int
		permanent bool
	)
	err := d.fetchBackoff.Retry(ctx, d.fetchAttempts,
		func(attempt int) error {
			tried = attempt
			n, err := d.staging.Download(ctx, ref, sink)
			if err == nil {
				size = n
				return nil
			}
			if !staging.IsRetryable(err) || ctx.Err() != nil {
				permanent = true
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		},
		func(attempt int, err error, delay time.Duration) {
			log.Warn("Payload fetch failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", d.fetchAttempts),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		},
	)
	switch {
	case err == nil:
		return size, nil
	case permanent || lastErr == nil:
		return 0, err
	default:
		return 0, fmt.Errorf("%w after %d attempts: %w", ErrFetchExhausted, tried, lastErr)
	}
}

// fail leaves the message unacknowledged: transient failures are requeued once,
// everything else is rejected to the dead-letter exchange. Work aborted by
// shutdown is always requeued.
func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, delivery amqp.Delivery, msg task.Message, cause error, start time.Time) State {
	aborted := errors.Is(ctx.Err(), context.Canceled)
	requeue := aborted || (isTransient(cause) && !delivery.Redelivered)

	log.Error("Task failed",
		slog.String("state", string(StateFailed)),
		slog.Bool("requeue", requeue),
		slog.Bool("aborted", aborted),
		slog.Any("error", cause),
	)

	if d.ledger != nil {
		// The task context may already be expired.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
		defer cancel()
		if err := d.ledger.MarkFailed(ctx, msg, cause.Error()); err != nil {
			log.Warn("Failed to record task failure", slog.Any("error", err))
		}
	}

	d.nack(log, delivery, requeue)

	result := metrics.ResultRejected
	if requeue {
		result = metrics.ResultRequeued
	}
	metrics.ObserveDispatch(msg.TaskTypeID, result, time.Since(start))
	return StateFailed
}

// alreadyCompleted treats ledger errors as "not completed"; handlers are idempotent.
func (d *Dispatcher) alreadyCompleted(ctx context.Context, log *slog.Logger, taskID string) bool {
	if d.ledger == nil {
		return false
	}
	done, err := d.ledger.IsCompleted(ctx, taskID)
	if err != nil {
		log.Warn("Failed to check task ledger, processing anyway", slog.Any("error", err))
		return false
	}
	return done
}

// localName keeps broker-supplied names inside the work directory.
func localName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.ReplaceAll(s, "..", "__"))
}

func (d *Dispatcher) ack(log *slog.Logger, delivery amqp.Delivery) bool {
	if err := delivery.Ack(false); err != nil {
		log.Error("Failed to ACK message", slog.Any("error", err))
		return false
	}
	return true
}

func (d *Dispatcher) nack(log *slog.Logger, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		log.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		return
	}
	log.Info("Message NACKed", slog.Bool("requeue", requeue))
}
