// Package dispatcher consumes task messages, fetches their payloads, runs the
// handler for the task type and acknowledges only after the handler succeeded.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskrelay/internal/ledger"
	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/shared/backoff"
	"github.com/cuongbtq/taskrelay/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the consuming side of the connection manager; *rabbitmq.Client implements it.
type Broker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
	WaitConnected(ctx context.Context) error
}

// Fetcher retrieves and removes staged payloads; *staging.Client implements it.
type Fetcher interface {
	Download(ctx context.Context, ref, sinkPath string) (int64, error)
	Delete(ctx context.Context, ref string) error
}

// Config holds dispatcher dependencies and settings
type Config struct {
	Logger   *slog.Logger
	Broker   Broker
	Staging  Fetcher
	// InstanceStaging, when set, gives pool instance i its own fetcher in place
	// of Staging. A session-based store serializes transfers per connection.
	InstanceStaging func(instance int) Fetcher
	Ledger          ledger.Ledger // optional; without it redeliveries are processed again
	Handlers        *Registry

	ConsumerTag string
	WorkDir     string
	// FetchAttempts bounds the download attempts per delivery.
	FetchAttempts int
	FetchBackoff  backoff.Policy
	TaskTimeout   time.Duration
	Cleanup       staging.CleanupPolicy
	// ResubscribeDelay is waited before retrying a failed Consume.
	ResubscribeDelay time.Duration
	// DrainTimeout bounds how long prefetched deliveries are returned after cancel.
	DrainTimeout time.Duration
}

// Dispatcher is a single-threaded consumer: one delivery is fully handled before
// the next one is read.
type Dispatcher struct {
	logger   *slog.Logger
	broker   Broker
	staging  Fetcher
	ledger   ledger.Ledger
	handlers *Registry

	consumerTag      string
	workDir          string
	fetchAttempts    int
	fetchBackoff     backoff.Policy
	taskTimeout      time.Duration
	cleanup          staging.CleanupPolicy
	resubscribeDelay time.Duration
	drainTimeout     time.Duration
}

// New creates a dispatcher
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		logger:           cfg.Logger.With(slog.String("consumer_tag", cfg.ConsumerTag)),
		broker:           cfg.Broker,
		staging:          cfg.Staging,
		ledger:           cfg.Ledger,
		handlers:         cfg.Handlers,
		consumerTag:      cfg.ConsumerTag,
		workDir:          cfg.WorkDir,
		fetchAttempts:    cfg.FetchAttempts,
		fetchBackoff:     cfg.FetchBackoff,
		taskTimeout:      cfg.TaskTimeout,
		cleanup:          cfg.Cleanup,
		resubscribeDelay: cfg.ResubscribeDelay,
		drainTimeout:     cfg.DrainTimeout,
	}

	if d.fetchAttempts < 1 {
		d.fetchAttempts = 1
	}
	if d.taskTimeout <= 0 {
		d.taskTimeout = 10 * time.Minute
	}
	if d.cleanup == "" {
		d.cleanup = staging.CleanupRetain
	}
	if d.resubscribeDelay <= 0 {
		d.resubscribeDelay = time.Second
	}
	if d.drainTimeout <= 0 {
		d.drainTimeout = 5 * time.Second
	}
	return d
}

// Run consumes until ctx is done. processCtx bounds in-flight processing, so a
// delivery picked up before shutdown still finishes unless processCtx ends too.
// While the broker is disconnected Run waits for the connection manager.
func (d *Dispatcher) Run(ctx, processCtx context.Context) error {
	d.logger.Info("Dispatcher started")
	defer d.logger.Info("Dispatcher stopped")

	for {
		if err := d.broker.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker unavailable: %w", err)
		}

		deliveries, err := d.broker.Consume(d.consumerTag)
		if err != nil {
			if errors.Is(err, rabbitmq.ErrClosed) {
				return fmt.Errorf("broker unavailable: %w", err)
			}
			d.logger.Warn("Failed to start consumer, retrying",
				slog.Duration("delay", d.resubscribeDelay),
				slog.Any("error", err),
			)
			if err := backoff.Sleep(ctx, d.resubscribeDelay); err != nil {
				return nil
			}
			continue
		}

		if stopped := d.consume(ctx, processCtx, deliveries); stopped {
			return nil
		}

		d.logger.Warn("Delivery channel closed, waiting for broker connection")
	}
}

// consume handles deliveries until ctx ends (true) or the channel closes (false).
func (d *Dispatcher) consume(ctx, processCtx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		if ctx.Err() != nil {
			d.stopConsuming(deliveries)
			return true
		}

		select {
		case <-ctx.Done():
			d.stopConsuming(deliveries)
			return true

		case delivery, ok := <-deliveries:
			if !ok {
				return false
			}
			d.Handle(processCtx, delivery)
		}
	}
}

// stopConsuming cancels the consumer and hands prefetched deliveries back to the broker.
func (d *Dispatcher) stopConsuming(deliveries <-chan amqp.Delivery) {
	if err := d.broker.Cancel(d.consumerTag); err != nil {
		d.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
	}

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := delivery.Nack(false, true); err != nil {
				d.logger.Warn("Failed to return prefetched delivery",
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
					slog.Any("error", err),
				)
			}
		case <-timer.C:
			return
		}
	}
}
