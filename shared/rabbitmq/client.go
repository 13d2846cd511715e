package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskrelay/shared/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned while the client is between connections
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrNotConfirmed is returned when the broker nacks a publish or the confirm times out
	ErrNotConfirmed = errors.New("publish not confirmed by RabbitMQ")

	// ErrClosed is returned after Close or when reconnect attempts are exhausted
	ErrClosed = errors.New("rabbitmq client closed")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host                 string
	Port                 int
	User                 string
	Password             string
	VHost                string
	ExchangeName         string
	ExchangeType         string
	ExchangeDurable      bool
	ExchangeAutoDelete   bool
	QueueName            string
	QueueDurable         bool
	QueueAutoDelete      bool
	QueueExclusive       bool
	RoutingKey           string
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	RetryAttempts        int
	RetryInterval        time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxAttempts int // 0 keeps trying until Close
	Heartbeat            time.Duration
	ConnectionTimeout    time.Duration
	ConfirmTimeout       time.Duration
	PrefetchCount        int
}

// URI renders the AMQP connection URI.
func (c *Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// Message is a single publication on the configured exchange and routing key
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Type        string
}

// Client owns the broker connection and channel. It reconnects on its own after
// the initial connect; callers observe ErrNotConnected in the meantime.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	connected   bool
	closed      bool
	connectedCh chan struct{}

	// connectFunc establishes a connection; replaced in tests.
	connectFunc func() (closeNotify, error)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newClient(config *Config, logger *slog.Logger) *Client {
	c := &Client{
		config:      config,
		logger:      logger,
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.connectFunc = c.connect
	return c
}

// NewClient connects to RabbitMQ, declares the topology and starts the reconnect supervisor
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := newClient(config, logger)

	var (
		notify closeNotify
		err    error
	)
	for attempt := 1; attempt <= max(config.RetryAttempts, 1); attempt++ {
		client.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", config.RetryAttempts),
		)

		notify, err = client.connectFunc()
		if err == nil {
			break
		}

		client.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < config.RetryAttempts {
			time.Sleep(config.RetryInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", config.RetryAttempts, err)
	}

	client.wg.Add(1)
	go client.supervise(notify)

	return client, nil
}

type closeNotify struct {
	conn    chan *amqp.Error
	channel chan *amqp.Error
}

// connect dials, opens a confirm-mode channel and declares exchange, queue and bindings
func (c *Client) connect() (closeNotify, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	conn, err := amqp.DialConfig(c.config.URI(), amqpConfig)
	if err != nil {
		return closeNotify{}, fmt.Errorf("failed to dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return closeNotify{}, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return closeNotify{}, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return closeNotify{}, fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	notify := closeNotify{
		conn:    conn.NotifyClose(make(chan *amqp.Error, 1)),
		channel: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}

	if !c.install(conn, channel) {
		channel.Close()
		conn.Close()
		return closeNotify{}, ErrClosed
	}

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("routing_key", c.config.RoutingKey),
	)

	return notify, nil
}

// setup declares exchange, queue, dead-letter target and bindings
func (c *Client) setup(channel *amqp.Channel) error {
	err := channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	var queueArgs amqp.Table
	if c.config.DeadLetterExchange != "" {
		if err := c.setupDeadLetter(channel); err != nil {
			return err
		}
		queueArgs = amqp.Table{"x-dead-letter-exchange": c.config.DeadLetterExchange}
		if c.config.DeadLetterRoutingKey != "" {
			queueArgs["x-dead-letter-routing-key"] = c.config.DeadLetterRoutingKey
		}
	}

	_, err = channel.QueueDeclare(
		c.config.QueueName,       // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		queueArgs,                // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	prefetch := c.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	return nil
}

// setupDeadLetter declares the dead-letter exchange and a parking queue bound to it
func (c *Client) setupDeadLetter(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(c.config.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	deadQueue := c.config.QueueName + ".dead"
	if _, err := channel.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	key := c.config.DeadLetterRoutingKey
	if key == "" {
		key = c.config.RoutingKey
	}
	if err := channel.QueueBind(deadQueue, key, c.config.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}
	return nil
}

// supervise waits for connection loss and reconnects until Close
func (c *Client) supervise(notify closeNotify) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case amqpErr := <-notify.conn:
			c.logger.Warn("RabbitMQ connection lost", slog.Any("error", amqpErr))
		case amqpErr := <-notify.channel:
			c.logger.Warn("RabbitMQ channel closed", slog.Any("error", amqpErr))
		}

		c.markDisconnected()
		c.dropConnection()

		next, err := c.reconnect()
		if err != nil {
			c.logger.Error("Giving up on RabbitMQ reconnect", slog.Any("error", err))
			c.markClosed()
			return
		}
		notify = next
	}
}

// reconnect retries connect with capped exponential backoff
func (c *Client) reconnect() (closeNotify, error) {
	policy := backoff.Policy{
		Base:          c.config.RetryInterval,
		Max:           c.config.ReconnectMaxInterval,
		Multiplier:    2,
		Randomization: 0.2,
	}
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.Max <= 0 {
		policy.Max = 30 * time.Second
	}
	schedule := policy.NewBackOff()

	for attempt := 1; ; attempt++ {
		if c.config.ReconnectMaxAttempts > 0 && attempt > c.config.ReconnectMaxAttempts {
			return closeNotify{}, fmt.Errorf("%w: %d reconnect attempts exhausted", ErrClosed, c.config.ReconnectMaxAttempts)
		}

		delay := schedule.NextBackOff()
		c.logger.Info("Reconnecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
		)

		select {
		case <-c.done:
			return closeNotify{}, ErrClosed
		case <-time.After(delay):
		}

		notify, err := c.connectFunc()
		if err == nil {
			c.logger.Info("Reconnected to RabbitMQ", slog.Int("attempt", attempt))
			return notify, nil
		}
		if errors.Is(err, ErrClosed) {
			return closeNotify{}, err
		}

		c.logger.Warn("RabbitMQ reconnect failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
}

// install publishes a fresh connection unless the client was closed meanwhile.
func (c *Client) install(conn *amqp.Connection, channel *amqp.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.conn = conn
	c.channel = channel
	if !c.connected {
		c.connected = true
		close(c.connectedCh)
	}
	return true
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false
	c.connectedCh = make(chan struct{})
}

// markClosed also wakes WaitConnected callers blocked on connectedCh.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if !c.connected {
		close(c.connectedCh)
	}
	c.connected = false
	c.closed = true
}

// dropConnection releases whatever is left of a broken connection
func (c *Client) dropConnection() {
	c.mu.Lock()
	channel, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

// current returns the live channel or ErrNotConnected / ErrClosed
func (c *Client) current() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.connected || c.channel == nil {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// PublishConfirmed publishes a persistent message and waits for the broker confirm.
func (c *Client) PublishConfirmed(ctx context.Context, msg Message) error {
	channel, err := c.current()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return err
	}

	timeout := c.config.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	confirm, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		c.config.RoutingKey,   // routing key
		false,                 // mandatory
		false,                 // immediate
		amqp.Publishing{
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageID,
			Type:         msg.Type,
			Body:         msg.Body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("message_id", msg.MessageID),
			slog.Any("error", err),
		)
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if confirm == nil {
		return fmt.Errorf("%w: channel is not in confirm mode", ErrNotConfirmed)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConfirmed, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked delivery %d", ErrNotConfirmed, confirm.DeliveryTag)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("message_id", msg.MessageID),
		slog.Int("body_size", len(msg.Body)),
		slog.Uint64("confirm_tag", confirm.DeliveryTag),
	)
	return nil
}

// Consume starts a manual-ack consumer on the configured queue
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	channel, err := c.current()
	if err != nil {
		return nil, err
	}

	messages, err := channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Cancel stops deliveries to consumerTag; unacked deliveries stay with the consumer
func (c *Client) Cancel(consumerTag string) error {
	channel, err := c.current()
	if err != nil {
		return err
	}
	if err := channel.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", consumerTag, err)
	}
	return nil
}

// WaitConnected blocks until the client is connected, closed, or ctx is done
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		closed, connected, ready := c.closed, c.connected, c.connectedCh
		c.mu.RUnlock()

		if closed {
			return ErrClosed
		}
		if connected {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-ready:
		}
	}
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && !c.closed
}

// HealthCheck reports ErrNotConnected while reconnecting
func (c *Client) HealthCheck(_ context.Context) error {
	_, err := c.current()
	return err
}

// Close stops the supervisor and closes channel and connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info("Closing RabbitMQ connection")

		close(c.done)
		c.markClosed()

		c.mu.Lock()
		channel, conn := c.channel, c.conn
		c.channel, c.conn = nil, nil
		c.mu.Unlock()

		if channel != nil {
			if cerr := channel.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", cerr))
			}
		}
		if conn != nil && !conn.IsClosed() {
			if cerr := conn.Close(); cerr != nil {
				c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", cerr))
				err = cerr
			}
		}

		c.wg.Wait()
		c.logger.Info("RabbitMQ connection closed")
	})
	return err
}
