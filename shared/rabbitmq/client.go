package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by operations on a closed or broken client
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// RequestExchange is the direct exchange the thumbnailing service consumes calls from
	RequestExchange string
	// NotificationExchange is the fanout exchange the service broadcasts notifications to
	NotificationExchange string
	ExchangesDurable     bool

	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// Client represents a RabbitMQ client
type Client struct {
	config  *Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger

	// amqp.Channel is not safe for concurrent publishing
	publishMu sync.Mutex

	closeChan   chan *amqp.Error
	isConnected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	// Create channel
	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// Setup exchanges
	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchanges: %w", err)
	}

	// Monitor connection
	c.closeChan = c.channel.NotifyClose(make(chan *amqp.Error, 1))
	c.isConnected.Store(true)

	go c.watch()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("request_exchange", c.config.RequestExchange),
		slog.String("notification_exchange", c.config.NotificationExchange),
	)

	return nil
}

// watch marks the client disconnected once the broker closes the channel
func (c *Client) watch() {
	err, ok := <-c.closeChan
	c.isConnected.Store(false)

	if ok && err != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.Any("error", err),
		)
	}
}

// setup declares the request and notification exchanges
func (c *Client) setup() error {
	for _, ex := range []struct {
		name string
		kind string
	}{
		{c.config.RequestExchange, amqp.ExchangeDirect},
		{c.config.NotificationExchange, amqp.ExchangeFanout},
	} {
		err := c.channel.ExchangeDeclare(
			ex.name,                   // name
			ex.kind,                   // type
			c.config.ExchangesDurable, // durable
			false,                     // auto-deleted
			false,                     // internal
			false,                     // no-wait
			nil,                       // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", ex.name, err)
		}
	}

	return nil
}

// DeclareReplyQueue declares a server-named exclusive queue for call replies
func (c *Client) DeclareReplyQueue() (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}

	q, err := c.channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare reply queue: %w", err)
	}

	return q.Name, nil
}

// DeclareNotificationQueue declares a server-named exclusive queue bound to the
// notification exchange
func (c *Client) DeclareNotificationQueue() (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}

	q, err := c.channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare notification queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,                        // queue name
		"",                            // routing key
		c.config.NotificationExchange, // exchange
		false,                         // no-wait
		nil,                           // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to bind notification queue: %w", err)
	}

	return q.Name, nil
}

// Publish publishes a message to the exchange with the routing key
func (c *Client) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.publishMu.Lock()
	err := c.channel.PublishWithContext(
		ctx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		msg,
	)
	c.publishMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("exchange", exchange),
			slog.String("routing_key", key),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", key),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// Consume starts consuming messages from the queue. Messages are acknowledged on delivery.
func (c *Client) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		true,        // auto-ack
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.conn != nil && !c.conn.IsClosed()
}
