package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/thumbnailer/internal/metrics"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
)

var (
	// ErrNotStarted is returned by calls issued before Start
	ErrNotStarted = errors.New("broker client is not started")

	// ErrCallTimeout is the delivery error of a call the service never answered
	ErrCallTimeout = errors.New("no reply from thumbnailing service")

	// ErrClientClosed completes calls that were still waiting for a reply at shutdown
	ErrClientClosed = errors.New("broker client is closed")
)

// Transport is the AMQP connection the client talks through. *rabbitmq.Client implements it.
type Transport interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	DeclareReplyQueue() (string, error)
	DeclareNotificationQueue() (string, error)
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	IsConnected() bool
}

// SignalHandler receives the service's notifications.
type SignalHandler interface {
	HandleSignal(sig thumbnailer.Signal)
}

// Config holds broker client configuration
type Config struct {
	Logger          *slog.Logger
	Transport       Transport
	RequestExchange string
	// CallTimeout bounds the wait for a reply. A queue call without a reply completes with ErrCallTimeout.
	CallTimeout    time.Duration
	PublishTimeout time.Duration
}

// Client is the thumbnailing service connection over AMQP. It implements thumbnailer.Service.
type Client struct {
	logger          *slog.Logger
	transport       Transport
	requestExchange string
	callTimeout     time.Duration
	publishTimeout  time.Duration

	replyQueue string

	mu      sync.Mutex
	pending map[string]*pendingCall

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ thumbnailer.Service = (*Client)(nil)

// NewClient creates a new broker client. Start must be called before any call is issued.
func NewClient(cfg *Config) *Client {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}

	return &Client{
		logger:          cfg.Logger,
		transport:       cfg.Transport,
		requestExchange: cfg.RequestExchange,
		callTimeout:     callTimeout,
		publishTimeout:  publishTimeout,
		pending:         make(map[string]*pendingCall),
	}
}

// Start declares the reply and notification queues and starts consuming them. Notifications
// are passed to handler.
func (c *Client) Start(ctx context.Context, handler SignalHandler) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("broker client is already started")
	}

	replyQueue, err := c.transport.DeclareReplyQueue()
	if err != nil {
		return fmt.Errorf("couldn't declare reply queue: %w", err)
	}
	replies, err := c.transport.Consume(replyQueue, "thumbnailer-replies-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("couldn't consume replies: %w", err)
	}

	notificationQueue, err := c.transport.DeclareNotificationQueue()
	if err != nil {
		return fmt.Errorf("couldn't declare notification queue: %w", err)
	}
	notifications, err := c.transport.Consume(notificationQueue, "thumbnailer-notifications-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("couldn't consume notifications: %w", err)
	}

	c.mu.Lock()
	c.replyQueue = replyQueue
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.consumeReplies(ctx, replies)
	}()
	go func() {
		defer c.wg.Done()
		c.consumeNotifications(ctx, notifications, handler)
	}()

	c.logger.Info("Broker client started",
		slog.String("reply_queue", replyQueue),
		slog.String("notification_queue", notificationQueue),
	)

	return nil
}

// Connected reports whether calls can be issued.
func (c *Client) Connected() bool {
	return c.started.Load() && !c.stopped.Load() && c.transport.IsConnected()
}

// GetSupported asks the service which URI schemes and content types it can thumbnail.
func (c *Client) GetSupported(ctx context.Context) (thumbnailer.Supported, error) {
	type result struct {
		supported thumbnailer.Supported
		err       error
	}
	resCh := make(chan result, 1)

	call, err := c.call(ctx, KeyGetSupported, struct{}{}, func(body []byte, err error) {
		if err != nil {
			resCh <- result{err: err}
			return
		}
		s, err := decodeSupportedReply(body)
		resCh <- result{supported: s, err: err}
	})
	if err != nil {
		return thumbnailer.Supported{}, err
	}

	select {
	case res := <-resCh:
		return res.supported, res.err
	case <-ctx.Done():
		call.Cancel()
		return thumbnailer.Supported{}, ctx.Err()
	}
}

// Queue asks the service to thumbnail a batch. done receives the handle or a delivery error.
func (c *Client) Queue(ctx context.Context, req thumbnailer.QueueRequest, done func(thumbnailer.QueueResult)) (thumbnailer.Call, error) {
	msg := queueMessage{
		URIs:        req.URIs,
		MimeHints:   req.MimeHints,
		Scheduler:   string(req.Priority),
		HandleClass: string(req.HandleClass),
		Flags:       req.Flags,
	}

	call, err := c.call(ctx, KeyQueue, msg, func(body []byte, err error) {
		if err != nil {
			done(thumbnailer.QueueResult{Err: err})
			return
		}
		handle, err := decodeQueueReply(body)
		done(thumbnailer.QueueResult{Handle: handle, Err: err})
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// Dequeue asks the service to drop a batch. It doesn't wait for an answer.
func (c *Client) Dequeue(handle thumbnailer.Handle) {
	body, err := json.Marshal(dequeueMessage{Handle: uint32(handle)})
	if err != nil {
		c.logger.Error("Failed to marshal dequeue message", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.publishTimeout)
	defer cancel()

	err = c.transport.Publish(ctx, c.requestExchange, KeyDequeue, amqp.Publishing{
		ContentType: contentTypeJSON,
		MessageId:   uuid.NewString(),
		Body:        body,
	})
	if err != nil {
		c.logger.Warn("Failed to send dequeue",
			slog.Uint64("handle", uint64(handle)),
			slog.Any("error", err),
		)
		return
	}

	c.logger.Debug("Dequeue sent", slog.Uint64("handle", uint64(handle)))
}

// PendingCalls returns the number of calls waiting for a reply.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Shutdown stops the consumers and completes every call still waiting for a reply with
// ErrClientClosed. The transport itself is left to the caller.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range calls {
		p.complete(nil, ErrClientClosed)
	}

	c.logger.Info("Broker client stopped", slog.Int("failed_calls", len(calls)))

	return err
}

// call publishes an RPC message and registers deliver for its reply. deliver runs exactly once
// unless the returned call is cancelled first.
func (c *Client) call(ctx context.Context, key string, payload any, deliver func(body []byte, err error)) (*pendingCall, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	if c.stopped.Load() {
		return nil, ErrClientClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal %s message: %w", key, err)
	}

	p := &pendingCall{
		id:      uuid.NewString(),
		key:     key,
		client:  c,
		deliver: deliver,
	}

	c.mu.Lock()
	replyQueue := c.replyQueue
	c.pending[p.id] = p
	p.timer = time.AfterFunc(c.callTimeout, func() {
		if c.forget(p.id) {
			metrics.BrokerCallTimeouts.Inc()
			c.logger.Warn("Call timed out",
				slog.String("correlation_id", p.id),
				slog.String("routing_key", key),
				slog.Duration("timeout", c.callTimeout),
			)
			p.complete(nil, ErrCallTimeout)
		}
	})
	c.mu.Unlock()

	publishCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	err = c.transport.Publish(publishCtx, c.requestExchange, key, amqp.Publishing{
		ContentType:   contentTypeJSON,
		CorrelationId: p.id,
		ReplyTo:       replyQueue,
		Expiration:    strconv.FormatInt(c.callTimeout.Milliseconds(), 10),
		Body:          body,
	})
	if err != nil {
		c.forget(p.id)
		p.timer.Stop()
		return nil, fmt.Errorf("couldn't publish %s message: %w", key, err)
	}

	c.logger.Debug("Call sent",
		slog.String("correlation_id", p.id),
		slog.String("routing_key", key),
	)

	return p, nil
}

// forget removes the call from the pending table. It reports whether the call was still there.
func (c *Client) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Client) consumeReplies(ctx context.Context, deliveries <-chan amqp.Delivery) {
	c.logger.Info("Reply consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Reply consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ reply channel closed")
				return
			}

			if _, err := uuid.Parse(delivery.CorrelationId); err != nil {
				metrics.BrokerMalformedMessages.Inc()
				c.logger.Error("Invalid correlation id - not a UUID",
					slog.String("correlation_id", delivery.CorrelationId),
					slog.String("error", err.Error()),
				)
				continue
			}

			c.mu.Lock()
			p, ok := c.pending[delivery.CorrelationId]
			if ok {
				delete(c.pending, delivery.CorrelationId)
			}
			c.mu.Unlock()

			if !ok {
				// Late reply of a call that timed out or was cancelled.
				c.logger.Debug("Drop reply for unknown call",
					slog.String("correlation_id", delivery.CorrelationId),
				)
				continue
			}

			p.timer.Stop()
			p.complete(delivery.Body, nil)
		}
	}
}

func (c *Client) consumeNotifications(ctx context.Context, deliveries <-chan amqp.Delivery, handler SignalHandler) {
	c.logger.Info("Notification consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Notification consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ notification channel closed")
				return
			}

			sig, err := decodeSignal(delivery)
			if err != nil {
				metrics.BrokerMalformedMessages.Inc()
				c.logger.Error("Failed to parse notification",
					slog.String("type", delivery.Type),
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				continue
			}

			c.logger.Debug("Notification received",
				slog.String("type", delivery.Type),
				slog.Uint64("handle", uint64(sig.SignalHandle())),
			)
			handler.HandleSignal(sig)
		}
	}
}

// pendingCall is an RPC call waiting for its reply. It implements thumbnailer.Call.
type pendingCall struct {
	id      string
	key     string
	client  *Client
	timer   *time.Timer
	deliver func(body []byte, err error)

	mu        sync.Mutex
	finished  bool
	cancelled bool
}

// Cancel drops the call. deliver doesn't run after Cancel returns.
func (p *pendingCall) Cancel() {
	p.client.forget(p.id)
	p.timer.Stop()

	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *pendingCall) complete(body []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished || p.cancelled {
		return
	}
	p.finished = true
	p.deliver(body, err)
}
