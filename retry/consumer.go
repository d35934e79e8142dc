package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/retrymq/broker"
)

type consumerState int

const (
	stateIdle consumerState = iota
	stateSubscribed
	stateClosed
)

// Consumer pushes deliveries from the main queue to a Handler and resolves
// each one from the handler's result.
type Consumer struct {
	ch             broker.Channel
	desc           Descriptor
	prefetchCount  int
	consumerTag    string
	handlerTimeout time.Duration
	middleware     []Middleware
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	metrics        *instruments

	mu    sync.Mutex
	state consumerState
	sub   *Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets how many unresolved deliveries the broker may hand
// the consumer at once. It also bounds concurrent handlers.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds each handler call through its context.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithMiddleware wraps every handler passed to Subscribe.
func WithMiddleware(mws ...Middleware) ConsumerOption {
	return func(c *Consumer) {
		c.middleware = append(c.middleware, mws...)
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMeterProvider sets the meter provider; the global one is used
// otherwise.
func WithConsumerMeterProvider(mp metric.MeterProvider) ConsumerOption {
	return func(c *Consumer) {
		c.meterProvider = mp
	}
}

// NewConsumer creates a consumer for d's main queue on ch. The consumer
// uses ch but does not own it.
func NewConsumer(ch broker.Channel, d Descriptor, options ...ConsumerOption) (*Consumer, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", broker.ErrInvalidConfiguration)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		ch:            ch,
		desc:          d,
		prefetchCount: 10,
		consumerTag:   "retrymq-" + uuid.NewString(),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 1 {
		return nil, fmt.Errorf("%w: prefetch count must be at least 1, got %d",
			broker.ErrInvalidConfiguration, c.prefetchCount)
	}

	m, err := newInstruments(c.meterProvider)
	if err != nil {
		return nil, err
	}
	c.metrics = m

	return c, nil
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// Subscribe sets QoS, starts consuming the main queue and dispatches
// deliveries to h until the subscription is cancelled, ctx is done or the
// broker stops the stream. A consumer subscribes at most once.
func (c *Consumer) Subscribe(ctx context.Context, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", broker.ErrInvalidConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateSubscribed:
		return nil, ErrAlreadySubscribed
	case stateClosed:
		return nil, ErrConsumerClosed
	}

	queue := c.desc.Queue

	if err := c.ch.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, c.consumerErr("qos", err)
	}

	deliveries, err := c.ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, c.consumerErr("consume", err)
	}

	sub := &Subscription{
		consumer:   c,
		handler:    Chain(h, c.middleware...),
		deliveries: deliveries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.state = stateSubscribed
	c.sub = sub

	go sub.run(ctx)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return sub, nil
}

// Run subscribes and blocks until the subscription ends. It returns nil when
// ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	sub, err := c.Subscribe(ctx, h)
	if err != nil {
		return err
	}
	<-sub.Done()
	return sub.Err()
}

// Close cancels an active subscription, waits for in-flight handlers and
// makes the consumer unusable.
func (c *Consumer) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.state = stateClosed
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (c *Consumer) consumerErr(op string, err error) *ConsumerError {
	return &ConsumerError{
		Queue:       c.desc.Queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// process resolves exactly one delivery: ack after a nil handler result,
// reject without requeue otherwise.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery, h Handler) {
	queue := c.desc.Queue

	count, err := RetryCount(d.Headers)
	if err != nil {
		c.logger.Error("rejecting delivery with unreadable retry history",
			"error", err,
			"queue", queue,
			"messageId", d.MessageId,
		)
		c.reject(ctx, d, reasonMalformedHeader)
		return
	}

	hctx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	done := c.metrics.trackHandler(ctx, queue)
	herr, panicked := invoke(hctx, h, newDelivery(d, count))
	done()

	switch {
	case panicked:
		c.logger.Error("handler panicked",
			"error", herr,
			"queue", queue,
			"messageId", d.MessageId,
			"retryCount", count,
		)
		c.reject(ctx, d, reasonPanic)

	case herr != nil:
		c.logger.Warn("handler failed; message scheduled for retry",
			"error", herr,
			"queue", queue,
			"messageId", d.MessageId,
			"retryCount", count,
			"retryWait", c.desc.RetryWait,
		)
		c.reject(ctx, d, reasonHandlerError)

	default:
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack message", "error", err, "queue", queue)
			return
		}
		c.metrics.recordAccept(ctx, queue)
	}
}

func (c *Consumer) reject(ctx context.Context, d amqp.Delivery, reason string) {
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("failed to reject message",
			"error", err,
			"queue", c.desc.Queue,
			"reason", reason,
		)
		return
	}
	c.metrics.recordReject(ctx, c.desc.Queue, reason)
}

// invoke calls h and turns a panic into an error.
func invoke(ctx context.Context, h Handler, d Delivery) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			panicked = true
		}
	}()
	return h.Handle(ctx, d), false
}

// Subscription is an active basic.consume on the main queue.
type Subscription struct {
	consumer   *Consumer
	handler    Handler
	deliveries <-chan amqp.Delivery

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

// Cancel stops the broker from sending more deliveries, waits for in-flight
// handlers to finish and returns Err. It must not be called from a handler.
func (s *Subscription) Cancel() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.err
}

// Done is closed once the subscription has ended and every delivery it
// received has been resolved.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after Cancel or context
// cancellation, an error wrapping ErrConsumerCancelled when the broker or a
// channel failure ended it. Valid after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) run(ctx context.Context) {
	c := s.consumer
	queue := c.desc.Queue

	defer func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(s.done)
		c.logger.Info("consumer stopped", "queue", queue, "consumerTag", c.consumerTag)
	}()

	// Handlers finish even when ctx is cancelled; only the timeout, if any,
	// bounds them.
	handlerCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	slots := make(chan struct{}, c.prefetchCount)

	stopping := false
	stop := s.stop
	ctxDone := ctx.Done()

	cancelConsume := func() bool {
		stopping = true
		stop, ctxDone = nil, nil
		if err := c.ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Error("failed to cancel consumer", "error", err, "queue", queue)
			s.err = c.consumerErr("cancel", err)
			return false
		}
		return true
	}

loop:
	for {
		select {
		case <-stop:
			if !cancelConsume() {
				break loop
			}

		case <-ctxDone:
			if !cancelConsume() {
				break loop
			}

		case d, ok := <-s.deliveries:
			if !ok {
				if !stopping {
					c.logger.Warn("delivery channel closed", "queue", queue)
					s.err = c.consumerErr("consume", ErrConsumerCancelled)
				}
				break loop
			}

			if stopping {
				// Received after basic.cancel; hand it back untouched.
				s.requeue(d)
				continue
			}

			// Wait for a free handler slot without losing sight of stop
			// requests.
			select {
			case slots <- struct{}{}:
			case <-stop:
				ok := cancelConsume()
				s.requeue(d)
				if !ok {
					break loop
				}
				continue
			case <-ctxDone:
				ok := cancelConsume()
				s.requeue(d)
				if !ok {
					break loop
				}
				continue
			}

			g.Go(func() error {
				defer func() { <-slots }()
				c.process(handlerCtx, d, s.handler)
				return nil
			})
		}
	}

	_ = g.Wait()
}

func (s *Subscription) requeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		s.consumer.logger.Error("failed to requeue message", "error", err, "queue", s.consumer.desc.Queue)
	}
}
