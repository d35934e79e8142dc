package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/retrymq/broker"
)

// ChannelExecutor runs fn on a leased channel. *broker.ChannelPool
// implements it; its channels must be in confirm mode.
type ChannelExecutor interface {
	Execute(ctx context.Context, fn func(broker.Channel) error) error
}

// PublishOptions are the per-message publish properties.
type PublishOptions struct {
	Persistent  bool
	TTL         time.Duration // zero means no per-message expiration
	Headers     amqp.Table
	ContentType string
	MessageID   string
}

// Producer publishes to a retry topology and waits for broker confirmation.
// It never retries a publish on its own.
type Producer struct {
	pool           ChannelExecutor
	desc           Descriptor
	names          Names
	publishTimeout time.Duration
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	metrics        *instruments
	breaker        *gobreaker.CircuitBreaker
}

// ProducerOption configures the producer
type ProducerOption func(*Producer)

// WithPublishTimeout bounds a publish and its confirmation when the caller's
// context has no deadline.
func WithPublishTimeout(timeout time.Duration) ProducerOption {
	return func(p *Producer) {
		p.publishTimeout = timeout
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerMeterProvider sets the meter provider; the global one is used
// otherwise.
func WithProducerMeterProvider(mp metric.MeterProvider) ProducerOption {
	return func(p *Producer) {
		p.meterProvider = mp
	}
}

// WithCircuitBreaker makes publishes fail fast with gobreaker.ErrOpenState
// while the breaker is open.
func WithCircuitBreaker(settings gobreaker.Settings) ProducerOption {
	return func(p *Producer) {
		p.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// BreakerSettings returns circuit breaker settings that open after five
// consecutive failures, or a failure ratio of one half over ten requests.
func BreakerSettings(name string, logger *slog.Logger) gobreaker.Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.5)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publish circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}
}

// NewProducer creates a producer for d publishing through pool.
func NewProducer(pool ChannelExecutor, d Descriptor, options ...ProducerOption) (*Producer, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil channel pool", broker.ErrInvalidConfiguration)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	p := &Producer{
		pool:           pool,
		desc:           d,
		names:          d.Names(),
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	m, err := newInstruments(p.meterProvider)
	if err != nil {
		return nil, err
	}
	p.metrics = m

	return p, nil
}

// Target returns the exchange and routing key a publish with routingKey
// would use. An empty routingKey means the descriptor's. With an entry delay
// configured only the descriptor's routing key can be routed.
func (p *Producer) Target(routingKey string) (exchange, key string, err error) {
	key = routingKey
	if key == "" {
		key = p.desc.RoutingKey
	}

	if !p.desc.HasEntryDelay() {
		return p.names.Exchange, key, nil
	}
	if key != p.desc.RoutingKey {
		return p.names.DelayExchange, key, fmt.Errorf("%w: got %q, delay queue is bound on %q",
			ErrRoutingKeyMismatch, key, p.desc.RoutingKey)
	}
	return p.names.DelayExchange, key, nil
}

// Publish sends payload and returns once the broker has confirmed it. Every
// failure is a *PublishError; a broker nack wraps broker.ErrPublishNacked.
func (p *Producer) Publish(ctx context.Context, payload []byte, routingKey string, opts PublishOptions) error {
	exchange, key, err := p.Target(routingKey)
	if err != nil {
		return p.publishErr(exchange, key, opts.MessageID, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		Headers:      opts.Headers,
		ContentType:  opts.ContentType,
		MessageId:    opts.MessageID,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         payload,
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if opts.TTL > 0 {
		msg.Expiration = expiration(opts.TTL)
	}

	publish := func() error {
		return p.pool.Execute(ctx, func(ch broker.Channel) error {
			return ch.PublishConfirmed(ctx, exchange, key, msg)
		})
	}

	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (interface{}, error) {
			return nil, publish()
		})
	} else {
		err = publish()
	}

	p.metrics.recordPublish(ctx, exchange, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Warn("publish rejected by circuit breaker", "exchange", exchange, "routingKey", key)
		} else {
			p.logger.Error("publish failed",
				"error", err,
				"exchange", exchange,
				"routingKey", key,
				"messageId", opts.MessageID)
		}
		return p.publishErr(exchange, key, opts.MessageID, err)
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", key,
		"messageId", opts.MessageID,
		"bytes", len(payload))

	return nil
}

func (p *Producer) publishErr(exchange, key, messageID string, err error) *PublishError {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: key,
		MessageID:  messageID,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// expiration renders a TTL as the millisecond string the expiration property
// carries. Sub-millisecond TTLs round up to 1 so they never mean "expire now".
func expiration(ttl time.Duration) string {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
