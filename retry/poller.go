package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/retrymq/broker"
)

// ChannelOpener opens channels for pollers. *broker.Link implements it.
type ChannelOpener = broker.Opener

// Poller fetches deliveries from the main queue one at a time with
// basic.get. It owns the channel it opens.
type Poller struct {
	opener        ChannelOpener
	desc          Descriptor
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	metrics       *instruments

	mu     sync.Mutex
	ch     broker.Channel
	closed bool
}

// PollerOption configures the poller
type PollerOption func(*Poller)

// WithPollerLogger sets the logger
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithPollerMeterProvider sets the meter provider; the global one is used
// otherwise.
func WithPollerMeterProvider(mp metric.MeterProvider) PollerOption {
	return func(p *Poller) {
		p.meterProvider = mp
	}
}

// NewPoller creates a poller for d's main queue. Its channel is opened on
// first use.
func NewPoller(opener ChannelOpener, d Descriptor, options ...PollerOption) (*Poller, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: nil channel opener", broker.ErrInvalidConfiguration)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	p := &Poller{
		opener: opener,
		desc:   d,
		logger: slog.Default(),
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

// Poll performs one basic.get on the main queue. It returns nil, nil when
// the queue is empty. A delivery with unreadable retry history is rejected
// into the retry path and reported as an error wrapping
// ErrMalformedDeathHeader.
func (p *Poller) Poll(ctx context.Context) (*PolledDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPollerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.openLocked(ctx); err != nil {
			return nil, err
		}
	}

	queue := p.desc.Queue

	d, ok, err := p.ch.Get(queue, false)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: p.ch.ID(),
			Op:          "get",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	if !ok {
		return nil, nil
	}

	count, err := RetryCount(d.Headers)
	if err != nil {
		p.logger.Error("rejecting polled delivery with unreadable retry history",
			"error", err,
			"queue", queue,
			"messageId", d.MessageId)
		if nackErr := d.Nack(false, false); nackErr != nil {
			p.logger.Error("failed to reject message", "error", nackErr, "queue", queue)
		} else {
			p.metrics.recordReject(ctx, queue, reasonMalformedHeader)
		}
		return nil, err
	}

	return &PolledDelivery{
		Delivery: newDelivery(d, count),
		raw:      d,
		queue:    queue,
		metrics:  p.metrics,
	}, nil
}

// RecreateChannel replaces the poller's channel. Deliveries still unresolved
// on the old channel return to the queue when it closes.
func (p *Poller) RecreateChannel(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPollerClosed
	}

	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn("error closing poller channel", "error", err, "channelId", p.ch.ID())
		}
		p.ch = nil
	}

	return p.openLocked(ctx)
}

// Close closes the poller's channel.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil {
		return nil
	}
	ch := p.ch
	p.ch = nil
	if ch.IsClosed() {
		return nil
	}
	return ch.Close()
}

func (p *Poller) openLocked(ctx context.Context) error {
	ch, err := p.opener.Channel(ctx)
	if err != nil {
		return &ConsumerError{
			Queue:     p.desc.Queue,
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	p.ch = ch
	p.logger.Debug("poller channel opened", "queue", p.desc.Queue, "channelId", ch.ID())
	return nil
}

// PolledDelivery is a delivery obtained by Poll. Exactly one of Accept or
// Reject takes effect; later calls return ErrAlreadyResolved.
type PolledDelivery struct {
	Delivery

	raw      amqp.Delivery
	queue    string
	metrics  *instruments
	resolved atomic.Bool
}

// Accept acknowledges the delivery; it will not be redelivered.
func (d *PolledDelivery) Accept() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if err := d.raw.Ack(false); err != nil {
		return err
	}
	d.metrics.recordAccept(context.Background(), d.queue)
	return nil
}

// Reject sends the delivery into the retry path.
func (d *PolledDelivery) Reject() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if err := d.raw.Nack(false, false); err != nil {
		return err
	}
	d.metrics.recordReject(context.Background(), d.queue, reasonCaller)
	return nil
}
