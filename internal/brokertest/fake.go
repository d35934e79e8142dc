// Package brokertest provides in-memory fakes of broker.Channel for unit tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/retrymq/broker"
)

// Call records one method invocation on a Channel.
type Call struct {
	Method string
	Args   []any
}

// Published records one confirmed publish.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Channel is a scriptable broker.Channel. The zero value is not usable; use
// NewChannel.
type Channel struct {
	mu sync.Mutex
	id string

	calls     []Call
	failures  map[string]error
	queues    map[string]amqp.Queue
	published []Published
	pending   []amqp.Delivery
	confirm   bool
	closed    bool
	notify    []chan *amqp.Error

	deliveries chan amqp.Delivery
	stopOnce   sync.Once

	// PublishHook, when set, decides the outcome of PublishConfirmed.
	PublishHook func(Published) error
}

var _ broker.Channel = (*Channel)(nil)

// NewChannel returns an open fake channel. Consume hands out a delivery
// stream buffered to size buffer.
func NewChannel(buffer int) *Channel {
	return &Channel{
		id:         uuid.NewString(),
		failures:   make(map[string]error),
		queues:     make(map[string]amqp.Queue),
		deliveries: make(chan amqp.Delivery, buffer),
	}
}

// FailOn makes every later call to method return err.
func (c *Channel) FailOn(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = err
}

// SetQueue sets what passive declaration reports for name.
func (c *Channel) SetQueue(q amqp.Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[q.Name] = q
}

// Enqueue makes d available to Get.
func (c *Channel) Enqueue(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, d)
}

// Deliver pushes d onto the consume stream.
func (c *Channel) Deliver(d amqp.Delivery) {
	c.deliveries <- d
}

// StopDeliveries closes the consume stream as the broker does when the
// channel dies.
func (c *Channel) StopDeliveries() {
	c.stopOnce.Do(func() { close(c.deliveries) })
}

// Calls returns a copy of the recorded calls.
func (c *Channel) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (c *Channel) CallsTo(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Published returns a copy of the confirmed publishes.
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// InConfirmMode reports whether Confirm was called.
func (c *Channel) InConfirmMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirm
}

// Kill closes the channel with a broker error, notifying NotifyClose
// listeners and ending the consume stream.
func (c *Channel) Kill(err *amqp.Error) {
	c.mu.Lock()
	c.closed = true
	listeners := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, l := range listeners {
		l <- err
		close(l)
	}
	c.StopDeliveries()
}

func (c *Channel) record(method string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
	if c.closed && method != "Close" && method != "IsClosed" {
		return amqp.ErrClosed
	}
	return c.failures[method]
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.record("ExchangeDeclare", name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.record("ExchangeDeclarePassive", name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.record("QueueDeclare", name, durable, autoDelete, exclusive, noWait, args); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.record("QueueDeclarePassive", name, durable, autoDelete, exclusive, noWait, args); err != nil {
		return amqp.Queue{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	return q, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.record("QueueBind", name, key, exchange, noWait, args)
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.record("Qos", prefetchCount, prefetchSize, global)
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.record("Consume", queue, consumer, autoAck, exclusive, noLocal, noWait, args); err != nil {
		return nil, err
	}
	return c.deliveries, nil
}

// Cancel ends the consume stream, as amqp091 does once basic.cancel-ok
// arrives.
func (c *Channel) Cancel(consumer string, noWait bool) error {
	if err := c.record("Cancel", consumer, noWait); err != nil {
		return err
	}
	c.StopDeliveries()
	return nil
}

func (c *Channel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if err := c.record("Get", queue, autoAck); err != nil {
		return amqp.Delivery{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.pending[0]
	c.pending = c.pending[1:]
	return d, true, nil
}

func (c *Channel) Confirm(noWait bool) error {
	if err := c.record("Confirm", noWait); err != nil {
		return err
	}
	c.mu.Lock()
	c.confirm = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := c.record("PublishConfirmed", exchange, key, msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	confirm := c.confirm
	c.mu.Unlock()
	if !confirm {
		return broker.ErrConfirmModeDisabled
	}

	p := Published{Exchange: exchange, RoutingKey: key, Msg: msg}
	if c.PublishHook != nil {
		if err := c.PublishHook(p); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.published = append(c.published, p)
	c.mu.Unlock()
	return nil
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	_ = c.record("Close")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, l := range listeners {
		close(l)
	}
	c.StopDeliveries()
	return nil
}

// Opener hands out fake channels, recording each one.
type Opener struct {
	mu       sync.Mutex
	opened   []*Channel
	buffer   int
	err      error
	attempts int
}

// NewOpener returns an opener whose channels buffer buffer deliveries.
func NewOpener(buffer int) *Opener {
	return &Opener{buffer: buffer}
}

// FailWith makes later Channel calls fail with err; nil restores success.
func (o *Opener) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *Opener) Channel(ctx context.Context) (broker.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.err != nil {
		return nil, o.err
	}
	ch := NewChannel(o.buffer)
	o.opened = append(o.opened, ch)
	return ch, nil
}

// Opened returns the channels handed out so far.
func (o *Opener) Opened() []*Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Channel, len(o.opened))
	copy(out, o.opened)
	return out
}

// Last returns the most recently opened channel.
func (o *Opener) Last() (*Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil, errors.New("brokertest: no channel opened")
	}
	return o.opened[len(o.opened)-1], nil
}

// Attempts returns how many times Channel was called.
func (o *Opener) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}
