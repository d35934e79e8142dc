package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/retrymq/broker"
)

// Argument keys understood by RabbitMQ.
const (
	ArgDeadLetterExchange = "x-dead-letter-exchange"
	ArgMessageTTL         = "x-message-ttl"
)

// bindAll routes every key through the retry exchanges.
const bindAll = "#"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the ordered set of declarations for one Descriptor.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopology builds the declarations for d without touching the broker.
func NewTopology(d Descriptor) Topology {
	n := d.Names()

	exchange := func(name, kind string) ExchangeDeclaration {
		return ExchangeDeclaration{Name: name, Type: kind, Durable: true, AutoDelete: true}
	}
	queue := func(name string, args amqp.Table) QueueDeclaration {
		return QueueDeclaration{Name: name, Durable: true, Arguments: args}
	}

	t := Topology{
		Exchanges: []ExchangeDeclaration{
			exchange(n.Exchange, amqp.ExchangeTopic),
			exchange(n.RetryExchange1, amqp.ExchangeTopic),
			exchange(n.RetryExchange2, amqp.ExchangeTopic),
		},
		Queues: []QueueDeclaration{
			queue(n.Queue, amqp.Table{
				ArgDeadLetterExchange: n.RetryExchange1,
			}),
			queue(n.WaitQueue, amqp.Table{
				ArgDeadLetterExchange: n.RetryExchange2,
				ArgMessageTTL:         millis(d.RetryWait),
			}),
		},
		Bindings: []Binding{
			{Queue: n.Queue, Exchange: n.Exchange, RoutingKey: d.RoutingKey},
		},
	}

	if d.HasEntryDelay() {
		t.Exchanges = append(t.Exchanges, exchange(n.DelayExchange, amqp.ExchangeDirect))
		t.Queues = append(t.Queues, queue(n.DelayQueue, amqp.Table{
			ArgDeadLetterExchange: n.Exchange,
			ArgMessageTTL:         millis(d.EntryDelay),
		}))
		// Delayed messages re-enter the main exchange with their original key;
		// "#" keeps them routable regardless of the main binding.
		t.Bindings = append(t.Bindings, Binding{Queue: n.Queue, Exchange: n.Exchange, RoutingKey: bindAll})
	}

	t.Bindings = append(t.Bindings,
		Binding{Queue: n.Queue, Exchange: n.RetryExchange2, RoutingKey: bindAll},
		Binding{Queue: n.WaitQueue, Exchange: n.RetryExchange1, RoutingKey: bindAll},
	)

	if d.HasEntryDelay() {
		t.Bindings = append(t.Bindings, Binding{Queue: n.DelayQueue, Exchange: n.DelayExchange, RoutingKey: d.RoutingKey})
	}

	return t
}

// TopologyOption configures DeclareTopology
type TopologyOption func(*topologyConfig)

type topologyConfig struct {
	logger *slog.Logger
}

// WithTopologyLogger sets the logger used while declaring
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(c *topologyConfig) {
		c.logger = logger
	}
}

// DeclareTopology validates d and declares its exchanges, then queues, then
// bindings on ch. Declarations wait for the broker's reply, so a conflicting
// existing object fails with a *TopologyError and the broker closes ch.
// Declaring an identical topology again changes nothing.
func DeclareTopology(ctx context.Context, ch broker.Channel, d Descriptor, options ...TopologyOption) error {
	cfg := topologyConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	if err := d.Validate(); err != nil {
		return err
	}

	if d.RetryWait == 0 {
		cfg.logger.Warn("retry wait is zero; rejected messages will be redelivered immediately",
			"queue", d.Queue)
	}

	return NewTopology(d).Declare(ctx, ch)
}

// Declare executes the declarations in order on ch.
func (t Topology) Declare(ctx context.Context, ch broker.Channel) error {
	for _, exchange := range t.Exchanges {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments)
		if err != nil {
			return topologyErr("exchange", exchange.Name, err)
		}
	}

	for _, queue := range t.Queues {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive,
			false, // no-wait
			queue.Arguments)
		if err != nil {
			return topologyErr("queue", queue.Name, err)
		}
	}

	for _, binding := range t.Bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange,
			false, // no-wait
			binding.Arguments)
		if err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s -> %s (%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

func topologyErr(component, name string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// TopologyStats reports the queues of a declared topology. Delay is nil
// when the descriptor has no entry delay.
type TopologyStats struct {
	Main  QueueStats
	Wait  QueueStats
	Delay *QueueStats
}

// InspectTopology passively declares the topology's queues and returns their
// depths. A missing queue fails with a *TopologyError and the broker closes
// ch, so callers should inspect on a throwaway channel.
func InspectTopology(ctx context.Context, ch broker.Channel, d Descriptor) (TopologyStats, error) {
	n := d.Names()

	inspect := func(name string) (QueueStats, error) {
		if err := ctx.Err(); err != nil {
			return QueueStats{}, err
		}
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return QueueStats{}, &TopologyError{
				Component: "queue",
				Name:      name,
				Op:        "inspect",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		return QueueStats{Name: name, Messages: q.Messages, Consumers: q.Consumers}, nil
	}

	var stats TopologyStats
	var err error

	if stats.Main, err = inspect(n.Queue); err != nil {
		return TopologyStats{}, err
	}
	if stats.Wait, err = inspect(n.WaitQueue); err != nil {
		return TopologyStats{}, err
	}
	if d.HasEntryDelay() {
		delay, err := inspect(n.DelayQueue)
		if err != nil {
			return TopologyStats{}, err
		}
		stats.Delay = &delay
	}

	return stats, nil
}
