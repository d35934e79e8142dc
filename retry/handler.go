package retry

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is what a handler sees of a received message.
type Delivery struct {
	Body       []byte
	RetryCount int64

	// Metadata carries the broker properties and headers. Its Acknowledger
	// is cleared; resolution belongs to the consumer.
	Metadata amqp.Delivery
}

func newDelivery(d amqp.Delivery, retryCount int64) Delivery {
	meta := d
	meta.Acknowledger = nil
	return Delivery{Body: d.Body, RetryCount: retryCount, Metadata: meta}
}

// Handler processes one delivery. A nil error accepts it; any error rejects
// it into the retry path.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}
