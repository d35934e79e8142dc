package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Topology errors
	ErrInvalidDescriptor         = errors.New("retry: invalid topology descriptor")
	ErrTopologyDeclarationFailed = errors.New("retry: topology declaration failed")

	// Delivery errors
	ErrMalformedDeathHeader = errors.New("retry: malformed x-death header")
	ErrAlreadyResolved      = errors.New("retry: delivery already resolved")

	// Consumer errors
	ErrAlreadySubscribed = errors.New("retry: consumer already subscribed")
	ErrConsumerClosed    = errors.New("retry: consumer is closed")
	ErrConsumerCancelled = errors.New("retry: consumer cancelled")
	ErrPollerClosed      = errors.New("retry: poller is closed")

	// Producer errors
	ErrRoutingKeyMismatch = errors.New("retry: routing key does not match the entry-delay binding")
)

// TopologyError reports a failed exchange, queue or binding declaration.
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("retry topology error: failed to %s %s '%s': %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTopologyDeclarationFailed) match every
// TopologyError.
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyDeclarationFailed
}

// MetadataError reports a delivery whose retry history cannot be read.
type MetadataError struct {
	Header string
	Reason string
	Err    error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("retry metadata error: header %s: %s", e.Header, e.Reason)
}

func (e *MetadataError) Unwrap() error {
	return e.Err
}

// PublishError reports a publish that was not confirmed by the broker.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("retry publish error: failed to publish to %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a failed consumer operation.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("retry consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}
