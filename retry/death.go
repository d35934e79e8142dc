package retry

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderDeath is the header in which RabbitMQ records dead-lettering history.
const HeaderDeath = "x-death"

// RetryCount returns how many times a delivery has been through the retry
// path, read from the count of the most recent x-death entry. A delivery
// without history counts as 1.
//
// The most recent entry after a wait is the wait queue's "expired" record,
// and its count is 1 on the first return. Successive deliveries of one
// message therefore read 1, 1, 2, 3, ... rather than growing by one from
// the first delivery; the count equals the number of completed waits, with
// the first delivery reported as 1.
//
// A present but unreadable x-death header is an error wrapping
// ErrMalformedDeathHeader rather than a guess.
func RetryCount(headers amqp.Table) (int64, error) {
	raw, ok := headers[HeaderDeath]
	if !ok || raw == nil {
		return 1, nil
	}

	deaths, ok := raw.([]interface{})
	if !ok {
		return 0, malformed(fmt.Sprintf("expected a list, got %T", raw))
	}
	if len(deaths) == 0 {
		return 0, malformed("empty list")
	}

	latest, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0, malformed(fmt.Sprintf("expected a table entry, got %T", deaths[0]))
	}

	count, ok := latest["count"]
	if !ok {
		return 0, malformed("entry has no count")
	}

	n, ok := toInt64(count)
	if !ok {
		return 0, malformed(fmt.Sprintf("count is %T", count))
	}
	if n < 0 {
		return 0, malformed(fmt.Sprintf("negative count %d", n))
	}

	return n, nil
}

func malformed(reason string) *MetadataError {
	return &MetadataError{Header: HeaderDeath, Reason: reason, Err: ErrMalformedDeathHeader}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
