package retry

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryCount(t *testing.T) {
	t.Run("no history counts as one", func(t *testing.T) {
		n, err := RetryCount(nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = RetryCount(amqp.Table{"x-custom": "value"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("most recent entry wins", func(t *testing.T) {
		headers := amqp.Table{
			HeaderDeath: []interface{}{
				amqp.Table{"count": int64(3), "reason": "expired"},
				amqp.Table{"count": int64(9), "reason": "rejected"},
			},
		}

		n, err := RetryCount(headers)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("history after one and two waits reads 1 then 2", func(t *testing.T) {
		afterFirstWait := amqp.Table{
			HeaderDeath: []interface{}{
				amqp.Table{"count": int64(1), "queue": "orders.created.wait_retry", "reason": "expired"},
				amqp.Table{"count": int64(1), "queue": "orders.created", "reason": "rejected"},
			},
		}
		afterSecondWait := amqp.Table{
			HeaderDeath: []interface{}{
				amqp.Table{"count": int64(2), "queue": "orders.created.wait_retry", "reason": "expired"},
				amqp.Table{"count": int64(2), "queue": "orders.created", "reason": "rejected"},
			},
		}

		n, err := RetryCount(afterFirstWait)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = RetryCount(afterSecondWait)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("count zero is returned as is", func(t *testing.T) {
		n, err := RetryCount(deathHeader(0))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("narrower integer encodings are accepted", func(t *testing.T) {
		for _, count := range []interface{}{int32(2), int16(2), int8(2), uint8(2), uint16(2), uint32(2), int(2)} {
			headers := amqp.Table{HeaderDeath: []interface{}{amqp.Table{"count": count}}}

			n, err := RetryCount(headers)
			require.NoError(t, err, "%T", count)
			assert.Equal(t, int64(2), n, "%T", count)
		}
	})

	malformed := []struct {
		name    string
		headers amqp.Table
	}{
		{"not a list", amqp.Table{HeaderDeath: "three"}},
		{"empty list", amqp.Table{HeaderDeath: []interface{}{}}},
		{"entry not a table", amqp.Table{HeaderDeath: []interface{}{"x"}}},
		{"entry without count", amqp.Table{HeaderDeath: []interface{}{amqp.Table{"reason": "rejected"}}}},
		{"count not an integer", amqp.Table{HeaderDeath: []interface{}{amqp.Table{"count": "3"}}}},
		{"float count", amqp.Table{HeaderDeath: []interface{}{amqp.Table{"count": 3.0}}}},
		{"negative count", amqp.Table{HeaderDeath: []interface{}{amqp.Table{"count": int64(-1)}}}},
	}

	for _, tt := range malformed {
		t.Run("malformed: "+tt.name, func(t *testing.T) {
			n, err := RetryCount(tt.headers)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, ErrMalformedDeathHeader)

			var metaErr *MetadataError
			require.ErrorAs(t, err, &metaErr)
			assert.Equal(t, HeaderDeath, metaErr.Header)
		})
	}
}
