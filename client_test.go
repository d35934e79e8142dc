package retrymq

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/retrymq/broker"
	"github.com/glimte/retrymq/retry"
)

func testDescriptor() retry.Descriptor {
	return retry.Descriptor{
		Exchange:   "orders",
		Queue:      "orders.created",
		RoutingKey: "order.created",
		RetryWait:  5 * time.Second,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("invalid descriptor fails before dialing", func(t *testing.T) {
		_, err := NewClient(context.Background(), "amqp://localhost:5672/", retry.Descriptor{})
		assert.ErrorIs(t, err, retry.ErrInvalidDescriptor)
	})

	t.Run("connection failure is reported", func(t *testing.T) {
		_, err := NewClient(context.Background(), "invalid://url", testDescriptor(),
			WithLinkOptions(broker.WithReconnectPolicy(broker.ReconnectPolicy{})))
		require.Error(t, err)

		var connErr *broker.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}

func TestClientOptions(t *testing.T) {
	logger := slog.Default()
	settings := gobreaker.Settings{Name: "publish"}

	cfg := &clientConfig{}
	for _, opt := range []ClientOption{
		WithLogger(logger),
		WithPoolSize(3),
		WithCircuitBreaker(settings),
		WithoutDeclare(),
		WithLinkOptions(broker.WithDialTimeout(time.Second)),
		WithLinkOptions(broker.WithConnectionName("orders")),
	} {
		opt(cfg)
	}

	assert.Equal(t, logger, cfg.logger)
	assert.Equal(t, 3, cfg.poolSize)
	require.NotNil(t, cfg.breaker)
	assert.Equal(t, "publish", cfg.breaker.Name)
	assert.False(t, cfg.declare)
	assert.Len(t, cfg.linkOptions, 2)
}
