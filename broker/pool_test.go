package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/retrymq/broker"
	"github.com/glimte/retrymq/internal/brokertest"
)

func TestChannelPool(t *testing.T) {
	t.Run("NewChannelPool rejects a nil opener", func(t *testing.T) {
		_, err := broker.NewChannelPool(nil)
		assert.ErrorIs(t, err, broker.ErrInvalidConfiguration)
	})

	t.Run("NewChannelPool rejects a non-positive size", func(t *testing.T) {
		_, err := broker.NewChannelPool(brokertest.NewOpener(0), broker.WithMaxSize(0))
		assert.ErrorIs(t, err, broker.ErrInvalidConfiguration)
	})

	t.Run("channels are opened lazily and reused", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		pool, err := broker.NewChannelPool(opener)
		require.NoError(t, err)
		defer pool.Close()

		assert.Equal(t, 0, pool.Size())

		ch, err := pool.Get(context.Background())
		require.NoError(t, err)
		pool.Put(ch)

		again, err := pool.Get(context.Background())
		require.NoError(t, err)
		pool.Put(again)

		assert.Equal(t, ch.ID(), again.ID())
		assert.Equal(t, 1, pool.Size())
		assert.Len(t, opener.Opened(), 1)
	})

	t.Run("setup runs on every new channel", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		pool, err := broker.NewChannelPool(opener, broker.WithChannelSetup(broker.ConfirmMode))
		require.NoError(t, err)
		defer pool.Close()

		err = pool.Execute(context.Background(), func(broker.Channel) error { return nil })
		require.NoError(t, err)

		require.Len(t, opener.Opened(), 1)
		assert.True(t, opener.Opened()[0].InConfirmMode())
	})

	t.Run("failed setup closes the channel and frees the slot", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		setupErr := errors.New("confirm refused")
		pool, err := broker.NewChannelPool(opener,
			broker.WithMaxSize(1),
			broker.WithChannelSetup(func(broker.Channel) error { return setupErr }))
		require.NoError(t, err)
		defer pool.Close()

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, setupErr)
		assert.Equal(t, 0, pool.Size())
		assert.True(t, opener.Opened()[0].IsClosed())
	})

	t.Run("opener failures are returned", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		opener.FailWith(broker.ErrLinkNotReady)
		pool, err := broker.NewChannelPool(opener)
		require.NoError(t, err)
		defer pool.Close()

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, broker.ErrLinkNotReady)
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("closed channels are replaced", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		pool, err := broker.NewChannelPool(opener)
		require.NoError(t, err)
		defer pool.Close()

		ch, err := pool.Get(context.Background())
		require.NoError(t, err)
		opener.Opened()[0].Kill(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"})
		pool.Put(ch)

		fresh, err := pool.Get(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, ch.ID(), fresh.ID())
		assert.Len(t, opener.Opened(), 2)
		pool.Put(fresh)
	})

	t.Run("Get times out when exhausted", func(t *testing.T) {
		pool, err := broker.NewChannelPool(brokertest.NewOpener(0),
			broker.WithMaxSize(1),
			broker.WithAcquireTimeout(20*time.Millisecond))
		require.NoError(t, err)
		defer pool.Close()

		held, err := pool.Get(context.Background())
		require.NoError(t, err)
		defer pool.Put(held)

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, broker.ErrChannelPoolExhausted)
	})

	t.Run("Execute recovers from panics and keeps the channel", func(t *testing.T) {
		pool, err := broker.NewChannelPool(brokertest.NewOpener(0))
		require.NoError(t, err)
		defer pool.Close()

		err = pool.Execute(context.Background(), func(broker.Channel) error {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("Get after Close fails", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		pool, err := broker.NewChannelPool(opener)
		require.NoError(t, err)

		require.NoError(t, pool.Execute(context.Background(), func(broker.Channel) error { return nil }))
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())

		_, err = pool.Get(context.Background())
		assert.ErrorIs(t, err, broker.ErrChannelPoolClosed)
		assert.True(t, opener.Opened()[0].IsClosed())
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("idle channels are closed", func(t *testing.T) {
		opener := brokertest.NewOpener(0)
		pool, err := broker.NewChannelPool(opener, broker.WithIdleTimeout(20*time.Millisecond))
		require.NoError(t, err)
		defer pool.Close()

		require.NoError(t, pool.Execute(context.Background(), func(broker.Channel) error { return nil }))

		assert.Eventually(t, func() bool {
			return pool.Size() == 0
		}, time.Second, 10*time.Millisecond)
		assert.True(t, opener.Opened()[0].IsClosed())
	})
}
