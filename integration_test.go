//go:build integration

package retrymq

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/retrymq/internal/rabbitmqtest"
	"github.com/glimte/retrymq/retry"
)

var brokerURL string

func TestMain(m *testing.M) {
	os.Exit(rabbitmqtest.Run(m, &brokerURL))
}

func newIntegrationClient(t *testing.T, d retry.Descriptor) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := NewClient(ctx, brokerURL, d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func uniqueDescriptor(retryWait, entryDelay time.Duration) retry.Descriptor {
	id := uuid.NewString()[:8]
	return retry.Descriptor{
		Exchange:   "it." + id,
		Queue:      "it." + id + ".q",
		RoutingKey: "it.key",
		RetryWait:  retryWait,
		EntryDelay: entryDelay,
	}
}

// pollWithin polls until a delivery arrives or the timeout passes.
func pollWithin(t *testing.T, p *retry.Poller, timeout time.Duration) *retry.PolledDelivery {
	t.Helper()

	var got *retry.PolledDelivery
	require.Eventually(t, func() bool {
		d, err := p.Poll(context.Background())
		if err != nil {
			return false
		}
		got = d
		return d != nil
	}, timeout, 20*time.Millisecond)
	return got
}

func TestIntegrationRedeclareIsIdempotent(t *testing.T) {
	d := uniqueDescriptor(time.Second, time.Second)
	first := newIntegrationClient(t, d)

	second := newIntegrationClient(t, d)
	require.NoError(t, second.Declare(context.Background()))

	stats, err := first.Inspect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Main.Messages)
	assert.NotNil(t, stats.Delay)
}

func TestIntegrationConflictingRedeclareFails(t *testing.T) {
	d := uniqueDescriptor(time.Second, 0)
	newIntegrationClient(t, d)

	d.RetryWait = 2 * time.Second
	_, err := NewClient(context.Background(), brokerURL, d)
	assert.ErrorIs(t, err, retry.ErrTopologyDeclarationFailed)
}

func TestIntegrationPublishThenPoll(t *testing.T) {
	d := uniqueDescriptor(time.Second, 0)
	c := newIntegrationClient(t, d)
	p, err := c.NewPoller()
	require.NoError(t, err)

	payload := []byte(`{"order":42}`)
	require.NoError(t, c.Publish(context.Background(), payload, "", retry.PublishOptions{Persistent: true}))

	got := pollWithin(t, p, 5*time.Second)
	assert.Equal(t, payload, got.Body)
	assert.Equal(t, int64(1), got.RetryCount)
	require.NoError(t, got.Accept())

	time.Sleep(2 * d.RetryWait)
	again, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again, "accepted message must not come back")
}

func TestIntegrationRejectedMessageReturnsAfterWait(t *testing.T) {
	d := uniqueDescriptor(500*time.Millisecond, 0)
	c := newIntegrationClient(t, d)
	p, err := c.NewPoller()
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), []byte("retry me"), "", retry.PublishOptions{Persistent: true}))

	first := pollWithin(t, p, 5*time.Second)
	assert.Equal(t, int64(1), first.RetryCount)
	assert.NotContains(t, first.Metadata.Headers, retry.HeaderDeath)
	rejectedAt := time.Now()
	require.NoError(t, first.Reject())

	second := pollWithin(t, p, 10*time.Second)
	assert.GreaterOrEqual(t, time.Since(rejectedAt), d.RetryWait-50*time.Millisecond)
	assert.Equal(t, []byte("retry me"), second.Body)
	assert.Contains(t, second.Metadata.Headers, retry.HeaderDeath)
	// The wait queue's expiry record leads x-death with count 1.
	assert.Equal(t, int64(1), second.RetryCount)
	require.NoError(t, second.Reject())

	third := pollWithin(t, p, 10*time.Second)
	assert.Equal(t, []byte("retry me"), third.Body)
	assert.Equal(t, int64(2), third.RetryCount)
	require.NoError(t, third.Accept())
}

func TestIntegrationConsumerRetriesFailedHandler(t *testing.T) {
	d := uniqueDescriptor(300*time.Millisecond, 0)
	c := newIntegrationClient(t, d)

	consumer, err := c.NewConsumer(context.Background())
	require.NoError(t, err)

	var attempts atomic.Int32
	var (
		mu     sync.Mutex
		counts []int64
	)
	succeeded := make(chan retry.Delivery, 1)
	sub, err := consumer.Subscribe(context.Background(), retry.HandlerFunc(func(_ context.Context, del retry.Delivery) error {
		mu.Lock()
		counts = append(counts, del.RetryCount)
		mu.Unlock()
		if attempts.Add(1) < 3 {
			return assert.AnError
		}
		succeeded <- del
		return nil
	}))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, c.Publish(context.Background(), []byte("flaky"), "", retry.PublishOptions{Persistent: true}))

	select {
	case del := <-succeeded:
		assert.Equal(t, []byte("flaky"), del.Body)
		assert.Contains(t, del.Metadata.Headers, retry.HeaderDeath)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not retried to success")
	}
	assert.Equal(t, int32(3), attempts.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1, 2}, counts)
}

func TestIntegrationEntryDelay(t *testing.T) {
	d := uniqueDescriptor(time.Second, 800*time.Millisecond)
	c := newIntegrationClient(t, d)
	p, err := c.NewPoller()
	require.NoError(t, err)

	publishedAt := time.Now()
	require.NoError(t, c.Publish(context.Background(), []byte("later"), "", retry.PublishOptions{Persistent: true}))

	empty, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, empty, "message must wait in the delay queue")

	got := pollWithin(t, p, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(publishedAt), d.EntryDelay-50*time.Millisecond)
	assert.Equal(t, []byte("later"), got.Body)
	require.NoError(t, got.Accept())

	err = c.Publish(context.Background(), []byte("x"), "other.key", retry.PublishOptions{})
	assert.ErrorIs(t, err, retry.ErrRoutingKeyMismatch)
}

func TestIntegrationExpiredMessageTakesRetryPath(t *testing.T) {
	d := uniqueDescriptor(time.Second, 0)
	c := newIntegrationClient(t, d)
	p, err := c.NewPoller()
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), []byte("stale"), "", retry.PublishOptions{
		Persistent: true,
		TTL:        100 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		stats, err := c.Inspect(context.Background())
		return err == nil && stats.Main.Messages == 0 && stats.Wait.Messages == 1
	}, 5*time.Second, 20*time.Millisecond)

	got := pollWithin(t, p, 5*time.Second)
	assert.Equal(t, []byte("stale"), got.Body)
	assert.Contains(t, got.Metadata.Headers, retry.HeaderDeath)
	require.NoError(t, got.Accept())
}

func TestIntegrationPrefetchBoundsUnresolvedDeliveries(t *testing.T) {
	d := uniqueDescriptor(time.Second, 0)
	c := newIntegrationClient(t, d)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish(context.Background(), []byte("m"), "", retry.PublishOptions{Persistent: true}))
	}

	consumer, err := c.NewConsumer(context.Background(), retry.WithPrefetchCount(2))
	require.NoError(t, err)

	var inflight, peak atomic.Int32
	release := make(chan struct{})
	sub, err := consumer.Subscribe(context.Background(), retry.HandlerFunc(func(context.Context, retry.Delivery) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return nil
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inflight.Load() == 2 }, 5*time.Second, 20*time.Millisecond)

	stats, err := c.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Main.Messages, "only prefetch deliveries leave the queue")

	close(release)
	require.Eventually(t, func() bool {
		stats, err := c.Inspect(context.Background())
		return err == nil && stats.Main.Messages == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, sub.Cancel())
	assert.Equal(t, int32(2), peak.Load())
}
