package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/retrymq/broker"
	"github.com/glimte/retrymq/retry"
)

// Link is what LinkChecker needs from a broker link. *broker.Link
// implements it.
type Link interface {
	broker.Opener
	IsConnected() bool
}

// LinkChecker checks the connection by opening a channel and passively
// declaring amq.direct on it.
type LinkChecker struct {
	link Link
}

// NewLinkChecker creates a new link health checker
func NewLinkChecker(link Link) *LinkChecker {
	return &LinkChecker{link: link}
}

func (c *LinkChecker) Name() string {
	return "broker_link"
}

func (c *LinkChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.link.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "link is not connected"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.link.Channel(ctx)
	if err != nil {
		return failed(result, start, StatusUnhealthy, "failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		return failed(result, start, StatusDegraded, "exchange check failed", err)
	}

	result.Status = StatusHealthy
	result.Message = "link is healthy"
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// TopologyChecker inspects a retry topology's queues. A wait queue deeper
// than the threshold means messages are failing faster than they recover.
type TopologyChecker struct {
	opener        broker.Opener
	desc          retry.Descriptor
	waitThreshold int
}

// NewTopologyChecker creates a topology checker; a waitThreshold of zero or
// less disables the depth check.
func NewTopologyChecker(opener broker.Opener, d retry.Descriptor, waitThreshold int) *TopologyChecker {
	return &TopologyChecker{opener: opener, desc: d, waitThreshold: waitThreshold}
}

func (c *TopologyChecker) Name() string {
	return "topology:" + c.desc.Queue
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	// Passive declaration of a missing queue closes the channel, so each
	// check gets its own.
	ch, err := c.opener.Channel(ctx)
	if err != nil {
		return failed(result, start, StatusUnhealthy, "failed to open channel", err)
	}
	defer ch.Close()

	stats, err := retry.InspectTopology(ctx, ch, c.desc)
	if err != nil {
		return failed(result, start, StatusUnhealthy, "topology inspection failed", err)
	}

	result.Details["mainMessages"] = stats.Main.Messages
	result.Details["mainConsumers"] = stats.Main.Consumers
	result.Details["waitMessages"] = stats.Wait.Messages
	if stats.Delay != nil {
		result.Details["delayMessages"] = stats.Delay.Messages
	}

	result.Status = StatusHealthy
	result.Message = "topology is healthy"
	if c.waitThreshold > 0 && stats.Wait.Messages > c.waitThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("wait queue holds %d messages (threshold %d)", stats.Wait.Messages, c.waitThreshold)
	}

	result.Duration = time.Since(start)
	return result
}

// PoolChecker checks that a channel can be leased from a pool.
type PoolChecker struct {
	pool *broker.ChannelPool
}

// NewPoolChecker creates a new channel pool health checker
func NewPoolChecker(pool *broker.ChannelPool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "channel_pool"
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"poolSize": c.pool.Size()},
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return failed(result, start, StatusUnhealthy, "failed to get channel from pool", err)
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Duration = time.Since(start)
	return result
}

func failed(result CheckResult, start time.Time, status Status, msg string, err error) CheckResult {
	result.Status = status
	result.Message = msg
	result.Error = err.Error()
	result.Duration = time.Since(start)
	return result
}
