package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Opener opens channels. *Link implements it.
type Opener interface {
	Channel(ctx context.Context) (Channel, error)
}

// ChannelPool leases channels so concurrent publishers never share one.
type ChannelPool struct {
	opener      Opener
	channels    chan *pooledChannel
	maxSize     int
	idleTimeout time.Duration
	acquireWait time.Duration
	setup       func(Channel) error

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

type pooledChannel struct {
	Channel
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithAcquireTimeout bounds how long Get waits for a channel when the pool
// is at capacity
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireWait = timeout
	}
}

// WithChannelSetup runs fn on every channel the pool opens, before first use.
func WithChannelSetup(fn func(Channel) error) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.setup = fn
	}
}

// ConfirmMode is a channel setup putting channels into publisher confirm mode.
func ConfirmMode(ch Channel) error {
	return ch.Confirm(false)
}

// NewChannelPool creates a channel pool. Channels are opened lazily.
func NewChannelPool(opener Opener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		opener:      opener,
		maxSize:     10,
		idleTimeout: 5 * time.Minute,
		acquireWait: 5 * time.Second,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *pooledChannel, pool.maxSize)

	if pool.idleTimeout > 0 {
		go pool.cleanupIdle()
	}

	return pool, nil
}

// Get leases a channel from the pool, opening one if under capacity
func (cp *ChannelPool) Get(ctx context.Context) (Channel, error) {
	pc, err := cp.get(ctx)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (cp *ChannelPool) get(ctx context.Context) (*pooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	var timeout <-chan time.Time

	for {
		select {
		case pc := <-cp.channels:
			if pc.IsClosed() {
				cp.release()
				continue
			}
			pc.lastUsed = time.Now()
			return pc, nil
		default:
		}

		if cp.reserve() {
			pc, err := cp.open(ctx)
			if err != nil {
				cp.release()
				return nil, err
			}
			return pc, nil
		}

		if timeout == nil {
			timer := time.NewTimer(cp.acquireWait)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case pc := <-cp.channels:
			if pc.IsClosed() {
				cp.release()
				continue
			}
			pc.lastUsed = time.Now()
			return pc, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-timeout:
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a leased channel to the pool
func (cp *ChannelPool) Put(ch Channel) {
	pc, ok := ch.(*pooledChannel)
	if !ok || pc == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed {
		_ = pc.Close()
		return
	}

	if pc.IsClosed() {
		cp.release()
		return
	}

	pc.lastUsed = time.Now()

	select {
	case cp.channels <- pc:
	default:
		_ = pc.Close()
		cp.release()
	}
}

// Execute runs fn with a leased channel and returns it to the pool afterwards.
// A channel fn leaves closed is dropped from the pool.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// Size returns the number of open channels owned by the pool, leased or idle
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes all idle channels; leased channels are closed when returned
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case pc := <-cp.channels:
			if !pc.IsClosed() {
				_ = pc.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

func (cp *ChannelPool) open(ctx context.Context) (*pooledChannel, error) {
	ch, err := cp.opener.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if cp.setup != nil {
		if err := cp.setup(ch); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "setup channel",
				ChannelID: ch.ID(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return &pooledChannel{Channel: ch, lastUsed: time.Now()}, nil
}

// cleanupIdle closes channels idle for longer than idleTimeout
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(cp.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*pooledChannel

	drain:
		for {
			select {
			case pc := <-cp.channels:
				if pc.lastUsed.Before(cutoff) || pc.IsClosed() {
					_ = pc.Close()
					cp.release()
				} else {
					keep = append(keep, pc)
				}
			default:
				break drain
			}
		}

		for _, pc := range keep {
			cp.Put(pc)
		}
	}
}
