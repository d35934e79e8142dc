package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ReconnectPolicy controls how a Link recreates its connection after a
// connection-level error.
type ReconnectPolicy struct {
	Enabled         bool
	MaxAttempts     int // 0 means unlimited
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultReconnectPolicy retries three times with exponential backoff.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

type dialFunc func(url string, config amqp.Config) (*amqp.Connection, error)

// Link owns one connection to the broker and hands out channels on it.
type Link struct {
	url         string
	config      amqp.Config
	dialTimeout time.Duration
	policy      ReconnectPolicy
	logger      *slog.Logger
	dial        dialFunc

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool
	done        chan struct{}

	events *eventBus
}

// LinkOption configures the Link
type LinkOption func(*Link)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) LinkOption {
	return func(l *Link) {
		l.logger = logger
	}
}

// WithReconnectPolicy sets the reconnection policy
func WithReconnectPolicy(policy ReconnectPolicy) LinkOption {
	return func(l *Link) {
		l.policy = policy
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) LinkOption {
	return func(l *Link) {
		l.dialTimeout = timeout
	}
}

// WithAMQPConfig replaces the amqp091 connection config (TLS, vhost, heartbeat).
func WithAMQPConfig(config amqp.Config) LinkOption {
	return func(l *Link) {
		l.config = config
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// management UI.
func WithConnectionName(name string) LinkOption {
	return func(l *Link) {
		if l.config.Properties == nil {
			l.config.Properties = amqp.NewConnectionProperties()
		}
		l.config.Properties.SetClientConnectionName(name)
	}
}

// NewLink creates a link; call Connect before opening channels.
func NewLink(url string, options ...LinkOption) *Link {
	l := &Link{
		url:         url,
		dialTimeout: 30 * time.Second,
		policy:      DefaultReconnectPolicy(),
		logger:      slog.Default(),
		dial:        amqp.DialConfig,
		done:        make(chan struct{}),
		config: amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		},
	}

	for _, opt := range options {
		opt(l)
	}

	if l.config.Dial == nil {
		l.config.Dial = amqp.DefaultDial(l.dialTimeout)
	}

	l.events = newEventBus(func(evt Event) {
		l.logger.Warn("dropping link event for slow subscriber", "event", evt.Kind.String())
	})

	return l
}

// Connect establishes the initial connection
func (l *Link) Connect(ctx context.Context) error {
	l.mu.RLock()
	closed, connected := l.closed, l.isConnected
	l.mu.RUnlock()

	if closed {
		return ErrLinkClosed
	}
	if connected {
		return nil
	}

	conn, err := l.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(l.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	l.mu.Lock()
	if l.closed || l.isConnected {
		l.mu.Unlock()
		_ = conn.Close()
		if l.closed {
			return ErrLinkClosed
		}
		return nil
	}
	l.conn = conn
	l.isConnected = true
	l.mu.Unlock()

	l.logger.Info("connected to RabbitMQ", "url", SanitizeURL(l.url))
	l.events.publish(Event{Kind: EventConnected})

	go l.watchConnection(conn)

	return nil
}

// Connection returns the current connection
func (l *Link) Connection() (*amqp.Connection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLinkClosed
	}
	if !l.isConnected || l.conn == nil {
		return nil, ErrLinkNotReady
	}
	if l.conn.IsClosed() {
		return nil, ErrLinkNotReady
	}

	return l.conn, nil
}

// Channel opens a new channel on the current connection. It fails fast with
// ErrLinkNotReady while the link is down.
func (l *Link) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	conn, err := l.Connection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	c := &amqpChannel{Channel: ch, id: uuid.NewString()}
	go l.watchChannel(c)

	return c, nil
}

// IsConnected returns the connection status
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isConnected
}

// Subscribe registers for link events. Events are dropped, not queued, when
// the buffer is full. The returned function unsubscribes and closes the
// channel; Close also closes every subscription.
func (l *Link) Subscribe(buffer int) (<-chan Event, func()) {
	return l.events.subscribe(buffer)
}

// Close closes the connection and stops any reconnection in progress
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	conn := l.conn
	l.conn = nil
	l.isConnected = false
	l.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	l.events.close()
	l.logger.Info("link closed")

	return err
}

func (l *Link) watchChannel(c *amqpChannel) {
	notify := c.NotifyClose(make(chan *amqp.Error, 1))
	err, ok := <-notify
	if !ok || err == nil {
		return
	}

	l.logger.Warn("channel closed by broker",
		"channelId", c.id,
		"code", err.Code,
		"reason", err.Reason)
	l.events.publish(Event{Kind: EventChannelClosed, ChannelID: c.id, Err: err})
}

func (l *Link) watchConnection(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err, ok := <-notify:
		if !ok || err == nil {
			return
		}

		l.logger.Error("connection closed", "error", err)

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
			l.isConnected = false
		}
		l.mu.Unlock()

		l.events.publish(Event{Kind: EventDisconnected, Err: err})

		if l.policy.Enabled {
			l.reconnect()
		}

	case <-l.done:
	}
}

// reconnect redials with exponential backoff until it succeeds, the policy
// gives up, or the link is closed.
func (l *Link) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	start := time.Now()

	operation := func() error {
		attempt++
		l.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxAttempts", l.policy.MaxAttempts)
		l.events.publish(Event{Kind: EventReconnecting, Attempt: attempt})

		conn, err := l.dialContext(ctx)
		if err != nil {
			return err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			return backoff.Permanent(ErrLinkClosed)
		}
		l.conn = conn
		l.isConnected = true
		l.mu.Unlock()

		go l.watchConnection(conn)
		return nil
	}

	notify := func(err error, next time.Duration) {
		l.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(l.backoffPolicy(), ctx), notify)
	if err == nil {
		l.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start))
		l.events.publish(Event{Kind: EventConnected})
		return
	}

	if errors.Is(err, ErrLinkClosed) || ctx.Err() != nil {
		return
	}

	l.logger.Error("max reconnection attempts reached",
		"attempts", attempt,
		"duration", time.Since(start))
	l.events.publish(Event{
		Kind:    EventReconnectFailed,
		Attempt: attempt,
		Err: &ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(l.url),
			Err:       fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempt,
		},
	})
}

func (l *Link) backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if l.policy.InitialInterval > 0 {
		b.InitialInterval = l.policy.InitialInterval
	}
	if l.policy.MaxInterval > 0 {
		b.MaxInterval = l.policy.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	if l.policy.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(l.policy.MaxAttempts-1))
	}
	return b
}

// dialContext runs the blocking dial in a goroutine so ctx can abandon it.
// A connection that arrives after ctx is done is closed.
func (l *Link) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := l.dial(l.url, l.config)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err

	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrConnectionTimeout
	}
}
