// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retrymq wires a broker link, a retry topology, a producer and
// consumers into one Client.
package retrymq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/retrymq/broker"
	"github.com/glimte/retrymq/health"
	"github.com/glimte/retrymq/retry"
)

// Client provides the main entry point for one retry topology
type Client struct {
	link     *broker.Link
	pool     *broker.ChannelPool
	desc     retry.Descriptor
	producer *retry.Producer
	cfg      *clientConfig

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// NewClient connects to uri, declares d's topology and prepares a producer.
func NewClient(ctx context.Context, uri string, d retry.Descriptor, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:   slog.Default(),
		poolSize: 10,
		declare:  true,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	linkOpts := append([]broker.LinkOption{broker.WithLogger(cfg.logger)}, cfg.linkOptions...)
	link := broker.NewLink(uri, linkOpts...)

	if err := link.Connect(ctx); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{link: link, desc: d, cfg: cfg}

	if cfg.declare {
		if err := c.Declare(ctx); err != nil {
			_ = link.Close()
			return nil, err
		}
	}

	pool, err := broker.NewChannelPool(link,
		broker.WithMaxSize(cfg.poolSize),
		broker.WithChannelSetup(broker.ConfirmMode))
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	c.pool = pool

	producerOpts := []retry.ProducerOption{
		retry.WithProducerLogger(cfg.logger),
		retry.WithProducerMeterProvider(cfg.meterProvider),
	}
	if cfg.breaker != nil {
		producerOpts = append(producerOpts, retry.WithCircuitBreaker(*cfg.breaker))
	}

	producer, err := retry.NewProducer(pool, d, producerOpts...)
	if err != nil {
		_ = pool.Close()
		_ = link.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	c.producer = producer

	cfg.logger.Info("retry client ready",
		"exchange", d.Exchange,
		"queue", d.Queue,
		"routingKey", d.RoutingKey,
		"retryWait", d.RetryWait,
		"entryDelay", d.EntryDelay)

	return c, nil
}

// Declare declares the client's topology on a short-lived channel. It is
// safe to call again.
func (c *Client) Declare(ctx context.Context) error {
	ch, err := c.link.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	return retry.DeclareTopology(ctx, ch, c.desc, retry.WithTopologyLogger(c.cfg.logger))
}

// Inspect reports the topology's queue depths.
func (c *Client) Inspect(ctx context.Context) (retry.TopologyStats, error) {
	ch, err := c.link.Channel(ctx)
	if err != nil {
		return retry.TopologyStats{}, err
	}
	defer ch.Close()

	return retry.InspectTopology(ctx, ch, c.desc)
}

// Descriptor returns the topology descriptor
func (c *Client) Descriptor() retry.Descriptor {
	return c.desc
}

// Link returns the underlying broker link
func (c *Client) Link() *broker.Link {
	return c.link
}

// Producer returns the producer
func (c *Client) Producer() *retry.Producer {
	return c.producer
}

// Publish is shorthand for Producer().Publish.
func (c *Client) Publish(ctx context.Context, payload []byte, routingKey string, opts retry.PublishOptions) error {
	return c.producer.Publish(ctx, payload, routingKey, opts)
}

// NewConsumer creates a push consumer on a dedicated channel. The client
// closes the channel on Close.
func (c *Client) NewConsumer(ctx context.Context, options ...retry.ConsumerOption) (*retry.Consumer, error) {
	ch, err := c.link.Channel(ctx)
	if err != nil {
		return nil, err
	}

	opts := append([]retry.ConsumerOption{
		retry.WithConsumerLogger(c.cfg.logger),
		retry.WithConsumerMeterProvider(c.cfg.meterProvider),
	}, options...)

	consumer, err := retry.NewConsumer(ch, c.desc, opts...)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	if err := c.track(consumerCloser{consumer: consumer, ch: ch}); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return consumer, nil
}

// NewPoller creates a pull consumer with its own channel.
func (c *Client) NewPoller(options ...retry.PollerOption) (*retry.Poller, error) {
	opts := append([]retry.PollerOption{
		retry.WithPollerLogger(c.cfg.logger),
		retry.WithPollerMeterProvider(c.cfg.meterProvider),
	}, options...)

	poller, err := retry.NewPoller(c.link, c.desc, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.track(poller); err != nil {
		return nil, err
	}
	return poller, nil
}

// Events subscribes to the link's connection and channel events.
func (c *Client) Events(buffer int) (<-chan broker.Event, func()) {
	return c.link.Subscribe(buffer)
}

// Health returns a registry checking the link, the channel pool and the
// topology. waitThreshold is passed to health.NewTopologyChecker.
func (c *Client) Health(waitThreshold int) *health.Registry {
	return health.NewRegistry(
		health.NewLinkChecker(c.link),
		health.NewPoolChecker(c.pool),
		health.NewTopologyChecker(c.link, c.desc, waitThreshold),
	)
}

// Close stops consumers and pollers created by the client, then closes the
// channel pool and the link.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.link.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Client) track(closer io.Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = closer.Close()
		return broker.ErrLinkClosed
	}
	c.closers = append(c.closers, closer)
	return nil
}

type consumerCloser struct {
	consumer *retry.Consumer
	ch       broker.Channel
}

func (cc consumerCloser) Close() error {
	err := cc.consumer.Close()
	if cerr := cc.ch.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	linkOptions   []broker.LinkOption
	poolSize      int
	meterProvider metric.MeterProvider
	breaker       *gobreaker.Settings
	declare       bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithLinkOptions passes options to the broker link
func WithLinkOptions(options ...broker.LinkOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.linkOptions = append(cfg.linkOptions, options...)
	}
}

// WithPoolSize sets how many publish channels may be open at once
func WithPoolSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolSize = size
	}
}

// WithMeterProvider sets the meter provider for the producer and every
// consumer the client creates
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = mp
	}
}

// WithCircuitBreaker guards publishes with a circuit breaker
func WithCircuitBreaker(settings gobreaker.Settings) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &settings
	}
}

// WithoutDeclare skips topology declaration in NewClient, for deployments
// where the topology is provisioned separately.
func WithoutDeclare() ClientOption {
	return func(cfg *clientConfig) {
		cfg.declare = false
	}
}
