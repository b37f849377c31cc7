package mqtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// State is the connection state of a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

const publisherComponent = "publisher"

type coordinator struct {
	config    Config
	backend   Backend
	registry  Registry
	logger    *zap.Logger
	metrics   *Metrics
	mu        sync.Mutex
	state     State
	publisher Publisher
	// gen is bumped by every Disconnect so in-flight subscriptions started
	// before it can tell they must not register.
	gen uint64
	// pubMu serializes publisher creation without holding mu across the dial.
	pubMu sync.Mutex
}

// CreateTopic is a no-op: topics are created implicitly by the broker
func (c *coordinator) CreateTopic(ctx context.Context, topic Topic, binds ...TopicBind) error {
	return nil
}

// CreateQueue is a no-op: queues are created implicitly by the broker
func (c *coordinator) CreateQueue(ctx context.Context, queue Channel, binds ...QueueBind) error {
	return nil
}

// Connect moves the transport into the connected state. Connections are
// opened by consumers and publishers themselves, so there is nothing to dial.
func (c *coordinator) Connect(ctx context.Context) error {
	c.connect()
	return nil
}

// connect returns the generation the transport is connected in.
func (c *coordinator) connect() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return c.gen
	}

	c.state = StateConnected
	c.logger.Debug("transport connected",
		zap.String("backend", c.config.Backend),
		zap.String("address", c.config.Address()))
	return c.gen
}

// Consume starts a consumer per channel concurrently and waits until every
// subscription attempt has resolved. Consumers that started are registered
// and keep running even when a sibling fails; failures are returned joined.
func (c *coordinator) Consume(ctx context.Context, handler Handler, channels ...Channel) error {
	gen := c.connect()

	if len(channels) == 0 {
		return nil
	}

	p := pool.New().WithErrors()
	for _, channel := range channels {
		p.Go(func() error {
			return c.subscribe(ctx, handler, channel, gen)
		})
	}

	err := p.Wait()
	c.metrics.consumers(c.registry.Len())
	return err
}

func (c *coordinator) subscribe(ctx context.Context, handler Handler, channel Channel, gen uint64) error {
	if channel.Name == "" {
		c.metrics.subscription(false)
		return &SubscriptionError{Channel: channel.Name, Err: ErrInvalidChannel}
	}

	c.logger.Debug("starting a subscription",
		zap.String("host", c.config.Host),
		zap.Int("port", c.config.Port),
		zap.String("channel", channel.Name))

	consumer, err := c.backend.NewConsumer(channel, c.config, c.logger)
	if err != nil {
		c.metrics.subscription(false)
		return &SubscriptionError{Channel: channel.Name, Err: err}
	}

	if err := consumer.Listen(ctx, handler); err != nil {
		c.metrics.subscription(false)
		c.logger.Error("subscription failed", zap.String("channel", channel.Name), zap.Error(err))
		// never registered, so nothing else will release its connection
		if stopErr := consumer.Stop(ctx); stopErr != nil {
			c.logger.Warn("release failed consumer", zap.String("channel", channel.Name), zap.Error(stopErr))
		}
		return &SubscriptionError{Channel: channel.Name, Err: err}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.metrics.subscription(false)
		c.logger.Warn("transport disconnected while subscribing", zap.String("channel", channel.Name))
		if stopErr := consumer.Stop(ctx); stopErr != nil {
			c.logger.Warn("release stale consumer", zap.String("channel", channel.Name), zap.Error(stopErr))
		}
		return &SubscriptionError{Channel: channel.Name, Err: ErrConsumerStopped}
	}
	previous, replaced := c.registry.Register(channel.Name, consumer)
	c.mu.Unlock()

	if replaced {
		c.logger.Warn("consumer replaced an existing subscription", zap.String("channel", channel.Name))
		if err := previous.Stop(ctx); err != nil {
			c.logger.Warn("stop replaced consumer", zap.String("channel", channel.Name), zap.Error(err))
		}
	}
	c.metrics.subscription(true)
	return nil
}

// Send publishes the packages through the lazily created publisher. One
// package goes through Publish, several through a single PublishBulk call.
func (c *coordinator) Send(ctx context.Context, pkgs ...OutboundPackage) error {
	if len(pkgs) == 0 {
		return nil
	}

	publisher, err := c.ensurePublisher()
	if err != nil {
		return err
	}

	if len(pkgs) == 1 {
		err = publisher.Publish(ctx, pkgs[0])
		c.metrics.published(publishPathSingle, 1, err)
		return err
	}

	err = publisher.PublishBulk(ctx, pkgs...)
	c.metrics.published(publishPathBulk, len(pkgs), err)
	return err
}

func (c *coordinator) currentPublisher() Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publisher
}

func (c *coordinator) ensurePublisher() (Publisher, error) {
	if publisher := c.currentPublisher(); publisher != nil {
		return publisher, nil
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if publisher := c.currentPublisher(); publisher != nil {
		return publisher, nil
	}

	// dialing can be slow, keep mu free for IsConnected and Disconnect
	publisher, err := c.backend.NewPublisher(c.config, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublisherUnavailable, err)
	}

	c.mu.Lock()
	c.publisher = publisher
	c.mu.Unlock()
	return publisher, nil
}

// Stop is equivalent to Disconnect.
func (c *coordinator) Stop(ctx context.Context) error {
	return c.Disconnect(ctx)
}

// Disconnect asks the publisher and every registered consumer to stop at the
// same time and waits for all of them. Every failure is reported, wrapped in
// ErrShutdown, as a *StopError.
func (c *coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	publisher := c.publisher
	c.publisher = nil
	c.state = StateDisconnected
	c.gen++
	consumers := c.registry.Drain()
	c.mu.Unlock()

	c.metrics.consumers(0)

	p := pool.New().WithErrors()
	if publisher != nil {
		p.Go(func() error {
			return c.stopComponent(publisherComponent, publisher.Disconnect(ctx))
		})
	}
	for name, consumer := range consumers {
		p.Go(func() error {
			return c.stopComponent(name, consumer.Stop(ctx))
		})
	}

	if err := p.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrShutdown, err)
	}

	c.logger.Debug("transport disconnected", zap.Int("consumers", len(consumers)))
	return nil
}

func (c *coordinator) stopComponent(name string, err error) error {
	if err == nil {
		return nil
	}
	c.metrics.shutdownFailure()
	c.logger.Error("stop failed", zap.String("component", name), zap.Error(err))
	return &StopError{Component: name, Err: err}
}

// IsConnected returns true if the transport is in the connected state
func (c *coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *coordinator) Channels() []string {
	return c.registry.Channels()
}

// New creates a transport that builds consumers and publishers with backend.
func New(config Config, backend Backend, opts ...Option) Transport {
	options := buildOptions(opts)
	return &coordinator{
		config:   config,
		backend:  backend,
		registry: NewRegistry(),
		logger:   options.Logger,
		metrics:  options.Metrics,
	}
}

// NewFromConfig creates a transport backed by the broker named in config.Backend.
func NewFromConfig(config Config, opts ...Option) (Transport, error) {
	backend, err := NewBackend(config, opts...)
	if err != nil {
		return nil, err
	}
	return New(config, backend, opts...), nil
}

// NewBackend returns the Backend implementation selected by config.Backend.
func NewBackend(config Config, opts ...Option) (Backend, error) {
	switch config.Backend {
	case BackendValkey, "":
		return NewValkeyBackend(opts...), nil
	case BackendAMQP:
		return NewAMQPBackend(opts...), nil
	case BackendNATS:
		return NewNATSBackend(opts...), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, config.Backend)
	}
}
