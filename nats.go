package mqtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type natsBackend struct {
	options Options
}

// NewNATSBackend returns a Backend using core NATS subjects. A channel with a
// Topic subscribes to that subject in a queue group named after the channel.
func NewNATSBackend(opts ...Option) Backend {
	return &natsBackend{options: buildOptions(opts)}
}

func (b *natsBackend) NewConsumer(channel Channel, config Config, logger *zap.Logger) (Consumer, error) {
	closed := make(chan struct{})
	nc, err := dialNATS(config, nats.ClosedHandler(func(*nats.Conn) { close(closed) }))
	if err != nil {
		return nil, err
	}
	return &natsConsumer{
		nc:      nc,
		channel: channel,
		logger:  logger.With(zap.String("channel", channel.Name)),
		options: b.options,
		closed:  closed,
	}, nil
}

func (b *natsBackend) NewPublisher(config Config, logger *zap.Logger) (Publisher, error) {
	nc, err := dialNATS(config)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{nc: nc, logger: logger}, nil
}

func natsURL(config Config) string {
	return "nats://" + config.Address()
}

func dialNATS(config Config, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name(config.ClientName)}
	if config.Username != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(natsURL(config), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", config.Address(), err)
	}
	return nc, nil
}

type natsConsumer struct {
	nc      *nats.Conn
	channel Channel
	logger  *zap.Logger
	options Options
	closed  chan struct{}
	mu      sync.Mutex
	sub     *nats.Subscription
	stopped bool
}

// Listen subscribes and flushes so the server has processed the
// subscription before returning.
func (c *natsConsumer) Listen(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return ErrAlreadyListening
	}
	if c.stopped {
		return ErrConsumerStopped
	}

	cb := func(m *nats.Msg) {
		msg := fromNATSMsg(c.channel.Name, m)
		if err := handler(context.Background(), msg); err != nil {
			c.logger.Error("handler error", zap.String("msg_id", msg.ID), zap.Error(err))
			c.options.OnError(context.Background(), msg, err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if c.channel.Topic != "" {
		sub, err = c.nc.QueueSubscribe(c.channel.Topic, c.channel.Name, cb)
	} else {
		sub, err = c.nc.Subscribe(c.channel.Name, cb)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	if err := c.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%w: flush: %w", ErrSubscribeFailed, err)
	}

	c.sub = sub
	return nil
}

// Stop drains the connection, letting in-flight messages finish, and waits
// until it is closed.
func (c *natsConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain: %w", err)
	}

	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		c.nc.Close()
		return ctx.Err()
	}
}

type natsPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func (p *natsPublisher) Publish(ctx context.Context, pkg OutboundPackage) error {
	msg, err := toNATSMsg(pkg)
	if err != nil {
		return err
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishBulk buffers every message and flushes once.
func (p *natsPublisher) PublishBulk(ctx context.Context, pkgs ...OutboundPackage) error {
	for _, pkg := range pkgs {
		msg, err := toNATSMsg(pkg)
		if err != nil {
			return err
		}
		if err := p.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("%w: package %s: %w", ErrPublishFailed, pkg.ID, err)
		}
	}

	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrPublishFailed, err)
	}
	return nil
}

func (p *natsPublisher) Disconnect(ctx context.Context) error {
	defer p.nc.Close()
	if p.nc.IsClosed() {
		return nil
	}
	return p.nc.FlushWithContext(ctx)
}

func toNATSMsg(pkg OutboundPackage) (*nats.Msg, error) {
	if pkg.Destination == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidPackage)
	}

	subject := pkg.Destination
	if pkg.RoutingKey != "" {
		subject = pkg.Destination + "." + pkg.RoutingKey
	}

	msg := nats.NewMsg(subject)
	msg.Data = pkg.Payload
	msg.Header.Set(nats.MsgIdHdr, pkg.ID.String())
	// direct assignment keeps the caller's header names as given
	for k, v := range pkg.Headers {
		msg.Header[k] = []string{v}
	}
	return msg, nil
}

func fromNATSMsg(channel string, m *nats.Msg) InboundMessage {
	msg := InboundMessage{Channel: channel, Payload: m.Data}
	if len(m.Header) == 0 {
		return msg
	}

	msg.ID = m.Header.Get(nats.MsgIdHdr)
	msg.Headers = make(map[string]string, len(m.Header))
	for k := range m.Header {
		if k == nats.MsgIdHdr {
			continue
		}
		if v := m.Header[k]; len(v) > 0 {
			msg.Headers[k] = v[0]
		}
	}
	return msg
}
