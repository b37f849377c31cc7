package mqtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"
)

type valkeyBackend struct {
	options Options
}

// NewValkeyBackend returns a Backend using Valkey pub/sub channels.
func NewValkeyBackend(opts ...Option) Backend {
	return &valkeyBackend{options: buildOptions(opts)}
}

func (b *valkeyBackend) NewConsumer(channel Channel, config Config, logger *zap.Logger) (Consumer, error) {
	client, err := NewValkeyClient(config)
	if err != nil {
		return nil, err
	}
	return newValkeyConsumer(client, channel, logger, b.options), nil
}

func (b *valkeyBackend) NewPublisher(config Config, logger *zap.Logger) (Publisher, error) {
	client, err := NewValkeyClient(config)
	if err != nil {
		return nil, err
	}
	return &valkeyPublisher{client: client, logger: logger}, nil
}

// NewValkeyClient creates a new valkey client from the connection configuration
func NewValkeyClient(config Config) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{config.Address()},
		Username:    config.Username,
		Password:    config.Password,
		ClientName:  config.ClientName,
	})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", config.Address(), err)
	}
	return client, nil
}

type valkeyConsumer struct {
	client    valkey.Client
	channel   Channel
	logger    *zap.Logger
	options   Options
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	handler   Handler
	listening bool
	done      chan struct{}
	once      sync.Once
}

func newValkeyConsumer(client valkey.Client, channel Channel, logger *zap.Logger, options Options) *valkeyConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &valkeyConsumer{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("channel", channel.Name)),
		options: options,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Listen subscribes on a dedicated connection and returns once the server
// has confirmed the subscription.
func (v *valkeyConsumer) Listen(ctx context.Context, handler Handler) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.listening {
		return ErrAlreadyListening
	}
	if v.shouldStop() {
		return ErrConsumerStopped
	}

	v.handler = handler
	release, wait, err := v.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	v.listening = true
	go v.subscriptionLoop(release, wait)
	return nil
}

func (v *valkeyConsumer) subscribe(ctx context.Context) (func(), <-chan error, error) {
	dc, release := v.client.Dedicate()
	wait := dc.SetPubSubHooks(valkey.PubSubHooks{
		OnMessage: v.handleMessage,
	})

	cmd := dc.B().Subscribe().Channel(v.channel.Subject()).Build()
	if err := dc.Do(ctx, cmd).Error(); err != nil {
		release()
		return nil, nil, err
	}
	return release, wait, nil
}

// subscriptionLoop holds the subscription until Stop and resubscribes with
// backoff when the connection drops.
func (v *valkeyConsumer) subscriptionLoop(release func(), wait <-chan error) {
	defer close(v.done)

	for {
		select {
		case <-v.ctx.Done():
			release()
			return
		case err := <-wait:
			release()
			if v.shouldStop() {
				return
			}
			v.logger.Warn("subscription lost", zap.Error(err))
		}

		retryDelay := v.options.RetryDelay
		for {
			if !v.sleep(retryDelay) {
				return
			}

			var err error
			release, wait, err = v.subscribe(v.ctx)
			if err == nil {
				v.logger.Info("subscription restored")
				break
			}
			if v.shouldStop() {
				return
			}

			v.logger.Warn("resubscribe failed", zap.Error(err), zap.Duration("retry_in", retryDelay))
			retryDelay *= 2
			if retryDelay > v.options.MaxRetryDelay {
				retryDelay = v.options.MaxRetryDelay
			}
		}
	}
}

// handleMessage processes individual messages from the subscription
func (v *valkeyConsumer) handleMessage(msg valkey.PubSubMessage) {
	// Only process messages from our channel
	if msg.Channel != v.channel.Subject() {
		return
	}

	inbound, err := decodeMessage(v.channel.Name, []byte(msg.Message))
	if err != nil {
		v.options.OnError(v.ctx, inbound, err)
		return
	}

	if err := v.handler(v.ctx, inbound); err != nil {
		v.logger.Error("handler error", zap.String("msg_id", inbound.ID), zap.Error(err))
		v.options.OnError(v.ctx, inbound, err)
	}
}

// Stop cancels the subscription loop, waits for it to exit and closes the client.
func (v *valkeyConsumer) Stop(ctx context.Context) error {
	v.mu.Lock()
	listening := v.listening
	v.mu.Unlock()

	var err error
	v.once.Do(func() {
		v.cancel()
		if listening {
			select {
			case <-v.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		v.client.Close()
	})
	return err
}

func (v *valkeyConsumer) shouldStop() bool {
	select {
	case <-v.ctx.Done():
		return true
	default:
		return false
	}
}

func (v *valkeyConsumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-v.ctx.Done():
		return false
	}
}

type valkeyPublisher struct {
	client valkey.Client
	logger *zap.Logger
	once   sync.Once
}

// Publish publishes a package to its destination channel
func (p *valkeyPublisher) Publish(ctx context.Context, pkg OutboundPackage) error {
	cmd, err := p.publishCommand(pkg)
	if err != nil {
		return err
	}

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishBulk pipelines every PUBLISH in a single round trip.
func (p *valkeyPublisher) PublishBulk(ctx context.Context, pkgs ...OutboundPackage) error {
	cmds := make([]valkey.Completed, 0, len(pkgs))
	for _, pkg := range pkgs {
		cmd, err := p.publishCommand(pkg)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}

	var errs []error
	for i, res := range p.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			errs = append(errs, fmt.Errorf("package %s: %w", pkgs[i].ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPublishFailed, errors.Join(errs...))
	}

	p.logger.Debug("bulk published", zap.Int("count", len(pkgs)))
	return nil
}

func (p *valkeyPublisher) publishCommand(pkg OutboundPackage) (valkey.Completed, error) {
	data, err := encodePackage(pkg)
	if err != nil {
		return valkey.Completed{}, err
	}
	return p.client.B().Publish().Channel(pkg.Destination).Message(valkey.BinaryString(data)).Build(), nil
}

// Disconnect closes the client. Pending commands are flushed by Close.
func (p *valkeyPublisher) Disconnect(ctx context.Context) error {
	p.once.Do(p.client.Close)
	return nil
}
