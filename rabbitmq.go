package mqtransport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type amqpBackend struct {
	options Options
}

// NewAMQPBackend returns a Backend consuming from and publishing to RabbitMQ.
func NewAMQPBackend(opts ...Option) Backend {
	return &amqpBackend{options: buildOptions(opts)}
}

func (b *amqpBackend) NewConsumer(channel Channel, config Config, logger *zap.Logger) (Consumer, error) {
	conn, err := dialAMQP(config)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	prefetch := config.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &amqpConsumer{
		conn:    conn,
		channel: ch,
		queue:   channel,
		tag:     consumerTag(config, channel),
		logger:  logger.With(zap.String("channel", channel.Name)),
		options: b.options,
		done:    make(chan struct{}),
	}, nil
}

func (b *amqpBackend) NewPublisher(config Config, logger *zap.Logger) (Publisher, error) {
	conn, err := dialAMQP(config)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// Bulk publishes go through a dedicated transactional channel.
	txCh, err := conn.Channel()
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("open tx channel: %w", err)
	}
	if err := txCh.Tx(); err != nil {
		txCh.Close()
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("select tx mode: %w", err)
	}

	return &amqpPublisher{conn: conn, channel: ch, txChannel: txCh, logger: logger}, nil
}

func amqpURL(config Config) string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     config.Host,
		Port:     config.Port,
		Username: config.Username,
		Password: config.Password,
		Vhost:    config.VHost,
	}
	if uri.Username == "" {
		uri.Username = "guest"
		uri.Password = "guest"
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

func dialAMQP(config Config) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if config.ClientName != "" {
		props.SetClientConnectionName(config.ClientName)
	}

	conn, err := amqp.DialConfig(amqpURL(config), amqp.Config{Properties: props})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func consumerTag(config Config, channel Channel) string {
	if config.ClientName == "" {
		return channel.Name
	}
	return config.ClientName + "." + channel.Name
}

type amqpConsumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     Channel
	tag       string
	logger    *zap.Logger
	options   Options
	mu        sync.Mutex
	listening bool
	stopped   bool
	done      chan struct{}
}

// Listen registers the consumer on the queue. The broker confirms with
// basic.consume-ok before Consume returns.
func (c *amqpConsumer) Listen(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listening {
		return ErrAlreadyListening
	}
	if c.stopped {
		return ErrConsumerStopped
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	deliveries, err := c.channel.ConsumeWithContext(
		consumeContext(ctx),
		c.queue.Name,
		c.tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.listening = true
	go c.deliveryLoop(deliveries, handler)
	return nil
}

// consumeContext keeps the values of ctx but not its cancellation.
// ConsumeWithContext cancels the consumer when its context is done, and a
// consumer lives until Stop, not until the caller's start deadline.
func consumeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// deliveryLoop acknowledges a message only if the handler returns nil.
// It exits once the deliveries channel is closed by Cancel or a connection loss.
func (c *amqpConsumer) deliveryLoop(deliveries <-chan amqp.Delivery, handler Handler) {
	defer close(c.done)

	ctx := context.Background()
	for d := range deliveries {
		msg := InboundMessage{
			ID:      d.MessageId,
			Channel: c.queue.Name,
			Payload: d.Body,
			Headers: headersFromTable(d.Headers),
		}

		if err := handler(ctx, msg); err != nil {
			c.logger.Error("handler error", zap.String("msg_id", msg.ID), zap.Error(err))
			c.options.OnError(ctx, msg, err)
			d.Nack(false, true) // requeue for retry
			continue
		}

		d.Ack(false)
	}

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		c.logger.Error("deliveries channel closed unexpectedly")
	}
}

// Stop cancels the consumer, waits for in-flight deliveries and closes the connection.
func (c *amqpConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	listening := c.listening
	c.mu.Unlock()

	var errs []error
	if listening {
		if err := c.channel.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("cancel consumer: %w", err))
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

type amqpPublisher struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	txChannel *amqp.Channel
	logger    *zap.Logger
	txMu      sync.Mutex
}

// Publish sends a single package.
func (p *amqpPublisher) Publish(ctx context.Context, pkg OutboundPackage) error {
	exchange, key, msg, err := toPublishing(pkg)
	if err != nil {
		return err
	}
	if err := p.channel.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishBulk publishes every package inside one AMQP transaction so the
// batch is either committed or rolled back as a whole.
func (p *amqpPublisher) PublishBulk(ctx context.Context, pkgs ...OutboundPackage) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	for _, pkg := range pkgs {
		exchange, key, msg, err := toPublishing(pkg)
		if err == nil {
			err = p.txChannel.PublishWithContext(ctx, exchange, key, false, false, msg)
		}
		if err != nil {
			if rbErr := p.txChannel.TxRollback(); rbErr != nil {
				p.logger.Error("rollback failed", zap.Error(rbErr))
			}
			return fmt.Errorf("%w: package %s: %w", ErrPublishFailed, pkg.ID, err)
		}
	}

	if err := p.txChannel.TxCommit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPublishFailed, err)
	}
	return nil
}

// Disconnect closes both channels and the connection.
func (p *amqpPublisher) Disconnect(ctx context.Context) error {
	var errs []error
	for _, ch := range []*amqp.Channel{p.channel, p.txChannel} {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// toPublishing resolves the exchange and routing key of a package. Without a
// routing key the package goes through the default exchange straight to the
// queue named by Destination.
func toPublishing(pkg OutboundPackage) (exchange, key string, msg amqp.Publishing, err error) {
	if pkg.Destination == "" {
		return "", "", amqp.Publishing{}, fmt.Errorf("%w: empty destination", ErrInvalidPackage)
	}

	exchange, key = "", pkg.Destination
	if pkg.RoutingKey != "" {
		exchange, key = pkg.Destination, pkg.RoutingKey
	}

	var headers amqp.Table
	if len(pkg.Headers) > 0 {
		headers = make(amqp.Table, len(pkg.Headers))
		for k, v := range pkg.Headers {
			headers[k] = v
		}
	}

	msg = amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    pkg.ID.String(),
		Headers:      headers,
		Body:         pkg.Payload,
	}
	return exchange, key, msg, nil
}

func headersFromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	headers := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case int32:
			headers[k] = strconv.FormatInt(int64(val), 10)
		case int64:
			headers[k] = strconv.FormatInt(val, 10)
		case bool:
			headers[k] = strconv.FormatBool(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
