package mqtransport

import (
	"context"

	"go.uber.org/zap"
)

// Consumer owns the subscribe-and-receive loop for a single channel.
type Consumer interface {
	// Listen starts consuming and returns once the subscription is confirmed
	// by the broker, or with the error that prevented it. Messages keep being
	// delivered to handler in the background until Stop is called. ctx only
	// bounds the start; cancelling it later does not end the subscription.
	Listen(ctx context.Context, handler Handler) error

	// Stop ends the receive loop and releases the connection.
	Stop(ctx context.Context) error
}

// Publisher owns the outbound connection.
type Publisher interface {
	// Publish sends a single package.
	Publish(ctx context.Context, pkg OutboundPackage) error

	// PublishBulk sends several packages as one batch.
	PublishBulk(ctx context.Context, pkgs ...OutboundPackage) error

	// Disconnect flushes pending data and closes the connection.
	Disconnect(ctx context.Context) error
}

// Backend creates consumers and publishers for a concrete broker.
// Constructing a consumer or publisher opens its connection.
type Backend interface {
	NewConsumer(channel Channel, config Config, logger *zap.Logger) (Consumer, error)
	NewPublisher(config Config, logger *zap.Logger) (Publisher, error)
}

// Transport is the lifecycle coordinator exposed to the message bus.
type Transport interface {
	// CreateTopic is a no-op for this transport.
	CreateTopic(ctx context.Context, topic Topic, binds ...TopicBind) error

	// CreateQueue is a no-op for this transport.
	CreateQueue(ctx context.Context, queue Channel, binds ...QueueBind) error

	// Connect marks the transport connected. Calling it again has no effect.
	Connect(ctx context.Context) error

	// Consume starts one consumer per channel and registers every consumer
	// whose subscription succeeded.
	Consume(ctx context.Context, handler Handler, channels ...Channel) error

	// Send publishes zero or more packages.
	Send(ctx context.Context, pkgs ...OutboundPackage) error

	// Stop is equivalent to Disconnect.
	Stop(ctx context.Context) error

	// Disconnect stops every registered consumer and the publisher.
	Disconnect(ctx context.Context) error

	// IsConnected returns true between Connect and Disconnect
	IsConnected() bool

	// Channels returns the names of the registered consumers.
	Channels() []string
}
