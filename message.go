package mqtransport

import (
	"context"

	"github.com/google/uuid"
)

// Channel describes one queue/channel to subscribe to.
type Channel struct {
	// Name identifies the subscription and is the key consumers are registered under.
	Name string `json:"name"`
	// Topic is the subject actually subscribed to. Defaults to Name.
	Topic    string            `json:"topic,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subject returns the topic the consumer should subscribe to.
func (c Channel) Subject() string {
	if c.Topic != "" {
		return c.Topic
	}
	return c.Name
}

// Topic is accepted by CreateTopic.
type Topic struct {
	Name string
}

// TopicBind binds a topic to another topic with a routing key.
type TopicBind struct {
	Destination Topic
	RoutingKey  string
}

// QueueBind binds a queue to a topic with a routing key.
type QueueBind struct {
	Topic      Topic
	RoutingKey string
}

// OutboundPackage is an application message plus routing metadata.
// The transport forwards it to the publisher without modification.
type OutboundPackage struct {
	ID          uuid.UUID         `json:"id"`
	Destination string            `json:"destination"`
	RoutingKey  string            `json:"routing_key,omitempty"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// NewOutboundPackage creates a package with a freshly generated ID.
func NewOutboundPackage(destination string, payload []byte, headers map[string]string) OutboundPackage {
	return OutboundPackage{
		ID:          uuid.New(),
		Destination: destination,
		Payload:     payload,
		Headers:     headers,
	}
}

// InboundMessage is a message received by a consumer.
type InboundMessage struct {
	ID      string
	Channel string
	Payload []byte
	Headers map[string]string
}

// Handler defines the function signature for processing a received message
type Handler func(ctx context.Context, msg InboundMessage) error
