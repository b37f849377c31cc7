package mqtransport

import (
	"encoding/json"
	"fmt"
)

// envelope is the JSON wire format for brokers without native message
// properties (valkey, nats).
type envelope struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}

func encodePackage(pkg OutboundPackage) ([]byte, error) {
	if pkg.Destination == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrInvalidPackage)
	}
	return json.Marshal(envelope{
		ID:      pkg.ID.String(),
		Headers: pkg.Headers,
		Payload: pkg.Payload,
	})
}

func decodeMessage(channel string, data []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundMessage{Channel: channel, Payload: data}, fmt.Errorf("decode message: %w", err)
	}
	return InboundMessage{
		ID:      env.ID,
		Channel: channel,
		Payload: env.Payload,
		Headers: env.Headers,
	}, nil
}
