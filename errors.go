package mqtransport

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPackage       = errors.New("invalid outbound package")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrPublisherUnavailable = errors.New("failed to create publisher")
	ErrPublishFailed        = errors.New("failed to publish package")
	ErrSubscribeFailed      = errors.New("failed to subscribe to channel")
	ErrShutdown             = errors.New("transport shutdown failed")
	ErrConsumerStopped      = errors.New("consumer stopped")
	ErrAlreadyListening     = errors.New("consumer already listening")
	ErrUnknownBackend       = errors.New("unknown backend")
)

// SubscriptionError reports a channel whose subscription could not be started.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// StopError reports a consumer or publisher that failed to shut down.
// Component is the channel name, or "publisher".
type StopError struct {
	Component string
	Err       error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop %s: %v", e.Component, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }
