package mqtransport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ErrorHandler is a user-provided callback for message handling errors
type ErrorHandler func(ctx context.Context, msg InboundMessage, err error)
type Option func(*Options)

type Options struct {
	Logger        *zap.Logger
	Metrics       *Metrics
	OnError       ErrorHandler
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func defaultOptions() Options {
	return Options{
		Logger:        zap.NewNop(),
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 30 * time.Second,
		OnError: func(ctx context.Context, msg InboundMessage, err error) {
			// Default: no-op
		},
	}
}

func buildOptions(opts []Option) Options {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func WithOnError(handler ErrorHandler) Option {
	return func(o *Options) {
		if handler != nil {
			o.OnError = handler
		}
	}
}

// WithRetryDelay sets the reconnect backoff used by consumers that resubscribe
// after losing their connection.
func WithRetryDelay(initial, maxDelay time.Duration) Option {
	return func(o *Options) {
		if initial > 0 {
			o.RetryDelay = initial
		}
		if maxDelay >= initial && maxDelay > 0 {
			o.MaxRetryDelay = maxDelay
		}
	}
}
