package mqtransport

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAMQPURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "rabbit"
	cfg.Port = 5672
	cfg.Username = "bus"
	cfg.Password = "secret"
	cfg.VHost = "orders"

	uri, err := amqp.ParseURI(amqpURL(cfg))
	if err != nil {
		t.Fatalf("Expected a parseable URI, got: %v", err)
	}
	if uri.Host != "rabbit" || uri.Port != 5672 || uri.Username != "bus" || uri.Password != "secret" || uri.Vhost != "orders" {
		t.Fatalf("Unexpected URI: %+v", uri)
	}

	cfg.Username, cfg.Password, cfg.VHost = "", "", ""
	uri, err = amqp.ParseURI(amqpURL(cfg))
	if err != nil {
		t.Fatalf("Expected a parseable URI, got: %v", err)
	}
	if uri.Username != "guest" || uri.Vhost != "/" {
		t.Fatalf("Expected guest credentials on the default vhost, got: %+v", uri)
	}
}

func TestToPublishingRouting(t *testing.T) {
	pkg := NewOutboundPackage("orders", []byte("body"), map[string]string{"trace": "abc"})

	exchange, key, msg, err := toPublishing(pkg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exchange != "" || key != "orders" {
		t.Fatalf("Expected default exchange routed to orders, got: %q/%q", exchange, key)
	}
	if msg.MessageId != pkg.ID.String() || string(msg.Body) != "body" || msg.Headers["trace"] != "abc" {
		t.Fatalf("Unexpected publishing: %+v", msg)
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Fatal("Expected persistent delivery")
	}

	pkg.RoutingKey = "created"
	exchange, key, _, err = toPublishing(pkg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exchange != "orders" || key != "created" {
		t.Fatalf("Expected orders/created, got: %q/%q", exchange, key)
	}

	_, _, _, err = toPublishing(OutboundPackage{})
	if !errors.Is(err, ErrInvalidPackage) {
		t.Fatalf("Expected ErrInvalidPackage, got: %v", err)
	}
}

func TestHeadersFromTable(t *testing.T) {
	headers := headersFromTable(amqp.Table{
		"trace":   "abc",
		"raw":     []byte("xyz"),
		"retries": int32(3),
		"big":     int64(7),
		"ok":      true,
	})

	want := map[string]string{"trace": "abc", "raw": "xyz", "retries": "3", "big": "7", "ok": "true"}
	for k, v := range want {
		if headers[k] != v {
			t.Fatalf("Expected %s=%s, got: %q", k, v, headers[k])
		}
	}

	if headersFromTable(nil) != nil {
		t.Fatal("Expected nil headers for an empty table")
	}
}

func TestConsumerTag(t *testing.T) {
	cfg := DefaultConfig()
	if tag := consumerTag(cfg, Channel{Name: "orders"}); tag != "mqtransport.orders" {
		t.Fatalf("Unexpected tag: %s", tag)
	}
	cfg.ClientName = ""
	if tag := consumerTag(cfg, Channel{Name: "orders"}); tag != "orders" {
		t.Fatalf("Unexpected tag: %s", tag)
	}
}

type ctxKey struct{}

func TestConsumeContextOutlivesCaller(t *testing.T) {
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "trace-1"))
	ctx := consumeContext(parent)
	cancel()

	if parent.Err() == nil {
		t.Fatal("Expected the parent context to be cancelled")
	}
	if ctx.Err() != nil {
		t.Fatalf("Expected the consume context to stay alive, got: %v", ctx.Err())
	}
	select {
	case <-ctx.Done():
		t.Fatal("Expected the consume context to never be done")
	default:
	}
	if ctx.Value(ctxKey{}) != "trace-1" {
		t.Fatal("Expected the consume context to keep the caller's values")
	}
}

func TestAMQPListenRejectsExpiredContext(t *testing.T) {
	c := &amqpConsumer{queue: Channel{Name: "orders"}, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Listen(ctx, noopHandler)
	if !errors.Is(err, ErrSubscribeFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected ErrSubscribeFailed wrapping context.Canceled, got: %v", err)
	}
}
