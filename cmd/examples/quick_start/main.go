package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/TheAlpha16/mqtransport-go"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	metricsAddr := flag.String("metrics", ":9102", "address to serve /metrics on")
	flag.Parse()

	cfg, err := mqtransport.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := mqtransport.NewLogger(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, logger, *metricsAddr); err != nil {
		logger.Error("quick start failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg mqtransport.Config, logger *zap.Logger, metricsAddr string) error {
	metrics := mqtransport.NewMetrics()
	tr, err := mqtransport.NewFromConfig(cfg,
		mqtransport.WithLogger(logger),
		mqtransport.WithMetrics(metrics),
		mqtransport.WithOnError(func(ctx context.Context, msg mqtransport.InboundMessage, err error) {
			logger.Warn("message handling failed", zap.String("channel", msg.Channel), zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := func(ctx context.Context, msg mqtransport.InboundMessage) error {
		logger.Info("received", zap.String("channel", msg.Channel), zap.String("id", msg.ID), zap.ByteString("payload", msg.Payload))
		return nil
	}

	if err := tr.Consume(ctx, handler, mqtransport.Channel{Name: "orders"}, mqtransport.Channel{Name: "payments"}); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Info("transport started", zap.Strings("channels", tr.Channels()))

	// One package goes through the single publish path, a batch through the bulk path.
	if err := tr.Send(ctx, mqtransport.NewOutboundPackage("orders", []byte(`{"order":1}`), nil)); err != nil {
		logger.Error("send failed", zap.Error(err))
	}
	if err := tr.Send(ctx,
		mqtransport.NewOutboundPackage("payments", []byte(`{"payment":1}`), nil),
		mqtransport.NewOutboundPackage("payments", []byte(`{"payment":2}`), nil),
	); err != nil {
		logger.Error("bulk send failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	return tr.Stop(shutdownCtx)
}
