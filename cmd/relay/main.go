// The relay process is the bridge between the completion topic and the
// broadcast gateway: it drains order.completed as a single consumer group
// and forwards every event over a persistent WebSocket connection,
// committing offsets only after the gateway acknowledged the broadcast.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/config"
	"github.com/orderpipe/orderpipe/internal/httputil"
	"github.com/orderpipe/orderpipe/internal/metrics"
	"github.com/orderpipe/orderpipe/internal/relay"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	kb, err := connectBroker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("broker unreachable, giving up", zap.Error(err))
	}
	defer kb.Close() //nolint:errcheck

	consumer, err := kb.Subscribe(cfg.CompletedTopic, cfg.RelayGroup)
	if err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}

	fwd := relay.NewWSForwarder(cfg.GatewayIngressURL, cfg.ForwardTimeout, logger)
	defer fwd.Close() //nolint:errcheck

	rl := relay.New(consumer, fwd, relay.Options{
		ForwardTimeout: cfg.ForwardTimeout,
		Backoff:        cfg.RelayBackoff,
		MaxBackoff:     cfg.RelayMaxBackoff,
	}, logger, m)

	mr := mux.NewRouter()
	mr.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	mr.HandleFunc("/healthz", httputil.Health).Methods(http.MethodGet)
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: mr,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rl.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func connectBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*broker.Kafka, error) {
	kb, err := broker.NewKafka(broker.KafkaConfig{
		Brokers:           cfg.KafkaBrokers,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadTimeout:       cfg.BrokerIOTimeout,
		WriteTimeout:      cfg.BrokerIOTimeout,
		FetchMaxWait:      cfg.FetchMaxWait,
		StartLatest:       cfg.StartLatest,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if lastErr = kb.Ping(ctx); lastErr == nil {
			return kb, nil
		}
		logger.Warn("broker ping failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.ConnectRetries),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectBackoff):
		}
	}
	return nil, lastErr
}
