// The worker process competes with its peers in one consumer group over the
// orders topic, simulates per-order processing time and publishes a
// completion event for every finished order.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orderpipe/orderpipe/internal/broker"
	"github.com/orderpipe/orderpipe/internal/config"
	"github.com/orderpipe/orderpipe/internal/httputil"
	"github.com/orderpipe/orderpipe/internal/metrics"
	"github.com/orderpipe/orderpipe/internal/worker"
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

	consumer, err := kb.Subscribe(cfg.OrdersTopic, cfg.WorkerGroup)
	if err != nil {
		logger.Fatal("subscribe failed", zap.Error(err))
	}

	id := instanceID()
	w := worker.New(consumer, kb, worker.Options{
		InstanceID:      id,
		CompletedTopic:  cfg.CompletedTopic,
		PerUnit:         cfg.PerUnitTime,
		PublishTimeout:  cfg.PublishTimeout,
		PublishAttempts: cfg.PublishAttempts,
		PublishBackoff:  cfg.PublishBackoff,
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
		logger.Info("worker started",
			zap.String("instance_id", id),
			zap.String("group", cfg.WorkerGroup))
		return w.Run(gctx)
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
		logger.Fatal("worker failed", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// instanceID names this worker in completion events. The hostname keeps it
// readable in container deployments; the suffix keeps replicas on one host
// distinct.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
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
