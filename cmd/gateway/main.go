// The gateway process serves the order intake API and the WebSocket
// broadcast endpoints. It publishes accepted orders to the broker and fans
// forwarded completions out to every connected subscriber.
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
	"github.com/orderpipe/orderpipe/internal/gateway"
	"github.com/orderpipe/orderpipe/internal/httputil"
	"github.com/orderpipe/orderpipe/internal/intake"
	"github.com/orderpipe/orderpipe/internal/metrics"
	mw "github.com/orderpipe/orderpipe/internal/middleware"
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

	hub := gateway.NewHub(cfg.SendBuffer, logger, m)

	svc := intake.NewService(kb, intake.Options{
		Topic:           cfg.OrdersTopic,
		PublishTimeout:  cfg.PublishTimeout,
		PublishAttempts: cfg.PublishAttempts,
		PublishBackoff:  cfg.PublishBackoff,
	}, logger, m)

	r := mux.NewRouter()
	r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.HandleFunc("/healthz", httputil.Health).Methods(http.MethodGet)
	intake.NewHandler(svc, logger).RegisterRoutes(r)
	gateway.NewHandler(hub, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	mr := mux.NewRouter()
	mr.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	mr.HandleFunc("/healthz", httputil.Health).Methods(http.MethodGet)
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: mr,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx) //nolint:errcheck
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("gateway failed", zap.Error(err))
	}
	logger.Info("gateway stopped")
}

// connectBroker builds the Kafka client and verifies reachability, retrying
// with a fixed backoff. An unreachable broker after the final attempt is a
// configuration problem and the process must not come up half-alive.
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
