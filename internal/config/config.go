package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment
// variables. Every field has a default suitable for local development
// against a single Kafka broker on localhost.
type Config struct {
	// HTTP
	Port            string
	MetricsPort     string
	ShutdownTimeout time.Duration

	// Rate limiting on the intake endpoint
	RateLimitRPS   float64
	RateLimitBurst int

	// Broker
	KafkaBrokers      []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	BrokerIOTimeout   time.Duration
	FetchMaxWait      time.Duration
	StartLatest       bool
	ConnectRetries    int
	ConnectBackoff    time.Duration

	// Topics and consumer groups
	OrdersTopic    string
	CompletedTopic string
	WorkerGroup    string
	RelayGroup     string

	// Processing
	PerUnitTime     time.Duration
	PublishTimeout  time.Duration
	PublishAttempts int
	PublishBackoff  time.Duration

	// Relay
	GatewayIngressURL string
	ForwardTimeout    time.Duration
	RelayBackoff      time.Duration
	RelayMaxBackoff   time.Duration

	// Gateway
	SendBuffer int
}

// Load reads the configuration from the environment. It fails when a value
// would violate the liveness invariant: broker I/O timeouts must be shorter
// than the consumer-group session timeout, otherwise transient broker
// stalls would masquerade as dead consumers.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9091"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 40),

		KafkaBrokers:      splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		SessionTimeout:    getDuration("KAFKA_SESSION_TIMEOUT", 30*time.Second),
		HeartbeatInterval: getDuration("KAFKA_HEARTBEAT_INTERVAL", 3*time.Second),
		BrokerIOTimeout:   getDuration("KAFKA_IO_TIMEOUT", 10*time.Second),
		FetchMaxWait:      getDuration("KAFKA_FETCH_MAX_WAIT", 500*time.Millisecond),
		StartLatest:       getBool("KAFKA_START_LATEST", true),
		ConnectRetries:    getInt("KAFKA_CONNECT_RETRIES", 5),
		ConnectBackoff:    getDuration("KAFKA_CONNECT_BACKOFF", 2*time.Second),

		OrdersTopic:    getEnv("ORDERS_TOPIC", "orders"),
		CompletedTopic: getEnv("COMPLETED_TOPIC", "order.completed"),
		WorkerGroup:    getEnv("WORKER_GROUP", "order-workers"),
		RelayGroup:     getEnv("RELAY_GROUP", "completion-relay"),

		PerUnitTime:     getDuration("PER_UNIT_TIME", 2*time.Second),
		PublishTimeout:  getDuration("PUBLISH_TIMEOUT", 5*time.Second),
		PublishAttempts: getInt("PUBLISH_ATTEMPTS", 3),
		PublishBackoff:  getDuration("PUBLISH_BACKOFF", 200*time.Millisecond),

		GatewayIngressURL: getEnv("GATEWAY_INGRESS_URL", "ws://localhost:8080/ws/ingress"),
		ForwardTimeout:    getDuration("FORWARD_TIMEOUT", 5*time.Second),
		RelayBackoff:      getDuration("RELAY_BACKOFF", 500*time.Millisecond),
		RelayMaxBackoff:   getDuration("RELAY_MAX_BACKOFF", 10*time.Second),

		SendBuffer: getInt("SEND_BUFFER", 64),
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must list at least one address")
	}
	if cfg.BrokerIOTimeout >= cfg.SessionTimeout {
		return nil, fmt.Errorf("KAFKA_IO_TIMEOUT (%v) must be shorter than KAFKA_SESSION_TIMEOUT (%v)",
			cfg.BrokerIOTimeout, cfg.SessionTimeout)
	}
	if cfg.PerUnitTime <= 0 {
		return nil, fmt.Errorf("PER_UNIT_TIME must be positive")
	}
	if cfg.SendBuffer < 1 {
		return nil, fmt.Errorf("SEND_BUFFER must be at least 1")
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
