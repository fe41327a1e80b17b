package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds connection and consumer-group tuning for the Kafka
// broker. Read/write timeouts must stay below the session timeout so that a
// transient broker hiccup surfaces as a retryable error instead of a false
// rebalance.
type KafkaConfig struct {
	Brokers           []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	FetchMaxWait      time.Duration
	StartLatest       bool // start new groups at the newest offset
}

// Kafka implements Broker on top of segmentio/kafka-go. One shared writer
// serves all topics; each Subscribe call gets its own group reader.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer

	mu        sync.Mutex
	consumers map[string]*kafkaConsumer
	closed    bool
}

// NewKafka creates a Kafka broker client. It does not touch the network;
// call Ping to verify reachability at startup.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = 500 * time.Millisecond
	}
	if cfg.ReadTimeout >= cfg.SessionTimeout || cfg.WriteTimeout >= cfg.SessionTimeout {
		return nil, fmt.Errorf("broker I/O timeouts must be shorter than the session timeout")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            1, // retries belong to the call site that owns durability
		BatchTimeout:           10 * time.Millisecond,
		ReadTimeout:            cfg.ReadTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Kafka{
		cfg:       cfg,
		writer:    writer,
		consumers: make(map[string]*kafkaConsumer),
	}, nil
}

// Ping dials the first broker address to verify reachability.
func (b *Kafka) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: b.cfg.ReadTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", b.cfg.Brokers[0], err)
	}
	return conn.Close()
}

// Publish writes one keyed record and waits for the broker acknowledgement.
func (b *Kafka) Publish(ctx context.Context, topic string, key, value []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group on the topic and returns a Consumer
// backed by a dedicated group reader.
func (b *Kafka) Subscribe(topic, group string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	startOffset := kafka.FirstOffset
	if b.cfg.StartLatest {
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           b.cfg.Brokers,
		Topic:             topic,
		GroupID:           group,
		MinBytes:          1,
		MaxBytes:          10e6, // 10MB
		MaxWait:           b.cfg.FetchMaxWait,
		SessionTimeout:    b.cfg.SessionTimeout,
		HeartbeatInterval: b.cfg.HeartbeatInterval,
		StartOffset:       startOffset,
		Dialer:            &kafka.Dialer{Timeout: b.cfg.ReadTimeout, DualStack: true},
	})

	c := &kafkaConsumer{reader: reader}
	b.consumers[topic+"/"+group+"/"+fmt.Sprint(len(b.consumers))] = c
	return c, nil
}

// Close shuts down the writer and every consumer created via Subscribe.
func (b *Kafka) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, c := range b.consumers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, m Message) error {
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
	})
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
