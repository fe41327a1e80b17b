package broker

import "context"

// Message is a single record read from a topic partition. Topic, Partition
// and Offset identify the record for a later Commit.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
}

// Publisher is the write half of a broker. Publish returns only after the
// broker has durably accepted the record; callers never get a success for a
// message that was not acknowledged.
type Publisher interface {
	// Publish appends a keyed record to the topic. The key determines the
	// partition, so all records with the same key are totally ordered.
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Broker is a durable, partitioned, append-only log with named topics and
// consumer groups. Implementations: Kafka (distributed) and Inmem
// (single-process, for tests and local development).
type Broker interface {
	Publisher

	// Subscribe joins the given consumer group on a topic and returns a
	// Consumer owning a subset of the topic's partitions. Instances sharing
	// a group compete for partitions; the broker rebalances assignment as
	// members join or leave.
	Subscribe(topic, group string) (Consumer, error)

	// Close releases all producers and consumers. After Close returns,
	// Publish and Subscribe must not be called.
	Close() error
}

// Consumer is one member of a consumer group. Delivery is at-least-once:
// a fetched message that is never committed is redelivered, to this member
// or another, after a rebalance or restart.
type Consumer interface {
	// Fetch blocks until the next message from one of the member's assigned
	// partitions is available, or ctx is done.
	Fetch(ctx context.Context) (Message, error)

	// Commit advances the group's offset past the given message. Call it
	// only after every side effect of handling the message is durable.
	Commit(ctx context.Context, m Message) error

	// Close leaves the group, triggering a rebalance of its partitions.
	Close() error
}
