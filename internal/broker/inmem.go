package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// DefaultPartitions is the partition count for topics created implicitly by
// the in-memory broker.
const DefaultPartitions = 3

// Inmem implements Broker as a single-process partitioned log. It keeps the
// semantics the pipeline relies on: key-hashed partition assignment,
// per-group committed offsets, competing consumers with rebalance on
// join/leave, and redelivery of uncommitted messages. Intended for tests
// and local development.
type Inmem struct {
	mu            sync.Mutex
	numPartitions int
	topics        map[string]*inmemTopic
	groups        map[string]*inmemGroup
	wake          chan struct{}
	closed        bool
}

type inmemTopic struct {
	parts [][]Message
}

type inmemGroup struct {
	topic     string
	committed []int64 // next offset the group owes nobody
	cursor    []int64 // next offset to hand out; >= committed
	members   []*InmemConsumer
}

// NewInmem creates an in-memory broker whose topics all have the given
// partition count. partitions <= 0 means DefaultPartitions.
func NewInmem(partitions int) *Inmem {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return &Inmem{
		numPartitions: partitions,
		topics:        make(map[string]*inmemTopic),
		groups:        make(map[string]*inmemGroup),
		wake:          make(chan struct{}),
	}
}

func (b *Inmem) topicLocked(name string) *inmemTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &inmemTopic{parts: make([][]Message, b.numPartitions)}
		b.topics[name] = t
	}
	return t
}

// notifyLocked wakes every blocked Fetch so it can re-examine state.
func (b *Inmem) notifyLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func partitionFor(key []byte, n int) int {
	h := fnv.New32a()
	h.Write(key) //nolint:errcheck
	return int(h.Sum32() % uint32(n))
}

// Publish appends the record to the partition selected by hashing the key.
// The append is the acknowledgement; once Publish returns nil the record is
// observable by every group on the topic.
func (b *Inmem) Publish(_ context.Context, topic string, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}

	t := b.topicLocked(topic)
	p := partitionFor(key, b.numPartitions)
	m := Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Partition: p,
		Offset:    int64(len(t.parts[p])),
	}
	t.parts[p] = append(t.parts[p], m)
	b.notifyLocked()
	return nil
}

// Subscribe adds a member to the consumer group, rebalancing partition
// ownership across all current members.
func (b *Inmem) Subscribe(topic, group string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}
	if group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	b.topicLocked(topic)

	key := topic + "\x00" + group
	g, ok := b.groups[key]
	if !ok {
		g = &inmemGroup{
			topic:     topic,
			committed: make([]int64, b.numPartitions),
			cursor:    make([]int64, b.numPartitions),
		}
		b.groups[key] = g
	}

	c := &InmemConsumer{broker: b, group: g}
	g.members = append(g.members, c)
	b.rebalanceLocked(g)
	b.notifyLocked()
	return c, nil
}

// rebalanceLocked resets the group's fetch cursors to the committed offsets.
// Any message that was fetched but not committed when membership changed is
// redelivered, matching the at-least-once behaviour of a real group
// rebalance.
func (b *Inmem) rebalanceLocked(g *inmemGroup) {
	copy(g.cursor, g.committed)
}

// TopicLength reports the total number of records ever published to the
// topic, across all partitions. Used by tests to assert that rejected
// submissions published nothing.
func (b *Inmem) TopicLength(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range t.parts {
		n += len(p)
	}
	return n
}

// Close wakes all blocked consumers and rejects further use.
func (b *Inmem) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.notifyLocked()
	return nil
}

// InmemConsumer is one member of an in-memory consumer group.
type InmemConsumer struct {
	broker *Inmem
	group  *inmemGroup
	closed bool
}

// assignedLocked lists the partitions this member currently owns. Ownership
// is partition index modulo member count, recomputed from the live member
// list so it shifts automatically as members join and leave.
func (c *InmemConsumer) assignedLocked() []int {
	idx := -1
	for i, m := range c.group.members {
		if m == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}
	var parts []int
	for p := 0; p < c.broker.numPartitions; p++ {
		if p%len(c.group.members) == idx {
			parts = append(parts, p)
		}
	}
	return parts
}

// Fetch blocks until a record is available on one of the member's assigned
// partitions. Records are handed out in offset order per partition.
func (c *InmemConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.broker.mu.Lock()
		if c.closed || c.broker.closed {
			c.broker.mu.Unlock()
			return Message{}, fmt.Errorf("consumer is closed")
		}

		t := c.broker.topics[c.group.topic]
		for _, p := range c.assignedLocked() {
			if c.group.cursor[p] < int64(len(t.parts[p])) {
				m := t.parts[p][c.group.cursor[p]]
				c.group.cursor[p]++
				c.broker.mu.Unlock()
				return m, nil
			}
		}

		wake := c.broker.wake
		c.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

// Commit marks the message as fully handled, advancing the group's
// committed offset for its partition.
func (c *InmemConsumer) Commit(_ context.Context, m Message) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return fmt.Errorf("consumer is closed")
	}
	if next := m.Offset + 1; next > c.group.committed[m.Partition] {
		c.group.committed[m.Partition] = next
	}
	if c.group.cursor[m.Partition] < c.group.committed[m.Partition] {
		c.group.cursor[m.Partition] = c.group.committed[m.Partition]
	}
	return nil
}

// Close leaves the group. Partitions owned by this member are reassigned to
// the remaining members and their uncommitted messages become eligible for
// redelivery.
func (c *InmemConsumer) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for i, m := range c.group.members {
		if m == c {
			c.group.members = append(c.group.members[:i], c.group.members[i+1:]...)
			break
		}
	}
	c.broker.rebalanceLocked(c.group)
	c.broker.notifyLocked()
	return nil
}
