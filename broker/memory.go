package broker

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"sync"
)

var (
	errClosed   = stderrors.New("broker: closed")
	errUnhealthy = stderrors.New("broker: unhealthy")
)

// Memory is an in-process Publisher/Subscriber fake used by tests. It
// preserves per-key ordering by routing same-key messages onto the same
// simulated partition and delivering each partition's queue in FIFO order.
type Memory struct {
	mu         sync.Mutex
	partitions int32
	topics     map[string][]chan Message
	closed     bool
	healthy    bool
}

// NewMemory constructs an in-memory broker fake with the given partition
// count per topic.
func NewMemory(partitions int32) *Memory {
	if partitions <= 0 {
		partitions = 4
	}
	return &Memory{partitions: partitions, topics: make(map[string][]chan Message), healthy: true}
}

// SetHealthy toggles the fake's HealthCheck result, for exercising spool
// fallback behavior in tests.
func (m *Memory) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *Memory) partitionFor(key string) int32 {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32() % uint32(m.partitions))
}

func (m *Memory) channels(topic string) []chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans, ok := m.topics[topic]
	if !ok {
		chans = make([]chan Message, m.partitions)
		for i := range chans {
			chans[i] = make(chan Message, 1024)
		}
		m.topics[topic] = chans
	}
	return chans
}

// Publish enqueues value onto the simulated partition selected by key.
func (m *Memory) Publish(ctx context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	if !m.healthy {
		m.mu.Unlock()
		return errUnhealthy
	}
	m.mu.Unlock()

	chans := m.channels(topic)
	partition := m.partitionFor(key)
	msg := Message{Topic: topic, Partition: partition, Key: key, Value: append([]byte(nil), value...)}

	select {
	case chans[partition] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports the fake's configured health state.
func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return errUnhealthy
	}
	return nil
}

// Subscribe drains every partition of topics concurrently, one goroutine
// per partition, preserving in-partition ordering while partitions
// themselves are processed concurrently. Handler errors are discarded: a
// message whose handler fails is not redelivered.
func (m *Memory) Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		chans := m.channels(topic)
		for _, ch := range chans {
			wg.Add(1)
			go func(ch chan Message) {
				defer wg.Done()
				for {
					select {
					case msg, ok := <-ch:
						if !ok {
							return
						}
						_ = handler(ctx, msg)
					case <-ctx.Done():
						return
					}
				}
			}(ch)
		}
	}
	wg.Wait()
	return ctx.Err()
}

// Close marks the fake closed; further Publish calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
