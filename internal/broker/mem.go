package broker

import (
	"context"
	"fmt"
	"sync"
)

// MemClient is an in-process broker used by tests and local runs. It
// honors the queue topology: max-length bounds and dead-letter routing
// on rejection.
type MemClient struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	healthy bool
	closed  bool
}

type memQueue struct {
	spec     QueueSpec
	messages []memMessage
	waiters  []chan struct{}
}

type memMessage struct {
	body    []byte
	headers map[string]interface{}
}

// NewMemClient builds an in-process broker with no queues declared.
func NewMemClient() *MemClient {
	return &MemClient{queues: make(map[string]*memQueue), healthy: true}
}

func (m *MemClient) DeclareTopology() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("broker is closed")
	}
	for _, q := range Topology() {
		if _, ok := m.queues[q.Name]; !ok {
			m.queues[q.Name] = &memQueue{spec: q}
		}
	}
	return nil
}

func (m *MemClient) queue(name string) (*memQueue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", name)
	}
	return q, nil
}

func (q *memQueue) maxLength() int {
	switch n := q.spec.Args["x-max-length"].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	}
	return 0
}

func (q *memQueue) deadLetterTarget() string {
	target, _ := q.spec.Args["x-dead-letter-routing-key"].(string)
	return target
}

// push appends a message, dropping the oldest when the queue is at its
// max-length bound, and wakes one waiting subscriber.
func (q *memQueue) push(msg memMessage) {
	if max := q.maxLength(); max > 0 && len(q.messages) >= max {
		q.messages = q.messages[1:]
	}
	q.messages = append(q.messages, msg)
	if len(q.waiters) > 0 {
		close(q.waiters[0])
		q.waiters = q.waiters[1:]
	}
}

func (m *MemClient) Publish(queue string, body []byte, persistent bool, headers map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("broker is closed")
	}
	q, err := m.queue(queue)
	if err != nil {
		return err
	}
	q.push(memMessage{body: body, headers: headers})
	return nil
}

func (m *MemClient) Get(queue string) (*Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, fmt.Errorf("broker is closed")
	}
	q, err := m.queue(queue)
	if err != nil {
		return nil, false, err
	}
	if len(q.messages) == 0 {
		return nil, false, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return m.wrap(queue, msg), true, nil
}

// wrap builds a delivery whose Nack either requeues at the front or
// routes to the queue's dead-letter target. Callers hold no lock.
func (m *MemClient) wrap(queue string, msg memMessage) *Delivery {
	return NewDelivery(msg.body, msg.headers,
		func() error { return nil },
		func(requeue bool) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			q, err := m.queue(queue)
			if err != nil {
				return err
			}
			if requeue {
				q.messages = append([]memMessage{msg}, q.messages...)
				if len(q.waiters) > 0 {
					close(q.waiters[0])
					q.waiters = q.waiters[1:]
				}
				return nil
			}
			if target := q.deadLetterTarget(); target != "" {
				dlq, err := m.queue(target)
				if err != nil {
					return err
				}
				dlq.push(msg)
			}
			return nil
		})
}

func (m *MemClient) Subscribe(ctx context.Context, queue string, prefetch int, fn func(*Delivery) error) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return fmt.Errorf("broker is closed")
		}
		q, err := m.queue(queue)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		if len(q.messages) > 0 {
			msg := q.messages[0]
			q.messages = q.messages[1:]
			m.mu.Unlock()
			if err := fn(m.wrap(queue, msg)); err != nil {
				return err
			}
			continue
		}
		wait := make(chan struct{})
		q.waiters = append(q.waiters, wait)
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (m *MemClient) Purge(queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(queue)
	if err != nil {
		return 0, err
	}
	n := len(q.messages)
	q.messages = nil
	return n, nil
}

func (m *MemClient) QueueSize(queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.queue(queue)
	if err != nil {
		return 0, err
	}
	return len(q.messages), nil
}

// Healthy reports the simulated connection state. Tests flip it with
// SetHealthy.
func (m *MemClient) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && !m.closed
}

// SetHealthy marks the client healthy or unhealthy without closing it.
func (m *MemClient) SetHealthy(h bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = h
}

func (m *MemClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		for _, w := range q.waiters {
			close(w)
		}
		q.waiters = nil
	}
	return nil
}

var _ PoolClient = (*MemClient)(nil)
