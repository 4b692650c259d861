// Package broker wraps the AMQP transport shared by producer,
// consumers, and dashboard: queue topology, publishing, subscription,
// and a bounded connection pool.
package broker

import "context"

// ─── Queues ──────────────────────────────────────────────────────────────────

const (
	QueueModelo            = "cola_modelo"
	QueueEscenarios        = "cola_escenarios"
	QueueResultados        = "cola_resultados"
	QueueStatsProductor    = "cola_stats_productor"
	QueueStatsConsumidores = "cola_stats_consumidores"
	QueueDLQEscenarios     = "cola_dlq_escenarios"
	QueueDLQResultados     = "cola_dlq_resultados"
)

// QueueSpec declares one queue with its server-side arguments.
type QueueSpec struct {
	Name    string
	Durable bool
	Args    map[string]interface{}
}

// Topology lists every queue in declaration order. Dead-letter targets
// come first so their source queues can reference them.
func Topology() []QueueSpec {
	return []QueueSpec{
		{Name: QueueDLQEscenarios, Durable: true, Args: map[string]interface{}{
			"x-max-length": int32(10000),
		}},
		{Name: QueueDLQResultados, Durable: true, Args: map[string]interface{}{
			"x-max-length": int32(10000),
		}},
		{Name: QueueModelo, Durable: true, Args: map[string]interface{}{
			"x-max-length": int32(1),
		}},
		{Name: QueueEscenarios, Durable: true, Args: map[string]interface{}{
			"x-max-length":              int32(100000),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": QueueDLQEscenarios,
		}},
		{Name: QueueResultados, Durable: true, Args: map[string]interface{}{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": QueueDLQResultados,
		}},
		{Name: QueueStatsProductor, Durable: false, Args: map[string]interface{}{
			"x-max-length":  int32(100),
			"x-message-ttl": int32(60000),
		}},
		{Name: QueueStatsConsumidores, Durable: false, Args: map[string]interface{}{
			"x-max-length":  int32(1000),
			"x-message-ttl": int32(60000),
		}},
	}
}

// ─── Envelope headers ────────────────────────────────────────────────────────

const (
	HeaderRetryCount = "x-retry-count"
	HeaderLastError  = "x-last-error"
	HeaderConsumerID = "x-consumer-id"
)

// RetryCount reads the retry counter from a header table, tolerating
// the integer widths different AMQP clients use.
func RetryCount(headers map[string]interface{}) int {
	switch n := headers[HeaderRetryCount].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// RetryHeaders builds the envelope for a retried or dead-lettered
// scenario.
func RetryHeaders(count int, lastError, consumerID string) map[string]interface{} {
	return map[string]interface{}{
		HeaderRetryCount: int32(count),
		HeaderLastError:  lastError,
		HeaderConsumerID: consumerID,
	}
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Delivery is one message taken from a queue. Ack or Nack must be
// called exactly once.
type Delivery struct {
	Body    []byte
	Headers map[string]interface{}
	ack     func() error
	nack    func(requeue bool) error
}

// NewDelivery builds a delivery with explicit ack hooks. Transport
// implementations and tests construct deliveries through this.
func NewDelivery(body []byte, headers map[string]interface{}, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{Body: body, Headers: headers, ack: ack, nack: nack}
}

func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery. With requeue false the message follows
// the queue's dead-letter routing, if any.
func (d *Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Client is the broker surface the components depend on.
type Client interface {
	DeclareTopology() error
	Publish(queue string, body []byte, persistent bool, headers map[string]interface{}) error
	// Get fetches a single message without waiting. ok is false when
	// the queue is empty.
	Get(queue string) (d *Delivery, ok bool, err error)
	// Subscribe consumes queue with the given prefetch until ctx is
	// done or fn returns an error. fn owns ack/nack.
	Subscribe(ctx context.Context, queue string, prefetch int, fn func(*Delivery) error) error
	Purge(queue string) (int, error)
	QueueSize(queue string) (int, error)
	Close() error
}
