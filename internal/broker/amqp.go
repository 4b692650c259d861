package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// DialConfig controls the AMQP connection.
type DialConfig struct {
	URL            string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	Attempts       int
	RetryDelay     time.Duration
}

// DefaultDialConfig returns the connection defaults.
func DefaultDialConfig(url string) DialConfig {
	return DialConfig{
		URL:            url,
		Heartbeat:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Attempts:       3,
		RetryDelay:     2 * time.Second,
	}
}

// AMQPClient implements Client on a single AMQP connection and channel.
// Channel operations are serialized; use one client per goroutine or go
// through the pool.
type AMQPClient struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

// Dial connects to the broker, retrying per the config.
func Dial(cfg DialConfig, log *slog.Logger) (*AMQPClient, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat: cfg.Heartbeat,
			Dial:      amqp.DefaultDial(cfg.ConnectTimeout),
		})
		if err == nil {
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("opening channel: %w", err)
			}
			c := &AMQPClient{conn: conn, ch: ch, log: log}
			c.watchBlocked()
			log.Info("broker connected", "url", cfg.URL, "attempt", attempt)
			return c, nil
		}
		lastErr = err
		log.Warn("broker connection failed", "attempt", attempt, "attempts", cfg.Attempts, "error", err)
		if attempt < cfg.Attempts {
			time.Sleep(cfg.RetryDelay)
		}
	}
	return nil, fmt.Errorf("connecting to broker after %d attempts: %w", cfg.Attempts, lastErr)
}

func (c *AMQPClient) watchBlocked() {
	blocked := c.conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go func() {
		for b := range blocked {
			if b.Active {
				c.log.Warn("broker connection blocked", "reason", b.Reason)
			} else {
				c.log.Info("broker connection unblocked")
			}
		}
	}()
}

// DeclareTopology declares every queue. Declaration is idempotent as
// long as the arguments match the existing queues.
func (c *AMQPClient) DeclareTopology() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range Topology() {
		_, err := c.ch.QueueDeclare(q.Name, q.Durable, false, false, false, amqp.Table(q.Args))
		if err != nil {
			return fmt.Errorf("declaring queue %s: %w", q.Name, err)
		}
	}
	return nil
}

func (c *AMQPClient) Publish(queue string, body []byte, persistent bool, headers map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	err := c.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Headers:      amqp.Table(headers),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

func (c *AMQPClient) Get(queue string) (*Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok, err := c.ch.Get(queue, false)
	if err != nil {
		return nil, false, fmt.Errorf("getting from %s: %w", queue, err)
	}
	if !ok {
		return nil, false, nil
	}
	return wrapDelivery(msg), true, nil
}

func (c *AMQPClient) Subscribe(ctx context.Context, queue string, prefetch int, fn func(*Delivery) error) error {
	c.mu.Lock()
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("setting prefetch on %s: %w", queue, err)
	}
	msgs, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, open := <-msgs:
			if !open {
				return fmt.Errorf("consumer channel for %s closed", queue)
			}
			if err := fn(wrapDelivery(msg)); err != nil {
				return err
			}
		}
	}
}

func wrapDelivery(msg amqp.Delivery) *Delivery {
	return NewDelivery(msg.Body, map[string]interface{}(msg.Headers),
		func() error { return msg.Ack(false) },
		func(requeue bool) error { return msg.Nack(false, requeue) })
}

func (c *AMQPClient) Purge(queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", queue, err)
	}
	return n, nil
}

func (c *AMQPClient) QueueSize(queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("inspecting %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Healthy reports whether the underlying connection is still open.
func (c *AMQPClient) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *AMQPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
