package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/model"
)

// Collector drains the result and stats queues into the aggregator
// and polls queue depths.
type Collector struct {
	client       broker.Client
	agg          *Aggregator
	log          *slog.Logger
	pollInterval time.Duration
}

// NewCollector builds a collector.
func NewCollector(client broker.Client, agg *Aggregator, log *slog.Logger, pollInterval time.Duration) *Collector {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Collector{client: client, agg: agg, log: log, pollInterval: pollInterval}
}

// Run consumes until the context is cancelled. A failed subscription
// stops the whole collector so the caller can reconnect.
func (c *Collector) Run(ctx context.Context) error {
	if err := c.client.DeclareTopology(); err != nil {
		return err
	}
	c.loadModel()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 4)
	var wg sync.WaitGroup

	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
				cancel()
			}
		}()
	}
	run(c.consumeResults)
	run(c.consumeProducerStats)
	run(c.consumeConsumerStats)
	run(c.pollQueues)

	wg.Wait()
	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

// loadModel peeks at the model queue without consuming the message.
func (c *Collector) loadModel() {
	d, ok, err := c.client.Get(broker.QueueModelo)
	if err != nil {
		c.log.Warn("fetching model", "error", err)
		return
	}
	if !ok {
		return
	}
	var m model.Model
	if err := json.Unmarshal(d.Body, &m); err != nil {
		c.log.Warn("decoding model", "error", err)
		d.Nack(true)
		return
	}
	d.Nack(true)
	c.agg.SetModel(&m)
	c.log.Info("model loaded", "modelo_id", m.ModeloID)
}

func (c *Collector) consumeResults(ctx context.Context) error {
	return c.client.Subscribe(ctx, broker.QueueResultados, 100, func(d *broker.Delivery) error {
		var r model.Result
		if err := json.Unmarshal(d.Body, &r); err != nil {
			c.log.Warn("undecodable result", "error", err)
			return d.Nack(false)
		}
		c.agg.AddResult(r)
		return d.Ack()
	})
}

func (c *Collector) consumeProducerStats(ctx context.Context) error {
	return c.client.Subscribe(ctx, broker.QueueStatsProductor, 10, func(d *broker.Delivery) error {
		var s model.ProducerStats
		if err := json.Unmarshal(d.Body, &s); err != nil {
			c.log.Warn("undecodable producer stats", "error", err)
			return d.Ack()
		}
		c.agg.SetProducer(s)
		return d.Ack()
	})
}

func (c *Collector) consumeConsumerStats(ctx context.Context) error {
	return c.client.Subscribe(ctx, broker.QueueStatsConsumidores, 10, func(d *broker.Delivery) error {
		var s model.ConsumerStats
		if err := json.Unmarshal(d.Body, &s); err != nil {
			c.log.Warn("undecodable consumer stats", "error", err)
			return d.Ack()
		}
		c.agg.SetConsumer(s)
		return d.Ack()
	})
}

func (c *Collector) pollQueues(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depths := make(map[string]int)
			for _, q := range broker.Topology() {
				n, err := c.client.QueueSize(q.Name)
				if err != nil {
					c.log.Warn("inspecting queue", "queue", q.Name, "error", err)
					continue
				}
				depths[q.Name] = n
			}
			c.agg.SetQueueDepths(depths)
			if _, ok := c.agg.Model(); !ok {
				c.loadModel()
			}
		}
	}
}
