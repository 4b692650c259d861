// Package consumer processes scenarios: it loads the active model,
// evaluates each scenario against the model function, and publishes
// results. Failures are retried or dead-lettered by error kind.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/eval"
	"github.com/Susch12/VarP/internal/model"
	"github.com/Susch12/VarP/pkg/ratelimit"
)

// ErrModelUnavailable reports that no model appeared on the model
// queue within the configured attempts.
var ErrModelUnavailable = errors.New("consumer: model unavailable")

// Options tunes one consumer worker.
type Options struct {
	Prefetch        int
	Timeout         time.Duration
	MaxRetries      int
	StatsInterval   time.Duration
	ModelAttempts   int
	ModelRetryDelay time.Duration
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		Prefetch:        1,
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		StatsInterval:   5 * time.Second,
		ModelAttempts:   12,
		ModelRetryDelay: 5 * time.Second,
	}
}

// Consumer is one worker in the fleet.
type Consumer struct {
	id     string
	client broker.Client
	log    *slog.Logger
	opts   Options

	mdl  *model.Model
	eval eval.Evaluator

	mu         sync.Mutex
	started    time.Time
	processed  int
	lastTime   float64
	totalTime  float64
	errores    int
	reintentos int
	dlq        int
	porTipo    map[string]int
	meter      ratelimit.Meter
}

// New builds a consumer with a fresh worker id.
func New(client broker.Client, log *slog.Logger, opts Options) *Consumer {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = eval.DefaultTimeout
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	if opts.ModelAttempts <= 0 {
		opts.ModelAttempts = 1
	}
	id := "C-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &Consumer{
		id:      id,
		client:  client,
		log:     log.With("consumer_id", id),
		opts:    opts,
		porTipo: make(map[string]int),
	}
}

// ID returns the worker identifier carried on results and stats.
func (c *Consumer) ID() string { return c.id }

// LoadModel fetches the active model from the model queue, leaving it
// in place for sibling workers. It retries until a model appears or
// the attempts run out.
func (c *Consumer) LoadModel(ctx context.Context) error {
	for attempt := 1; attempt <= c.opts.ModelAttempts; attempt++ {
		d, ok, err := c.client.Get(broker.QueueModelo)
		if err != nil {
			return fmt.Errorf("fetching model: %w", err)
		}
		if ok {
			var m model.Model
			if err := json.Unmarshal(d.Body, &m); err != nil {
				d.Nack(true)
				return fmt.Errorf("decoding model: %w", err)
			}
			ev, err := m.Funcion.Compile()
			if err != nil {
				d.Nack(true)
				return fmt.Errorf("compiling model function: %w", err)
			}
			if err := d.Nack(true); err != nil {
				return fmt.Errorf("returning model to queue: %w", err)
			}
			c.mdl = &m
			c.eval = ev
			c.log.Info("model loaded",
				"modelo_id", m.ModeloID, "variables", len(m.Variables),
				"funcion", m.Funcion.Tipo)
			return nil
		}
		c.log.Info("waiting for model", "attempt", attempt, "attempts", c.opts.ModelAttempts)
		if attempt < c.opts.ModelAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.ModelRetryDelay):
			}
		}
	}
	return ErrModelUnavailable
}

// Run consumes the scenario queue until the context is cancelled. It
// publishes a final stats message on the way out.
func (c *Consumer) Run(ctx context.Context) error {
	if c.mdl == nil {
		return fmt.Errorf("consumer: model not loaded")
	}
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	statsCtx, stopStats := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				if err := c.publishStats(model.StateActive); err != nil {
					c.log.Warn("publishing consumer stats", "error", err)
				}
			}
		}
	}()
	defer func() {
		stopStats()
		wg.Wait()
		if err := c.publishStats(model.StateCompleted); err != nil {
			c.log.Warn("publishing final stats", "error", err)
		}
	}()

	err := c.client.Subscribe(ctx, broker.QueueEscenarios, c.opts.Prefetch, c.handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.log.Info("consumer stopping", "processed", c.Snapshot(model.StateCompleted).EscenariosProcesados)
		return nil
	}
	return err
}

func (c *Consumer) handle(d *broker.Delivery) error {
	var sc model.Scenario
	if err := json.Unmarshal(d.Body, &sc); err != nil {
		c.log.Warn("undecodable scenario", "error", err)
		c.recordError("syntax")
		c.recordDLQ()
		return d.Nack(false)
	}

	begin := time.Now()
	value, err := eval.Run(c.eval, sc.Valores, c.opts.Timeout)
	elapsed := time.Since(begin).Seconds()
	if err != nil {
		return c.handleFailure(d, &sc, err)
	}

	res := model.Result{
		EscenarioID:     sc.EscenarioID,
		ConsumerID:      c.id,
		Resultado:       value,
		TiempoEjecucion: elapsed,
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result %d: %w", sc.EscenarioID, err)
	}
	if err := c.client.Publish(broker.QueueResultados, body, true, nil); err != nil {
		return fmt.Errorf("publishing result %d: %w", sc.EscenarioID, err)
	}
	c.recordSuccess(elapsed)
	return d.Ack()
}

// handleFailure applies the retry policy: evaluation and unclassified
// errors are transient and requeued with a bumped retry counter until
// the limit, everything else is dead-lettered immediately.
func (c *Consumer) handleFailure(d *broker.Delivery, sc *model.Scenario, evalErr error) error {
	kind := eval.ErrorKind(evalErr)
	c.recordError(kind)
	retries := broker.RetryCount(d.Headers)

	transient := kind == "evaluation" || kind == "unknown"
	if transient && retries < c.opts.MaxRetries {
		headers := broker.RetryHeaders(retries+1, evalErr.Error(), c.id)
		if err := c.client.Publish(broker.QueueEscenarios, d.Body, true, headers); err != nil {
			return fmt.Errorf("requeueing scenario %d: %w", sc.EscenarioID, err)
		}
		c.recordRetry()
		c.log.Warn("scenario retried",
			"escenario_id", sc.EscenarioID, "retry", retries+1, "error", evalErr)
		return d.Ack()
	}

	c.recordDLQ()
	c.log.Error("scenario dead-lettered",
		"escenario_id", sc.EscenarioID, "kind", kind, "retries", retries, "error", evalErr)
	return d.Nack(false)
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func (c *Consumer) recordSuccess(elapsed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.lastTime = elapsed
	c.totalTime += elapsed
	c.meter.Record(1)
}

func (c *Consumer) recordError(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errores++
	c.porTipo[kind]++
}

func (c *Consumer) recordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reintentos++
}

func (c *Consumer) recordDLQ() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dlq++
}

// Snapshot returns the current counters as a stats message.
func (c *Consumer) Snapshot(estado model.RunState) model.ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	porTipo := make(map[string]int, len(c.porTipo))
	for k, v := range c.porTipo {
		porTipo[k] = v
	}
	s := model.ConsumerStats{
		ConsumerID:            c.id,
		Timestamp:             float64(time.Now().UnixNano()) / 1e9,
		EscenariosProcesados:  c.processed,
		TiempoUltimoEscenario: c.lastTime,
		TasaProcesamiento:     c.meter.Rate5s(),
		Estado:                estado,
		ErroresTotales:        c.errores,
		ReintentosTotales:     c.reintentos,
		MensajesADLQ:          c.dlq,
		ErroresPorTipo:        porTipo,
	}
	if !c.started.IsZero() {
		s.TiempoActivo = time.Since(c.started).Seconds()
	}
	if c.processed > 0 {
		s.TiempoPromedio = c.totalTime / float64(c.processed)
	}
	return s
}

func (c *Consumer) publishStats(estado model.RunState) error {
	body, err := json.Marshal(c.Snapshot(estado))
	if err != nil {
		return err
	}
	return c.client.Publish(broker.QueueStatsConsumidores, body, false, nil)
}
