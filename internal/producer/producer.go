// Package producer publishes a simulation run: the model once, then
// every scenario with values drawn from the model's distributions.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/model"
	"github.com/Susch12/VarP/internal/store"
	"github.com/Susch12/VarP/pkg/ratelimit"
)

const checkpointEvery = 100

// Options tunes a run. Zero values fall back to sensible defaults.
type Options struct {
	StatsInterval time.Duration
	DefaultSeed   int64
	RatePerSecond int
	Resume        bool
}

// Producer generates and publishes scenarios for one model.
type Producer struct {
	client broker.Client
	ckpt   store.CheckpointStore
	log    *slog.Logger
	opts   Options

	mu        sync.Mutex
	generated int
	total     int
	started   time.Time
}

// New builds a producer. ckpt may be nil to run without checkpoints.
func New(client broker.Client, ckpt store.CheckpointStore, log *slog.Logger, opts Options) *Producer {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	return &Producer{client: client, ckpt: ckpt, log: log, opts: opts}
}

// RunKey identifies a run for checkpoint purposes.
func RunKey(m *model.Model, seed int64) string {
	return fmt.Sprintf("%s|%s|%d|%d", m.Metadata.Nombre, m.Version, seed, m.Simulacion.NumeroEscenarios)
}

func (p *Producer) seed(m *model.Model) int64 {
	if m.Simulacion.SemillaAleatoria != nil {
		return *m.Simulacion.SemillaAleatoria
	}
	return p.opts.DefaultSeed
}

// Run publishes the model and all of its scenarios, emitting progress
// stats along the way. It returns once every scenario is on the queue
// or the context is cancelled.
func (p *Producer) Run(ctx context.Context, m *model.Model) error {
	seed := p.seed(m)
	total := m.Simulacion.NumeroEscenarios
	runKey := RunKey(m, seed)

	start := 0
	if p.opts.Resume && p.ckpt != nil {
		cp, err := p.ckpt.Get(ctx, runKey)
		switch {
		case err == nil && cp.Done():
			p.log.Info("run already complete", "run", runKey)
			return nil
		case err == nil:
			start = cp.Published
			p.log.Info("resuming run", "run", runKey, "from", start)
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("loading checkpoint: %w", err)
		}
	}

	if err := p.client.DeclareTopology(); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}
	if start == 0 {
		for _, q := range []string{broker.QueueModelo, broker.QueueEscenarios, broker.QueueResultados} {
			if _, err := p.client.Purge(q); err != nil {
				return fmt.Errorf("purging %s: %w", q, err)
			}
		}
	}

	m.Stamp(time.Now())
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	if err := p.client.Publish(broker.QueueModelo, body, true, nil); err != nil {
		return fmt.Errorf("publishing model: %w", err)
	}
	p.log.Info("model published",
		"modelo_id", m.ModeloID, "variables", len(m.Variables), "escenarios", total)

	p.mu.Lock()
	p.generated = start
	p.total = total
	p.started = time.Now()
	p.mu.Unlock()

	statsCtx, stopStats := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				if err := p.publishStats(model.StateActive); err != nil {
					p.log.Warn("publishing producer stats", "error", err)
				}
			}
		}
	}()
	defer func() {
		stopStats()
		wg.Wait()
	}()

	if err := p.generate(ctx, m, seed, start, runKey); err != nil {
		return err
	}

	if p.ckpt != nil {
		if err := p.ckpt.Delete(ctx, runKey); err != nil {
			p.log.Warn("deleting checkpoint", "error", err)
		}
	}
	if err := p.publishStats(model.StateCompleted); err != nil {
		p.log.Warn("publishing final stats", "error", err)
	}
	p.log.Info("run complete", "escenarios", total, "elapsed", time.Since(p.started).Round(time.Millisecond))
	return nil
}

func (p *Producer) generate(ctx context.Context, m *model.Model, seed int64, start int, runKey string) error {
	rng := rand.New(rand.NewSource(seed))
	// replay the draws already published so a resumed run continues
	// the same sequence
	for i := 0; i < start; i++ {
		for _, v := range m.Variables {
			if _, err := v.Draw(rng); err != nil {
				return fmt.Errorf("replaying draws: %w", err)
			}
		}
	}

	var bucket *ratelimit.TokenBucket
	if p.opts.RatePerSecond > 0 {
		bucket = ratelimit.New(float64(p.opts.RatePerSecond), 1)
	}
	total := m.Simulacion.NumeroEscenarios
	nextProgress := 10

	for i := start; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bucket != nil {
			if err := bucket.Wait(ctx, 1); err != nil {
				return err
			}
		}
		valores := make(map[string]float64, len(m.Variables))
		for _, v := range m.Variables {
			x, err := v.Draw(rng)
			if err != nil {
				return fmt.Errorf("drawing %s for scenario %d: %w", v.Nombre, i, err)
			}
			valores[v.Nombre] = x
		}
		sc := model.Scenario{
			EscenarioID: i,
			Timestamp:   float64(time.Now().UnixNano()) / 1e9,
			Valores:     valores,
		}
		body, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("encoding scenario %d: %w", i, err)
		}
		if err := p.client.Publish(broker.QueueEscenarios, body, true, nil); err != nil {
			return fmt.Errorf("publishing scenario %d: %w", i, err)
		}

		published := i + 1
		p.mu.Lock()
		p.generated = published
		p.mu.Unlock()

		if p.ckpt != nil && (published%checkpointEvery == 0 || published == total) {
			err := p.ckpt.Save(ctx, &store.Checkpoint{
				RunKey: runKey, ModeloID: m.ModeloID, Published: published, Total: total,
			})
			if err != nil {
				p.log.Warn("saving checkpoint", "scenario", i, "error", err)
			}
		}
		if pct := published * 100 / total; pct >= nextProgress {
			p.log.Info("generation progress", "escenarios", published, "total", total, "pct", pct)
			for nextProgress <= pct {
				nextProgress += 10
			}
		}
	}
	return nil
}

// Snapshot returns current progress for the stats publisher and tests.
func (p *Producer) Snapshot(estado model.RunState) model.ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.started).Seconds()
	s := model.ProducerStats{
		Timestamp:           float64(time.Now().UnixNano()) / 1e9,
		EscenariosGenerados: p.generated,
		EscenariosTotales:   p.total,
		TiempoTranscurrido:  elapsed,
		Estado:              estado,
	}
	if p.total > 0 {
		s.Progreso = float64(p.generated) / float64(p.total) * 100
	}
	if elapsed > 0 {
		s.TasaGeneracion = float64(p.generated) / elapsed
		if s.TasaGeneracion > 0 {
			s.TiempoEstimadoRestante = float64(p.total-p.generated) / s.TasaGeneracion
		}
	}
	return s
}

func (p *Producer) publishStats(estado model.RunState) error {
	body, err := json.Marshal(p.Snapshot(estado))
	if err != nil {
		return err
	}
	return p.client.Publish(broker.QueueStatsProductor, body, false, nil)
}
