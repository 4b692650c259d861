package producer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/model"
	"github.com/Susch12/VarP/internal/producer"
	"github.com/Susch12/VarP/internal/store"
	"github.com/Susch12/VarP/internal/store/sqlite"
)

const modelSrc = `[METADATA]
nombre = suma
version = 1.0

[VARIABLES]
x, float, normal, media=0, std=1
y, float, uniform, min=0, max=10

[FUNCION]
tipo = expresion
expresion = x + y

[SIMULACION]
numero_escenarios = 20
semilla_aleatoria = 42
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Parse(modelSrc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func drain(t *testing.T, c *broker.MemClient, queue string) []model.Scenario {
	t.Helper()
	var out []model.Scenario
	for {
		d, ok, err := c.Get(queue)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			return out
		}
		var sc model.Scenario
		if err := json.Unmarshal(d.Body, &sc); err != nil {
			t.Fatalf("decode scenario: %v", err)
		}
		out = append(out, sc)
	}
}

func TestRunPublishesModelAndScenarios(t *testing.T) {
	c := broker.NewMemClient()
	p := producer.New(c, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
	m := parseModel(t)

	if err := p.Run(context.Background(), m); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n, _ := c.QueueSize(broker.QueueModelo); n != 1 {
		t.Fatalf("model queue size = %d", n)
	}
	d, _, _ := c.Get(broker.QueueModelo)
	var published model.Model
	if err := json.Unmarshal(d.Body, &published); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if published.ModeloID == "" || published.Timestamp <= 0 {
		t.Errorf("model not stamped: %+v", published)
	}

	scenarios := drain(t, c, broker.QueueEscenarios)
	if len(scenarios) != 20 {
		t.Fatalf("got %d scenarios, want 20", len(scenarios))
	}
	for i, sc := range scenarios {
		if sc.EscenarioID != i {
			t.Fatalf("scenario %d has id %d", i, sc.EscenarioID)
		}
		if len(sc.Valores) != 2 {
			t.Errorf("scenario %d valores = %v", sc.EscenarioID, sc.Valores)
		}
		if _, ok := sc.Valores["x"]; !ok {
			t.Errorf("scenario %d missing x", sc.EscenarioID)
		}
	}

	// the final stats message reports a completed run
	var last model.ProducerStats
	for {
		d, ok, _ := c.Get(broker.QueueStatsProductor)
		if !ok {
			break
		}
		if err := json.Unmarshal(d.Body, &last); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
	}
	if last.Estado != model.StateCompleted || last.EscenariosGenerados != 20 {
		t.Errorf("final stats = %+v", last)
	}
}

func TestRunIsDeterministicForSeed(t *testing.T) {
	run := func() []model.Scenario {
		c := broker.NewMemClient()
		p := producer.New(c, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
		if err := p.Run(context.Background(), parseModel(t)); err != nil {
			t.Fatalf("run: %v", err)
		}
		return drain(t, c, broker.QueueEscenarios)
	}
	a, b := run(), run()
	for i := range a {
		if a[i].Valores["x"] != b[i].Valores["x"] || a[i].Valores["y"] != b[i].Valores["y"] {
			t.Fatalf("scenario %d differs: %v vs %v", i, a[i].Valores, b[i].Valores)
		}
	}
}

func TestRunPurgesPreviousRun(t *testing.T) {
	c := broker.NewMemClient()
	if err := c.DeclareTopology(); err != nil {
		t.Fatal(err)
	}
	c.Publish(broker.QueueEscenarios, []byte("stale"), true, nil)
	c.Publish(broker.QueueResultados, []byte("stale"), true, nil)

	p := producer.New(c, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
	if err := p.Run(context.Background(), parseModel(t)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := c.QueueSize(broker.QueueEscenarios); n != 20 {
		t.Errorf("scenario queue = %d, want 20 (stale purged)", n)
	}
	if n, _ := c.QueueSize(broker.QueueResultados); n != 0 {
		t.Errorf("result queue = %d, want 0", n)
	}
}

func openStore(t *testing.T) store.CheckpointStore {
	t.Helper()
	s, err := sqlite.New("file:" + filepath.Join(t.TempDir(), "ckpt.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResumeSkipsPublishedScenarios(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m := parseModel(t)
	key := producer.RunKey(m, 42)
	err := s.Save(ctx, &store.Checkpoint{RunKey: key, Published: 15, Total: 20})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	c := broker.NewMemClient()
	if err := c.DeclareTopology(); err != nil {
		t.Fatal(err)
	}
	// pending work from the interrupted run must survive the resume
	c.Publish(broker.QueueEscenarios, []byte(`{"escenario_id":14}`), true, nil)

	p := producer.New(c, s, testLogger(), producer.Options{StatsInterval: time.Hour, Resume: true})
	if err := p.Run(ctx, m); err != nil {
		t.Fatalf("run: %v", err)
	}
	scenarios := drain(t, c, broker.QueueEscenarios)
	if len(scenarios) != 6 {
		t.Fatalf("queue holds %d messages, want 6 (1 pending + 5 new)", len(scenarios))
	}
	if scenarios[1].EscenarioID != 15 || scenarios[5].EscenarioID != 19 {
		t.Errorf("resumed ids = %v", scenarios)
	}
	// resumed values continue the seeded sequence
	full := broker.NewMemClient()
	pf := producer.New(full, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
	if err := pf.Run(ctx, parseModel(t)); err != nil {
		t.Fatalf("full run: %v", err)
	}
	all := drain(t, full, broker.QueueEscenarios)
	if scenarios[1].Valores["x"] != all[15].Valores["x"] {
		t.Errorf("scenario 15 diverged: %v vs %v", scenarios[1].Valores, all[15].Valores)
	}

	if _, err := s.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("checkpoint should be deleted after completion, got %v", err)
	}
}

func TestResumeCompletedRunDoesNothing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m := parseModel(t)
	key := producer.RunKey(m, 42)
	err := s.Save(ctx, &store.Checkpoint{RunKey: key, Published: 20, Total: 20})
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	c := broker.NewMemClient()
	p := producer.New(c, s, testLogger(), producer.Options{StatsInterval: time.Hour, Resume: true})
	if err := p.Run(ctx, m); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := c.QueueSize(broker.QueueEscenarios); n != 0 {
		t.Errorf("scenario queue = %d, want 0", n)
	}
}

func TestRunCancelled(t *testing.T) {
	c := broker.NewMemClient()
	p := producer.New(c, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, parseModel(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSnapshotProgress(t *testing.T) {
	c := broker.NewMemClient()
	p := producer.New(c, nil, testLogger(), producer.Options{StatsInterval: time.Hour})
	if err := p.Run(context.Background(), parseModel(t)); err != nil {
		t.Fatalf("run: %v", err)
	}
	s := p.Snapshot(model.StateCompleted)
	if s.EscenariosGenerados != 20 || s.EscenariosTotales != 20 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.Progreso != 100 {
		t.Errorf("progreso = %v", s.Progreso)
	}
	if s.Timestamp <= 0 {
		t.Errorf("timestamp = %v", s.Timestamp)
	}
}
