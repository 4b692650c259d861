package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/consumer"
	"github.com/Susch12/VarP/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() consumer.Options {
	opts := consumer.DefaultOptions()
	opts.StatsInterval = time.Hour
	opts.ModelAttempts = 1
	opts.Timeout = 2 * time.Second
	return opts
}

const modelTemplate = `[METADATA]
nombre = prueba
version = 1.0

[VARIABLES]
x, float, normal, media=0, std=1
y, float, uniform, min=0, max=10

[FUNCION]
tipo = expresion
expresion = %s

[SIMULACION]
numero_escenarios = 100
`

func publishModel(t *testing.T, c *broker.MemClient, expr string) {
	t.Helper()
	m, err := model.Parse(fmt.Sprintf(modelTemplate, expr))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m.Stamp(time.Now())
	body, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.DeclareTopology(); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(broker.QueueModelo, body, true, nil); err != nil {
		t.Fatal(err)
	}
}

func publishScenario(t *testing.T, c *broker.MemClient, id int, valores map[string]float64) {
	t.Helper()
	body, err := json.Marshal(model.Scenario{
		EscenarioID: id,
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		Valores:     valores,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(broker.QueueEscenarios, body, true, nil); err != nil {
		t.Fatal(err)
	}
}

// runUntil runs the consumer until cond holds or the deadline passes.
func runUntil(t *testing.T, c *consumer.Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestLoadModelLeavesModelForSiblings(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "x + y")

	a := consumer.New(mc, testLogger(), testOptions())
	if err := a.LoadModel(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if n, _ := mc.QueueSize(broker.QueueModelo); n != 1 {
		t.Fatalf("model queue size = %d after load, want 1", n)
	}
	b := consumer.New(mc, testLogger(), testOptions())
	if err := b.LoadModel(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if a.ID() == b.ID() {
		t.Errorf("both consumers share id %s", a.ID())
	}
	if !strings.HasPrefix(a.ID(), "C-") || len(a.ID()) != 10 {
		t.Errorf("id = %q", a.ID())
	}
}

func TestLoadModelUnavailable(t *testing.T) {
	mc := broker.NewMemClient()
	if err := mc.DeclareTopology(); err != nil {
		t.Fatal(err)
	}
	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.LoadModel(context.Background()); !errors.Is(err, consumer.ErrModelUnavailable) {
		t.Fatalf("got %v, want ErrModelUnavailable", err)
	}
}

func TestProcessScenariosPublishesResults(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "x + y")
	for i := 1; i <= 5; i++ {
		publishScenario(t, mc, i, map[string]float64{"x": float64(i), "y": 10})
	}

	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	runUntil(t, c, func() bool {
		n, _ := mc.QueueSize(broker.QueueResultados)
		return n == 5
	})

	seen := make(map[int]float64)
	for {
		d, ok, _ := mc.Get(broker.QueueResultados)
		if !ok {
			break
		}
		var r model.Result
		if err := json.Unmarshal(d.Body, &r); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if r.ConsumerID != c.ID() {
			t.Errorf("consumer_id = %q", r.ConsumerID)
		}
		if r.TiempoEjecucion < 0 {
			t.Errorf("tiempo_ejecucion = %v", r.TiempoEjecucion)
		}
		seen[r.EscenarioID] = r.Resultado
	}
	for i := 1; i <= 5; i++ {
		if got := seen[i]; got != float64(i)+10 {
			t.Errorf("resultado %d = %v, want %v", i, got, float64(i)+10)
		}
	}

	s := c.Snapshot(model.StateActive)
	if s.EscenariosProcesados != 5 || s.ErroresTotales != 0 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.TiempoPromedio < 0 {
		t.Errorf("tiempo_promedio = %v", s.TiempoPromedio)
	}
}

func TestTransientErrorRetriesThenDeadLetters(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "x / y")
	publishScenario(t, mc, 1, map[string]float64{"x": 1, "y": 0})

	opts := testOptions()
	opts.MaxRetries = 3
	c := consumer.New(mc, testLogger(), opts)
	if err := c.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	runUntil(t, c, func() bool {
		n, _ := mc.QueueSize(broker.QueueDLQEscenarios)
		return n == 1
	})

	d, _, _ := mc.Get(broker.QueueDLQEscenarios)
	if got := broker.RetryCount(d.Headers); got != 3 {
		t.Errorf("dead-lettered retry count = %d, want 3", got)
	}
	if d.Headers[broker.HeaderConsumerID] != c.ID() {
		t.Errorf("consumer header = %v", d.Headers[broker.HeaderConsumerID])
	}

	s := c.Snapshot(model.StateActive)
	if s.ReintentosTotales != 3 || s.MensajesADLQ != 1 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.ErroresPorTipo["evaluation"] != 4 {
		t.Errorf("errores_por_tipo = %v", s.ErroresPorTipo)
	}
	if n, _ := mc.QueueSize(broker.QueueResultados); n != 0 {
		t.Errorf("results queue = %d, want 0", n)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "exp(x)")
	// exp overflows to +inf, which is not a publishable result
	publishScenario(t, mc, 7, map[string]float64{"x": 10000, "y": 1})

	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	runUntil(t, c, func() bool {
		n, _ := mc.QueueSize(broker.QueueDLQEscenarios)
		return n == 1
	})

	s := c.Snapshot(model.StateActive)
	if s.ReintentosTotales != 0 {
		t.Errorf("reintentos = %d, want 0", s.ReintentosTotales)
	}
	if s.ErroresPorTipo["result_type"] != 1 {
		t.Errorf("errores_por_tipo = %v", s.ErroresPorTipo)
	}
}

func TestUndecodableScenarioDeadLetters(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "x + y")
	if err := mc.Publish(broker.QueueEscenarios, []byte("not json"), true, nil); err != nil {
		t.Fatal(err)
	}

	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	runUntil(t, c, func() bool {
		n, _ := mc.QueueSize(broker.QueueDLQEscenarios)
		return n == 1
	})
	if s := c.Snapshot(model.StateActive); s.MensajesADLQ != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestRunPublishesFinalStats(t *testing.T) {
	mc := broker.NewMemClient()
	publishModel(t, mc, "x + y")
	publishScenario(t, mc, 1, map[string]float64{"x": 1, "y": 2})

	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.LoadModel(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	runUntil(t, c, func() bool {
		n, _ := mc.QueueSize(broker.QueueResultados)
		return n == 1
	})

	var last model.ConsumerStats
	found := false
	for {
		d, ok, _ := mc.Get(broker.QueueStatsConsumidores)
		if !ok {
			break
		}
		if err := json.Unmarshal(d.Body, &last); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatal("no consumer stats published")
	}
	if last.Estado != model.StateCompleted || last.ConsumerID != c.ID() {
		t.Errorf("final stats = %+v", last)
	}
	if last.EscenariosProcesados != 1 {
		t.Errorf("procesados = %d", last.EscenariosProcesados)
	}
}

func TestRunWithoutModelFails(t *testing.T) {
	mc := broker.NewMemClient()
	c := consumer.New(mc, testLogger(), testOptions())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error when model not loaded")
	}
}
