package dashboard_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Susch12/VarP/internal/broker"
	"github.com/Susch12/VarP/internal/dashboard"
	"github.com/Susch12/VarP/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smallSizes() dashboard.Sizes {
	return dashboard.Sizes{Values: 100, RawResults: 10, ConvergenceEvery: 5, ConsumerSnapshots: 3}
}

func addResults(a *dashboard.Aggregator, n int) {
	for i := 1; i <= n; i++ {
		a.AddResult(model.Result{
			EscenarioID: i, ConsumerID: "C-test0001",
			Resultado: float64(i), TiempoEjecucion: 0.01,
		})
	}
}

func TestAggregatorConvergence(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	addResults(a, 12)
	st := a.Stats()
	if len(st.Convergencia) != 2 {
		t.Fatalf("convergence points = %d, want 2", len(st.Convergencia))
	}
	if st.Convergencia[0].N != 5 || st.Convergencia[0].Media != 3 {
		t.Errorf("first point = %+v", st.Convergencia[0])
	}
	if st.Convergencia[0].Varianza != 2.5 || st.Convergencia[0].Timestamp <= 0 {
		t.Errorf("first point = %+v", st.Convergencia[0])
	}
	if st.Convergencia[1].N != 10 || st.Convergencia[1].Media != 5.5 {
		t.Errorf("second point = %+v", st.Convergencia[1])
	}
	if st.Descriptivas.N != 12 {
		t.Errorf("described n = %d", st.Descriptivas.N)
	}
}

func TestAggregatorBoundsRawHistory(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	addResults(a, 25)
	raw := a.Results()
	if len(raw) != 10 {
		t.Fatalf("raw history = %d, want 10", len(raw))
	}
	if raw[0].EscenarioID != 16 || raw[9].EscenarioID != 25 {
		t.Errorf("raw window = [%d..%d]", raw[0].EscenarioID, raw[9].EscenarioID)
	}
	if s := a.Summary(); s.ResultadosTotales != 25 {
		t.Errorf("total = %d despite bounded history", s.ResultadosTotales)
	}
}

func TestAggregatorConsumerHistory(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	for i := 1; i <= 5; i++ {
		a.SetConsumer(model.ConsumerStats{ConsumerID: "C-aaaa0001", EscenariosProcesados: i})
	}
	a.SetConsumer(model.ConsumerStats{ConsumerID: "C-bbbb0002", EscenariosProcesados: 1})

	views := a.Consumers()
	if len(views) != 2 {
		t.Fatalf("consumers = %d", len(views))
	}
	if views[0].Latest.ConsumerID != "C-aaaa0001" || views[1].Latest.ConsumerID != "C-bbbb0002" {
		t.Errorf("order = %s, %s", views[0].Latest.ConsumerID, views[1].Latest.ConsumerID)
	}
	if views[0].Latest.EscenariosProcesados != 5 {
		t.Errorf("latest = %+v", views[0].Latest)
	}
	if len(views[0].History) != 3 {
		t.Errorf("history = %d snapshots, want 3", len(views[0].History))
	}
}

func publishJSON(t *testing.T, c *broker.MemClient, queue string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(queue, body, false, nil); err != nil {
		t.Fatal(err)
	}
}

func TestCollectorDrainsQueues(t *testing.T) {
	mc := broker.NewMemClient()
	if err := mc.DeclareTopology(); err != nil {
		t.Fatal(err)
	}
	m, err := model.Parse(`[METADATA]
nombre = demo
version = 1

[VARIABLES]
x, float, normal, media=0, std=1

[FUNCION]
tipo = expresion
expresion = x

[SIMULACION]
numero_escenarios = 10
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m.Stamp(time.Now())
	publishJSON(t, mc, broker.QueueModelo, m)
	for i := 1; i <= 4; i++ {
		publishJSON(t, mc, broker.QueueResultados, model.Result{
			EscenarioID: i, ConsumerID: "C-feed0001", Resultado: float64(i * i),
		})
	}
	publishJSON(t, mc, broker.QueueStatsProductor, model.ProducerStats{
		EscenariosGenerados: 4, EscenariosTotales: 10, Estado: model.StateActive,
	})
	publishJSON(t, mc, broker.QueueStatsConsumidores, model.ConsumerStats{
		ConsumerID: "C-feed0001", EscenariosProcesados: 4, Estado: model.StateActive,
	})

	a := dashboard.NewAggregator(smallSizes())
	col := dashboard.NewCollector(mc, a, testLogger(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- col.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		s := a.Summary()
		_, hasModel := a.Model()
		if s.ResultadosTotales == 4 && s.Productor != nil && s.Consumidores == 1 &&
			hasModel && len(s.Colas) > 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("collector did not drain: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Fatalf("run: %v", err)
	}

	if n, _ := mc.QueueSize(broker.QueueModelo); n != 1 {
		t.Errorf("model queue size = %d, want 1 (peek must not consume)", n)
	}
	if s := a.Summary(); s.Productor.EscenariosGenerados != 4 {
		t.Errorf("producer stats = %+v", s.Productor)
	}
}

func newServer(t *testing.T, a *dashboard.Aggregator) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	dashboard.NewHandler(a).Router(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestHandlerEndpoints(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	addResults(a, 10)
	a.SetConsumer(model.ConsumerStats{ConsumerID: "C-web00001", EscenariosProcesados: 10})
	a.SetProducer(model.ProducerStats{EscenariosGenerados: 10, EscenariosTotales: 10, Estado: model.StateCompleted})
	a.SetQueueDepths(map[string]int{broker.QueueEscenarios: 0, broker.QueueResultados: 2})
	srv := newServer(t, a)

	resp, body := get(t, srv, "/healthz")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "ok") {
		t.Errorf("healthz = %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, srv, "/api/v1/summary")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary = %d", resp.StatusCode)
	}
	var s dashboard.Summary
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if s.ResultadosTotales != 10 || s.Consumidores != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Colas[broker.QueueResultados] != 2 {
		t.Errorf("colas = %v", s.Colas)
	}

	resp, _ = get(t, srv, "/api/v1/modelo")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("modelo without model = %d, want 404", resp.StatusCode)
	}

	resp, body = get(t, srv, "/api/v1/estadisticas")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("estadisticas = %d", resp.StatusCode)
	}
	for _, key := range []string{"descriptivas", "convergencia", "media", "p95"} {
		if !strings.Contains(body, key) {
			t.Errorf("estadisticas missing %q", key)
		}
	}

	resp, body = get(t, srv, "/api/v1/consumidores")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "C-web00001") {
		t.Errorf("consumidores = %d %s", resp.StatusCode, body)
	}
}

func TestHandlerExports(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	addResults(a, 3)
	srv := newServer(t, a)

	resp, body := get(t, srv, "/api/v1/export/csv")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csv = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Errorf("content type = %q", got)
	}
	var preamble, data []string
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if strings.HasPrefix(line, "#") {
			preamble = append(preamble, line)
		} else {
			data = append(data, line)
		}
	}
	if len(preamble) == 0 {
		t.Fatal("csv missing statistics preamble")
	}
	if !strings.Contains(strings.Join(preamble, "\n"), "# media = 2") {
		t.Errorf("preamble = %q", preamble)
	}
	if len(data) != 4 {
		t.Fatalf("csv data lines = %d, want header + 3 rows", len(data))
	}
	if data[0] != "escenario_id,consumer_id,resultado,tiempo_ejecucion" {
		t.Errorf("header = %q", data[0])
	}
	if !strings.HasPrefix(data[1], fmt.Sprintf("%d,%s,", 1, "C-test0001")) {
		t.Errorf("row = %q", data[1])
	}

	resp, body = get(t, srv, "/api/v1/export/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json = %d", resp.StatusCode)
	}
	var export struct {
		Metadata struct {
			ExportadoEn   float64 `json:"exportado_en"`
			NumResultados int     `json:"num_resultados"`
		} `json:"metadata"`
		Estadisticas dashboard.Descriptive        `json:"estadisticas"`
		Normalidad   map[string]any               `json:"pruebas_normalidad"`
		Resultados   []float64                    `json:"resultados"`
		Detallados   []model.Result               `json:"resultados_detallados"`
		Convergencia []dashboard.ConvergencePoint `json:"convergencia"`
	}
	if err := json.Unmarshal([]byte(body), &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(export.Resultados) != 3 || len(export.Detallados) != 3 || export.Estadisticas.N != 3 {
		t.Errorf("export = %d values, %d detailed, n = %d",
			len(export.Resultados), len(export.Detallados), export.Estadisticas.N)
	}
	if export.Metadata.NumResultados != 3 || export.Metadata.ExportadoEn <= 0 {
		t.Errorf("metadata = %+v", export.Metadata)
	}
	if _, ok := export.Normalidad["jarque_bera"]; !ok {
		t.Errorf("normalidad = %v", export.Normalidad)
	}
}

func TestHandlerStatsAndConvergenceExports(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	addResults(a, 10)
	srv := newServer(t, a)

	resp, body := get(t, srv, "/api/v1/export/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if lines[0] != "estadistica,valor" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(body, "media,5.5") {
		t.Errorf("stats rows = %q", body)
	}

	resp, body = get(t, srv, "/api/v1/export/convergencia")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("convergencia = %d", resp.StatusCode)
	}
	lines = strings.Split(strings.TrimSpace(body), "\n")
	if lines[0] != "n,media,varianza,fecha_utc" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("convergencia lines = %d, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[1], "5,3,2.5,") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestHandlerModelPanel(t *testing.T) {
	a := dashboard.NewAggregator(smallSizes())
	m, err := model.Parse(`[METADATA]
nombre = demo
version = 1

[VARIABLES]
x, float, normal, media=0, std=1

[FUNCION]
tipo = expresion
expresion = x

[SIMULACION]
numero_escenarios = 10
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a.SetModel(m)
	srv := newServer(t, a)

	resp, body := get(t, srv, "/api/v1/modelo")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("modelo = %d", resp.StatusCode)
	}
	var view struct {
		Modelo         *model.Model              `json:"modelo"`
		Distribuciones map[string]model.DistInfo `json:"distribuciones"`
	}
	if err := json.Unmarshal([]byte(body), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Modelo == nil || view.Modelo.Metadata.Nombre != "demo" {
		t.Fatalf("modelo = %+v", view.Modelo)
	}
	info, ok := view.Distribuciones["x"]
	if !ok || len(info.Parametros) != 2 {
		t.Errorf("distribuciones = %+v", view.Distribuciones)
	}
}
