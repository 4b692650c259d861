package dashboard

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Susch12/VarP/internal/model"
)

// Handler serves the dashboard API from the aggregator.
type Handler struct {
	agg *Aggregator
}

// NewHandler builds a handler over the aggregator.
func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

// Router registers every route.
func (h *Handler) Router(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/v1/summary", h.Summary)
	mux.HandleFunc("GET /api/v1/modelo", h.Model)
	mux.HandleFunc("GET /api/v1/consumidores", h.Consumers)
	mux.HandleFunc("GET /api/v1/colas", h.Queues)
	mux.HandleFunc("GET /api/v1/estadisticas", h.Statistics)
	mux.HandleFunc("GET /api/v1/export/json", h.ExportJSON)
	mux.HandleFunc("GET /api/v1/export/csv", h.ExportCSV)
	mux.HandleFunc("GET /api/v1/export/stats", h.ExportStatsCSV)
	mux.HandleFunc("GET /api/v1/export/convergencia", h.ExportConvergenceCSV)
}

// respond writes a JSON response.
func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondErr writes a JSON error response.
func respondErr(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]string{"error": msg})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.agg.Summary())
}

// ModelView is the model panel: the active model plus the catalogue
// entry for each variable's distribution.
type ModelView struct {
	Modelo         *model.Model              `json:"modelo"`
	Distribuciones map[string]model.DistInfo `json:"distribuciones"`
}

func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	m, ok := h.agg.Model()
	if !ok {
		respondErr(w, http.StatusNotFound, "no model received yet")
		return
	}
	dists := make(map[string]model.DistInfo, len(m.Variables))
	for _, v := range m.Variables {
		if info, ok := model.DistributionInfo(v.Distribucion); ok {
			dists[v.Nombre] = info
		}
	}
	respond(w, http.StatusOK, ModelView{Modelo: m, Distribuciones: dists})
}

func (h *Handler) Consumers(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.agg.Consumers())
}

func (h *Handler) Queues(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.agg.Queues())
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.agg.Stats())
}

func exportStamp(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}

func (h *Handler) ExportJSON(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	stats := h.agg.Stats()
	raw := h.agg.Results()
	values := make([]float64, len(raw))
	for i, res := range raw {
		values[i] = res.Resultado
	}
	m, _ := h.agg.Model()

	normality := map[string]any{"jarque_bera": stats.Descriptivas.JarqueBera}
	if stats.Descriptivas.Normal != nil {
		normality["normalidad"] = *stats.Descriptivas.Normal
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="simulacion_%s.json"`, exportStamp(now)))
	respond(w, http.StatusOK, map[string]any{
		"metadata": map[string]any{
			"exportado_en":   float64(now.UnixNano()) / 1e9,
			"num_resultados": stats.Descriptivas.N,
			"modelo":         m,
		},
		"estadisticas":          stats.Descriptivas,
		"pruebas_normalidad":    normality,
		"resultados":            values,
		"resultados_detallados": raw,
		"convergencia":          stats.Convergencia,
	})
}

func statRows(d Descriptive) [][2]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return [][2]string{
		{"n", strconv.Itoa(d.N)},
		{"media", f(d.Media)},
		{"mediana", f(d.Mediana)},
		{"desviacion_estandar", f(d.StdDev)},
		{"varianza", f(d.Varianza)},
		{"minimo", f(d.Min)},
		{"maximo", f(d.Max)},
		{"p25", f(d.P25)},
		{"p75", f(d.P75)},
		{"p95", f(d.P95)},
		{"p99", f(d.P99)},
		{"ic95_inferior", f(d.CI95Low)},
		{"ic95_superior", f(d.CI95High)},
	}
}

func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	stats := h.agg.Stats()
	raw := h.agg.Results()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="resultados_%s.csv"`, exportStamp(time.Now())))
	for _, row := range statRows(stats.Descriptivas) {
		fmt.Fprintf(w, "# %s = %s\n", row[0], row[1])
	}
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"escenario_id", "consumer_id", "resultado", "tiempo_ejecucion"})
	for _, res := range raw {
		_ = cw.Write([]string{
			strconv.Itoa(res.EscenarioID),
			res.ConsumerID,
			strconv.FormatFloat(res.Resultado, 'f', 6, 64),
			strconv.FormatFloat(res.TiempoEjecucion, 'f', 6, 64),
		})
	}
	cw.Flush()
}

func (h *Handler) ExportStatsCSV(w http.ResponseWriter, r *http.Request) {
	stats := h.agg.Stats()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="estadisticas_%s.csv"`, exportStamp(time.Now())))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"estadistica", "valor"})
	for _, row := range statRows(stats.Descriptivas) {
		_ = cw.Write([]string{row[0], row[1]})
	}
	cw.Flush()
}

func (h *Handler) ExportConvergenceCSV(w http.ResponseWriter, r *http.Request) {
	stats := h.agg.Stats()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="convergencia_%s.csv"`, exportStamp(time.Now())))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"n", "media", "varianza", "fecha_utc"})
	for _, p := range stats.Convergencia {
		sec := int64(p.Timestamp)
		at := time.Unix(sec, int64((p.Timestamp-float64(sec))*1e9)).UTC().Format(time.RFC3339)
		_ = cw.Write([]string{
			strconv.Itoa(p.N),
			strconv.FormatFloat(p.Media, 'g', -1, 64),
			strconv.FormatFloat(p.Varianza, 'g', -1, 64),
			at,
		})
	}
	cw.Flush()
}
