// Package dashboard aggregates run telemetry: results, producer and
// consumer stats, and queue depths, and serves them over HTTP.
package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/Susch12/VarP/internal/model"
	"github.com/Susch12/VarP/pkg/ratelimit"
	"github.com/Susch12/VarP/pkg/ring"
)

// Sizes bounds the aggregator's in-memory history.
type Sizes struct {
	Values            int
	RawResults        int
	ConvergenceEvery  int
	ConsumerSnapshots int
}

// DefaultSizes returns the history defaults.
func DefaultSizes() Sizes {
	return Sizes{
		Values:            50000,
		RawResults:        1000,
		ConvergenceEvery:  100,
		ConsumerSnapshots: 100,
	}
}

// ConvergencePoint is the running mean and variance after n results.
type ConvergencePoint struct {
	N         int     `json:"n"`
	Media     float64 `json:"media"`
	Varianza  float64 `json:"varianza"`
	Timestamp float64 `json:"timestamp"`
}

type consumerTrack struct {
	latest  model.ConsumerStats
	history *ring.Buffer[model.ConsumerStats]
}

// Aggregator is the dashboard's single shared state. All access goes
// through one mutex; handlers read snapshots, collectors write.
type Aggregator struct {
	sizes Sizes

	mu          sync.Mutex
	mdl         *model.Model
	producer    *model.ProducerStats
	consumers   map[string]*consumerTrack
	values      *ring.Buffer[float64]
	raw         *ring.Buffer[model.Result]
	convergence []ConvergencePoint
	count       int
	sum         float64
	sumSq       float64
	queues      map[string]int
	meter       ratelimit.Meter
}

// NewAggregator builds an empty aggregator.
func NewAggregator(sizes Sizes) *Aggregator {
	def := DefaultSizes()
	if sizes.Values <= 0 {
		sizes.Values = def.Values
	}
	if sizes.RawResults <= 0 {
		sizes.RawResults = def.RawResults
	}
	if sizes.ConvergenceEvery <= 0 {
		sizes.ConvergenceEvery = def.ConvergenceEvery
	}
	if sizes.ConsumerSnapshots <= 0 {
		sizes.ConsumerSnapshots = def.ConsumerSnapshots
	}
	return &Aggregator{
		sizes:     sizes,
		consumers: make(map[string]*consumerTrack),
		values:    ring.New[float64](sizes.Values),
		raw:       ring.New[model.Result](sizes.RawResults),
		queues:    make(map[string]int),
	}
}

// SetModel records the active model.
func (a *Aggregator) SetModel(m *model.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mdl = m
}

// Model returns the active model, or false when none arrived yet.
func (a *Aggregator) Model() (*model.Model, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mdl == nil {
		return nil, false
	}
	return a.mdl, true
}

// AddResult folds one result into every history.
func (a *Aggregator) AddResult(r model.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values.Push(r.Resultado)
	a.raw.Push(r)
	a.count++
	a.sum += r.Resultado
	a.sumSq += r.Resultado * r.Resultado
	a.meter.Record(1)
	if a.count%a.sizes.ConvergenceEvery == 0 {
		n := float64(a.count)
		mean := a.sum / n
		var variance float64
		if a.count > 1 {
			variance = (a.sumSq - n*mean*mean) / (n - 1)
		}
		a.convergence = append(a.convergence, ConvergencePoint{
			N:         a.count,
			Media:     mean,
			Varianza:  variance,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
		})
	}
}

// SetProducer records the latest producer stats message.
func (a *Aggregator) SetProducer(s model.ProducerStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.producer = &s
}

// SetConsumer records a consumer stats message under its worker id.
func (a *Aggregator) SetConsumer(s model.ConsumerStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	track, ok := a.consumers[s.ConsumerID]
	if !ok {
		track = &consumerTrack{history: ring.New[model.ConsumerStats](a.sizes.ConsumerSnapshots)}
		a.consumers[s.ConsumerID] = track
	}
	track.latest = s
	track.history.Push(s)
}

// SetQueueDepths replaces the queue depth snapshot.
func (a *Aggregator) SetQueueDepths(depths map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queues = depths
}

// Queues returns the last polled queue depths.
func (a *Aggregator) Queues() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.queues))
	for k, v := range a.queues {
		out[k] = v
	}
	return out
}

// ConsumerView is one worker's latest stats plus its snapshot history.
type ConsumerView struct {
	Latest  model.ConsumerStats   `json:"actual"`
	History []model.ConsumerStats `json:"historial"`
}

// Consumers returns every known worker ordered by id.
func (a *Aggregator) Consumers() []ConsumerView {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.consumers))
	for id := range a.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ConsumerView, 0, len(ids))
	for _, id := range ids {
		t := a.consumers[id]
		out = append(out, ConsumerView{Latest: t.latest, History: t.history.Snapshot()})
	}
	return out
}

// Statistics describes the retained result values plus the
// convergence series.
type Statistics struct {
	Descriptivas Descriptive        `json:"descriptivas"`
	Convergencia []ConvergencePoint `json:"convergencia"`
}

// Stats computes descriptive statistics over the retained values.
func (a *Aggregator) Stats() Statistics {
	a.mu.Lock()
	values := a.values.Snapshot()
	conv := make([]ConvergencePoint, len(a.convergence))
	copy(conv, a.convergence)
	a.mu.Unlock()
	return Statistics{Descriptivas: Describe(values), Convergencia: conv}
}

// Results returns the retained raw results, oldest first.
func (a *Aggregator) Results() []model.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raw.Snapshot()
}

// Summary is the dashboard's top-level view.
type Summary struct {
	Timestamp         float64              `json:"timestamp"`
	Productor         *model.ProducerStats `json:"productor,omitempty"`
	ResultadosTotales int                  `json:"resultados_totales"`
	TasaResultados    float64              `json:"tasa_resultados"`
	Consumidores      int                  `json:"consumidores"`
	Colas             map[string]int       `json:"colas"`
}

// Summary returns the top-level run view.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	colas := make(map[string]int, len(a.queues))
	for k, v := range a.queues {
		colas[k] = v
	}
	return Summary{
		Timestamp:         float64(time.Now().UnixNano()) / 1e9,
		Productor:         a.producer,
		ResultadosTotales: a.count,
		TasaResultados:    a.meter.Rate5s(),
		Consumidores:      len(a.consumers),
		Colas:             colas,
	}
}
