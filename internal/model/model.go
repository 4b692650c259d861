// Package model defines the simulation model, scenario, result, and
// stats types exchanged between producer, consumers, and dashboard,
// plus the .ini model file parser.
package model

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Susch12/VarP/internal/dist"
	"github.com/Susch12/VarP/internal/eval"
)

// ─── Function kinds ──────────────────────────────────────────────────────────

type FunctionKind string

const (
	FunctionExpression FunctionKind = "expresion"
	FunctionCode       FunctionKind = "codigo"
)

// ResultVariable is the name model code must assign its output to.
const ResultVariable = "resultado"

// ─── Variable kinds ──────────────────────────────────────────────────────────

type VarKind string

const (
	VarFloat VarKind = "float"
	VarInt   VarKind = "int"
)

func (k VarKind) distKind() string {
	if k == VarInt {
		return dist.KindInt
	}
	return dist.KindFloat
}

// ─── Run states ──────────────────────────────────────────────────────────────

type RunState string

const (
	StateActive    RunState = "activo"
	StateCompleted RunState = "completado"
)

// ─── Model ───────────────────────────────────────────────────────────────────

// Metadata carries the descriptive fields of a model file.
type Metadata struct {
	Nombre        string `json:"nombre"`
	Descripcion   string `json:"descripcion"`
	Autor         string `json:"autor"`
	FechaCreacion string `json:"fecha_creacion"`
}

// VariableSpec is one stochastic input variable.
type VariableSpec struct {
	Nombre       string             `json:"nombre"`
	Tipo         VarKind            `json:"tipo"`
	Distribucion string             `json:"distribucion"`
	Parametros   map[string]float64 `json:"parametros"`
}

// Draw samples one value for the variable.
func (v VariableSpec) Draw(rng *rand.Rand) (float64, error) {
	return dist.Generate(rng, v.Distribucion, v.Parametros, v.Tipo.distKind())
}

// Function is the model function in either of its two forms.
type Function struct {
	Tipo      FunctionKind `json:"tipo"`
	Expresion string       `json:"expresion,omitempty"`
	Codigo    string       `json:"codigo,omitempty"`
}

// Compile validates the function and returns a reusable evaluator.
func (f Function) Compile() (eval.Evaluator, error) {
	switch f.Tipo {
	case FunctionExpression:
		return eval.CompileExpression(f.Expresion)
	case FunctionCode:
		return eval.CompileCode(f.Codigo, ResultVariable)
	}
	return nil, fmt.Errorf("unknown function kind %q", f.Tipo)
}

// SimulationParams holds the run parameters of a model.
type SimulationParams struct {
	NumeroEscenarios int    `json:"numero_escenarios"`
	SemillaAleatoria *int64 `json:"semilla_aleatoria,omitempty"`
}

// Model is the full wire representation published on the model queue.
// Timestamps travel as Unix seconds.
type Model struct {
	ModeloID   string           `json:"modelo_id"`
	Version    string           `json:"version"`
	Timestamp  float64          `json:"timestamp"`
	Metadata   Metadata         `json:"metadata"`
	Variables  []VariableSpec   `json:"variables"`
	Funcion    Function         `json:"funcion"`
	Simulacion SimulationParams `json:"simulacion"`
}

// Stamp assigns the published model id and timestamp. The id embeds
// the publication epoch so consumers can tell runs apart.
func (m *Model) Stamp(now time.Time) {
	m.Timestamp = float64(now.UnixNano()) / float64(time.Second)
	m.ModeloID = fmt.Sprintf("%s_%d", m.Metadata.Nombre, now.Unix())
}

// Validate checks the model beyond what the parser enforces: variable
// distributions and the function must compile.
func (m *Model) Validate() error {
	if m.Metadata.Nombre == "" {
		return fmt.Errorf("model name is empty")
	}
	if len(m.Variables) == 0 {
		return fmt.Errorf("model has no variables")
	}
	if m.Simulacion.NumeroEscenarios <= 0 {
		return fmt.Errorf("numero_escenarios must be > 0, got %d", m.Simulacion.NumeroEscenarios)
	}
	seen := make(map[string]struct{}, len(m.Variables))
	for _, v := range m.Variables {
		if _, dup := seen[v.Nombre]; dup {
			return fmt.Errorf("duplicate variable %q", v.Nombre)
		}
		seen[v.Nombre] = struct{}{}
		if v.Tipo != VarFloat && v.Tipo != VarInt {
			return fmt.Errorf("variable %q: invalid kind %q", v.Nombre, v.Tipo)
		}
		if err := dist.Validate(v.Distribucion, v.Parametros); err != nil {
			return fmt.Errorf("variable %q: %w", v.Nombre, err)
		}
	}
	if _, err := m.Funcion.Compile(); err != nil {
		return fmt.Errorf("model function: %w", err)
	}
	return nil
}

// ─── Scenario and Result ─────────────────────────────────────────────────────

// Scenario is one sampled input set published on the scenario queue.
type Scenario struct {
	EscenarioID int                `json:"escenario_id"`
	Timestamp   float64            `json:"timestamp"`
	Valores     map[string]float64 `json:"valores"`
}

// Result is the outcome of evaluating the model on one scenario.
type Result struct {
	EscenarioID     int     `json:"escenario_id"`
	ConsumerID      string  `json:"consumer_id"`
	Resultado       float64 `json:"resultado"`
	TiempoEjecucion float64 `json:"tiempo_ejecucion"`
}

// ─── Stats snapshots ─────────────────────────────────────────────────────────

// ProducerStats is the producer's periodic progress snapshot.
type ProducerStats struct {
	Timestamp              float64  `json:"timestamp"`
	EscenariosGenerados    int      `json:"escenarios_generados"`
	EscenariosTotales      int      `json:"escenarios_totales"`
	Progreso               float64  `json:"progreso"`
	TasaGeneracion         float64  `json:"tasa_generacion"`
	TiempoTranscurrido     float64  `json:"tiempo_transcurrido"`
	TiempoEstimadoRestante float64  `json:"tiempo_estimado_restante"`
	Estado                 RunState `json:"estado"`
}

// ConsumerStats is one consumer's periodic health snapshot.
type ConsumerStats struct {
	ConsumerID            string         `json:"consumer_id"`
	Timestamp             float64        `json:"timestamp"`
	EscenariosProcesados  int            `json:"escenarios_procesados"`
	TiempoUltimoEscenario float64        `json:"tiempo_ultimo_escenario"`
	TiempoPromedio        float64        `json:"tiempo_promedio"`
	TasaProcesamiento     float64        `json:"tasa_procesamiento"`
	Estado                RunState       `json:"estado"`
	TiempoActivo          float64        `json:"tiempo_activo"`
	ErroresTotales        int            `json:"errores_totales"`
	ReintentosTotales     int            `json:"reintentos_totales"`
	MensajesADLQ          int            `json:"mensajes_a_dlq"`
	ErroresPorTipo        map[string]int `json:"errores_por_tipo"`
}
