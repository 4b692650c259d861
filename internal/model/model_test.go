package model_test

import (
	"encoding/json"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Susch12/VarP/internal/model"
)

func timeFixed() time.Time {
	return time.Unix(1700000000, 0)
}

const exprModel = `# simple additive model
[METADATA]
nombre = suma_normal
version = 1.0
descripcion = Suma de dos normales
autor = equipo
fecha_creacion = 2025-01-15

[VARIABLES]
x, float, normal, media=0, std=1
y, float, uniform, min=0, max=10

[FUNCION]
tipo = expresion
expresion = x + y

[SIMULACION]
numero_escenarios = 1000
semilla_aleatoria = 42
`

const codeModel = `[METADATA]
nombre = distancia
version = 2.1

[VARIABLES]
x, float, normal, media=0, std=1
y, float, normal, media=0, std=1
n, int, binomial, n=10, p=0.5

[FUNCION]
tipo = codigo
codigo =
    import math
    d = math.sqrt(x**2 + y**2)
    resultado = d + n

[SIMULACION]
numero_escenarios = 500
`

func TestParseExpressionModel(t *testing.T) {
	m, err := model.Parse(exprModel)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Metadata.Nombre != "suma_normal" {
		t.Errorf("nombre = %q", m.Metadata.Nombre)
	}
	if m.Version != "1.0" {
		t.Errorf("version = %q", m.Version)
	}
	if m.Metadata.Autor != "equipo" {
		t.Errorf("autor = %q", m.Metadata.Autor)
	}
	if len(m.Variables) != 2 {
		t.Fatalf("got %d variables", len(m.Variables))
	}
	x := m.Variables[0]
	if x.Nombre != "x" || x.Tipo != model.VarFloat || x.Distribucion != "normal" {
		t.Errorf("variable x = %+v", x)
	}
	if x.Parametros["media"] != 0 || x.Parametros["std"] != 1 {
		t.Errorf("x params = %v", x.Parametros)
	}
	if m.Funcion.Tipo != model.FunctionExpression || m.Funcion.Expresion != "x + y" {
		t.Errorf("funcion = %+v", m.Funcion)
	}
	if m.Simulacion.NumeroEscenarios != 1000 {
		t.Errorf("numero_escenarios = %d", m.Simulacion.NumeroEscenarios)
	}
	if m.Simulacion.SemillaAleatoria == nil || *m.Simulacion.SemillaAleatoria != 42 {
		t.Errorf("semilla = %v", m.Simulacion.SemillaAleatoria)
	}
}

func TestParseCodeModel(t *testing.T) {
	m, err := model.Parse(codeModel)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Funcion.Tipo != model.FunctionCode {
		t.Fatalf("tipo = %q", m.Funcion.Tipo)
	}
	want := "import math\nd = math.sqrt(x**2 + y**2)\nresultado = d + n\n"
	if m.Funcion.Codigo != want {
		t.Errorf("codigo = %q, want %q", m.Funcion.Codigo, want)
	}
	if m.Simulacion.SemillaAleatoria != nil {
		t.Errorf("semilla should be unset, got %v", *m.Simulacion.SemillaAleatoria)
	}
	ev, err := m.Funcion.Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := ev.Eval(map[string]float64{"x": 3, "y": 4, "n": 2})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != 7 {
		t.Errorf("got %v, want 7", got)
	}
}

func TestParseCodePreservesRelativeIndent(t *testing.T) {
	src := `[METADATA]
nombre = rama
version = 1

[VARIABLES]
x, float, normal, media=0, std=1

[FUNCION]
tipo = codigo
codigo =
    if x > 0:
        resultado = x
    else:
        resultado = -x

[SIMULACION]
numero_escenarios = 10
`
	m, err := model.Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(m.Funcion.Codigo, "\n    resultado = x\n") {
		t.Errorf("relative indent lost:\n%s", m.Funcion.Codigo)
	}
}

func TestParseEnglishAliases(t *testing.T) {
	src := strings.Replace(exprModel, "tipo = expresion", "tipo = expression", 1)
	src = strings.Replace(src, "expresion = x + y", "expression = x + y", 1)
	m, err := model.Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Funcion.Tipo != model.FunctionExpression {
		t.Errorf("tipo = %q, want canonical %q", m.Funcion.Tipo, model.FunctionExpression)
	}
	if m.Funcion.Expresion != "x + y" {
		t.Errorf("expresion = %q", m.Funcion.Expresion)
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		edit func(string) string
	}{
		{"missing section", func(s string) string {
			return strings.Replace(s, "[SIMULACION]", "[OTRA]", 1)
		}},
		{"duplicate variable", func(s string) string {
			return strings.Replace(s, "y, float, uniform, min=0, max=10",
				"x, float, uniform, min=0, max=10", 1)
		}},
		{"unknown distribution", func(s string) string {
			return strings.Replace(s, "normal, media=0, std=1", "cauchy, a=1", 1)
		}},
		{"bad kind", func(s string) string {
			return strings.Replace(s, "x, float, normal", "x, complex, normal", 1)
		}},
		{"non numeric parameter", func(s string) string {
			return strings.Replace(s, "std=1", "std=uno", 1)
		}},
		{"missing distribution parameter", func(s string) string {
			return strings.Replace(s, "media=0, std=1", "media=0", 1)
		}},
		{"zero scenarios", func(s string) string {
			return strings.Replace(s, "numero_escenarios = 1000", "numero_escenarios = 0", 1)
		}},
		{"missing nombre", func(s string) string {
			return strings.Replace(s, "nombre = suma_normal\n", "", 1)
		}},
		{"bad expression", func(s string) string {
			return strings.Replace(s, "expresion = x + y", "expresion = x +", 1)
		}},
		{"forbidden expression call", func(s string) string {
			return strings.Replace(s, "expresion = x + y", "expresion = open(x)", 1)
		}},
		{"invalid tipo", func(s string) string {
			return strings.Replace(s, "tipo = expresion", "tipo = script", 1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := model.Parse(tc.edit(exprModel))
			if err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseCodeMissingResult(t *testing.T) {
	src := strings.Replace(codeModel, "resultado = d + n", "salida = d + n", 1)
	_, err := model.Parse(src)
	if err == nil {
		t.Fatal("expected error for code without resultado")
	}
}

func TestParseErrorType(t *testing.T) {
	_, err := model.Parse("[METADATA]\nnombre = a\n")
	var pe *model.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %T, want *ParseError", err)
	}
}

func TestModelWireRoundTrip(t *testing.T) {
	m, err := model.Parse(exprModel)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m.Stamp(timeFixed())
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{
		`"modelo_id"`, `"metadata"`, `"nombre"`, `"fecha_creacion"`,
		`"variables"`, `"distribucion"`, `"parametros"`,
		`"funcion"`, `"tipo"`, `"expresion"`,
		`"simulacion"`, `"numero_escenarios"`, `"semilla_aleatoria"`,
	} {
		if !strings.Contains(string(data), key) {
			t.Errorf("wire JSON missing %s", key)
		}
	}
	var back model.Model
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(*m, back) {
		t.Errorf("round trip mismatch:\n%+v\n%+v", *m, back)
	}
}

func TestStamp(t *testing.T) {
	m, err := model.Parse(exprModel)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m.Stamp(timeFixed())
	if !strings.HasPrefix(m.ModeloID, "suma_normal_") {
		t.Errorf("modelo_id = %q", m.ModeloID)
	}
	if m.Timestamp <= 0 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
}

func TestVariableDraw(t *testing.T) {
	m, err := model.Parse(codeModel)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	for _, v := range m.Variables {
		x, err := v.Draw(rng)
		if err != nil {
			t.Fatalf("draw %s: %v", v.Nombre, err)
		}
		if v.Tipo == model.VarInt && x != float64(int64(x)) {
			t.Errorf("int variable %s drew %v", v.Nombre, x)
		}
	}
}

func TestDistributionInfo(t *testing.T) {
	info, ok := model.DistributionInfo("normal")
	if !ok {
		t.Fatal("normal not in catalogue")
	}
	if info.Nombre == "" || len(info.Parametros) != 2 {
		t.Errorf("info = %+v", info)
	}
	if _, ok := model.DistributionInfo("cauchy"); ok {
		t.Error("cauchy should not be in catalogue")
	}
}
