package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParseError reports a problem in a model file.
type ParseError struct {
	Section string
	Line    int
	Msg     string
}

func (e *ParseError) Error() string {
	switch {
	case e.Section != "" && e.Line > 0:
		return fmt.Sprintf("[%s] line %d: %s", e.Section, e.Line, e.Msg)
	case e.Section != "":
		return fmt.Sprintf("[%s]: %s", e.Section, e.Msg)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

var requiredSections = []string{"METADATA", "VARIABLES", "FUNCION", "SIMULACION"}

// functionKinds maps accepted tipo spellings to the canonical wire value.
var functionKinds = map[string]FunctionKind{
	"expresion":  FunctionExpression,
	"expression": FunctionExpression,
	"codigo":     FunctionCode,
	"code":       FunctionCode,
}

// ParseFile reads a model definition from an .ini file.
func ParseFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return Parse(string(data))
}

// rawLine is a source line with its position, text kept as written.
// Callers skip comment lines, inside the codigo block as well; an inline
// '#' inside the codigo block stays in the code text.
type rawLine struct {
	text string
	num  int
}

// Parse reads a model definition with sections
// [METADATA] [VARIABLES] [FUNCION] [SIMULACION].
func Parse(src string) (*Model, error) {
	sections, err := splitSections(src)
	if err != nil {
		return nil, err
	}
	for _, name := range requiredSections {
		if _, ok := sections[name]; !ok {
			return nil, &ParseError{Msg: fmt.Sprintf("missing required section [%s]", name)}
		}
	}

	m := &Model{}
	if err := parseMetadata(sections["METADATA"], m); err != nil {
		return nil, err
	}
	if err := parseVariables(sections["VARIABLES"], m); err != nil {
		return nil, err
	}
	if err := parseFunction(sections["FUNCION"], m); err != nil {
		return nil, err
	}
	if err := parseSimulation(sections["SIMULACION"], m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	return m, nil
}

func splitSections(src string) (map[string][]rawLine, error) {
	sections := make(map[string][]rawLine)
	current := ""
	for i, line := range strings.Split(src, "\n") {
		num := i + 1
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return nil, &ParseError{Line: num, Msg: "unterminated section header"}
			}
			current = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if current == "" {
				return nil, &ParseError{Line: num, Msg: "empty section name"}
			}
			if _, dup := sections[current]; dup {
				return nil, &ParseError{Line: num, Msg: fmt.Sprintf("duplicate section [%s]", current)}
			}
			sections[current] = nil
			continue
		}
		if current == "" {
			if trimmed == "" || isComment(trimmed) {
				continue
			}
			return nil, &ParseError{Line: num, Msg: "content before first section"}
		}
		sections[current] = append(sections[current], rawLine{text: line, num: num})
	}
	return sections, nil
}

func isComment(s string) bool {
	return strings.HasPrefix(s, "#") || strings.HasPrefix(s, ";")
}

// keyValues reads "key = value" lines, skipping blanks and comments.
func keyValues(section string, lines []rawLine) (map[string]string, error) {
	out := make(map[string]string)
	for _, ln := range lines {
		s := strings.TrimSpace(ln.text)
		if s == "" || isComment(s) {
			continue
		}
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			return nil, &ParseError{Section: section, Line: ln.num,
				Msg: fmt.Sprintf("expected key = value, got %q", s)}
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(stripInlineComment(val))
		if _, dup := out[key]; dup {
			return nil, &ParseError{Section: section, Line: ln.num,
				Msg: fmt.Sprintf("duplicate key %q", key)}
		}
		out[key] = val
	}
	return out, nil
}

func stripInlineComment(s string) string {
	if i := strings.Index(s, "#"); i >= 0 {
		return s[:i]
	}
	return s
}

func parseMetadata(lines []rawLine, m *Model) error {
	kv, err := keyValues("METADATA", lines)
	if err != nil {
		return err
	}
	for _, required := range []string{"nombre", "version"} {
		if kv[required] == "" {
			return &ParseError{Section: "METADATA",
				Msg: fmt.Sprintf("required field %q missing or empty", required)}
		}
	}
	m.Metadata = Metadata{
		Nombre:        kv["nombre"],
		Descripcion:   kv["descripcion"],
		Autor:         kv["autor"],
		FechaCreacion: kv["fecha_creacion"],
	}
	m.Version = kv["version"]
	return nil
}

// parseVariables reads one variable per line:
// name, kind, distribution, param=value, ...
func parseVariables(lines []rawLine, m *Model) error {
	for _, ln := range lines {
		s := strings.TrimSpace(ln.text)
		if s == "" || isComment(s) {
			continue
		}
		v, err := parseVariableLine(stripInlineComment(s), ln.num)
		if err != nil {
			return err
		}
		m.Variables = append(m.Variables, v)
	}
	if len(m.Variables) == 0 {
		return &ParseError{Section: "VARIABLES", Msg: "no variables defined"}
	}
	return nil
}

func parseVariableLine(s string, num int) (VariableSpec, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num,
			Msg: "expected: name, kind, distribution, param=value, ..."}
	}
	v := VariableSpec{
		Nombre:       strings.TrimSpace(parts[0]),
		Tipo:         VarKind(strings.ToLower(strings.TrimSpace(parts[1]))),
		Distribucion: strings.ToLower(strings.TrimSpace(parts[2])),
		Parametros:   make(map[string]float64),
	}
	if v.Nombre == "" {
		return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num, Msg: "empty variable name"}
	}
	if v.Tipo != VarFloat && v.Tipo != VarInt {
		return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num,
			Msg: fmt.Sprintf("invalid kind %q, expected float or int", v.Tipo)}
	}
	for _, p := range parts[3:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, val, ok := strings.Cut(p, "=")
		if !ok {
			return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num,
				Msg: fmt.Sprintf("invalid parameter %q, expected param=value", p)}
		}
		name = strings.TrimSpace(name)
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num,
				Msg: fmt.Sprintf("parameter %q is not numeric: %q", name, strings.TrimSpace(val))}
		}
		if _, dup := v.Parametros[name]; dup {
			return VariableSpec{}, &ParseError{Section: "VARIABLES", Line: num,
				Msg: fmt.Sprintf("duplicate parameter %q", name)}
		}
		v.Parametros[name] = f
	}
	return v, nil
}

// parseFunction reads tipo plus either an expresion line or a
// multi-line codigo block.
func parseFunction(lines []rawLine, m *Model) error {
	tipoRaw := ""
	exprRaw := ""
	var codeLines []string
	inCode := false
	haveCodeMarker := false

	for _, ln := range lines {
		s := strings.TrimSpace(ln.text)
		if inCode {
			// non-indented key = value lines are other fields, not code
			indented := strings.HasPrefix(ln.text, " ") || strings.HasPrefix(ln.text, "\t")
			if s != "" && !indented && strings.Contains(s, "=") && !strings.Contains(s, "==") {
				key, val, _ := strings.Cut(s, "=")
				switch strings.TrimSpace(key) {
				case "tipo":
					tipoRaw = strings.ToLower(stripInlineCommentTrim(val))
				case "expresion", "expression":
					exprRaw = stripInlineCommentTrim(val)
				}
				continue
			}
			if isComment(s) {
				continue
			}
			codeLines = append(codeLines, strings.TrimRight(ln.text, " \t"))
			continue
		}
		if s == "" || isComment(s) {
			continue
		}
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			return &ParseError{Section: "FUNCION", Line: ln.num,
				Msg: fmt.Sprintf("expected key = value, got %q", s)}
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "tipo":
			tipoRaw = strings.ToLower(stripInlineCommentTrim(val))
		case "expresion", "expression":
			exprRaw = stripInlineCommentTrim(val)
		case "codigo", "code":
			haveCodeMarker = true
			inCode = true
			if val != "" {
				codeLines = append(codeLines, val)
			}
		default:
			return &ParseError{Section: "FUNCION", Line: ln.num,
				Msg: fmt.Sprintf("unknown field %q", key)}
		}
	}

	if tipoRaw == "" {
		return &ParseError{Section: "FUNCION", Msg: "required field \"tipo\" missing"}
	}
	kind, ok := functionKinds[tipoRaw]
	if !ok {
		return &ParseError{Section: "FUNCION",
			Msg: fmt.Sprintf("invalid tipo %q, expected expresion or codigo", tipoRaw)}
	}
	m.Funcion.Tipo = kind

	switch kind {
	case FunctionExpression:
		if exprRaw == "" {
			return &ParseError{Section: "FUNCION",
				Msg: "field \"expresion\" required when tipo = expresion"}
		}
		m.Funcion.Expresion = exprRaw
	case FunctionCode:
		if !haveCodeMarker {
			return &ParseError{Section: "FUNCION",
				Msg: "field \"codigo\" required when tipo = codigo"}
		}
		code := strings.TrimSpace(dedent(strings.Join(codeLines, "\n")))
		if code == "" {
			return &ParseError{Section: "FUNCION", Msg: "code block is empty"}
		}
		m.Funcion.Codigo = code + "\n"
	}
	return nil
}

func stripInlineCommentTrim(s string) string {
	return strings.TrimSpace(stripInlineComment(s))
}

// dedent strips the common leading indentation while preserving the
// relative indentation between lines.
func dedent(code string) string {
	lines := strings.Split(code, "\n")
	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if minIndent < 0 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return code
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			out[i] = ""
			continue
		}
		out[i] = line[minIndent:]
	}
	return strings.Join(out, "\n")
}

func parseSimulation(lines []rawLine, m *Model) error {
	kv, err := keyValues("SIMULACION", lines)
	if err != nil {
		return err
	}
	raw, ok := kv["numero_escenarios"]
	if !ok {
		return &ParseError{Section: "SIMULACION",
			Msg: "required field \"numero_escenarios\" missing"}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return &ParseError{Section: "SIMULACION",
			Msg: fmt.Sprintf("numero_escenarios must be an integer, got %q", raw)}
	}
	if n <= 0 {
		return &ParseError{Section: "SIMULACION",
			Msg: fmt.Sprintf("numero_escenarios must be > 0, got %d", n)}
	}
	m.Simulacion.NumeroEscenarios = n

	if raw, ok := kv["semilla_aleatoria"]; ok && raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &ParseError{Section: "SIMULACION",
				Msg: fmt.Sprintf("semilla_aleatoria must be an integer, got %q", raw)}
		}
		m.Simulacion.SemillaAleatoria = &seed
	}
	return nil
}
