package eval

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNewline
	tokIndent
	tokDedent
	tokName
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	line int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokNewline:
		return "newline"
	case tokIndent:
		return "indent"
	case tokDedent:
		return "dedent"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// multi-character operators, longest first so maximal munch works
var multiOps = []string{
	"**=", "//=",
	"**", "//", "==", "!=", "<=", ">=", "+=", "-=", "*=", "/=", "%=",
}

const singleOps = "+-*/%<>()[]{},:.="

// lexCode tokenizes an indented block, emitting INDENT/DEDENT pairs.
// Blank lines and comment-only lines are skipped; newlines inside
// brackets do not terminate the logical line.
func lexCode(src string) ([]token, error) {
	var toks []token
	indents := []int{0}
	depth := 0 // bracket nesting

	lines := strings.Split(src, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lineno := i + 1

		if depth == 0 {
			trimmed := strings.TrimLeft(line, " \t")
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			indent, err := measureIndent(line, lineno)
			if err != nil {
				return nil, err
			}
			if indent > indents[len(indents)-1] {
				indents = append(indents, indent)
				toks = append(toks, token{kind: tokIndent, line: lineno})
			}
			for indent < indents[len(indents)-1] {
				indents = indents[:len(indents)-1]
				toks = append(toks, token{kind: tokDedent, line: lineno})
			}
			if indent != indents[len(indents)-1] {
				return nil, &SyntaxError{Line: lineno, Msg: "inconsistent indentation"}
			}
		}

		d, err := scanLine(line, lineno, depth, &toks)
		if err != nil {
			return nil, err
		}
		depth = d
		if depth == 0 {
			toks = append(toks, token{kind: tokNewline, line: lineno})
		}
	}
	if depth != 0 {
		return nil, &SyntaxError{Line: len(lines), Msg: "unclosed bracket"}
	}
	for len(indents) > 1 {
		indents = indents[:len(indents)-1]
		toks = append(toks, token{kind: tokDedent, line: len(lines)})
	}
	toks = append(toks, token{kind: tokEOF, line: len(lines)})
	return toks, nil
}

// lexExpr tokenizes a single-line expression (no indentation handling).
func lexExpr(src string) ([]token, error) {
	var toks []token
	depth, err := scanLine(src, 1, 0, &toks)
	if err != nil {
		return nil, err
	}
	if depth != 0 {
		return nil, &SyntaxError{Line: 1, Msg: "unclosed bracket"}
	}
	toks = append(toks, token{kind: tokEOF, line: 1})
	return toks, nil
}

// measureIndent counts leading whitespace, tabs as 8-column stops.
func measureIndent(line string, lineno int) (int, error) {
	col := 0
	for _, r := range line {
		switch r {
		case ' ':
			col++
		case '\t':
			col = (col/8 + 1) * 8
		default:
			return col, nil
		}
	}
	return col, nil
}

// scanLine appends the tokens of one physical line. depth is the bracket
// nesting carried in from a previous line; the updated depth is returned.
func scanLine(line string, lineno, depth int, toks *[]token) (int, error) {
	i := 0
	// when continuing inside brackets, leading whitespace is insignificant
	n := len(line)
	for i < n {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '#':
			return depth, nil
		case c >= '0' && c <= '9' || c == '.' && i+1 < n && line[i+1] >= '0' && line[i+1] <= '9':
			j, v, err := scanNumber(line, i, lineno)
			if err != nil {
				return depth, err
			}
			*toks = append(*toks, token{kind: tokNumber, text: line[i:j], num: v, line: lineno})
			i = j
		case isNameStart(c):
			j := i + 1
			for j < n && isNameChar(line[j]) {
				j++
			}
			*toks = append(*toks, token{kind: tokName, text: line[i:j], line: lineno})
			i = j
		case c == '\'' || c == '"':
			j, s, err := scanString(line, i, lineno)
			if err != nil {
				return depth, err
			}
			*toks = append(*toks, token{kind: tokString, text: s, line: lineno})
			i = j
		default:
			matched := false
			for _, op := range multiOps {
				if strings.HasPrefix(line[i:], op) {
					*toks = append(*toks, token{kind: tokOp, text: op, line: lineno})
					i += len(op)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(singleOps, c) >= 0 {
				switch c {
				case '(', '[', '{':
					depth++
				case ')', ']', '}':
					depth--
					if depth < 0 {
						return depth, &SyntaxError{Line: lineno, Msg: fmt.Sprintf("unmatched %q", string(c))}
					}
				}
				*toks = append(*toks, token{kind: tokOp, text: string(c), line: lineno})
				i++
				continue
			}
			return depth, &SyntaxError{Line: lineno, Msg: fmt.Sprintf("unexpected character %q", string(c))}
		}
	}
	return depth, nil
}

func scanNumber(line string, i, lineno int) (int, float64, error) {
	j := i
	n := len(line)
	for j < n && (line[j] >= '0' && line[j] <= '9') {
		j++
	}
	if j < n && line[j] == '.' {
		j++
		for j < n && (line[j] >= '0' && line[j] <= '9') {
			j++
		}
	}
	if j < n && (line[j] == 'e' || line[j] == 'E') {
		k := j + 1
		if k < n && (line[k] == '+' || line[k] == '-') {
			k++
		}
		if k < n && line[k] >= '0' && line[k] <= '9' {
			j = k
			for j < n && (line[j] >= '0' && line[j] <= '9') {
				j++
			}
		}
	}
	var v float64
	if _, err := fmt.Sscanf(line[i:j], "%g", &v); err != nil {
		return j, 0, &SyntaxError{Line: lineno, Msg: fmt.Sprintf("bad number literal %q", line[i:j])}
	}
	return j, v, nil
}

func scanString(line string, i, lineno int) (int, string, error) {
	quote := line[i]
	var sb strings.Builder
	j := i + 1
	n := len(line)
	for j < n {
		c := line[j]
		if c == quote {
			return j + 1, sb.String(), nil
		}
		if c == '\\' && j+1 < n {
			j++
			switch line[j] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '\'':
				sb.WriteByte('\'')
			case '"':
				sb.WriteByte('"')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(line[j])
			}
			j++
			continue
		}
		sb.WriteByte(c)
		j++
	}
	return j, "", &SyntaxError{Line: lineno, Msg: "unterminated string literal"}
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}
