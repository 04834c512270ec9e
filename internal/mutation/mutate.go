// Package mutation measures test-suite effectiveness by injecting controlled
// source mutations and re-running the associated tests. A mutant the suite
// fails on is "killed"; one the suite passes despite is a coverage gap and is
// fed back into the pattern corpus as an undetected-mutation pattern.
package mutation

import (
	"strings"

	"failsift/internal/types"
)

// Mutant is one candidate code alteration at a specific location.
type Mutant struct {
	Operator types.MutationOperator
	File     string
	Line     int // 1-based
	Col      int // byte offset within the line
	Original string
	Mutated  string
}

// operator substitution tables, longest token first so ">=" wins over ">".
var arithmeticSubs = []pair{
	{"+", "-"}, {"-", "+"}, {"*", "/"}, {"/", "*"},
}

var comparisonSubs = []pair{
	{"==", "!="}, {"!=", "=="},
	{"<=", ">"}, {">=", "<"},
	{"<", ">="}, {">", "<="},
}

var booleanSubs = []pair{
	{"&&", "||"}, {"||", "&&"},
	{"true", "false"}, {"false", "true"},
}

type pair struct{ from, to string }

// Generate scans source text and produces one mutant per applicable site for
// each requested operator. The scan is line-based and skips comment lines,
// string literals, and import/package lines; it intentionally trades
// precision for zero build-tool dependencies.
func Generate(file, source string, operators []types.MutationOperator) []Mutant {
	var mutants []Mutant
	lines := strings.Split(source, "\n")

	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if skipLine(trimmed) {
			continue
		}
		code := stripStringsAndComments(line)

		for _, op := range operators {
			switch op {
			case types.OpArithmetic:
				mutants = append(mutants, siteMutants(file, lineNo, line, code, arithmeticSubs, op)...)
			case types.OpComparison:
				mutants = append(mutants, siteMutants(file, lineNo, line, code, comparisonSubs, op)...)
			case types.OpBoolean:
				mutants = append(mutants, siteMutants(file, lineNo, line, code, booleanSubs, op)...)
			case types.OpConstant:
				mutants = append(mutants, constantMutants(file, lineNo, line, code)...)
			}
		}
	}

	return mutants
}

// Apply produces the full mutated source for one mutant.
func (m Mutant) Apply(source string) string {
	lines := strings.Split(source, "\n")
	if m.Line < 1 || m.Line > len(lines) {
		return source
	}
	line := lines[m.Line-1]
	if m.Col < 0 || m.Col+len(m.Original) > len(line) ||
		line[m.Col:m.Col+len(m.Original)] != m.Original {
		return source
	}
	lines[m.Line-1] = line[:m.Col] + m.Mutated + line[m.Col+len(m.Original):]
	return strings.Join(lines, "\n")
}

func skipLine(trimmed string) bool {
	if trimmed == "" ||
		strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "*") ||
		strings.HasPrefix(trimmed, "package ") ||
		strings.HasPrefix(trimmed, "import") {
		return true
	}
	return false
}

// stripStringsAndComments blanks out quoted regions and trailing comments so
// substitutions never target literal text. Length is preserved so column
// offsets stay valid against the original line.
func stripStringsAndComments(line string) string {
	out := []byte(line)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if c == '\\' && quote != '`' {
				if i+1 < len(out) {
					out[i], out[i+1] = ' ', ' '
					i++
				}
				continue
			}
			if c == quote {
				quote = 0
			}
			out[i] = ' '
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
			out[i] = ' '
		case '/':
			if i+1 < len(out) && out[i+1] == '/' {
				for j := i; j < len(out); j++ {
					out[j] = ' '
				}
				return string(out)
			}
		}
	}
	return string(out)
}

// siteMutants emits one mutant per substitution site on the line. Matching
// runs against the blanked copy; original/mutated text comes from the table.
func siteMutants(file string, lineNo int, line, code string, subs []pair, op types.MutationOperator) []Mutant {
	var out []Mutant
	for _, s := range subs {
		for col := 0; ; {
			idx := strings.Index(code[col:], s.from)
			if idx < 0 {
				break
			}
			at := col + idx
			col = at + len(s.from)

			if conflictsWithLongerToken(code, at, s.from) {
				continue
			}
			if isWordToken(s.from) && !isWordBoundary(code, at, len(s.from)) {
				continue
			}
			out = append(out, Mutant{
				Operator: op,
				File:     file,
				Line:     lineNo,
				Col:      at,
				Original: s.from,
				Mutated:  s.to,
			})
		}
	}
	return out
}

// constantMutants perturbs integer literals by +1.
func constantMutants(file string, lineNo int, line, code string) []Mutant {
	var out []Mutant
	i := 0
	for i < len(code) {
		if code[i] < '0' || code[i] > '9' {
			i++
			continue
		}
		start := i
		for i < len(code) && code[i] >= '0' && code[i] <= '9' {
			i++
		}
		// Skip digits glued to identifiers (foo2) or floats/versions (1.5).
		if start > 0 && (isIdentChar(code[start-1]) || code[start-1] == '.') {
			continue
		}
		if i < len(code) && (isIdentChar(code[i]) || code[i] == '.') {
			continue
		}
		lit := code[start:i]
		out = append(out, Mutant{
			Operator: types.OpConstant,
			File:     file,
			Line:     lineNo,
			Col:      start,
			Original: lit,
			Mutated:  incrementLiteral(lit),
		})
	}
	return out
}

// conflictsWithLongerToken rejects e.g. matching "<" inside "<=", "=" pairs
// inside "==", or arithmetic "+" that is really "++" / "+=".
func conflictsWithLongerToken(code string, at int, tok string) bool {
	before := byte(0)
	if at > 0 {
		before = code[at-1]
	}
	after := byte(0)
	if at+len(tok) < len(code) {
		after = code[at+len(tok)]
	}
	switch tok {
	case "<", ">":
		return after == '=' || after == tok[0] || before == tok[0] || after == '-' || before == '-'
	case "+", "-":
		return after == '=' || after == tok[0] || before == tok[0] || after == '>' || before == '<'
	case "*", "/":
		return after == '=' || before == '/' || after == '/' || after == '*' || before == '*'
	case "==", "!=", "<=", ">=":
		return false
	default:
		return false
	}
}

func isWordToken(tok string) bool {
	return tok == "true" || tok == "false"
}

func isWordBoundary(code string, at, length int) bool {
	if at > 0 && isIdentChar(code[at-1]) {
		return false
	}
	end := at + length
	if end < len(code) && isIdentChar(code[end]) {
		return false
	}
	return true
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// incrementLiteral bumps a decimal literal by one without parsing overflow
// cases; non-numeric input is returned unchanged.
func incrementLiteral(lit string) string {
	digits := []byte(lit)
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < '9' {
			digits[i]++
			return string(digits)
		}
		digits[i] = '0'
	}
	return "1" + string(digits)
}
