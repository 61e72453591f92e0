// Package smt adapts external SMT solvers to the engine's Solver contract.
//
// Solvers run as subprocesses speaking SMT-LIB 2 over pipes (logic BV, with
// quantifiers for coverage queries). A session keeps an assertion stack;
// non-incremental solvers have push/pop emulated by replaying the assertion
// prefix. A portfolio races several sessions on the same query and takes
// the first definitive answer.
package smt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jortvanleenen/octopus"
)

// writeTerm serialises an expression as an SMT-LIB bit-vector term. Every
// term, including booleans, has sort (_ BitVec w); quantified subformulas
// are wrapped back into width-1 vectors with ite.
func writeTerm(sb *strings.Builder, e octopus.Expr) {
	switch e := e.(type) {
	case *octopus.ConstantExpr:
		fmt.Fprintf(sb, "(_ bv%d %d)", e.Value, e.Width)
	case *octopus.VarExpr:
		writeSymbol(sb, e.Name)
	case *octopus.ConcatExpr:
		sb.WriteString("(concat ")
		writeTerm(sb, e.MSB)
		sb.WriteByte(' ')
		writeTerm(sb, e.LSB)
		sb.WriteByte(')')
	case *octopus.ExtractExpr:
		fmt.Fprintf(sb, "((_ extract %d %d) ", e.Offset+e.Width-1, e.Offset)
		writeTerm(sb, e.Expr)
		sb.WriteByte(')')
	case *octopus.NotExpr:
		sb.WriteString("(bvnot ")
		writeTerm(sb, e.Expr)
		sb.WriteByte(')')
	case *octopus.BinaryExpr:
		switch e.Op {
		case octopus.AND, octopus.OR, octopus.XOR, octopus.SHL, octopus.LSHR:
			sb.WriteString("(" + bvOps[e.Op] + " ")
			writeTerm(sb, e.LHS)
			sb.WriteByte(' ')
			writeTerm(sb, e.RHS)
			sb.WriteByte(')')
		case octopus.EQ:
			sb.WriteString("(ite (= ")
			writeTerm(sb, e.LHS)
			sb.WriteByte(' ')
			writeTerm(sb, e.RHS)
			sb.WriteString(") #b1 #b0)")
		default:
			panic(fmt.Sprintf("smt: unexpected binary op %s", e.Op))
		}
	case *octopus.IteExpr:
		sb.WriteString("(ite ")
		writeBool(sb, e.Cond)
		sb.WriteByte(' ')
		writeTerm(sb, e.Then)
		sb.WriteByte(' ')
		writeTerm(sb, e.Else)
		sb.WriteByte(')')
	case *octopus.ExistsExpr:
		sb.WriteString("(ite ")
		writeBool(sb, e)
		sb.WriteString(" #b1 #b0)")
	default:
		panic(fmt.Sprintf("smt: unexpected expression type %T", e))
	}
}

// writeBool serialises a width-1 expression as an SMT-LIB Bool.
func writeBool(sb *strings.Builder, e octopus.Expr) {
	if e, ok := e.(*octopus.ExistsExpr); ok {
		sb.WriteString("(exists (")
		for i, v := range e.Vars {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteByte('(')
			writeSymbol(sb, v.Name)
			fmt.Fprintf(sb, " (_ BitVec %d))", v.Width)
		}
		sb.WriteString(") ")
		writeBool(sb, e.Body)
		sb.WriteByte(')')
		return
	}
	sb.WriteString("(= ")
	writeTerm(sb, e)
	sb.WriteString(" #b1)")
}

var bvOps = map[octopus.BinaryOp]string{
	octopus.AND:  "bvand",
	octopus.OR:   "bvor",
	octopus.XOR:  "bvxor",
	octopus.SHL:  "bvshl",
	octopus.LSHR: "bvlshr",
}

// writeSymbol emits a quoted SMT-LIB symbol; register-derived names contain
// dots, which simple symbols do not allow.
func writeSymbol(sb *strings.Builder, name string) {
	sb.WriteByte('|')
	sb.WriteString(name)
	sb.WriteByte('|')
}

// formulaScript returns the declarations and assertion for a single boolean
// formula. Extra variables are declared as well so that a later get-value
// can mention variables the formula does not constrain.
func formulaScript(formula octopus.Expr, extra ...*octopus.VarExpr) []string {
	var lines []string
	declared := make(map[string]struct{})
	declare := func(v *octopus.VarExpr) {
		if _, ok := declared[v.Name]; ok {
			return
		}
		declared[v.Name] = struct{}{}
		var sb strings.Builder
		sb.WriteString("(declare-const ")
		writeSymbol(&sb, v.Name)
		fmt.Fprintf(&sb, " (_ BitVec %d))", v.Width)
		lines = append(lines, sb.String())
	}
	for _, v := range octopus.UsedVars(formula) {
		declare(v)
	}
	for _, v := range extra {
		declare(v)
	}

	var sb strings.Builder
	sb.WriteString("(assert ")
	writeBool(&sb, formula)
	sb.WriteByte(')')
	return append(lines, sb.String())
}

// valueQuery returns the get-value command for a set of variables.
func valueQuery(vars []*octopus.VarExpr) string {
	var sb strings.Builder
	sb.WriteString("(get-value (")
	for i, v := range vars {
		if i > 0 {
			sb.WriteByte(' ')
		}
		writeSymbol(&sb, v.Name)
	}
	sb.WriteString("))")
	return sb.String()
}

// parseValues parses a get-value response of the form
// ((|a| #b1) (|b| #x1f) (|c| (_ bv5 8))) into name/value pairs.
func parseValues(s string) (map[string]uint64, error) {
	tokens := tokenize(s)
	values := make(map[string]uint64)

	for i := 0; i < len(tokens); i++ {
		name, ok := symbolToken(tokens[i])
		if !ok {
			continue
		}
		value, width, err := valueAt(tokens, i+1)
		if err != nil {
			return nil, fmt.Errorf("smt: value for %s: %w", name, err)
		}
		_ = width
		values[name] = value
	}
	return values, nil
}

func tokenize(s string) []string {
	var tokens []string
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '|':
			j := strings.IndexByte(s[i+1:], '|')
			if j < 0 {
				return tokens
			}
			tokens = append(tokens, s[i:i+j+2])
			i += j + 2
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			j := i
			for j < len(s) && !strings.ContainsRune("() \t\n\r|", rune(s[j])) {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens
}

func symbolToken(tok string) (string, bool) {
	if strings.HasPrefix(tok, "|") && strings.HasSuffix(tok, "|") && len(tok) > 1 {
		return tok[1 : len(tok)-1], true
	}
	return "", false
}

// valueAt decodes the bit-vector literal starting at tokens[i].
func valueAt(tokens []string, i int) (value uint64, width uint, err error) {
	if i >= len(tokens) {
		return 0, 0, fmt.Errorf("missing value literal")
	}
	tok := tokens[i]
	switch {
	case strings.HasPrefix(tok, "#b"):
		v, err := strconv.ParseUint(tok[2:], 2, 64)
		return v, uint(len(tok) - 2), err
	case strings.HasPrefix(tok, "#x"):
		v, err := strconv.ParseUint(tok[2:], 16, 64)
		return v, uint(len(tok)-2) * 4, err
	case tok == "(":
		// (_ bvN w)
		if i+3 >= len(tokens) || tokens[i+1] != "_" || !strings.HasPrefix(tokens[i+2], "bv") {
			return 0, 0, fmt.Errorf("unexpected literal %q", strings.Join(tokens[i:min(i+4, len(tokens))], " "))
		}
		v, err := strconv.ParseUint(tokens[i+2][2:], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		w, err := strconv.ParseUint(tokens[i+3], 10, 32)
		return v, uint(w), err
	default:
		return 0, 0, fmt.Errorf("unexpected literal %q", tok)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
