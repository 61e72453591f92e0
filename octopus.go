// Package octopus decides language equivalence of P4 packet parsers.
//
// Two parsers are equivalent iff, for every finite input prefix, both either
// reach a common terminal verdict with identical observable header snapshots,
// or neither has yet committed to a verdict. The package computes a symbolic
// bisimulation with leaps over a shared symbolic packet, discharging coverage
// and feasibility queries through an SMT solver.
package octopus

import (
	"context"
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

// Reserved state names: the default initial state and the two terminal
// pseudo-states. In P4 the initial state is always called "start".
const (
	StateStart  = "start"
	StateAccept = "accept"
	StateReject = "reject"
)

var (
	ErrInput                = errors.New("input error")
	ErrIRSchema             = errors.New("IR schema error")
	ErrUnsupportedConstruct = errors.New("unsupported construct")
	ErrIRSemantic           = errors.New("IR semantic error")
	ErrSolverIndeterminate  = errors.New("solver indeterminate")
	ErrSolverTimeout        = errors.New("solver timeout")
	ErrSolverCanceled       = errors.New("solver canceled")
)

// SatResult is the outcome of a satisfiability check.
type SatResult int

const (
	SatUnknown = SatResult(iota)
	SatUnsat
	SatSat
)

// String returns the string representation of the result.
func (r SatResult) String() string {
	switch r {
	case SatSat:
		return "sat"
	case SatUnsat:
		return "unsat"
	default:
		return "unknown"
	}
}

// Solver is the engine-facing contract of the SMT backend.
//
// Check reports the satisfiability of a single boolean (width-1) term.
// Model additionally returns concrete values for the given variables; it is
// only defined for satisfiable formulas. An unknown result is surfaced as
// ErrSolverIndeterminate since the bisimulation requires decisive answers.
type Solver interface {
	Check(ctx context.Context, formula Expr) (SatResult, error)
	Model(ctx context.Context, formula Expr, vars []*VarExpr) (map[string]uint64, error)
	Close() error
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}

// bitmask returns a mask with the low w bits set.
func bitmask(w uint) uint64 {
	if w >= Width64 {
		return ^uint64(0)
	}
	return (1 << w) - 1
}
