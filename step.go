package octopus

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// evalExpression evaluates an IR expression against a register file,
// producing a symbolic term.
func evalExpression(p *Parser, regs *RegisterFile, e Expression) (Expr, error) {
	switch e := e.(type) {
	case *Constant:
		return NewConstantExpr(e.Value, e.Width), nil
	case *Reference:
		term, ok := regs.Get(e.Reg)
		if !ok {
			return nil, fmt.Errorf("%w: register %q read before it is written", ErrIRSemantic, e.Reg)
		}
		return term, nil
	case *SliceExpr:
		inner, err := evalExpression(p, regs, e.Expr)
		if err != nil {
			return nil, err
		}
		return NewExtractExpr(inner, e.Lo, e.Hi-e.Lo+1), nil
	case *Concatenation:
		left, err := evalExpression(p, regs, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := evalExpression(p, regs, e.Right)
		if err != nil {
			return nil, err
		}
		return NewConcatExpr(left, right), nil
	case *Complement:
		inner, err := evalExpression(p, regs, e.Expr)
		if err != nil {
			return nil, err
		}
		return NewNotExpr(inner), nil
	case *Bitwise:
		left, err := evalExpression(p, regs, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := evalExpression(p, regs, e.Right)
		if err != nil {
			return nil, err
		}
		return NewBinaryExpr(e.Op, left, right), nil
	default:
		panic("unreachable")
	}
}

// stepSide feeds k fresh buffer bits to one side. If the state's block
// completes it is executed and the select forks one successor per arm;
// otherwise the single successor has a fuller pending block.
func stepSide(buf *Buffer, cfg *Config, k uint) ([]*Config, error) {
	assert(cfg.Terminal() == VerdictNone, "stepping terminal configuration %s", cfg)
	assert(k <= cfg.Need(), "overfeeding state %q: %d > %d", cfg.state, k, cfg.Need())

	next := cfg.readBits(buf, k)
	if next.Need() > 0 {
		return []*Config{next}, nil
	}
	return execState(next)
}

// execState executes the statement block of a configuration whose pending
// bits satisfy the state's need, then forks on its select. Successor states
// that consume no input are executed immediately; load-time validation
// guarantees such chains are acyclic.
func execState(cfg *Config) ([]*Config, error) {
	state := cfg.parser.State(cfg.state)
	assert(state != nil, "executing unknown state %q", cfg.state)
	assert(cfg.Fill() == state.need, "executing state %q with fill %d, need %d", cfg.state, cfg.Fill(), state.need)

	regs := cfg.regs
	pos := uint(0)
	for _, stmt := range state.Statements {
		switch stmt := stmt.(type) {
		case *Extract:
			for _, f := range stmt.Header.Fields {
				// The first bit on the wire is the most significant bit of
				// the first field.
				term := NewConcatSeq(cfg.pending[pos : pos+f.Width])
				regs = regs.Set(stmt.Header.Name+"."+f.Name, term)
				pos += f.Width
			}
		case *Assign:
			term, err := evalExpression(cfg.parser, regs, stmt.RHS)
			if err != nil {
				return nil, err
			}
			if stmt.HasSlice {
				current, ok := regs.Get(stmt.Reg)
				if !ok {
					width, _ := cfg.parser.RegisterWidth(stmt.Reg)
					if stmt.Hi-stmt.Lo+1 != width {
						return nil, fmt.Errorf("%w: register %q partially assigned before it is written", ErrIRSemantic, stmt.Reg)
					}
					regs = regs.Set(stmt.Reg, term)
					continue
				}
				regs = regs.Set(stmt.Reg, NewSliceAssignExpr(current, term, stmt.Lo))
			} else {
				regs = regs.Set(stmt.Reg, term)
			}
		}
	}
	assert(pos == state.need, "state %q consumed %d of %d pending bits", cfg.state, pos, state.need)

	scrutinees := make([]Expr, len(state.Transition.Scrutinees))
	for i, s := range state.Transition.Scrutinees {
		term, err := evalExpression(cfg.parser, regs, s)
		if err != nil {
			return nil, err
		}
		scrutinees[i] = term
	}

	var successors []*Config
	prior := Expr(NewBoolConstantExpr(false))
	for _, c := range state.Transition.Cases {
		match := caseMatch(scrutinees, c)
		guard := conjoin(NewNotExpr(prior), match)
		prior = disjoin(prior, match)
		if IsConstantFalse(guard) {
			continue
		}

		succ := &Config{
			parser:   cfg.parser,
			state:    c.Target,
			pathCond: conjoin(cfg.pathCond, guard),
			regs:     regs,
			offset:   cfg.offset + state.need,
		}
		if !IsTerminal(c.Target) && cfg.parser.State(c.Target).need == 0 {
			chained, err := execState(succ)
			if err != nil {
				return nil, err
			}
			successors = append(successors, chained...)
			continue
		}
		successors = append(successors, succ)
	}
	return successors, nil
}

// caseMatch compiles the match condition of one select arm against the
// evaluated scrutinee terms. Wildcards contribute true; the default arm
// matches unconditionally (first-match exclusion is applied by the caller).
func caseMatch(scrutinees []Expr, c Case) Expr {
	if c.Default {
		return NewBoolConstantExpr(true)
	}
	match := Expr(NewBoolConstantExpr(true))
	for i, pat := range c.Patterns {
		if pat.Wildcard {
			continue
		}
		eq := NewBinaryExpr(EQ, scrutinees[i], NewConstantExpr(pat.Value, pat.Width))
		match = conjoin(match, eq)
	}
	return match
}

// expand closes a configuration over zero-consumption states so that every
// returned configuration is either terminal or rests in a state that still
// needs input.
func expand(cfg *Config) ([]*Config, error) {
	if cfg.Terminal() != VerdictNone || cfg.Need() > 0 {
		return []*Config{cfg}, nil
	}
	return execState(cfg)
}

// pairSuccessors computes the successor pairs of a joint configuration
// after feeding k bits to both sides, pruning pairs whose joint path
// condition is unsatisfiable. Successor enumeration follows select-arm
// order on both sides to preserve first-match semantics.
func pairSuccessors(ctx context.Context, solver Solver, buf *Buffer, p *Pair, k uint) ([]*Pair, error) {
	lefts, err := stepSide(buf, p.Left, k)
	if err != nil {
		return nil, err
	}
	rights, err := stepSide(buf, p.Right, k)
	if err != nil {
		return nil, err
	}

	var pairs []*Pair
	for _, l := range lefts {
		for _, r := range rights {
			joint := conjoin(l.pathCond, r.pathCond)
			if IsConstantFalse(joint) {
				continue
			}
			if !IsConstantTrue(joint) {
				result, err := solver.Check(ctx, joint)
				if err != nil {
					return nil, err
				}
				if result == SatUnsat {
					continue
				}
			}
			pairs = append(pairs, &Pair{Left: l, Right: r})
		}
	}
	log.WithFields(log.Fields{
		"left":  len(lefts),
		"right": len(rights),
		"kept":  len(pairs),
		"bits":  k,
	}).Debug("expanded pair successors")
	return pairs, nil
}
