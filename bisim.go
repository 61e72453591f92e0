package octopus

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Engine computes the largest bisimulation between the symbolic
// configurations of two parsers, one leap at a time. It owns the shared
// symbolic buffer and the coverage relation; a single Run explores the pair
// space breadth-first until the worklist drains or a divergence is found.
type Engine struct {
	Left   *Parser
	Right  *Parser
	Solver Solver

	// DisableLeaps forces single-bit steps.
	DisableLeaps bool

	buf      *Buffer
	relation map[relKey][]Expr
	order    []relKey
	explored int
}

// relKey is the guard of a coverage class: two control states with their
// pending-block fills and written-register sets. Pairs with different
// guards never cover each other.
type relKey struct {
	stateL, stateR string
	fillL, fillR   uint
	regsL, regsR   string
}

// NewEngine returns an engine comparing left and right through solver.
func NewEngine(left, right *Parser, solver Solver) *Engine {
	return &Engine{
		Left:     left,
		Right:    right,
		Solver:   solver,
		buf:      NewBuffer(),
		relation: make(map[relKey][]Expr),
	}
}

// Run explores the pair space to a verdict. It returns a Report carrying
// either the discovered bisimulation as a certificate or a witness packet,
// and an error for solver indeterminacy or IR-level failures.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	method := "symbolic"
	if e.DisableLeaps {
		method = "symbolic-no-leaps"
	}

	lefts, err := expand(NewConfig(e.Left))
	if err != nil {
		return nil, err
	}
	rights, err := expand(NewConfig(e.Right))
	if err != nil {
		return nil, err
	}

	var worklist []*Pair
	for _, l := range lefts {
		for _, r := range rights {
			pair := &Pair{Left: l, Right: r}
			joint := pair.PathCond()
			if IsConstantFalse(joint) {
				continue
			}
			if !IsConstantTrue(joint) {
				result, err := e.Solver.Check(ctx, joint)
				if err != nil {
					return nil, err
				}
				if result == SatUnsat {
					continue
				}
			}
			worklist = append(worklist, pair)
		}
	}

	for len(worklist) > 0 {
		pair := worklist[0]
		worklist = worklist[1:]
		e.explored++

		log.WithFields(log.Fields{
			"pair":     pair.String(),
			"worklist": len(worklist),
			"classes":  len(e.relation),
		}).Debug("exploring pair")

		vl, vr := pair.Left.Terminal(), pair.Right.Terminal()
		switch {
		case vl != VerdictNone && vr != VerdictNone:
			witness, err := e.checkTerminal(ctx, pair)
			if err != nil {
				return nil, err
			}
			if witness != nil {
				return e.report(method, witness), nil
			}
			continue

		case vl != VerdictNone || vr != VerdictNone:
			// One side has committed to a verdict while the other still
			// reads input: observably different.
			witness, err := e.witness(ctx, pair, pair.PathCond())
			if err != nil {
				return nil, err
			}
			return e.report(method, witness), nil
		}

		covered, err := e.covered(ctx, pair)
		if err != nil {
			return nil, err
		}
		if covered {
			continue
		}
		e.add(pair)

		k := uint(1)
		if !e.DisableLeaps {
			k = e.leap(pair)
		}
		successors, err := pairSuccessors(ctx, e.Solver, e.buf, pair, k)
		if err != nil {
			return nil, err
		}
		worklist = append(worklist, successors...)
	}

	log.WithFields(log.Fields{
		"explored": e.explored,
		"classes":  len(e.relation),
	}).Info("bisimulation closed")
	return e.report(method, nil), nil
}

// leap returns the largest number of bits both sides will consume before
// their next select, never less than one.
func (e *Engine) leap(pair *Pair) uint {
	k := pair.Left.Need()
	if r := pair.Right.Need(); r < k {
		k = r
	}
	assert(k >= 1, "resting pair with zero need: %s", pair)
	if k > 1 {
		log.WithField("bits", k).Debug("leaping")
	}
	return k
}

// checkTerminal compares the verdicts and observable snapshots of a fully
// terminal pair, returning a witness when they diverge.
func (e *Engine) checkTerminal(ctx context.Context, pair *Pair) (*Witness, error) {
	vl, vr := pair.Left.Terminal(), pair.Right.Terminal()
	if vl != vr {
		return e.witness(ctx, pair, pair.PathCond())
	}
	if vl == VerdictReject {
		// A rejecting parse emits no headers; only the verdict is
		// observable.
		return nil, nil
	}

	regsL, regsR := pair.Left.Registers(), pair.Right.Registers()
	if regsL.Key() != regsR.Key() {
		return e.witness(ctx, pair, pair.PathCond())
	}

	var inequalities []Expr
	for _, name := range regsL.Names() {
		l, _ := regsL.Get(name)
		r, _ := regsR.Get(name)
		if ExprWidth(l) != ExprWidth(r) {
			return e.witness(ctx, pair, pair.PathCond())
		}
		inequalities = append(inequalities, NewBinaryExpr(NE, l, r))
	}

	differs := conjoin(pair.PathCond(), disjoin(inequalities...))
	if IsConstantFalse(differs) {
		return nil, nil
	}
	result, err := e.Solver.Check(ctx, differs)
	if err != nil {
		return nil, err
	}
	if result == SatUnsat {
		return nil, nil
	}
	return e.witness(ctx, pair, differs)
}

// covered reports whether the pair is already discharged by the relation:
// its unquantified characteristic formula must be inconsistent with the
// negated disjunction of its guard's classes.
func (e *Engine) covered(ctx context.Context, pair *Pair) (bool, error) {
	classes := e.relation[e.key(pair)]
	if len(classes) == 0 {
		return false, nil
	}

	query := conjoin(e.classBody(pair), NewNotExpr(disjoin(classes...)))
	if IsConstantFalse(query) {
		return true, nil
	}
	result, err := e.Solver.Check(ctx, query)
	if err != nil {
		return false, err
	}
	return result == SatUnsat, nil
}

// add extends the relation with the pair's coverage class.
func (e *Engine) add(pair *Pair) {
	key := e.key(pair)
	if _, ok := e.relation[key]; !ok {
		e.order = append(e.order, key)
	}
	e.relation[key] = append(e.relation[key], e.classFormula(pair))
}

func (e *Engine) key(pair *Pair) relKey {
	return relKey{
		stateL: pair.Left.State(),
		stateR: pair.Right.State(),
		fillL:  pair.Left.Fill(),
		fillR:  pair.Right.Fill(),
		regsL:  pair.Left.Registers().Key(),
		regsR:  pair.Right.Registers().Key(),
	}
}

// classBody builds the pair's characteristic formula over template
// variables: the joint path condition conjoined with bindings of one
// template per written register and per non-empty pending block.
func (e *Engine) classBody(pair *Pair) Expr {
	parts := []Expr{pair.PathCond()}
	sides := []struct {
		tag string
		cfg *Config
	}{{"l", pair.Left}, {"r", pair.Right}}
	for _, s := range sides {
		side, cfg := s.tag, s.cfg
		for _, name := range cfg.Registers().Names() {
			term, _ := cfg.Registers().Get(name)
			tmpl := NewVarExpr("tmpl_"+side+"_"+name, ExprWidth(term))
			parts = append(parts, NewBinaryExpr(EQ, tmpl, term))
		}
		if cfg.Fill() > 0 {
			tmpl := NewVarExpr("tmplbuf_"+side, cfg.Fill())
			parts = append(parts, NewBinaryExpr(EQ, tmpl, NewConcatSeq(cfg.pending)))
		}
	}
	return conjoin(parts...)
}

// classFormula is the class body with the packet bits existentially bound:
// the template variables remain free so classes with the same guard can be
// compared.
func (e *Engine) classFormula(pair *Pair) Expr {
	body := e.classBody(pair)
	var bound []*VarExpr
	for _, v := range UsedVars(body) {
		if strings.HasPrefix(v.Name, "pkt_") {
			bound = append(bound, v)
		}
	}
	return NewExistsExpr(bound, body)
}

// witness extracts a concrete packet from a satisfiable formula over the
// shared buffer and packages it with the pair's diverging observations.
func (e *Engine) witness(ctx context.Context, pair *Pair, formula Expr) (*Witness, error) {
	n := pair.Left.Offset() + pair.Left.Fill()
	if m := pair.Right.Offset() + pair.Right.Fill(); m > n {
		n = m
	}

	bits := make([]byte, n)
	for i := range bits {
		bits[i] = '0'
	}
	if n > 0 {
		model, err := e.Solver.Model(ctx, formula, e.buf.Vars(n))
		if err != nil {
			return nil, fmt.Errorf("extracting witness: %w", err)
		}
		for i := uint(0); i < n; i++ {
			if model[fmt.Sprintf("pkt_%d", i)] != 0 {
				bits[i] = '1'
			}
		}
	}

	return &Witness{
		Bits:            string(bits),
		VerdictLeft:     pair.Left.Terminal().String(),
		VerdictRight:    pair.Right.Terminal().String(),
		StateLeft:       pair.Left.State(),
		StateRight:      pair.Right.State(),
		ObservableLeft:  pair.Left.Registers().String(),
		ObservableRight: pair.Right.Registers().String(),
	}, nil
}

// report assembles the outcome. A nil witness means the worklist drained
// and the relation is the certificate.
func (e *Engine) report(method string, witness *Witness) *Report {
	report := &Report{
		Equivalent: witness == nil,
		Method:     method,
		Witness:    witness,
	}
	if witness != nil {
		return report
	}
	for _, key := range e.order {
		for _, formula := range e.relation[key] {
			report.Classes = append(report.Classes, Class{
				StateLeft:  key.stateL,
				StateRight: key.stateR,
				FillLeft:   key.fillL,
				FillRight:  key.fillR,
				Formula:    formula.String(),
			})
		}
	}
	return report
}
