package smt

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jortvanleenen/octopus"
)

// Portfolio implements octopus.Solver by racing a set of solver sessions on
// each query: the first definitive sat/unsat wins and the remaining
// processes are interrupted. It is a first-of-N reduction, not a fallback
// chain.
type Portfolio struct {
	sessions []*session
	global   Options
}

// Ensure the portfolio implements the engine contract.
var _ octopus.Solver = (*Portfolio)(nil)

// Open resolves the requested solvers. Unavailable solvers are skipped with
// a warning, matching the original's filtering of installed backends; no
// available solver at all is an input error.
func Open(specs []SolverSpec, global Options) (*Portfolio, error) {
	p := &Portfolio{global: global}
	for _, spec := range specs {
		s, ok, err := newSession(spec, global)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.WithField("solver", spec.Name).Warn("solver is not available")
			continue
		}
		p.sessions = append(p.sessions, s)
	}
	if len(p.sessions) == 0 {
		return nil, fmt.Errorf("%w: none of the specified solvers are available", octopus.ErrInput)
	}

	names := make([]string, len(p.sessions))
	for i, s := range p.sessions {
		names[i] = s.name
	}
	log.WithField("solvers", names).Info("opened solver portfolio")
	return p, nil
}

// Solvers returns the names of the live portfolio members.
func (p *Portfolio) Solvers() []string {
	names := make([]string, len(p.sessions))
	for i, s := range p.sessions {
		names[i] = s.name
	}
	return names
}

// Close terminates all member processes.
func (p *Portfolio) Close() error {
	for _, s := range p.sessions {
		s.close()
	}
	return nil
}

// Check reports the satisfiability of a boolean formula. All members race
// on the query; an unknown from every member is ErrSolverIndeterminate.
func (p *Portfolio) Check(ctx context.Context, formula octopus.Expr) (octopus.SatResult, error) {
	ctx, cancel := p.queryContext(ctx)
	defer cancel()

	script := formulaScript(formula)
	if len(p.sessions) == 1 {
		result, err := p.sessions[0].checkScript(ctx, script)
		if err != nil {
			return octopus.SatUnknown, err
		}
		if result == octopus.SatUnknown {
			return octopus.SatUnknown, octopus.ErrSolverIndeterminate
		}
		return result, nil
	}

	type answer struct {
		result octopus.SatResult
		err    error
	}
	answers := make(chan answer, len(p.sessions))

	raceCtx, interrupt := context.WithCancel(ctx)
	g, raceCtx := errgroup.WithContext(raceCtx)
	for _, s := range p.sessions {
		s := s
		g.Go(func() error {
			result, err := s.checkScript(raceCtx, script)
			answers <- answer{result: result, err: err}
			return nil
		})
	}

	var (
		winner  octopus.SatResult
		decided bool
	)
	for range p.sessions {
		a := <-answers
		if a.err == nil && a.result != octopus.SatUnknown && !decided {
			winner, decided = a.result, true
			interrupt()
		}
	}
	_ = g.Wait()
	interrupt()

	if !decided {
		if err := ctx.Err(); err == context.DeadlineExceeded {
			return octopus.SatUnknown, octopus.ErrSolverTimeout
		}
		return octopus.SatUnknown, octopus.ErrSolverIndeterminate
	}
	return winner, nil
}

// Model returns concrete values for vars in a model of formula. The query
// is not raced: model extraction needs the answering session, so members
// are tried in order.
func (p *Portfolio) Model(ctx context.Context, formula octopus.Expr, vars []*octopus.VarExpr) (map[string]uint64, error) {
	ctx, cancel := p.queryContext(ctx)
	defer cancel()

	script := formulaScript(formula, vars...)
	var lastErr error
	for _, s := range p.sessions {
		if !s.opts.GenerateModels {
			continue
		}
		values, err := s.modelScript(ctx, script, vars)
		if err != nil {
			lastErr = err
			continue
		}
		return values, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no portfolio member produces models", octopus.ErrSolverIndeterminate)
	}
	return nil, lastErr
}

// queryContext applies the per-query wall-clock timeout.
func (p *Portfolio) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.global.TimeoutMS <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(p.global.TimeoutMS)*time.Millisecond)
}

// checkScript runs one self-contained query inside a fresh assertion frame.
func (s *session) checkScript(ctx context.Context, script []string) (octopus.SatResult, error) {
	if err := s.push(); err != nil {
		return octopus.SatUnknown, err
	}
	defer func() {
		if err := s.pop(); err != nil {
			log.WithError(err).WithField("solver", s.name).Warn("pop after query failed")
		}
	}()

	if err := s.assert(script...); err != nil {
		return octopus.SatUnknown, err
	}
	return s.check(ctx)
}

// modelScript checks a query and, when sat, extracts values for vars within
// the same assertion frame.
func (s *session) modelScript(ctx context.Context, script []string, vars []*octopus.VarExpr) (map[string]uint64, error) {
	if err := s.push(); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.pop(); err != nil {
			log.WithError(err).WithField("solver", s.name).Warn("pop after query failed")
		}
	}()

	if err := s.assert(script...); err != nil {
		return nil, err
	}
	result, err := s.check(ctx)
	if err != nil {
		return nil, err
	}
	switch result {
	case octopus.SatUnsat:
		return nil, fmt.Errorf("smt: %s: model of unsatisfiable formula", s.name)
	case octopus.SatUnknown:
		return nil, octopus.ErrSolverIndeterminate
	}
	return s.values(ctx, vars)
}
