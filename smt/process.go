package smt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jortvanleenen/octopus"
)

// Options configure a single solver session. Per-solver options override the
// portfolio's global options key by key.
type Options struct {
	Incremental    bool `json:"incremental"`
	GenerateModels bool `json:"generate_models"`
	TimeoutMS      int  `json:"timeout_ms"`
}

// DefaultOptions are applied when the caller provides none.
var DefaultOptions = Options{
	Incremental:    true,
	GenerateModels: true,
	TimeoutMS:      30000,
}

// SolverSpec names a solver plus raw per-solver option overrides.
type SolverSpec struct {
	Name    string
	Options json.RawMessage
}

// ParseSolverSpecs parses the CLI solver list: a JSON array whose elements
// are either a solver name or a [name, {options}] pair, e.g.
// ["z3", ["cvc5", {"timeout_ms": 5000}]].
func ParseSolverSpecs(s string) ([]SolverSpec, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid solvers list %q: %s", octopus.ErrInput, s, err)
	}

	var specs []SolverSpec
	for _, element := range raw {
		var name string
		if err := json.Unmarshal(element, &name); err == nil {
			specs = append(specs, SolverSpec{Name: name})
			continue
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(element, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%w: solver element %s must be a name or a [name, options] pair", octopus.ErrInput, element)
		}
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return nil, fmt.Errorf("%w: solver name in %s", octopus.ErrInput, element)
		}
		specs = append(specs, SolverSpec{Name: name, Options: pair[1]})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: empty solvers list", octopus.ErrInput)
	}
	return specs, nil
}

// ParseGlobalOptions parses the CLI global solver options object.
func ParseGlobalOptions(s string) (Options, error) {
	opts := DefaultOptions
	if s == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(s), &opts); err != nil {
		return opts, fmt.Errorf("%w: invalid solver options %q: %s", octopus.ErrInput, s, err)
	}
	return opts, nil
}

// solverCommand returns the binary and argv for a known solver.
func solverCommand(name string, opts Options) (string, []string, bool) {
	switch name {
	case "z3":
		return "z3", []string{"-smt2", "-in"}, true
	case "cvc5":
		args := []string{"--lang", "smt2", "--incremental"}
		if opts.TimeoutMS > 0 {
			args = append(args, fmt.Sprintf("--tlimit-per=%d", opts.TimeoutMS))
		}
		return "cvc5", args, true
	default:
		return "", nil, false
	}
}

// session is one solver subprocess with its assertion stack. The stack is
// mirrored in memory so that a killed or non-incremental process can be
// replayed from scratch.
type session struct {
	name string
	bin  string
	args []string
	opts Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	alive  bool

	frames [][]string
}

// newSession resolves a solver binary. An unknown or unavailable solver
// returns ok == false so the portfolio can skip it with a warning.
func newSession(spec SolverSpec, global Options) (*session, bool, error) {
	opts := global
	if len(spec.Options) > 0 {
		if err := json.Unmarshal(spec.Options, &opts); err != nil {
			return nil, false, fmt.Errorf("%w: options for solver %q: %s", octopus.ErrInput, spec.Name, err)
		}
	}

	bin, args, known := solverCommand(spec.Name, opts)
	if !known {
		return nil, false, nil
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, false, nil
	}

	return &session{
		name:   spec.Name,
		bin:    path,
		args:   args,
		opts:   opts,
		frames: [][]string{nil},
	}, true, nil
}

// start spawns the solver process and sends the prelude plus any replayed
// assertion frames.
func (s *session) start() error {
	cmd := exec.Command(s.bin, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("smt: %s stdin: %w", s.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("smt: %s stdout: %w", s.name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("smt: starting %s: %w", s.name, err)
	}
	s.cmd, s.stdin, s.stdout, s.alive = cmd, stdin, bufio.NewReader(stdout), true

	prelude := []string{"(set-logic BV)"}
	if s.opts.GenerateModels {
		prelude = append(prelude, "(set-option :produce-models true)")
	}
	if s.name == "z3" && s.opts.TimeoutMS > 0 {
		prelude = append(prelude, fmt.Sprintf("(set-option :timeout %d)", s.opts.TimeoutMS))
	}
	if err := s.send(prelude...); err != nil {
		return err
	}

	for i, frame := range s.frames {
		if i > 0 && s.opts.Incremental {
			if err := s.send("(push 1)"); err != nil {
				return err
			}
		}
		if err := s.send(frame...); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) send(lines ...string) error {
	for _, line := range lines {
		if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
			s.interrupt()
			return fmt.Errorf("smt: writing to %s: %w", s.name, err)
		}
	}
	return nil
}

// interrupt kills the process. The session respawns and replays its stack
// on next use; this is how portfolio losers are cancelled.
func (s *session) interrupt() {
	if !s.alive {
		return
	}
	s.alive = false
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
}

func (s *session) close() {
	s.interrupt()
}

// push opens a new assertion frame.
func (s *session) push() error {
	s.frames = append(s.frames, nil)
	if s.alive && s.opts.Incremental {
		return s.send("(push 1)")
	}
	return nil
}

// pop discards the top assertion frame, restoring the pre-query state even
// when the underlying process was killed mid-query.
func (s *session) pop() error {
	if len(s.frames) <= 1 {
		return fmt.Errorf("smt: pop on empty stack of %s", s.name)
	}
	s.frames = s.frames[:len(s.frames)-1]
	if s.alive && s.opts.Incremental {
		return s.send("(pop 1)")
	}
	return nil
}

// assert records commands (declarations and assertions) in the top frame.
func (s *session) assert(lines ...string) error {
	top := len(s.frames) - 1
	s.frames[top] = append(s.frames[top], lines...)
	if s.alive && s.opts.Incremental {
		return s.send(lines...)
	}
	return nil
}

// check runs check-sat over the current stack. Non-incremental sessions are
// reset and replayed. The context deadline is a cancellation point: on
// expiry the process is killed and the stack state remains consistent for
// the next query.
func (s *session) check(ctx context.Context) (octopus.SatResult, error) {
	if !s.alive || !s.opts.Incremental {
		s.interrupt()
		if err := s.start(); err != nil {
			return octopus.SatUnknown, err
		}
	}
	if err := s.send("(check-sat)"); err != nil {
		return octopus.SatUnknown, err
	}
	line, err := s.readLine(ctx)
	if err != nil {
		return octopus.SatUnknown, err
	}

	switch line {
	case "sat":
		return octopus.SatSat, nil
	case "unsat":
		return octopus.SatUnsat, nil
	case "unknown", "timeout":
		return octopus.SatUnknown, nil
	default:
		s.interrupt()
		return octopus.SatUnknown, fmt.Errorf("smt: %s: unexpected response %q", s.name, line)
	}
}

// values queries the model of the last sat check for the given variables.
func (s *session) values(ctx context.Context, vars []*octopus.VarExpr) (map[string]uint64, error) {
	if !s.opts.GenerateModels {
		return nil, fmt.Errorf("smt: %s: models are disabled", s.name)
	}
	if err := s.send(valueQuery(vars)); err != nil {
		return nil, err
	}

	// The response is one s-expression, possibly spread over lines.
	var sb strings.Builder
	depth := 0
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, err
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		depth += strings.Count(line, "(") - strings.Count(line, ")")
		if depth <= 0 {
			break
		}
	}
	return parseValues(sb.String())
}

// readLine reads one response line, honouring context cancellation by
// killing the process.
func (s *session) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	reader := s.stdout
	go func() {
		line, err := reader.ReadString('\n')
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		s.interrupt()
		if ctx.Err() == context.DeadlineExceeded {
			return "", octopus.ErrSolverTimeout
		}
		return "", octopus.ErrSolverCanceled
	case r := <-ch:
		if r.err != nil {
			s.interrupt()
			return "", fmt.Errorf("smt: reading from %s: %w", s.name, r.err)
		}
		line := strings.TrimSpace(r.line)
		log.WithFields(log.Fields{"solver": s.name, "line": line}).Debug("solver response")
		return line, nil
	}
}
