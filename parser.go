package octopus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Parser is the validated IR of a single P4 parser block: a set of named
// states, each with an ordered statement block and a select transition, over
// a register file of flattened header fields.
type Parser struct {
	headers   []*Header
	headerIdx map[string]*Header
	registers map[string]uint
	start     string
	states    map[string]*State
	order     []string
}

// Header represents a header instance with its ordered fields. Extracting
// the header writes every field, in declaration order, as the register
// "<header>.<field>".
type Header struct {
	Name   string
	Fields []Field
}

// Width returns the total bit width of the header.
func (h *Header) Width() uint {
	var w uint
	for _, f := range h.Fields {
		w += f.Width
	}
	return w
}

// Field is a single fixed-width header field.
type Field struct {
	Name  string
	Width uint
}

// State is a parser state: statements executed in order, then a transition.
type State struct {
	Name       string
	Statements []Statement
	Transition *Transition

	// Bits consumed by the statement block before the transition.
	need uint
}

// Need returns the number of input bits the state consumes before its
// transition is evaluated.
func (s *State) Need() uint { return s.need }

// Statement is an executable component of a state's statement block.
type Statement interface{ statement() }

func (*Extract) statement() {}
func (*Assign) statement()  {}

// Extract appends width(header) input bits to the header's fields.
type Extract struct {
	Header *Header
}

// Assign writes the value of an expression to a register, or to a bit slice
// of one when Hi/Lo are set.
type Assign struct {
	Reg      string
	Hi, Lo   uint
	HasSlice bool
	RHS      Expression
}

// Transition is the canonicalised select of a state: zero or more scrutinee
// expressions and an ordered list of cases whose last entry is always the
// default. An unconditional transition has no scrutinees and a single
// default case.
type Transition struct {
	Scrutinees []Expression
	Cases      []Case
}

// Case is a single select arm. The first matching arm wins. A default arm
// has no patterns.
type Case struct {
	Patterns []Pattern
	Target   string
	Default  bool
}

// Pattern is a value-or-wildcard component of a select arm.
type Pattern struct {
	Wildcard bool
	Value    uint64
	Width    uint
}

// Expression is an IR-level expression over registers and constants,
// evaluated against a register file to produce a symbolic term.
type Expression interface{ expression() }

func (*Reference) expression()     {}
func (*SliceExpr) expression()     {}
func (*Concatenation) expression() {}
func (*Constant) expression()      {}
func (*Complement) expression()    {}
func (*Bitwise) expression()       {}

// Reference reads a whole register.
type Reference struct{ Reg string }

// SliceExpr reads bits Lo..Hi (inclusive) of a sub-expression.
type SliceExpr struct {
	Expr   Expression
	Hi, Lo uint
}

// Concatenation joins two expressions, left as most significant.
type Concatenation struct{ Left, Right Expression }

// Constant is a literal with an explicit width.
type Constant struct {
	Value uint64
	Width uint
}

// Complement is a bitwise not.
type Complement struct{ Expr Expression }

// Bitwise applies a binary bitwise operator.
type Bitwise struct {
	Op          BinaryOp
	Left, Right Expression
}

// Headers returns the parser's headers in declaration order.
func (p *Parser) Headers() []*Header { return p.headers }

// Registers returns the register widths keyed by register name.
func (p *Parser) Registers() map[string]uint { return p.registers }

// RegisterWidth returns the declared width of a register.
func (p *Parser) RegisterWidth(name string) (uint, bool) {
	w, ok := p.registers[name]
	return w, ok
}

// Start returns the name of the start state.
func (p *Parser) Start() string { return p.start }

// States returns the state names in declaration order.
func (p *Parser) States() []string { return p.order }

// State returns the named state, or nil for terminals and unknown names.
func (p *Parser) State(name string) *State { return p.states[name] }

// IsTerminal returns true for the accept and reject pseudo-states.
func IsTerminal(name string) bool {
	return name == StateAccept || name == StateReject
}

// Successors returns the static (case, target) flow of a state in
// first-match order.
func (p *Parser) Successors(name string) []Case {
	if s := p.states[name]; s != nil {
		return s.Transition.Cases
	}
	return nil
}

// IR JSON schema. Unknown keys are tolerated by the decoder.
type irFile struct {
	Headers []irHeader `json:"headers"`
	Start   string     `json:"start"`
	States  []irState  `json:"states"`
}

type irHeader struct {
	Name   string    `json:"name"`
	Fields []irField `json:"fields"`
}

type irField struct {
	Name  string `json:"name"`
	Width uint   `json:"width"`
}

type irState struct {
	Name       string        `json:"name"`
	Statements []irStatement `json:"statements"`
	Transition *irTransition `json:"transition"`
}

type irStatement struct {
	Kind   string          `json:"kind"`
	Header string          `json:"header"`
	LHS    *irLValue       `json:"lhs"`
	RHS    json.RawMessage `json:"rhs"`
}

type irLValue struct {
	Reg string `json:"reg"`
	Hi  *uint  `json:"hi"`
	Lo  *uint  `json:"lo"`
}

type irTransition struct {
	Next    string            `json:"next"`
	Select  []json.RawMessage `json:"select"`
	Cases   []irCase          `json:"cases"`
	Default string            `json:"default"`
}

type irCase struct {
	Pattern []string `json:"pattern"`
	Next    string   `json:"next"`
}

type irExpr struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
	Width uint            `json:"width"`
	Reg   string          `json:"reg"`
	Expr  json.RawMessage `json:"expr"`
	Hi    *uint           `json:"hi"`
	Lo    *uint           `json:"lo"`
	Left  json.RawMessage `json:"left"`
	Right json.RawMessage `json:"right"`
}

// LoadParser decodes and validates parser IR JSON. It fails with ErrIRSchema
// on malformed input, ErrUnsupportedConstruct when the IR uses a feature
// outside the covered subset, and ErrIRSemantic on read-before-write or
// width inconsistencies. The returned parser is canonicalised: every state
// has a transition whose final case is a default, inserting "default:
// reject" where the input omits one.
func LoadParser(data []byte) (*Parser, error) {
	var file irFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIRSchema, err)
	}
	if len(file.States) == 0 {
		return nil, fmt.Errorf(`%w: missing required key "states"`, ErrIRSchema)
	}

	p := &Parser{
		headerIdx: make(map[string]*Header),
		registers: make(map[string]uint),
		states:    make(map[string]*State),
	}

	for _, h := range file.Headers {
		if err := p.loadHeader(h); err != nil {
			return nil, err
		}
	}

	p.start = file.Start
	if p.start == "" {
		p.start = StateStart
	}

	for _, s := range file.States {
		if err := p.loadState(s); err != nil {
			return nil, err
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"states":    len(p.states),
		"registers": len(p.registers),
		"start":     p.start,
	}).Info("loaded parser IR")
	return p, nil
}

func (p *Parser) loadHeader(h irHeader) error {
	if h.Name == "" {
		return fmt.Errorf(`%w: header missing required key "name"`, ErrIRSchema)
	}
	if _, ok := p.headerIdx[h.Name]; ok {
		return fmt.Errorf("%w: duplicate header %q", ErrIRSchema, h.Name)
	}
	if len(h.Fields) == 0 {
		return fmt.Errorf("%w: header %q has no fields", ErrIRSchema, h.Name)
	}

	header := &Header{Name: h.Name}
	for _, f := range h.Fields {
		if f.Name == "" {
			return fmt.Errorf(`%w: field of header %q missing required key "name"`, ErrIRSchema, h.Name)
		}
		if f.Width == 0 {
			return fmt.Errorf("%w: field %s.%s has width zero", ErrIRSemantic, h.Name, f.Name)
		}
		reg := h.Name + "." + f.Name
		if _, ok := p.registers[reg]; ok {
			return fmt.Errorf("%w: duplicate field %q", ErrIRSchema, reg)
		}
		header.Fields = append(header.Fields, Field{Name: f.Name, Width: f.Width})
		p.registers[reg] = f.Width
	}
	p.headers = append(p.headers, header)
	p.headerIdx[h.Name] = header
	return nil
}

func (p *Parser) loadState(s irState) error {
	if s.Name == "" {
		return fmt.Errorf(`%w: state missing required key "name"`, ErrIRSchema)
	}
	if IsTerminal(s.Name) {
		return fmt.Errorf("%w: state name %q is reserved", ErrIRSchema, s.Name)
	}
	if _, ok := p.states[s.Name]; ok {
		return fmt.Errorf("%w: duplicate state %q", ErrIRSchema, s.Name)
	}

	state := &State{Name: s.Name}
	for _, stmt := range s.Statements {
		parsed, err := p.loadStatement(s.Name, stmt)
		if err != nil {
			return err
		}
		state.Statements = append(state.Statements, parsed)
		if ex, ok := parsed.(*Extract); ok {
			state.need += ex.Header.Width()
		}
	}

	transition, err := p.loadTransition(s.Name, s.Transition)
	if err != nil {
		return err
	}
	state.Transition = transition

	p.states[s.Name] = state
	p.order = append(p.order, s.Name)
	return nil
}

func (p *Parser) loadStatement(state string, stmt irStatement) (Statement, error) {
	switch stmt.Kind {
	case "extract":
		header, ok := p.headerIdx[stmt.Header]
		if !ok {
			return nil, fmt.Errorf("%w: state %q extracts unknown header %q", ErrIRSchema, state, stmt.Header)
		}
		return &Extract{Header: header}, nil

	case "assign":
		if stmt.LHS == nil || stmt.LHS.Reg == "" {
			return nil, fmt.Errorf(`%w: assign in state %q missing "lhs"`, ErrIRSchema, state)
		}
		rhs, err := p.loadExpression(state, stmt.RHS)
		if err != nil {
			return nil, err
		}
		a := &Assign{Reg: stmt.LHS.Reg, RHS: rhs}
		if stmt.LHS.Hi != nil || stmt.LHS.Lo != nil {
			if stmt.LHS.Hi == nil || stmt.LHS.Lo == nil {
				return nil, fmt.Errorf("%w: assign in state %q has a partial slice", ErrIRSchema, state)
			}
			a.Hi, a.Lo, a.HasSlice = *stmt.LHS.Hi, *stmt.LHS.Lo, true
		}
		return a, nil

	case "":
		return nil, fmt.Errorf(`%w: statement in state %q missing required key "kind"`, ErrIRSchema, state)
	default:
		return nil, fmt.Errorf("%w: statement kind %q in state %q", ErrUnsupportedConstruct, stmt.Kind, state)
	}
}

func (p *Parser) loadTransition(state string, t *irTransition) (*Transition, error) {
	// A state without a transition implicitly rejects.
	if t == nil {
		return &Transition{Cases: []Case{{Target: StateReject, Default: true}}}, nil
	}

	if t.Next != "" {
		if len(t.Select) > 0 || len(t.Cases) > 0 {
			return nil, fmt.Errorf(`%w: transition of state %q mixes "next" with a select`, ErrIRSchema, state)
		}
		return &Transition{Cases: []Case{{Target: t.Next, Default: true}}}, nil
	}

	if len(t.Select) == 0 {
		return nil, fmt.Errorf(`%w: transition of state %q has neither "next" nor "select"`, ErrIRSchema, state)
	}

	transition := &Transition{}
	for _, raw := range t.Select {
		expr, err := p.loadExpression(state, raw)
		if err != nil {
			return nil, err
		}
		transition.Scrutinees = append(transition.Scrutinees, expr)
	}

	for _, c := range t.Cases {
		if c.Next == "" {
			return nil, fmt.Errorf(`%w: select case of state %q missing required key "next"`, ErrIRSchema, state)
		}
		if len(c.Pattern) != len(transition.Scrutinees) {
			return nil, fmt.Errorf("%w: select case of state %q has %d pattern components for %d scrutinees",
				ErrIRSemantic, state, len(c.Pattern), len(transition.Scrutinees))
		}
		arm := Case{Target: c.Next}
		for _, component := range c.Pattern {
			pat, err := parsePattern(state, component)
			if err != nil {
				return nil, err
			}
			arm.Patterns = append(arm.Patterns, pat)
		}
		transition.Cases = append(transition.Cases, arm)
	}

	// Canonicalise the implicit reject: every select ends in a default arm.
	def := t.Default
	if def == "" {
		def = StateReject
	}
	transition.Cases = append(transition.Cases, Case{Target: def, Default: true})
	return transition, nil
}

func parsePattern(state, component string) (Pattern, error) {
	if component == "_" {
		return Pattern{Wildcard: true}, nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(component), 0, 64)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: pattern %q in state %q", ErrIRSchema, component, state)
	}
	return Pattern{Value: value}, nil
}

func (p *Parser) loadExpression(state string, raw json.RawMessage) (Expression, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing expression in state %q", ErrIRSchema, state)
	}
	var e irExpr
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: expression in state %q: %s", ErrIRSchema, state, err)
	}

	switch e.Kind {
	case "const":
		value, err := parseConstValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: constant in state %q: %s", ErrIRSchema, state, err)
		}
		if e.Width == 0 || e.Width > Width64 {
			return nil, fmt.Errorf("%w: constant of width %d in state %q", ErrUnsupportedConstruct, e.Width, state)
		}
		if value > bitmask(e.Width) {
			return nil, fmt.Errorf("%w: constant %d does not fit width %d in state %q", ErrIRSemantic, value, e.Width, state)
		}
		return &Constant{Value: value, Width: e.Width}, nil

	case "ref":
		if e.Reg == "" {
			return nil, fmt.Errorf(`%w: ref missing required key "reg" in state %q`, ErrIRSchema, state)
		}
		return &Reference{Reg: e.Reg}, nil

	case "slice":
		if e.Hi == nil || e.Lo == nil {
			return nil, fmt.Errorf(`%w: slice missing "hi"/"lo" in state %q`, ErrIRSchema, state)
		}
		inner, err := p.loadExpression(state, e.Expr)
		if err != nil {
			return nil, err
		}
		return &SliceExpr{Expr: inner, Hi: *e.Hi, Lo: *e.Lo}, nil

	case "concat":
		left, err := p.loadExpression(state, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.loadExpression(state, e.Right)
		if err != nil {
			return nil, err
		}
		return &Concatenation{Left: left, Right: right}, nil

	case "not":
		inner, err := p.loadExpression(state, e.Expr)
		if err != nil {
			return nil, err
		}
		return &Complement{Expr: inner}, nil

	case "and", "or", "xor", "shl", "shr":
		left, err := p.loadExpression(state, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.loadExpression(state, e.Right)
		if err != nil {
			return nil, err
		}
		ops := map[string]BinaryOp{"and": AND, "or": OR, "xor": XOR, "shl": SHL, "shr": LSHR}
		return &Bitwise{Op: ops[e.Kind], Left: left, Right: right}, nil

	case "":
		return nil, fmt.Errorf(`%w: expression missing required key "kind" in state %q`, ErrIRSchema, state)
	default:
		return nil, fmt.Errorf("%w: expression kind %q in state %q", ErrUnsupportedConstruct, e.Kind, state)
	}
}

func parseConstValue(raw json.RawMessage) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("value must be a number or string")
	}
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// ExpressionWidth returns the static bit width of an IR expression.
func (p *Parser) ExpressionWidth(e Expression) (uint, error) {
	switch e := e.(type) {
	case *Constant:
		return e.Width, nil
	case *Reference:
		w, ok := p.registers[e.Reg]
		if !ok {
			return 0, fmt.Errorf("%w: reference to unknown register %q", ErrIRSemantic, e.Reg)
		}
		return w, nil
	case *SliceExpr:
		w, err := p.ExpressionWidth(e.Expr)
		if err != nil {
			return 0, err
		}
		if e.Lo > e.Hi || e.Hi >= w {
			return 0, fmt.Errorf("%w: slice [%d:%d] out of range for width %d", ErrIRSemantic, e.Hi, e.Lo, w)
		}
		return e.Hi - e.Lo + 1, nil
	case *Concatenation:
		lw, err := p.ExpressionWidth(e.Left)
		if err != nil {
			return 0, err
		}
		rw, err := p.ExpressionWidth(e.Right)
		if err != nil {
			return 0, err
		}
		return lw + rw, nil
	case *Complement:
		return p.ExpressionWidth(e.Expr)
	case *Bitwise:
		lw, err := p.ExpressionWidth(e.Left)
		if err != nil {
			return 0, err
		}
		rw, err := p.ExpressionWidth(e.Right)
		if err != nil {
			return 0, err
		}
		if lw != rw {
			return 0, fmt.Errorf("%w: %s operand widths differ: %d != %d", ErrIRSemantic, e.Op, lw, rw)
		}
		return lw, nil
	default:
		panic("unreachable")
	}
}

// validate runs the closed covered-subset predicate over the loaded IR.
func (p *Parser) validate() error {
	if _, ok := p.states[p.start]; !ok {
		return fmt.Errorf("%w: start state %q not defined", ErrIRSchema, p.start)
	}

	for _, name := range p.order {
		if err := p.validateState(p.states[name]); err != nil {
			return err
		}
	}
	if err := p.validateDefinedness(); err != nil {
		return err
	}
	return p.validateConsumption()
}

func (p *Parser) validateState(s *State) error {
	for _, stmt := range s.Statements {
		a, ok := stmt.(*Assign)
		if !ok {
			continue
		}
		rw, ok := p.registers[a.Reg]
		if !ok {
			return fmt.Errorf("%w: state %q assigns unknown register %q", ErrIRSemantic, s.Name, a.Reg)
		}
		lw := rw
		if a.HasSlice {
			if a.Lo > a.Hi || a.Hi >= rw {
				return fmt.Errorf("%w: state %q assigns %s[%d:%d] out of range for width %d",
					ErrIRSemantic, s.Name, a.Reg, a.Hi, a.Lo, rw)
			}
			lw = a.Hi - a.Lo + 1
		}
		w, err := p.ExpressionWidth(a.RHS)
		if err != nil {
			return fmt.Errorf("state %q: %w", s.Name, err)
		}
		if w != lw {
			return fmt.Errorf("%w: state %q assigns width %d to %s of width %d", ErrIRSemantic, s.Name, w, a.Reg, lw)
		}
	}

	for i, c := range s.Transition.Cases {
		if !IsTerminal(c.Target) {
			if _, ok := p.states[c.Target]; !ok {
				return fmt.Errorf("%w: state %q transitions to unknown state %q", ErrIRSchema, s.Name, c.Target)
			}
		}
		if c.Default {
			continue
		}
		for j, pat := range c.Patterns {
			w, err := p.ExpressionWidth(s.Transition.Scrutinees[j])
			if err != nil {
				return fmt.Errorf("state %q: %w", s.Name, err)
			}
			if pat.Wildcard {
				continue
			}
			if w > Width64 {
				return fmt.Errorf("%w: exact match on %d-bit scrutinee in state %q", ErrUnsupportedConstruct, w, s.Name)
			}
			if pat.Value > bitmask(w) {
				return fmt.Errorf("%w: pattern value %d of case %d does not fit %d-bit scrutinee in state %q",
					ErrIRSemantic, pat.Value, i, w, s.Name)
			}
			// Widths are resolved during validation; record them so guard
			// compilation does not recompute.
			s.Transition.Cases[i].Patterns[j].Width = w
		}
	}
	return nil
}

// validateDefinedness checks that every register read is definitely written
// on every path reaching it, by a meet-over-paths forward dataflow.
func (p *Parser) validateDefinedness() error {
	all := make(map[string]struct{}, len(p.registers))
	for reg := range p.registers {
		all[reg] = struct{}{}
	}

	entry := make(map[string]map[string]struct{}, len(p.states))
	for name := range p.states {
		entry[name] = copySet(all)
	}
	entry[p.start] = make(map[string]struct{})

	for changed := true; changed; {
		changed = false
		for _, name := range p.order {
			s := p.states[name]
			exit := copySet(entry[name])
			for _, stmt := range s.Statements {
				p.applyWrites(stmt, exit)
			}
			for _, c := range s.Transition.Cases {
				if IsTerminal(c.Target) {
					continue
				}
				if intersectInto(entry[c.Target], exit) {
					changed = true
				}
			}
		}
	}

	for _, name := range p.order {
		s := p.states[name]
		defined := copySet(entry[name])
		for _, stmt := range s.Statements {
			if a, ok := stmt.(*Assign); ok {
				if err := p.checkReads(name, a.RHS, defined); err != nil {
					return err
				}
				if a.HasSlice {
					// A partial write reads the remaining bits.
					if _, ok := defined[a.Reg]; !ok {
						if w := p.registers[a.Reg]; a.Hi-a.Lo+1 != w {
							return fmt.Errorf("%w: state %q partially assigns %q before it is written",
								ErrIRSemantic, name, a.Reg)
						}
					}
				}
			}
			p.applyWrites(stmt, defined)
		}
		for _, scrut := range s.Transition.Scrutinees {
			if err := p.checkReads(name, scrut, defined); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Parser) applyWrites(stmt Statement, defined map[string]struct{}) {
	switch stmt := stmt.(type) {
	case *Extract:
		for _, f := range stmt.Header.Fields {
			defined[stmt.Header.Name+"."+f.Name] = struct{}{}
		}
	case *Assign:
		defined[stmt.Reg] = struct{}{}
	}
}

func (p *Parser) checkReads(state string, e Expression, defined map[string]struct{}) error {
	switch e := e.(type) {
	case *Constant:
		return nil
	case *Reference:
		if _, ok := defined[e.Reg]; !ok {
			return fmt.Errorf("%w: state %q reads %q before it is written", ErrIRSemantic, state, e.Reg)
		}
		return nil
	case *SliceExpr:
		return p.checkReads(state, e.Expr, defined)
	case *Complement:
		return p.checkReads(state, e.Expr, defined)
	case *Concatenation:
		if err := p.checkReads(state, e.Left, defined); err != nil {
			return err
		}
		return p.checkReads(state, e.Right, defined)
	case *Bitwise:
		if err := p.checkReads(state, e.Left, defined); err != nil {
			return err
		}
		return p.checkReads(state, e.Right, defined)
	default:
		panic("unreachable")
	}
}

// validateConsumption rejects cycles of states that consume no input, which
// would let the engine loop without ever reading a bit.
func (p *Parser) validateConsumption() error {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(p.states))

	var visit func(name string) error
	visit = func(name string) error {
		switch mark[name] {
		case visiting:
			return fmt.Errorf("%w: cycle through state %q consumes no input", ErrUnsupportedConstruct, name)
		case done:
			return nil
		}
		mark[name] = visiting
		for _, c := range p.states[name].Transition.Cases {
			if IsTerminal(c.Target) || p.states[c.Target].need > 0 {
				continue
			}
			if err := visit(c.Target); err != nil {
				return err
			}
		}
		mark[name] = done
		return nil
	}

	for _, name := range p.order {
		if p.states[name].need > 0 {
			continue
		}
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// intersectInto removes from dst every element absent from src, reporting
// whether dst shrank.
func intersectInto(dst, src map[string]struct{}) bool {
	shrank := false
	for k := range dst {
		if _, ok := src[k]; !ok {
			delete(dst, k)
			shrank = true
		}
	}
	return shrank
}
