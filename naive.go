package octopus

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DFA interprets a parser concretely over bit strings. It backs the naive
// bisimulation and witness replay; no solver is involved.
type DFA struct {
	parser *Parser
}

// NewDFA returns a concrete interpreter for the parser.
func NewDFA(p *Parser) *DFA {
	return &DFA{parser: p}
}

// DFAConfig is a concrete automaton configuration: control state, register
// store as bit strings, and the bits read but not yet consumed.
type DFAConfig struct {
	State  string
	Store  map[string]string
	Buffer string
}

// IsAccepting returns true when the configuration has accepted the input
// read so far.
func (c DFAConfig) IsAccepting() bool {
	return c.State == StateAccept && c.Buffer == ""
}

// IsTerminal returns true for accept and reject configurations.
func (c DFAConfig) IsTerminal() bool {
	return IsTerminal(c.State)
}

// key returns a canonical identity for seen-set membership.
func (c DFAConfig) key() string {
	names := make([]string, 0, len(c.Store))
	for name := range c.Store {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString(c.State)
	sb.WriteByte('|')
	sb.WriteString(c.Buffer)
	for _, name := range names {
		sb.WriteByte('|')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(c.Store[name])
	}
	return sb.String()
}

func (c DFAConfig) String() string {
	names := make([]string, 0, len(c.Store))
	for name := range c.Store {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + c.Store[name]
	}
	return fmt.Sprintf("<%s, {%s}, %s>", c.State, strings.Join(pairs, ", "), c.Buffer)
}

// InitialConfig returns the start configuration with an empty store,
// closed over zero-consumption states.
func (d *DFA) InitialConfig() DFAConfig {
	cfg := DFAConfig{State: d.parser.Start(), Store: map[string]string{}}
	for !IsTerminal(cfg.State) && d.parser.State(cfg.State).need == 0 {
		cfg.State = d.execState(d.parser.State(cfg.State), cfg.Store, "")
	}
	return cfg
}

// Step consumes a single input bit. Terminal states sink to reject on
// further input.
func (d *DFA) Step(c DFAConfig, bit byte) DFAConfig {
	state := d.parser.State(c.State)
	if state == nil {
		return DFAConfig{State: StateReject, Store: copyStore(c.Store)}
	}

	wb := c.Buffer + string(bit)
	if uint(len(wb)) < state.need {
		return DFAConfig{State: c.State, Store: copyStore(c.Store), Buffer: wb}
	}

	store := copyStore(c.Store)
	next := d.execState(state, store, wb)
	for !IsTerminal(next) && d.parser.State(next).need == 0 {
		next = d.execState(d.parser.State(next), store, "")
	}
	return DFAConfig{State: next, Store: store}
}

// MultiStep consumes a string of '0'/'1' bits.
func (d *DFA) MultiStep(c DFAConfig, bits string) DFAConfig {
	for i := 0; i < len(bits); i++ {
		c = d.Step(c, bits[i])
	}
	return c
}

// execState runs a state's statement block against the pending bits and
// evaluates its transition, mutating store in place.
func (d *DFA) execState(state *State, store map[string]string, pending string) string {
	pos := uint(0)
	for _, stmt := range state.Statements {
		switch stmt := stmt.(type) {
		case *Extract:
			for _, f := range stmt.Header.Fields {
				store[stmt.Header.Name+"."+f.Name] = pending[pos : pos+f.Width]
				pos += f.Width
			}
		case *Assign:
			value := d.eval(store, stmt.RHS)
			if stmt.HasSlice {
				current, ok := store[stmt.Reg]
				if !ok {
					current = strings.Repeat("0", int(d.parser.registers[stmt.Reg]))
				}
				store[stmt.Reg] = spliceBits(current, value, stmt.Lo)
			} else {
				store[stmt.Reg] = value
			}
		}
	}

	scrutinees := make([]string, len(state.Transition.Scrutinees))
	for i, s := range state.Transition.Scrutinees {
		scrutinees[i] = d.eval(store, s)
	}
	for _, c := range state.Transition.Cases {
		if c.Default {
			return c.Target
		}
		matched := true
		for i, pat := range c.Patterns {
			if pat.Wildcard {
				continue
			}
			if scrutinees[i] != formatBits(pat.Value, pat.Width) {
				matched = false
				break
			}
		}
		if matched {
			return c.Target
		}
	}
	return StateReject
}

// eval evaluates an IR expression over a concrete store. Bit strings are
// most significant bit first.
func (d *DFA) eval(store map[string]string, e Expression) string {
	switch e := e.(type) {
	case *Constant:
		return formatBits(e.Value, e.Width)
	case *Reference:
		return store[e.Reg]
	case *SliceExpr:
		value := d.eval(store, e.Expr)
		n := uint(len(value))
		return value[n-1-e.Hi : n-e.Lo]
	case *Concatenation:
		return d.eval(store, e.Left) + d.eval(store, e.Right)
	case *Complement:
		value := []byte(d.eval(store, e.Expr))
		for i, b := range value {
			value[i] = '0' + '1' - b
		}
		return string(value)
	case *Bitwise:
		left, right := d.eval(store, e.Left), d.eval(store, e.Right)
		switch e.Op {
		case SHL:
			return shiftBits(left, right, true)
		case LSHR:
			return shiftBits(left, right, false)
		}
		out := make([]byte, len(left))
		for i := range left {
			l, r := left[i]-'0', right[i]-'0'
			switch e.Op {
			case AND:
				out[i] = '0' + l&r
			case OR:
				out[i] = '0' + l|r
			case XOR:
				out[i] = '0' + l^r
			}
		}
		return string(out)
	default:
		panic("unreachable")
	}
}

func copyStore(store map[string]string) map[string]string {
	out := make(map[string]string, len(store))
	for k, v := range store {
		out[k] = v
	}
	return out
}

// formatBits renders value as a width-character bit string.
func formatBits(value uint64, width uint) string {
	out := make([]byte, width)
	for i := uint(0); i < width; i++ {
		out[width-1-i] = '0' + byte(value>>i&1)
	}
	return string(out)
}

// spliceBits writes src into dst at bit offset lo from the least
// significant end.
func spliceBits(dst, src string, lo uint) string {
	n := uint(len(dst))
	hi := lo + uint(len(src)) - 1
	return dst[:n-1-hi] + src + dst[n-lo:]
}

// shiftBits shifts a bit string by the value of another bit string.
func shiftBits(value, amount string, left bool) string {
	var n uint64
	for i := 0; i < len(amount); i++ {
		n = n<<1 | uint64(amount[i]-'0')
	}
	w := uint64(len(value))
	if n >= w {
		return strings.Repeat("0", len(value))
	}
	zeros := strings.Repeat("0", int(n))
	if left {
		return value[n:] + zeros
	}
	return zeros + value[:w-n]
}

// NaiveBisimulation checks equivalence by exploring the concrete product
// automaton one bit at a time, with no symbolic representation and no
// solver. The approach suffers the full state explosion; it exists as the
// reference oracle and as the --naive engine.
func NaiveBisimulation(left, right *Parser) (*Report, error) {
	dfaL, dfaR := NewDFA(left), NewDFA(right)

	type item struct {
		l, r  DFAConfig
		input string
	}
	queue := []item{{l: dfaL.InitialConfig(), r: dfaR.InitialConfig()}}
	seen := make(map[string]struct{})
	var order []item

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		key := it.l.key() + "||" + it.r.key()
		if _, ok := seen[key]; ok {
			continue
		}

		if it.l.IsAccepting() != it.r.IsAccepting() {
			return naiveWitness(it.l, it.r, it.input), nil
		}
		if it.l.IsAccepting() && !storesEqual(it.l.Store, it.r.Store) {
			return naiveWitness(it.l, it.r, it.input), nil
		}

		seen[key] = struct{}{}
		order = append(order, it)

		if it.l.IsTerminal() && it.r.IsTerminal() && it.l.Buffer == "" && it.r.Buffer == "" {
			// Terminal pairs only sink to reject; nothing new past here.
			continue
		}
		for _, bit := range []byte{'0', '1'} {
			queue = append(queue, item{
				l:     dfaL.Step(it.l, bit),
				r:     dfaR.Step(it.r, bit),
				input: it.input + string(bit),
			})
		}
	}

	log.WithField("seen", len(seen)).Info("naive bisimulation closed")

	report := &Report{Equivalent: true, Method: "naive"}
	for _, it := range order {
		report.Classes = append(report.Classes, Class{
			StateLeft:  it.l.State,
			StateRight: it.r.State,
			FillLeft:   uint(len(it.l.Buffer)),
			FillRight:  uint(len(it.r.Buffer)),
			Formula:    it.l.String() + " ~ " + it.r.String(),
		})
	}
	return report, nil
}

func naiveWitness(l, r DFAConfig, input string) *Report {
	return &Report{
		Method: "naive",
		Witness: &Witness{
			Bits:            input,
			VerdictLeft:     terminalVerdict(l).String(),
			VerdictRight:    terminalVerdict(r).String(),
			StateLeft:       l.State,
			StateRight:      r.State,
			ObservableLeft:  l.String(),
			ObservableRight: r.String(),
		},
	}
}

func terminalVerdict(c DFAConfig) Verdict {
	switch c.State {
	case StateAccept:
		return VerdictAccept
	case StateReject:
		return VerdictReject
	default:
		return VerdictNone
	}
}

func storesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Replay runs a witness packet through a parser concretely, returning the
// final verdict and store. Used to re-validate counterexamples.
func Replay(p *Parser, bits string) (Verdict, map[string]string) {
	dfa := NewDFA(p)
	cfg := dfa.MultiStep(dfa.InitialConfig(), bits)
	return terminalVerdict(cfg), cfg.Store
}
