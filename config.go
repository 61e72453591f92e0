package octopus

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
)

// Verdict is the terminal outcome of one side of the bisimulation.
type Verdict int

const (
	VerdictNone = Verdict(iota)
	VerdictAccept
	VerdictReject
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return StateAccept
	case VerdictReject:
		return StateReject
	default:
		return "none"
	}
}

// Buffer is the shared symbolic packet: a lazily-grown sequence of width-1
// input bit variables. Both sides of the bisimulation index into the same
// buffer since they read the same packet. The buffer is owned by the engine
// goroutine; terms minted from it are safe to share.
type Buffer struct {
	bits []*VarExpr
}

// NewBuffer returns an empty symbolic packet.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Bit returns the i-th packet bit, materialising fresh variables up to and
// including index i.
func (b *Buffer) Bit(i uint) Expr {
	for uint(len(b.bits)) <= i {
		b.bits = append(b.bits, NewVarExpr(fmt.Sprintf("pkt_%d", len(b.bits)), WidthBool))
	}
	return b.bits[i]
}

// Len returns the number of bits materialised so far.
func (b *Buffer) Len() uint { return uint(len(b.bits)) }

// Vars returns the first n packet bit variables.
func (b *Buffer) Vars(n uint) []*VarExpr {
	for b.Len() < n {
		b.Bit(b.Len())
	}
	vars := make([]*VarExpr, n)
	copy(vars, b.bits[:n])
	return vars
}

// RegisterFile is an immutable mapping from register name to its current
// symbolic term. It contains exactly the registers written on the path.
type RegisterFile struct {
	m *immutable.SortedMap[string, Expr]
}

// NewRegisterFile returns an empty register file.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{m: immutable.NewSortedMap[string, Expr](nil)}
}

// Get returns the term bound to a register.
func (f *RegisterFile) Get(name string) (Expr, bool) {
	return f.m.Get(name)
}

// Set returns a new register file with name bound to term.
func (f *RegisterFile) Set(name string, term Expr) *RegisterFile {
	return &RegisterFile{m: f.m.Set(name, term)}
}

// Len returns the number of written registers.
func (f *RegisterFile) Len() int { return f.m.Len() }

// Names returns the written register names in sorted order.
func (f *RegisterFile) Names() []string {
	names := make([]string, 0, f.m.Len())
	itr := f.m.Iterator()
	for !itr.Done() {
		name, _, _ := itr.Next()
		names = append(names, name)
	}
	return names
}

// Key returns a canonical string identifying the written-register set.
func (f *RegisterFile) Key() string {
	return strings.Join(f.Names(), ",")
}

// String returns the string representation of the register file.
func (f *RegisterFile) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	itr := f.m.Iterator()
	for i := 0; !itr.Done(); i++ {
		name, term, _ := itr.Next()
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%s", name, term)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Config is a live snapshot of one side of the bisimulation: control state,
// path condition, register file, bits read but not yet consumed by a
// completed statement block, and the count of consumed bits. Configurations
// are immutable after creation; stepping produces new ones.
type Config struct {
	parser   *Parser
	state    string
	pathCond Expr
	regs     *RegisterFile
	pending  []Expr
	offset   uint
}

// NewConfig returns the initial configuration of a parser: start state,
// true path condition, empty register file, offset zero.
func NewConfig(parser *Parser) *Config {
	return &Config{
		parser:   parser,
		state:    parser.Start(),
		pathCond: NewBoolConstantExpr(true),
		regs:     NewRegisterFile(),
	}
}

// Parser returns the parser this configuration runs.
func (c *Config) Parser() *Parser { return c.parser }

// State returns the current control state name.
func (c *Config) State() string { return c.state }

// PathCond returns the accumulated path condition.
func (c *Config) PathCond() Expr { return c.pathCond }

// Registers returns the register file.
func (c *Config) Registers() *RegisterFile { return c.regs }

// Offset returns the number of input bits consumed by completed blocks.
func (c *Config) Offset() uint { return c.offset }

// Fill returns the number of read-but-unconsumed bits.
func (c *Config) Fill() uint { return uint(len(c.pending)) }

// Terminal returns the verdict of a terminal configuration, or VerdictNone.
func (c *Config) Terminal() Verdict {
	switch c.state {
	case StateAccept:
		return VerdictAccept
	case StateReject:
		return VerdictReject
	default:
		return VerdictNone
	}
}

// Observable returns the state tag and register snapshot compared by the
// bisimulation relation.
func (c *Config) Observable() (string, *RegisterFile) {
	return c.state, c.regs
}

// Need returns how many further bits the current state requires before its
// transition fires. Zero for terminals.
func (c *Config) Need() uint {
	s := c.parser.State(c.state)
	if s == nil {
		return 0
	}
	assert(s.need >= c.Fill(), "pending overflow in state %q: %d > %d", c.state, c.Fill(), s.need)
	return s.need - c.Fill()
}

// readBits returns a copy of the configuration with n fresh bits from the
// shared buffer appended to its pending block.
func (c *Config) readBits(buf *Buffer, n uint) *Config {
	pending := make([]Expr, len(c.pending), uint(len(c.pending))+n)
	copy(pending, c.pending)
	for i := uint(0); i < n; i++ {
		pending = append(pending, buf.Bit(c.offset+uint(len(pending))))
	}
	clone := *c
	clone.pending = pending
	return &clone
}

// String returns the string representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("<%s, %s, fill=%d, offset=%d>", c.state, c.regs, c.Fill(), c.offset)
}

// Pair is a joint configuration of the two parsers under comparison. Both
// sides read the same shared buffer; the joint path condition is the
// conjunction of the sides' path conditions.
type Pair struct {
	Left  *Config
	Right *Config
}

// PathCond returns the joint path condition.
func (p *Pair) PathCond() Expr {
	return conjoin(p.Left.pathCond, p.Right.pathCond)
}

// String returns the string representation of the pair.
func (p *Pair) String() string {
	return fmt.Sprintf("(%s, %s)", p.Left, p.Right)
}
