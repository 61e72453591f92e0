package octopus_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jortvanleenen/octopus"
)

// runSymbolic runs the symbolic engine over two fixtures. Skips when no
// solver binary is installed.
func runSymbolic(t *testing.T, irLeft, irRight string, disableLeaps bool) *octopus.Report {
	t.Helper()
	solver := openSolver(t)
	left, right := mustLoadParser(t, irLeft), mustLoadParser(t, irRight)

	engine := octopus.NewEngine(left, right, solver)
	engine.DisableLeaps = disableLeaps
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Engine.Run: %v", err)
	}
	return report
}

func TestEngine_SelfCheck(t *testing.T) {
	report := runSymbolic(t, irFourBit, irFourBit, false)
	if !report.Equivalent {
		t.Fatalf("expected reflexive equivalence, got witness %+v", report.Witness)
	}
	if len(report.Classes) == 0 {
		t.Fatal("expected a non-empty certificate")
	}
	if got, exp := report.Classes[0].StateLeft, "start"; got != exp {
		t.Fatalf("Classes[0].StateLeft=%q, expected %q", got, exp)
	}
	if got, exp := report.Classes[0].StateRight, "start"; got != exp {
		t.Fatalf("Classes[0].StateRight=%q, expected %q", got, exp)
	}
}

func TestEngine_Reflexivity(t *testing.T) {
	for _, tt := range []struct {
		name string
		ir   string
	}{
		{"FourBit", irFourBit},
		{"SelectTagged", irSelectTagged},
		{"LoopDirect", irLoopDirect},
		{"TwoHeaders", irTwoHeaders},
	} {
		t.Run(tt.name, func(t *testing.T) {
			report := runSymbolic(t, tt.ir, tt.ir, false)
			if !report.Equivalent {
				t.Fatalf("expected reflexive equivalence, got witness %+v", report.Witness)
			}

			// The certificate cannot exceed the square of the state space
			// (pending fills aside, every class pairs two control states).
			p := mustLoadParser(t, tt.ir)
			states := make(map[[2]string]struct{})
			for _, c := range report.Classes {
				states[[2]string{c.StateLeft, c.StateRight}] = struct{}{}
			}
			bound := (len(p.States()) + 2) * (len(p.States()) + 2)
			if got := len(states); got > bound {
				t.Fatalf("certificate spans %d state pairs, expected at most %d", got, bound)
			}
		})
	}
}

func TestEngine_WidthChange(t *testing.T) {
	report := runSymbolic(t, irFourBit, irThreeBit, false)
	if report.Equivalent {
		t.Fatal("expected a width mismatch to be detected")
	}
	p, q := mustLoadParser(t, irFourBit), mustLoadParser(t, irThreeBit)
	requireValidWitness(t, p, q, report.Witness)
}

func TestEngine_ReorderedSelect(t *testing.T) {
	report := runSymbolic(t, irSelectTagged, irSelectTaggedSwapped, false)
	if !report.Equivalent {
		t.Fatalf("reordering disjoint arms must preserve equivalence, got witness %+v", report.Witness)
	}
}

func TestEngine_FirstMatchFlip(t *testing.T) {
	report := runSymbolic(t, irWildcardFirst, irExactFirst, false)
	if report.Equivalent {
		t.Fatal("expected the first-match flip to be detected")
	}
	if got := report.Witness.Bits; len(got) == 0 || got[0] != '1' {
		t.Fatalf("Witness.Bits=%q, expected a packet with the scrutinee bit set", got)
	}
	p, q := mustLoadParser(t, irWildcardFirst), mustLoadParser(t, irExactFirst)
	requireValidWitness(t, p, q, report.Witness)
}

func TestEngine_SelfLoop(t *testing.T) {
	report := runSymbolic(t, irLoopDirect, irLoopUnrolled, false)
	if !report.Equivalent {
		t.Fatalf("unrolling a loop must preserve equivalence, got witness %+v", report.Witness)
	}
}

func TestEngine_LeapLengthMismatch(t *testing.T) {
	report := runSymbolic(t, irTwoHeaders, irTwoHeadersFused, false)
	if !report.Equivalent {
		t.Fatalf("fusing extractions must preserve equivalence, got witness %+v", report.Witness)
	}
}

// Leap/naive agreement: the verdict is the same with leaps, without leaps,
// and under the naive engine.
func TestEngine_LeapNaiveAgreement(t *testing.T) {
	for _, tt := range []struct {
		name string
		p, q string
	}{
		{"SelfCheck", irFourBit, irFourBit},
		{"WidthChange", irFourBit, irThreeBit},
		{"ReorderedSelect", irSelectTagged, irSelectTaggedSwapped},
		{"FirstMatchFlip", irWildcardFirst, irExactFirst},
		{"SelfLoop", irLoopDirect, irLoopUnrolled},
		{"LeapLengthMismatch", irTwoHeaders, irTwoHeadersFused},
	} {
		t.Run(tt.name, func(t *testing.T) {
			withLeaps := runSymbolic(t, tt.p, tt.q, false)
			withoutLeaps := runSymbolic(t, tt.p, tt.q, true)

			naive, err := octopus.NaiveBisimulation(mustLoadParser(t, tt.p), mustLoadParser(t, tt.q))
			if err != nil {
				t.Fatal(err)
			}

			if withLeaps.Equivalent != withoutLeaps.Equivalent {
				t.Fatalf("leaps=%v, no-leaps=%v", withLeaps.Equivalent, withoutLeaps.Equivalent)
			}
			if withLeaps.Equivalent != naive.Equivalent {
				t.Fatalf("symbolic=%v, naive=%v", withLeaps.Equivalent, naive.Equivalent)
			}
		})
	}
}

func TestEngine_Symmetry(t *testing.T) {
	forward := runSymbolic(t, irFourBit, irThreeBit, false)
	backward := runSymbolic(t, irThreeBit, irFourBit, false)
	if forward.Equivalent != backward.Equivalent {
		t.Fatalf("forward=%v backward=%v", forward.Equivalent, backward.Equivalent)
	}
}

func TestReport_Render(t *testing.T) {
	equivalent := &octopus.Report{
		Equivalent: true,
		Method:     "symbolic",
		Classes: []octopus.Class{{
			StateLeft: "start", StateRight: "start", Formula: "(const 1 1)",
		}},
	}
	if got := equivalent.Render(); !strings.Contains(got, "The two parsers are equivalent.") ||
		!strings.Contains(got, "--- Bisimulation Certificate ---") {
		t.Fatalf("unexpected rendering:\n%s", got)
	}

	diverging := &octopus.Report{
		Method: "symbolic",
		Witness: &octopus.Witness{
			Bits:         "1010",
			VerdictLeft:  "accept",
			VerdictRight: "reject",
		},
	}
	if got := diverging.Render(); !strings.Contains(got, "The two parsers are NOT equivalent.") ||
		!strings.Contains(got, "--- Counterexample ---") ||
		!strings.Contains(got, "1010") {
		t.Fatalf("unexpected rendering:\n%s", got)
	}
}
