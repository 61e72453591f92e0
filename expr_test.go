package octopus_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jortvanleenen/octopus"
)

func TestExpr_HashConsing(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		a := octopus.NewConstantExpr(5, 8)
		b := octopus.NewConstantExpr(5, 8)
		if a != b {
			t.Fatalf("expected interned constants to be identical: %p != %p", a, b)
		}
		if c := octopus.NewConstantExpr(5, 16); c == a {
			t.Fatal("constants of different widths must not be identical")
		}
	})

	t.Run("Var", func(t *testing.T) {
		a := octopus.NewVarExpr("pkt_0", 1)
		b := octopus.NewVarExpr("pkt_0", 1)
		if a != b {
			t.Fatal("expected interned variables to be identical")
		}
	})

	t.Run("Composite", func(t *testing.T) {
		x := octopus.NewVarExpr("x", 8)
		y := octopus.NewVarExpr("y", 8)
		a := octopus.NewBinaryExpr(octopus.XOR, x, y)
		b := octopus.NewBinaryExpr(octopus.XOR, x, y)
		if a != b {
			t.Fatal("expected interned composite expressions to be identical")
		}
		if a.ID() != b.ID() {
			t.Fatalf("ID()=%d, expected %d", b.ID(), a.ID())
		}
	})
}

func TestExpr_ConstantFolding(t *testing.T) {
	for _, tt := range []struct {
		name string
		got  octopus.Expr
		exp  octopus.Expr
	}{
		{"And", octopus.NewBinaryExpr(octopus.AND, octopus.NewConstantExpr(0b1100, 4), octopus.NewConstantExpr(0b1010, 4)), octopus.NewConstantExpr(0b1000, 4)},
		{"Or", octopus.NewBinaryExpr(octopus.OR, octopus.NewConstantExpr(0b1100, 4), octopus.NewConstantExpr(0b1010, 4)), octopus.NewConstantExpr(0b1110, 4)},
		{"Xor", octopus.NewBinaryExpr(octopus.XOR, octopus.NewConstantExpr(0b1100, 4), octopus.NewConstantExpr(0b1010, 4)), octopus.NewConstantExpr(0b0110, 4)},
		{"Shl", octopus.NewBinaryExpr(octopus.SHL, octopus.NewConstantExpr(0b0011, 4), octopus.NewConstantExpr(2, 4)), octopus.NewConstantExpr(0b1100, 4)},
		{"LShr", octopus.NewBinaryExpr(octopus.LSHR, octopus.NewConstantExpr(0b1100, 4), octopus.NewConstantExpr(2, 4)), octopus.NewConstantExpr(0b0011, 4)},
		{"Eq", octopus.NewBinaryExpr(octopus.EQ, octopus.NewConstantExpr(7, 4), octopus.NewConstantExpr(7, 4)), octopus.NewBoolConstantExpr(true)},
		{"Ne", octopus.NewBinaryExpr(octopus.NE, octopus.NewConstantExpr(7, 4), octopus.NewConstantExpr(7, 4)), octopus.NewBoolConstantExpr(false)},
		{"Not", octopus.NewNotExpr(octopus.NewConstantExpr(0b1010, 4)), octopus.NewConstantExpr(0b0101, 4)},
		{"Concat", octopus.NewConcatExpr(octopus.NewConstantExpr(0b10, 2), octopus.NewConstantExpr(0b01, 2)), octopus.NewConstantExpr(0b1001, 4)},
		{"Extract", octopus.NewExtractExpr(octopus.NewConstantExpr(0b1011, 4), 1, 2), octopus.NewConstantExpr(0b01, 2)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.exp {
				t.Fatalf("got %s, expected %s", tt.got, tt.exp)
			}
		})
	}
}

func TestExpr_Simplify(t *testing.T) {
	x := octopus.NewVarExpr("x", 8)
	y := octopus.NewVarExpr("y", 8)
	b := octopus.NewVarExpr("b", 1)

	t.Run("DoubleNegation", func(t *testing.T) {
		if got := octopus.NewNotExpr(octopus.NewNotExpr(x)); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("AndIdempotent", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.AND, x, x); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("AndAllOnes", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.AND, x, octopus.NewConstantExpr(0xff, 8)); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("OrZero", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.OR, x, octopus.NewConstantExpr(0, 8)); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("XorSelf", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.XOR, x, x); got != octopus.NewConstantExpr(0, 8) {
			t.Fatalf("got %s, expected zero", got)
		}
	})

	t.Run("EqSelf", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.EQ, x, x); !octopus.IsConstantTrue(got) {
			t.Fatalf("got %s, expected true", got)
		}
	})

	t.Run("EqTrueBool", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.EQ, octopus.NewBoolConstantExpr(true), b); got != b {
			t.Fatalf("got %s, expected %s", got, b)
		}
	})

	t.Run("IteConstantCond", func(t *testing.T) {
		if got := octopus.NewIteExpr(octopus.NewBoolConstantExpr(true), x, y); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
		if got := octopus.NewIteExpr(octopus.NewBoolConstantExpr(false), x, y); got != y {
			t.Fatalf("got %s, expected %s", got, y)
		}
	})

	t.Run("IteEqualBranches", func(t *testing.T) {
		if got := octopus.NewIteExpr(b, x, x); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("ExtractFullWidth", func(t *testing.T) {
		if got := octopus.NewExtractExpr(x, 0, 8); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("ExtractOfConcat", func(t *testing.T) {
		cat := octopus.NewConcatExpr(x, y)
		if got := octopus.NewExtractExpr(cat, 8, 8); got != x {
			t.Fatalf("got %s, expected MSB operand %s", got, x)
		}
		if got := octopus.NewExtractExpr(cat, 0, 8); got != y {
			t.Fatalf("got %s, expected LSB operand %s", got, y)
		}
	})

	t.Run("ConcatOfContiguousExtracts", func(t *testing.T) {
		hi := octopus.NewExtractExpr(x, 4, 4)
		lo := octopus.NewExtractExpr(x, 0, 4)
		if got := octopus.NewConcatExpr(hi, lo); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})

	t.Run("ShiftByZero", func(t *testing.T) {
		if got := octopus.NewBinaryExpr(octopus.SHL, x, octopus.NewConstantExpr(0, 8)); got != x {
			t.Fatalf("got %s, expected %s", got, x)
		}
	})
}

func TestExpr_Width(t *testing.T) {
	x := octopus.NewVarExpr("x", 8)
	y := octopus.NewVarExpr("y", 8)

	if got, exp := octopus.ExprWidth(octopus.NewConcatExpr(x, y)), uint(16); got != exp {
		t.Fatalf("ExprWidth=%d, expected %d", got, exp)
	}
	if got, exp := octopus.ExprWidth(octopus.NewExtractExpr(x, 2, 3)), uint(3); got != exp {
		t.Fatalf("ExprWidth=%d, expected %d", got, exp)
	}
	if got, exp := octopus.ExprWidth(octopus.NewBinaryExpr(octopus.EQ, x, y)), uint(octopus.WidthBool); got != exp {
		t.Fatalf("ExprWidth=%d, expected %d", got, exp)
	}
}

func TestExpr_SliceAssign(t *testing.T) {
	dst := octopus.NewConstantExpr(0b11111111, 8)
	src := octopus.NewConstantExpr(0b00, 2)

	if got, exp := octopus.NewSliceAssignExpr(dst, src, 3), octopus.Expr(octopus.NewConstantExpr(0b11100111, 8)); got != exp {
		t.Fatalf("got %s, expected %s", got, exp)
	}
	if got, exp := octopus.NewSliceAssignExpr(dst, src, 0), octopus.Expr(octopus.NewConstantExpr(0b11111100, 8)); got != exp {
		t.Fatalf("got %s, expected %s", got, exp)
	}
	if got, exp := octopus.NewSliceAssignExpr(dst, src, 6), octopus.Expr(octopus.NewConstantExpr(0b00111111, 8)); got != exp {
		t.Fatalf("got %s, expected %s", got, exp)
	}
}

func TestExpr_UsedVars(t *testing.T) {
	x := octopus.NewVarExpr("uv_x", 4)
	y := octopus.NewVarExpr("uv_y", 4)
	body := octopus.NewBinaryExpr(octopus.EQ, x, y)

	names := func(vars []*octopus.VarExpr) []string {
		out := make([]string, len(vars))
		for i, v := range vars {
			out[i] = v.Name
		}
		return out
	}

	if diff := cmp.Diff([]string{"uv_x", "uv_y"}, names(octopus.UsedVars(body))); diff != "" {
		t.Fatalf("unexpected free variables (-want +got):\n%s", diff)
	}

	// Quantified variables are not free.
	quantified := octopus.NewExistsExpr([]*octopus.VarExpr{x}, body)
	if diff := cmp.Diff([]string{"uv_y"}, names(octopus.UsedVars(quantified))); diff != "" {
		t.Fatalf("unexpected free variables (-want +got):\n%s", diff)
	}
}
