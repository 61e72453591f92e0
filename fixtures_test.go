package octopus_test

import (
	"os/exec"
	"testing"

	"github.com/jortvanleenen/octopus"
	"github.com/jortvanleenen/octopus/smt"
)

// mustLoadParser loads IR JSON inline fixtures. Fatal on error.
func mustLoadParser(tb testing.TB, ir string) *octopus.Parser {
	tb.Helper()
	p, err := octopus.LoadParser([]byte(ir))
	if err != nil {
		tb.Fatalf("LoadParser: %v", err)
	}
	return p
}

// openSolver returns a z3-only portfolio, skipping the test when no z3
// binary is installed.
func openSolver(tb testing.TB) *smt.Portfolio {
	tb.Helper()
	if _, err := exec.LookPath("z3"); err != nil {
		tb.Skip("z3 not found in PATH")
	}
	portfolio, err := smt.Open([]smt.SolverSpec{{Name: "z3"}}, smt.DefaultOptions)
	if err != nil {
		tb.Fatalf("smt.Open: %v", err)
	}
	tb.Cleanup(func() { portfolio.Close() })
	return portfolio
}

// A parser extracting one 4-bit header and accepting.
const irFourBit = `{
	"headers": [{"name": "h", "fields": [{"name": "f", "width": 4}]}],
	"states": [{
		"name": "start",
		"statements": [{"kind": "extract", "header": "h"}],
		"transition": {"next": "accept"}
	}]
}`

// Like irFourBit but the field is 3 bits wide.
const irThreeBit = `{
	"headers": [{"name": "h", "fields": [{"name": "f", "width": 3}]}],
	"states": [{
		"name": "start",
		"statements": [{"kind": "extract", "header": "h"}],
		"transition": {"next": "accept"}
	}]
}`

// A 1-bit tag selecting between two states with different extractions, arms
// in (1, 0) order.
const irSelectTagged = `{
	"headers": [
		{"name": "s", "fields": [{"name": "tag", "width": 1}]},
		{"name": "a", "fields": [{"name": "x", "width": 2}]},
		{"name": "b", "fields": [{"name": "y", "width": 3}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "s"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "s.tag"}],
			"cases": [{"pattern": ["1"], "next": "stateA"},
			          {"pattern": ["0"], "next": "stateB"}],
			"default": "reject"
		 }},
		{"name": "stateA",
		 "statements": [{"kind": "extract", "header": "a"}],
		 "transition": {"next": "accept"}},
		{"name": "stateB",
		 "statements": [{"kind": "extract", "header": "b"}],
		 "transition": {"next": "accept"}}
	]
}`

// irSelectTagged with the (disjoint) arms reordered; equivalent.
const irSelectTaggedSwapped = `{
	"headers": [
		{"name": "s", "fields": [{"name": "tag", "width": 1}]},
		{"name": "a", "fields": [{"name": "x", "width": 2}]},
		{"name": "b", "fields": [{"name": "y", "width": 3}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "s"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "s.tag"}],
			"cases": [{"pattern": ["0"], "next": "stateB"},
			          {"pattern": ["1"], "next": "stateA"}],
			"default": "reject"
		 }},
		{"name": "stateA",
		 "statements": [{"kind": "extract", "header": "a"}],
		 "transition": {"next": "accept"}},
		{"name": "stateB",
		 "statements": [{"kind": "extract", "header": "b"}],
		 "transition": {"next": "accept"}}
	]
}`

// Wildcard arm first: every tag goes to stateA.
const irWildcardFirst = `{
	"headers": [
		{"name": "s", "fields": [{"name": "tag", "width": 1}]},
		{"name": "a", "fields": [{"name": "x", "width": 2}]},
		{"name": "b", "fields": [{"name": "y", "width": 3}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "s"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "s.tag"}],
			"cases": [{"pattern": ["_"], "next": "stateA"},
			          {"pattern": ["1"], "next": "stateB"}],
			"default": "reject"
		 }},
		{"name": "stateA",
		 "statements": [{"kind": "extract", "header": "a"}],
		 "transition": {"next": "accept"}},
		{"name": "stateB",
		 "statements": [{"kind": "extract", "header": "b"}],
		 "transition": {"next": "accept"}}
	]
}`

// Exact arm first: tag 1 goes to stateB instead. Not equivalent to
// irWildcardFirst on tag = 1.
const irExactFirst = `{
	"headers": [
		{"name": "s", "fields": [{"name": "tag", "width": 1}]},
		{"name": "a", "fields": [{"name": "x", "width": 2}]},
		{"name": "b", "fields": [{"name": "y", "width": 3}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "s"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "s.tag"}],
			"cases": [{"pattern": ["1"], "next": "stateB"},
			          {"pattern": ["_"], "next": "stateA"}],
			"default": "reject"
		 }},
		{"name": "stateA",
		 "statements": [{"kind": "extract", "header": "a"}],
		 "transition": {"next": "accept"}},
		{"name": "stateB",
		 "statements": [{"kind": "extract", "header": "b"}],
		 "transition": {"next": "accept"}}
	]
}`

// An MPLS-like loop: labels until the bottom-of-stack bit is set.
const irLoopDirect = `{
	"headers": [{"name": "mpls", "fields": [
		{"name": "label", "width": 2}, {"name": "bos", "width": 1}]}],
	"states": [{
		"name": "start",
		"statements": [{"kind": "extract", "header": "mpls"}],
		"transition": {
			"select": [{"kind": "ref", "reg": "mpls.bos"}],
			"cases": [{"pattern": ["0"], "next": "start"},
			          {"pattern": ["1"], "next": "accept"}]
		}
	}]
}`

// irLoopDirect unrolled once before entering the loop.
const irLoopUnrolled = `{
	"headers": [{"name": "mpls", "fields": [
		{"name": "label", "width": 2}, {"name": "bos", "width": 1}]}],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "mpls"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "mpls.bos"}],
			"cases": [{"pattern": ["0"], "next": "loop"},
			          {"pattern": ["1"], "next": "accept"}]
		 }},
		{"name": "loop",
		 "statements": [{"kind": "extract", "header": "mpls"}],
		 "transition": {
			"select": [{"kind": "ref", "reg": "mpls.bos"}],
			"cases": [{"pattern": ["0"], "next": "loop"},
			          {"pattern": ["1"], "next": "accept"}]
		 }}
	]
}`

// Two 4-bit headers in two states.
const irTwoHeaders = `{
	"headers": [
		{"name": "h", "fields": [{"name": "a", "width": 4}]},
		{"name": "g", "fields": [{"name": "b", "width": 4}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "h"}],
		 "transition": {"next": "second"}},
		{"name": "second",
		 "statements": [{"kind": "extract", "header": "g"}],
		 "transition": {"next": "accept"}}
	]
}`

// The same two headers extracted in a single state; identical field
// mapping, different leap lengths.
const irTwoHeadersFused = `{
	"headers": [
		{"name": "h", "fields": [{"name": "a", "width": 4}]},
		{"name": "g", "fields": [{"name": "b", "width": 4}]}
	],
	"states": [
		{"name": "start",
		 "statements": [{"kind": "extract", "header": "h"},
		                {"kind": "extract", "header": "g"}],
		 "transition": {"next": "accept"}}
	]
}`
