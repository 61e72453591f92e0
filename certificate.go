package octopus

import (
	"fmt"
	"strings"
)

// Report is the outcome of an equivalence check: either a certificate (the
// discovered bisimulation as a finite list of classes) or a witness packet
// exhibiting divergence.
type Report struct {
	Equivalent bool     `json:"equivalent"`
	Method     string   `json:"method"`
	Classes    []Class  `json:"classes,omitempty"`
	Witness    *Witness `json:"witness,omitempty"`
}

// Class is one observable equivalence class of the certificate: the guard
// (control states, pending fills) plus the class formula a consumer can
// re-discharge without re-exploring.
type Class struct {
	StateLeft  string `json:"state_left"`
	StateRight string `json:"state_right"`
	FillLeft   uint   `json:"fill_left"`
	FillRight  uint   `json:"fill_right"`
	Formula    string `json:"formula"`
}

// Witness is a concrete packet on which the parsers diverge, together with
// the diverging terminal states and observable snapshots.
type Witness struct {
	Bits            string `json:"bits"`
	VerdictLeft     string `json:"verdict_left"`
	VerdictRight    string `json:"verdict_right"`
	StateLeft       string `json:"state_left"`
	StateRight      string `json:"state_right"`
	ObservableLeft  string `json:"observable_left"`
	ObservableRight string `json:"observable_right"`
}

// Render returns the human-readable report.
func (r *Report) Render() string {
	var sb strings.Builder
	if r.Equivalent {
		sb.WriteString("The two parsers are equivalent.\n")
		sb.WriteString("--- Bisimulation Certificate ---\n")
		for _, c := range r.Classes {
			fmt.Fprintf(&sb, "{%s, %s} fill=(%d, %d): %s\n",
				c.StateLeft, c.StateRight, c.FillLeft, c.FillRight, c.Formula)
		}
	} else {
		sb.WriteString("The two parsers are NOT equivalent.\n")
		sb.WriteString("--- Counterexample ---\n")
		w := r.Witness
		fmt.Fprintf(&sb, "packet: %s\n", w.Bits)
		fmt.Fprintf(&sb, "left:  state=%s verdict=%s %s\n", w.StateLeft, w.VerdictLeft, w.ObservableLeft)
		fmt.Fprintf(&sb, "right: state=%s verdict=%s %s\n", w.StateRight, w.VerdictRight, w.ObservableRight)
	}
	return sb.String()
}
