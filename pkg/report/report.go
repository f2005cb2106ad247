// Package report renders the human-readable stdout output of a compilation (the microcode
// table, state/input variable listings, statistics block) plus the '--debug' trace channel,
// colorized with github.com/fatih/color and structure-dumped with github.com/davecgh/go-spew.
package report

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"

	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/lower"
	"hwsm.dev/compiler/pkg/mcode"
)

// Stats is the summary block printed after the microcode table.
type Stats struct {
	Instructions int
	StateWrites  int
	Branches     int
	ForcedJumps  int
	Switches     int
}

// ComputeStats walks prog once and tallies the statistics block.
func ComputeStats(prog *mcode.Program, numSwitches int) Stats {
	s := Stats{Instructions: prog.Len(), Switches: numSwitches}
	for _, c := range prog.Code {
		if c.Inst.StateCapture == 1 {
			s.StateWrites++
		}
		if c.Inst.Branch == 1 {
			s.Branches++
		}
		if c.Inst.ForcedJmp == 1 {
			s.ForcedJumps++
		}
	}
	return s
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	addrColor   = color.New(color.FgYellow)
	labelColor  = color.New(color.FgGreen)
)

// WriteMicrocodeTable prints one row per instruction: address, every MCode field in
// hexadecimal, and the diagnostic label. fatih/color auto-detects non-terminal output and
// degrades to plain text through color.NoColor, so piping to a file needs no special casing.
func WriteMicrocodeTable(w io.Writer, prog *mcode.Program) {
	headerColor.Fprintln(w, "addr  state   mask    jadr  varSel timerSel timerLd swSel swAdr capture varT branch fjmp sub rtn  label")
	for i, c := range prog.Code {
		addrColor.Fprintf(w, "%04d  ", i)
		fmt.Fprintf(w, "%#06x  %#06x  %-4d  %-6d %-8d %-7d %-5d %-5d %-7d %-4d %-6d %-4d %-3d %-3d  ",
			c.Inst.State, c.Inst.Mask, c.Inst.Jadr, c.Inst.VarSel, c.Inst.TimerSel, c.Inst.TimerLd,
			c.Inst.SwitchSel, c.Inst.SwitchAdr, c.Inst.StateCapture, c.Inst.VarOrTimer,
			c.Inst.Branch, c.Inst.ForcedJmp, c.Inst.Sub, c.Inst.Rtn)
		labelColor.Fprintln(w, c.Label)
	}
}

// WriteHardwareTable prints the state- and input-variable listings the '--hardware' flag and
// the default stdout report both show.
func WriteHardwareTable(w io.Writer, hwctx *hw.Context) {
	headerColor.Fprintln(w, "state variables:")
	for _, s := range hwctx.States {
		fmt.Fprintf(w, "  bit %-3d %-20s initial=%d\n", s.BitIndex, s.Name, s.Initial)
	}
	headerColor.Fprintln(w, "input variables:")
	for _, in := range hwctx.Inputs {
		fmt.Fprintf(w, "  input %-3d %-20s\n", in.InputIndex, in.Name)
	}
}

// WriteStats prints the trailing statistics block.
func WriteStats(w io.Writer, s Stats) {
	headerColor.Fprintln(w, "statistics:")
	fmt.Fprintf(w, "  instructions     %d\n", s.Instructions)
	fmt.Fprintf(w, "  state writes     %d\n", s.StateWrites)
	fmt.Fprintf(w, "  branches         %d\n", s.Branches)
	fmt.Fprintf(w, "  forced jumps     %d\n", s.ForcedJumps)
	fmt.Fprintf(w, "  switches         %d\n", s.Switches)
}

// WriteWarnings prints every non-fatal warning pkg/lower accumulated (the
// dropped-expression-statement warnings, chiefly).
func WriteWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		color.New(color.FgHiYellow).Fprintf(w, "warning: %s\n", msg)
	}
}

// Debugger is the '--debug' trace channel: verbose trace lines to stderr, structure-dumped
// with go-spew, silent (zero cost beyond a boolean check) when disabled.
type Debugger struct {
	W       io.Writer
	Enabled bool
}

// Tracef writes a colorized, prefixed trace line when debugging is enabled.
func (d Debugger) Tracef(format string, args ...any) {
	if !d.Enabled {
		return
	}
	color.New(color.FgMagenta).Fprintf(d.W, "[debug] "+format+"\n", args...)
}

// Dump spew.Sdump's v under a labeled trace line, for values (pending jumps, switch breaks,
// switch infos, conditional-LUT entries) that are too structured for a one-line Tracef.
func (d Debugger) Dump(label string, v any) {
	if !d.Enabled {
		return
	}
	color.New(color.FgMagenta).Fprintf(d.W, "[debug] %s:\n%s", label, spew.Sdump(v))
}

// DumpLowerResult is a convenience used right after pkg/lower.Lower runs under '--debug': it
// dumps the pending-jump and switch-break bookkeeping that pkg/resolve is about to consume.
func (d Debugger) DumpLowerResult(res *lower.Result) {
	if !d.Enabled {
		return
	}
	d.Dump("pending jumps", res.Pending)
	d.Dump("pending switch breaks", res.SwitchBreaks)
	d.Dump("switches", res.Switches)
}

// DumpCondEntries dumps every registered conditional-expression entry's truth table.
func (d Debugger) DumpCondEntries(entries []cond.Entry) {
	if !d.Enabled {
		return
	}
	d.Dump("conditional-LUT entries", entries)
}
