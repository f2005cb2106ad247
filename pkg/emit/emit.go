// Package emit implements the bit-packer and memory-image writer: it
// computes the minimum bit width of every microcode field from the observed maxima across a
// whole Program, packs each instruction into one fixed-width hex word, and writes the three
// memory images the hardware state-machine engine loads (microcode ROM, conditional-LUT,
// switch-dispatch table) plus a companion '_params.vh' width-constants file.
package emit

import (
	"fmt"
	"io"
	"math/bits"
	"strings"

	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/mcode"
)

// Widths holds the bit width pkg/emit decided for every MCode field, in the same order the
// fields are declared on MCode.
type Widths struct {
	State, Mask                                 int
	Jadr                                        int
	VarSel, TimerSel, TimerLd                   int
	SwitchSel, SwitchAdr                        int
	StateCapture, VarOrTimer, Branch, ForcedJmp int
	Sub, Rtn                                    int
}

// bitWidth is ceil(log2(max+1)), with a floor of 1 bit: even a field
// that is always zero still needs a wire.
func bitWidth(max int) int {
	if max <= 0 {
		return 1
	}
	return bits.Len(uint(max))
}

// ComputeWidths derives every field's width from the observed maxima across prog.
// Jadr is fixed at 8 bits whenever the address space exceeds 16
// instructions (the hardware's address bus is wired at that width regardless of how few
// bits a smaller program would otherwise need); below that it is computed like any other
// field so small programs still get a maximally-tight image.
func ComputeWidths(prog *mcode.Program, hwctx *hw.Context) Widths {
	var w Widths
	w.State = len(hwctx.States)
	w.Mask = len(hwctx.States)

	n := prog.Len()
	maxJadr := n - 1

	var maxVarSel, maxTimerSel, maxTimerLd, maxSwitchSel, maxSwitchAdr int
	var maxStateCapture, maxVarOrTimer, maxBranch, maxForcedJmp, maxSub, maxRtn int

	for _, c := range prog.Code {
		i := c.Inst
		maxVarSel = max(maxVarSel, i.VarSel)
		maxTimerSel = max(maxTimerSel, i.TimerSel)
		maxTimerLd = max(maxTimerLd, i.TimerLd)
		maxSwitchSel = max(maxSwitchSel, i.SwitchSel)
		maxSwitchAdr = max(maxSwitchAdr, i.SwitchAdr)
		maxStateCapture = max(maxStateCapture, i.StateCapture)
		maxVarOrTimer = max(maxVarOrTimer, i.VarOrTimer)
		maxBranch = max(maxBranch, i.Branch)
		maxForcedJmp = max(maxForcedJmp, i.ForcedJmp)
		maxSub = max(maxSub, i.Sub)
		maxRtn = max(maxRtn, i.Rtn)
	}

	if n > 16 {
		w.Jadr = 8
	} else {
		w.Jadr = bitWidth(maxJadr)
	}
	w.VarSel = bitWidth(maxVarSel)
	w.TimerSel = bitWidth(maxTimerSel)
	w.TimerLd = bitWidth(maxTimerLd)
	w.SwitchSel = bitWidth(maxSwitchSel)
	w.SwitchAdr = bitWidth(maxSwitchAdr)
	w.StateCapture = bitWidth(maxStateCapture)
	w.VarOrTimer = bitWidth(maxVarOrTimer)
	w.Branch = bitWidth(maxBranch)
	w.ForcedJmp = bitWidth(maxForcedJmp)
	w.Sub = bitWidth(maxSub)
	w.Rtn = bitWidth(maxRtn)

	return w
}

// WordWidth is the total packed word width, the sum of every field's width.
func (w Widths) WordWidth() int {
	return w.State + w.Mask + w.Jadr + w.VarSel + w.TimerSel + w.TimerLd +
		w.SwitchSel + w.SwitchAdr + w.StateCapture + w.VarOrTimer + w.Branch +
		w.ForcedJmp + w.Sub + w.Rtn
}

// pack concatenates every field of inst, MSB-first in MCode's declaration order, into a
// string of '0'/'1' characters and returns it as hex assembled a nibble at a time, so the
// total word width is not limited to 64 bits.
func pack(inst mcode.MCode, w Widths) string {
	var sb strings.Builder
	appendField(&sb, uint64(inst.State), w.State)
	appendField(&sb, uint64(inst.Mask), w.Mask)
	appendField(&sb, uint64(inst.Jadr), w.Jadr)
	appendField(&sb, uint64(inst.VarSel), w.VarSel)
	appendField(&sb, uint64(inst.TimerSel), w.TimerSel)
	appendField(&sb, uint64(inst.TimerLd), w.TimerLd)
	appendField(&sb, uint64(inst.SwitchSel), w.SwitchSel)
	appendField(&sb, uint64(inst.SwitchAdr), w.SwitchAdr)
	appendField(&sb, uint64(inst.StateCapture), w.StateCapture)
	appendField(&sb, uint64(inst.VarOrTimer), w.VarOrTimer)
	appendField(&sb, uint64(inst.Branch), w.Branch)
	appendField(&sb, uint64(inst.ForcedJmp), w.ForcedJmp)
	appendField(&sb, uint64(inst.Sub), w.Sub)
	appendField(&sb, uint64(inst.Rtn), w.Rtn)
	return binaryToHex(sb.String())
}

func appendField(sb *strings.Builder, v uint64, width int) {
	for i := width - 1; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
}

// binaryToHex renders a string of '0'/'1' characters as a $readmemh-compatible hex literal,
// left-padding the most significant nibble as needed.
func binaryToHex(bin string) string {
	pad := (4 - len(bin)%4) % 4
	bin = strings.Repeat("0", pad) + bin

	var sb strings.Builder
	for i := 0; i < len(bin); i += 4 {
		nibble := bin[i : i+4]
		var v int
		for _, c := range nibble {
			v <<= 1
			if c == '1' {
				v |= 1
			}
		}
		fmt.Fprintf(&sb, "%x", v)
	}
	return sb.String()
}

// WriteMicrocodeImage writes one hex word per line, one line per instruction, in address
// order, in the format Verilog's $readmemh expects.
func WriteMicrocodeImage(w io.Writer, prog *mcode.Program, widths Widths) error {
	for _, c := range prog.Code {
		if _, err := fmt.Fprintf(w, "%s // %s\n", pack(c.Inst, widths), labelOrAddr(c)); err != nil {
			return fmt.Errorf("writing microcode image: %w", err)
		}
	}
	return nil
}

func labelOrAddr(c mcode.Code) string {
	if c.Label == "" {
		return "-"
	}
	return c.Label
}

// WriteLUTImage writes the conditional-expression lookup table: (maxVarSel+1) rows of
// 2^NumInputs single-bit entries, row after row, one entry ("0" or "1") per line; entry
// row*2^NumInputs + i is the row's expression value when the input vector equals i. Row 0 is
// reserved for the "no LUT lookup" sentinel and is always written as all zero, since the
// memory image's address space always reserves it even though hardware never dereferences it.
func WriteLUTImage(w io.Writer, entries []cond.Entry, numInputs int) error {
	byID := make(map[int]cond.Entry, len(entries))
	maxID := 0
	for _, e := range entries {
		byID[e.VarSelID] = e
		if e.VarSelID > maxID {
			maxID = e.VarSelID
		}
	}

	width := 1 << uint(numInputs)
	for id := 0; id <= maxID; id++ {
		entry, ok := byID[id]
		for i := 0; i < width; i++ {
			bit := 0
			if ok && entry.TruthTable[i] {
				bit = 1
			}
			if _, err := fmt.Fprintf(w, "%d\n", bit); err != nil {
				return fmt.Errorf("writing conditional-LUT image: %w", err)
			}
		}
	}
	return nil
}

// WriteDispatchImage writes the switch-dispatch table: num_switches blocks of
// 2^SwitchOffsetBits lines each, one hex-encoded jump address per line, addressed as
// switchID*2^offsetBits + caseValue.
func WriteDispatchImage(w io.Writer, dispatch [][]int, jadrWidth int) error {
	for _, row := range dispatch {
		for _, addr := range row {
			var sb strings.Builder
			appendField(&sb, uint64(addr), jadrWidth)
			if _, err := fmt.Fprintf(w, "%s\n", binaryToHex(sb.String())); err != nil {
				return fmt.Errorf("writing switch-dispatch image: %w", err)
			}
		}
	}
	return nil
}

// WriteParams writes a Verilog header of localparam width declarations, one
// '<NAME>_WIDTH' per MCode field plus 'INSTR_WIDTH' for the total packed word, so
// hand-written or generated HDL can size its busses without duplicating pkg/emit's math.
func WriteParams(w io.Writer, widths Widths) error {
	fields := []struct {
		name  string
		width int
	}{
		{"STATE", widths.State}, {"MASK", widths.Mask}, {"JADR", widths.Jadr},
		{"VAR_SEL", widths.VarSel}, {"TIMER_SEL", widths.TimerSel}, {"TIMER_LD", widths.TimerLd},
		{"SWITCH_SEL", widths.SwitchSel}, {"SWITCH_ADR", widths.SwitchAdr},
		{"STATE_CAPTURE", widths.StateCapture}, {"VAR_OR_TIMER", widths.VarOrTimer},
		{"BRANCH", widths.Branch}, {"FORCED_JMP", widths.ForcedJmp},
		{"SUB", widths.Sub}, {"RTN", widths.Rtn},
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "localparam %s_WIDTH = %d;\n", f.name, f.width); err != nil {
			return fmt.Errorf("writing params header: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "localparam INSTR_WIDTH = %d;\n", widths.WordWidth()); err != nil {
		return fmt.Errorf("writing params header: %w", err)
	}
	return nil
}
