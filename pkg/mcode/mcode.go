// Package mcode defines the fixed-format microcode word (MCode), its Code wrapper, and
// the Program the lowering engines build.
package mcode

import "fmt"

// ----------------------------------------------------------------------------
// MCode

// MCode is the fourteen-field microcode word the hardware state-machine engine consumes
// one per clock cycle. No field has a language-level type of its own; bit widths are only
// fixed at pkg/emit time, from the observed maxima across the whole Program.
type MCode struct {
	State        uint64 // Bit pattern to latch into the state register, masked by Mask
	Mask         uint64 // Which state bits StateCapture actually writes
	Jadr         int    // Jump address, meaningful only when Branch or ForcedJmp is set
	VarSel       int    // Conditional-LUT row selector; 0 = no LUT lookup
	TimerSel     int    // Which hardware timer this instruction addresses
	TimerLd      int    // Timer-load flag
	SwitchSel    int    // Which switch-dispatch-table row this instruction addresses
	SwitchAdr    int    // Hardware input index supplying the switch selector value
	StateCapture int    // 0 or 1: latch State&Mask into the state register this cycle
	VarOrTimer   int    // 0 or 1: selects between a LUT/input read and a timer comparison
	Branch       int    // 0 or 1: Jadr is taken conditionally on the selected input/LUT bit
	ForcedJmp    int    // 0 or 1: Jadr is taken unconditionally
	Sub          int    // Reserved control signal for subroutine-call microcode (unused by this grammar)
	Rtn          int    // Reserved control signal for subroutine-return microcode (unused by this grammar)
}

// ----------------------------------------------------------------------------
// Code

// Code pairs an MCode with a diagnostic-only label, never observed by the hardware.
type Code struct {
	Inst  MCode
	Label string
}

// ----------------------------------------------------------------------------
// Program

// Program is the ordered sequence of Code records the lowering engines emit; the slice
// index is the instruction's address.
type Program struct {
	Code []Code
}

// Len is the instruction count, also the address one past the last valid instruction.
func (p *Program) Len() int { return len(p.Code) }

// Append adds inst (with optional label) to the end of the program and returns its address.
func (p *Program) Append(inst MCode, label string) int {
	addr := len(p.Code)
	p.Code = append(p.Code, Code{Inst: inst, Label: label})
	return addr
}

// ExitAddr is the address of the trailing ':exit' self-loop, i.e. the last instruction.
func (p *Program) ExitAddr() int { return len(p.Code) - 1 }

// MaxVarSel is the greatest VarSel observed across the whole program.
func (p *Program) MaxVarSel() int {
	max := 0
	for _, c := range p.Code {
		if c.Inst.VarSel > max {
			max = c.Inst.VarSel
		}
	}
	return max
}

// CheckInvariants verifies every structural Program invariant that does not require
// resolver-internal state: the entry capture, the exit self-loop, jump-address closure,
// state/mask consistency and varSel closure. Switch dispatch integrity and break-target
// correctness are not checked here; pkg/resolve sets each switch break's target from the
// SwitchInfo list but does not verify dispatch rows.
func (p *Program) CheckInvariants(lutRows int) error {
	n := len(p.Code)
	if n == 0 {
		return fmt.Errorf("empty program: a program must contain at least the entry and exit instructions")
	}

	entry := p.Code[0].Inst
	if entry.StateCapture != 1 {
		return fmt.Errorf("instruction 0 must capture the initial state, got StateCapture=%d", entry.StateCapture)
	}

	exit := p.Code[n-1].Inst
	if exit.Jadr != n-1 {
		return fmt.Errorf("last instruction must be a self-loop, got Jadr=%d want %d", exit.Jadr, n-1)
	}
	if exit.ForcedJmp != 1 {
		return fmt.Errorf("last instruction must self-halt unconditionally, got ForcedJmp=%d", exit.ForcedJmp)
	}

	for i, c := range p.Code {
		if c.Inst.Branch == 1 || c.Inst.ForcedJmp == 1 {
			if c.Inst.Jadr < 0 || c.Inst.Jadr >= n {
				return fmt.Errorf("instruction %d: jadr %d out of range [0, %d)", i, c.Inst.Jadr, n)
			}
		}
		if c.Inst.StateCapture == 1 && c.Inst.State&^c.Inst.Mask != 0 {
			return fmt.Errorf("instruction %d: state bits set outside mask (state=%#x mask=%#x)", i, c.Inst.State, c.Inst.Mask)
		}
		if c.Inst.VarSel > lutRows {
			return fmt.Errorf("instruction %d: varSel %d exceeds conditional-LUT row count %d", i, c.Inst.VarSel, lutRows)
		}
	}

	return nil
}
