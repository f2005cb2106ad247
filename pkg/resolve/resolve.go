// Package resolve implements the two-pass address resolution:
// Pass A patches every PendingJump (break/continue/exit) recorded by pkg/lower
// now that every instruction's final address is known; Pass B matches every switch-local break
// to the innermost enclosing switch's end address by interval containment.
package resolve

import (
	"errors"
	"fmt"

	"hwsm.dev/compiler/pkg/lower"
	"hwsm.dev/compiler/pkg/mcode"
)

// ErrBreakOutsideSwitch is returned by Pass B when a PendingSwitchBreak's address falls
// inside no known SwitchInfo interval, which should only be reachable through an internal
// bookkeeping bug upstream.
var ErrBreakOutsideSwitch = errors.New("break recorded against a switch that was never closed")

// Resolve runs both passes over res.Program in place and returns the fully address-resolved
// program.
func Resolve(res *lower.Result) (*mcode.Program, error) {
	if err := resolvePending(res.Program, res.Pending, res.BreakTargets, res.ContinueTargets); err != nil {
		return nil, err
	}
	if err := resolveSwitchBreaks(res.Program, res.SwitchBreaks, res.Switches); err != nil {
		return nil, err
	}
	return res.Program, nil
}

// resolvePending is Pass A: every PendingJump's target is now knowable directly from the
// maps pkg/lower filled in as each loop context was popped, or from the program's own final
// length for an Exit jump.
func resolvePending(prog *mcode.Program, pending []lower.PendingJump, breakTargets, continueTargets map[int]int) error {
	exitAddr := prog.ExitAddr()

	for _, p := range pending {
		var target int
		switch p.Kind {
		case lower.PendingExit:
			target = exitAddr
		case lower.PendingBreak:
			t, ok := breakTargets[p.ContextID]
			if !ok {
				return fmt.Errorf("resolving break at instruction %d: no break target recorded for context %d", p.InstructionIndex, p.ContextID)
			}
			target = t
		case lower.PendingContinue:
			t, ok := continueTargets[p.ContextID]
			if !ok {
				return fmt.Errorf("resolving continue at instruction %d: no continue target recorded for context %d", p.InstructionIndex, p.ContextID)
			}
			target = t
		default:
			return fmt.Errorf("resolving instruction %d: unrecognized pending-jump kind %d", p.InstructionIndex, p.Kind)
		}
		prog.Code[p.InstructionIndex].Inst.Jadr = target
	}
	return nil
}

// resolveSwitchBreaks is Pass B: for every break emitted directly inside a switch body, find
// the tightest (innermost) SwitchInfo interval containing its address and jump to that
// switch's end address.
func resolveSwitchBreaks(prog *mcode.Program, breaks []lower.PendingSwitchBreak, switches []*lower.SwitchInfo) error {
	for _, b := range breaks {
		best := (*lower.SwitchInfo)(nil)
		for _, s := range switches {
			if b.InstructionIndex < s.StartAddr || b.InstructionIndex >= s.EndAddr {
				continue
			}
			if best == nil || (s.EndAddr-s.StartAddr) < (best.EndAddr-best.StartAddr) {
				best = s
			}
		}
		if best == nil {
			return fmt.Errorf("resolving switch break at instruction %d: %w", b.InstructionIndex, ErrBreakOutsideSwitch)
		}
		prog.Code[b.InstructionIndex].Inst.Jadr = best.EndAddr
	}
	return nil
}
