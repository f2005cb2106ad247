package resolve_test

import (
	"errors"
	"testing"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/lower"
	"hwsm.dev/compiler/pkg/mcode"
	"hwsm.dev/compiler/pkg/resolve"
)

func TestResolvePending(t *testing.T) {
	t.Run("resolves break, continue and exit jumps from the recorded target maps", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{StateCapture: 1}, ":entry")       // 0
		breakAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, "")    // 1
		continueAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, "") // 2
		exitBreakAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, "") // 3
		exitAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit") // 4
		prog.Code[exitAddr].Inst.Jadr = exitAddr

		res := &lower.Result{
			Program: prog,
			Pending: []lower.PendingJump{
				{InstructionIndex: breakAddr, Kind: lower.PendingBreak, ContextID: 7},
				{InstructionIndex: continueAddr, Kind: lower.PendingContinue, ContextID: 7},
				{InstructionIndex: exitBreakAddr, Kind: lower.PendingExit},
			},
			BreakTargets:    map[int]int{7: 4},
			ContinueTargets: map[int]int{7: 1},
		}

		out, err := resolve.Resolve(res)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if out.Code[breakAddr].Inst.Jadr != 4 {
			t.Errorf("break jadr = %d, want 4", out.Code[breakAddr].Inst.Jadr)
		}
		if out.Code[continueAddr].Inst.Jadr != 1 {
			t.Errorf("continue jadr = %d, want 1", out.Code[continueAddr].Inst.Jadr)
		}
		if out.Code[exitBreakAddr].Inst.Jadr != exitAddr {
			t.Errorf("exit jadr = %d, want %d", out.Code[exitBreakAddr].Inst.Jadr, exitAddr)
		}
	})

	t.Run("an unresolvable break context is an error", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{StateCapture: 1}, ":entry")
		addr := prog.Append(mcode.MCode{ForcedJmp: 1}, "")
		prog.Code[addr].Inst.Jadr = addr

		res := &lower.Result{
			Program:         prog,
			Pending:         []lower.PendingJump{{InstructionIndex: addr, Kind: lower.PendingBreak, ContextID: 99}},
			BreakTargets:    map[int]int{},
			ContinueTargets: map[int]int{},
		}

		if _, err := resolve.Resolve(res); err == nil {
			t.Error("expected an error for a break whose context was never recorded")
		}
	})
}

func TestResolveInfiniteLoopBreaksToExit(t *testing.T) {
	// In a 'while(1)' both the break and the header's false edge can only ever leave the
	// program, so both must resolve to the trailing self-loop.
	p := ast.Program{
		Declarations: []ast.Declaration{
			{Name: "btn", HasInit: false},
			{Name: "lit", HasInit: true, Init: 0},
		},
		Main: ast.Function{Name: "main", Body: []ast.Statement{
			ast.WhileStmt{
				Condition: ast.LiteralExpr{Value: 1},
				Body: []ast.Statement{
					ast.IfStmt{
						Condition: ast.IdentExpr{Name: "btn"},
						Then:      []ast.Statement{ast.BreakStmt{}},
					},
					ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 1}}}},
				},
			},
		}},
	}
	ctx, err := hw.Infer(p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	res, err := lower.Lower(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	prog, err := resolve.Resolve(res)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	exitAddr := prog.ExitAddr()
	for _, pj := range res.Pending {
		if pj.Kind != lower.PendingExit {
			continue
		}
		if got := prog.Code[pj.InstructionIndex].Inst.Jadr; got != exitAddr {
			t.Errorf("instruction %d: jadr = %d, want the exit self-loop %d", pj.InstructionIndex, got, exitAddr)
		}
	}
	if err := prog.CheckInvariants(0); err != nil {
		t.Errorf("resolved program failed invariant checks: %s", err)
	}
}

func TestResolveSwitchBreaks(t *testing.T) {
	t.Run("a break resolves to the innermost enclosing switch's end address", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{StateCapture: 1}, ":entry") // 0
		outerStart := prog.Append(mcode.MCode{SwitchSel: 0}, "") // 1
		innerStart := prog.Append(mcode.MCode{SwitchSel: 1}, "") // 2
		breakAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, "")  // 3
		innerEnd := prog.Append(mcode.MCode{}, "")               // 4
		outerEnd := prog.Append(mcode.MCode{}, "")               // 5
		exitAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit")
		prog.Code[exitAddr].Inst.Jadr = exitAddr

		res := &lower.Result{
			Program:      prog,
			SwitchBreaks: []lower.PendingSwitchBreak{{InstructionIndex: breakAddr}},
			BreakTargets: map[int]int{}, ContinueTargets: map[int]int{},
			Switches: []*lower.SwitchInfo{
				{SwitchID: 0, StartAddr: outerStart, EndAddr: outerEnd},
				{SwitchID: 1, StartAddr: innerStart, EndAddr: innerEnd},
			},
		}

		out, err := resolve.Resolve(res)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if out.Code[breakAddr].Inst.Jadr != innerEnd {
			t.Errorf("break jadr = %d, want innermost switch end %d", out.Code[breakAddr].Inst.Jadr, innerEnd)
		}
	})

	t.Run("nested source switches resolve each break to its own switch's end", func(t *testing.T) {
		// Lowered through the real front-end rather than hand-built bookkeeping, so the
		// interval scan sees exactly what pkg/lower records.
		p := ast.Program{
			Declarations: []ast.Declaration{{Name: "sel", HasInit: false}},
			Main: ast.Function{Name: "main", Body: []ast.Statement{
				ast.SwitchStmt{
					Selector:   ast.IdentExpr{Name: "sel"},
					DefaultIdx: -1,
					Cases: []ast.SwitchCase{{Value: 0, Body: []ast.Statement{
						ast.SwitchStmt{
							Selector:   ast.IdentExpr{Name: "sel"},
							DefaultIdx: -1,
							Cases:      []ast.SwitchCase{{Value: 0, Body: []ast.Statement{ast.BreakStmt{}}}},
						},
						ast.BreakStmt{},
					}}},
				},
			}},
		}
		ctx, err := hw.Infer(p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		prog, err := resolve.Resolve(res)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if len(res.Switches) != 2 {
			t.Fatalf("expected two switch records, got %d", len(res.Switches))
		}
		inner, outer := res.Switches[1], res.Switches[0]
		if len(res.SwitchBreaks) != 2 {
			t.Fatalf("expected two pending switch breaks, got %d", len(res.SwitchBreaks))
		}

		innerBreak := prog.Code[res.SwitchBreaks[0].InstructionIndex].Inst
		if innerBreak.Jadr != inner.EndAddr {
			t.Errorf("inner break jadr = %d, want the inner switch's end %d (not the outer's %d)",
				innerBreak.Jadr, inner.EndAddr, outer.EndAddr)
		}
		outerBreak := prog.Code[res.SwitchBreaks[1].InstructionIndex].Inst
		if outerBreak.Jadr != outer.EndAddr {
			t.Errorf("outer break jadr = %d, want the outer switch's end %d", outerBreak.Jadr, outer.EndAddr)
		}
	})

	t.Run("a break whose address falls inside no recorded switch is an error", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{StateCapture: 1}, ":entry")
		breakAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, "")
		exitAddr := prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit")
		prog.Code[exitAddr].Inst.Jadr = exitAddr

		res := &lower.Result{
			Program:      prog,
			SwitchBreaks: []lower.PendingSwitchBreak{{InstructionIndex: breakAddr}},
			BreakTargets: map[int]int{}, ContinueTargets: map[int]int{},
		}

		_, err := resolve.Resolve(res)
		if !errors.Is(err, resolve.ErrBreakOutsideSwitch) {
			t.Errorf("expected ErrBreakOutsideSwitch, got %v", err)
		}
	})
}
