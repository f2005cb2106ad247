package lower_test

import (
	"errors"
	"testing"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/lower"
)

func build(decls []ast.Declaration, body []ast.Statement) (*hw.Context, ast.Program) {
	p := ast.Program{Declarations: decls, Main: ast.Function{Name: "main", Body: body}}
	ctx, err := hw.Infer(p)
	if err != nil {
		panic(err)
	}
	return ctx, p
}

func TestLowerAssign(t *testing.T) {
	decls := []ast.Declaration{{Name: "idle", HasInit: true, Init: 1}, {Name: "running", HasInit: true, Init: 0}}

	t.Run("a single assignment captures one bit", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "running", Rhs: ast.LiteralExpr{Value: 1}}}},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		// instruction 0 is the entry capture, instruction 1 is the assignment, the last is :exit
		assign := res.Program.Code[1].Inst
		if assign.StateCapture != 1 || assign.Mask != 0b10 || assign.State != 0b10 {
			t.Errorf("unexpected assign instruction: %+v", assign)
		}
	})

	t.Run("a comma chain folds into one cumulative state/mask pattern", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.AssignStmt{Assigns: []ast.SingleAssign{
				{Name: "idle", Rhs: ast.LiteralExpr{Value: 0}},
				{Name: "running", Rhs: ast.LiteralExpr{Value: 1}},
			}},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		assign := res.Program.Code[1].Inst
		if assign.Mask != 0b11 || assign.State != 0b10 {
			t.Errorf("unexpected cumulative assign instruction: %+v", assign)
		}
	})

	t.Run("assignment to an undeclared state variable is an error", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "ghost", Rhs: ast.LiteralExpr{Value: 1}}}},
		})
		if _, err := lower.Lower(ctx, p); !errors.Is(err, lower.ErrUnsupportedConstruct) {
			t.Errorf("expected ErrUnsupportedConstruct, got %v", err)
		}
	})
}

func TestLowerExprStmtDropsWithWarning(t *testing.T) {
	ctx, p := build(nil, []ast.Statement{
		ast.ExprStmt{Expr: ast.IdentExpr{Name: "anything"}},
	})
	res, err := lower.Lower(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(res.Warnings))
	}
	// entry + exit only: the expression statement produced no code.
	if res.Program.Len() != 2 {
		t.Errorf("expected 2 instructions (entry, exit), got %d", res.Program.Len())
	}
}

func TestLowerIf(t *testing.T) {
	decls := []ast.Declaration{{Name: "btn", HasInit: false}, {Name: "lit", HasInit: true, Init: 1}}

	t.Run("without an else, the false branch falls through", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.IfStmt{
				Condition: ast.IdentExpr{Name: "btn"},
				Then:      []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 0}}}}},
			},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		header := res.Program.Code[1].Inst
		if header.Branch != 1 {
			t.Fatalf("expected the if header to branch")
		}
		if header.Jadr != res.Program.Len()-1 {
			t.Errorf("expected the false branch to fall through to :exit, got jadr=%d len=%d", header.Jadr, res.Program.Len())
		}
	})

	t.Run("with an else, 'then' skips over it unconditionally", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.IfStmt{
				Condition: ast.IdentExpr{Name: "btn"},
				Then:      []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 0}}}}},
				Else:      []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 1}}}}},
			},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		// layout: [0]=entry [1]=if-header [2]=then-assign [3]=forced-skip [4]=else-assign [5]=exit
		header := res.Program.Code[1].Inst
		forced := res.Program.Code[3].Inst
		if header.Jadr != 4 {
			t.Errorf("expected the if header's false branch to target the else body (4), got %d", header.Jadr)
		}
		if forced.ForcedJmp != 1 || forced.Jadr != 5 {
			t.Errorf("expected 'then' to forcibly skip to after the else body (5), got %+v", forced)
		}
	})
}

func TestLowerWhile(t *testing.T) {
	decls := []ast.Declaration{{Name: "btn", HasInit: false}, {Name: "lit", HasInit: true, Init: 0}}

	t.Run("a bounded while loops back to its own condition and falls through on exit", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.WhileStmt{
				Condition: ast.IdentExpr{Name: "btn"},
				Body:      []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 1}}}}},
			},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		// [0]=entry [1]=while-header [2]=body [3]=back-edge [4]=exit
		backEdge := res.Program.Code[3].Inst
		if backEdge.ForcedJmp != 1 || backEdge.Jadr != 1 {
			t.Errorf("expected the back-edge to jump to the while header (1), got %+v", backEdge)
		}
		header := res.Program.Code[1].Inst
		if header.Jadr != 4 {
			t.Errorf("expected the header's false branch to fall through past the loop (4), got %d", header.Jadr)
		}
	})

	t.Run("'while(1)' only exits through 'break', resolved as an exit jump", func(t *testing.T) {
		ctx, p := build(decls, []ast.Statement{
			ast.WhileStmt{
				Condition: ast.LiteralExpr{Value: 1},
				Body: []ast.Statement{
					ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 1}}}},
					ast.BreakStmt{},
				},
			},
		})
		res, err := lower.Lower(ctx, p)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		// One pending exit for the 'break' itself, one for the header's own false-branch
		// target (an infinite loop's condition check has no other address to fall through to).
		if len(res.Pending) != 2 {
			t.Fatalf("expected 2 pending exit jumps, got %+v", res.Pending)
		}
		for _, pj := range res.Pending {
			if pj.Kind != lower.PendingExit {
				t.Errorf("expected every pending jump to be an exit jump, got %+v", pj)
			}
		}
	})
}

func TestLowerBreakContinueOutsideLoop(t *testing.T) {
	t.Run("break outside any loop or switch is an error", func(t *testing.T) {
		ctx, p := build(nil, []ast.Statement{ast.BreakStmt{}})
		if _, err := lower.Lower(ctx, p); !errors.Is(err, lower.ErrBreakOutsideLoop) {
			t.Errorf("expected ErrBreakOutsideLoop, got %v", err)
		}
	})

	t.Run("continue outside any loop is an error", func(t *testing.T) {
		ctx, p := build(nil, []ast.Statement{ast.ContinueStmt{}})
		if _, err := lower.Lower(ctx, p); !errors.Is(err, lower.ErrContinueOutsideLoop) {
			t.Errorf("expected ErrContinueOutsideLoop, got %v", err)
		}
	})
}

func TestLowerContinueSkipsEnclosingSwitch(t *testing.T) {
	decls := []ast.Declaration{{Name: "sel", HasInit: false}, {Name: "lit", HasInit: true, Init: 0}}
	ctx, p := build(decls, []ast.Statement{
		ast.ForStmt{
			Condition: ast.LiteralExpr{Value: 1},
			Body: []ast.Statement{
				ast.SwitchStmt{
					Selector:   ast.IdentExpr{Name: "sel"},
					DefaultIdx: -1,
					Cases: []ast.SwitchCase{
						{Value: 0, Body: []ast.Statement{ast.ContinueStmt{}}},
					},
				},
			},
		},
	})

	res, err := lower.Lower(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	found := false
	for _, pj := range res.Pending {
		if pj.Kind == lower.PendingContinue {
			found = true
		}
	}
	if !found {
		t.Error("expected 'continue' inside a switch inside a for to register a PendingContinue, not be swallowed by the switch frame")
	}
}

func TestLowerSwitchDispatchTable(t *testing.T) {
	decls := []ast.Declaration{{Name: "sel", HasInit: false}, {Name: "lit", HasInit: true, Init: 0}}
	ctx, p := build(decls, []ast.Statement{
		ast.SwitchStmt{
			Selector: ast.IdentExpr{Name: "sel"},
			Cases: []ast.SwitchCase{
				{Value: 0, Body: []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 1}}}}}},
				{Value: 2, Body: []ast.Statement{ast.BreakStmt{}}},
				{IsDefault: true, Body: []ast.Statement{ast.AssignStmt{Assigns: []ast.SingleAssign{{Name: "lit", Rhs: ast.LiteralExpr{Value: 0}}}}}},
			},
			DefaultIdx: 2,
		},
	})

	res, err := lower.Lower(ctx, p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(res.Dispatch) != 1 {
		t.Fatalf("expected a single dispatch row, got %d", len(res.Dispatch))
	}
	row := res.Dispatch[0]
	if len(row) != 1<<lower.SwitchOffsetBits {
		t.Fatalf("expected a dispatch row of 2^%d entries, got %d", lower.SwitchOffsetBits, len(row))
	}

	if len(res.SwitchBreaks) != 1 {
		t.Errorf("expected the 'break' in case 2 to register as a PendingSwitchBreak, got %d", len(res.SwitchBreaks))
	}

	// Every unnamed selector value should fall to the default case's address, not case 0's.
	if row[0] == row[1] {
		t.Errorf("case value 1 was never declared and should fall to default, not alias case 0")
	}
}

func TestLowerCapacityExceeded(t *testing.T) {
	decls := []ast.Declaration{{Name: "sel", HasInit: false}}
	ctx, p := build(decls, []ast.Statement{
		ast.SwitchStmt{
			Selector:   ast.IdentExpr{Name: "sel"},
			DefaultIdx: -1,
			Cases:      []ast.SwitchCase{{Value: 1 << lower.SwitchOffsetBits, Body: nil}},
		},
	})
	if _, err := lower.Lower(ctx, p); !errors.Is(err, lower.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded for a case value outside dispatch range, got %v", err)
	}
}

func TestLowerNoMain(t *testing.T) {
	p := ast.Program{Main: ast.Function{Name: "not_main"}}
	ctx := &hw.Context{}
	if _, err := lower.Lower(ctx, p); !errors.Is(err, lower.ErrNoMain) {
		t.Errorf("expected ErrNoMain, got %v", err)
	}
}
