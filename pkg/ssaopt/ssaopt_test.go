package ssaopt_test

import (
	"testing"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/ssa"
	"hwsm.dev/compiler/pkg/ssaopt"
)

func TestOptimizePropagatesConstantsAndRemovesDeadAssigns(t *testing.T) {
	x1 := ssa.Var{BaseName: "x", Version: 1}
	tmp0 := ssa.Temp{ID: 0}

	entry := &ssa.BasicBlock{
		ID: 0,
		Instr: []ssa.Instr{
			ssa.AssignInstr{Dest: x1, Src: ssa.Const{Integer: 5}},
			ssa.StoreInstr{Name: "x", Src: x1},
			ssa.BinaryOpInstr{Dest: tmp0, Op: ast.BitAnd, Lhs: x1, Rhs: ssa.Const{Integer: 1}},
			ssa.StoreInstr{Name: "y", Src: tmp0},
		},
	}
	exit := &ssa.BasicBlock{ID: 1}
	entry.Term = ssa.JumpInstr{Target: exit}

	cfg := &ssa.CFG{Blocks: []*ssa.BasicBlock{entry, exit}, Entry: entry, Exit: exit}

	stats := ssaopt.Optimize(cfg)
	if stats.Rounds < 2 {
		t.Errorf("expected at least 2 rounds to reach a fixed point, got %d", stats.Rounds)
	}
	if stats.Constants == 0 {
		t.Errorf("expected the constant assignment to x to be recorded, got %+v", stats)
	}
	if stats.Dead == 0 {
		t.Errorf("expected the dead constant assign to be tallied, got %+v", stats)
	}

	for _, instr := range entry.Instr {
		if a, ok := instr.(ssa.AssignInstr); ok {
			t.Errorf("expected the dead constant assign to x to be eliminated, still have %#v", a)
		}
	}

	var stores int
	for _, instr := range entry.Instr {
		if s, ok := instr.(ssa.StoreInstr); ok {
			stores++
			if s.Name == "x" {
				if c, ok := s.Src.(ssa.Const); !ok || c.Integer != 5 {
					t.Errorf("expected the store of x to have its constant propagated, got %#v", s.Src)
				}
			}
		}
	}
	if stores != 2 {
		t.Errorf("expected both state stores to survive, found %d", stores)
	}
}

func TestOptimizeNeverRemovesStoreOrCall(t *testing.T) {
	unusedCallDest := ssa.Temp{ID: 7}

	entry := &ssa.BasicBlock{
		ID: 0,
		Instr: []ssa.Instr{
			ssa.StoreInstr{Name: "x", Src: ssa.Const{Integer: 1}},
			ssa.CallInstr{Dest: unusedCallDest, Name: "f", Args: []ssa.Value{ssa.Const{Integer: 1}}},
		},
	}
	entry.Term = ssa.ReturnInstr{Value: ssa.Const{Integer: 0}}
	cfg := &ssa.CFG{Blocks: []*ssa.BasicBlock{entry}, Entry: entry, Exit: entry}

	ssaopt.Optimize(cfg)

	var hasStore, hasCall bool
	for _, instr := range entry.Instr {
		switch instr.(type) {
		case ssa.StoreInstr:
			hasStore = true
		case ssa.CallInstr:
			hasCall = true
		}
	}
	if !hasStore {
		t.Error("expected the state store to survive even though nothing reads it back")
	}
	if !hasCall {
		t.Error("expected the call to survive even though its result is unused")
	}
}

func TestOptimizeFoldsArithmetic(t *testing.T) {
	tmp0 := ssa.Temp{ID: 0}
	x1 := ssa.Var{BaseName: "x", Version: 1}

	entry := &ssa.BasicBlock{
		ID: 0,
		Instr: []ssa.Instr{
			ssa.BinaryOpInstr{Dest: tmp0, Op: ast.Add, Lhs: ssa.Const{Integer: 2}, Rhs: ssa.Const{Integer: 3}},
			ssa.AssignInstr{Dest: x1, Src: tmp0},
			ssa.StoreInstr{Name: "LED0", Src: x1},
		},
	}
	exit := &ssa.BasicBlock{ID: 1}
	entry.Term = ssa.JumpInstr{Target: exit}
	cfg := &ssa.CFG{Blocks: []*ssa.BasicBlock{entry, exit}, Entry: entry, Exit: exit}

	stats := ssaopt.Optimize(cfg)
	if stats.Constants == 0 {
		t.Errorf("expected the 2+3 fold to be recorded as a constant event, got %+v", stats)
	}

	var store ssa.StoreInstr
	var haveStore bool
	for _, instr := range entry.Instr {
		switch instr.(type) {
		case ssa.BinaryOpInstr, ssa.AssignInstr:
			t.Errorf("expected the folded temporary chain to be eliminated, still have %#v", instr)
		case ssa.StoreInstr:
			store, haveStore = instr.(ssa.StoreInstr), true
		}
	}
	if !haveStore {
		t.Fatal("expected the state store to survive")
	}
	if c, ok := store.Src.(ssa.Const); !ok || c.Integer != 5 {
		t.Errorf("expected the store source to fold to the constant 5, got %#v", store.Src)
	}

	t.Run("division by zero folds to 0 instead of faulting", func(t *testing.T) {
		d := ssa.Temp{ID: 9}
		blk := &ssa.BasicBlock{
			ID: 0,
			Instr: []ssa.Instr{
				ssa.BinaryOpInstr{Dest: d, Op: ast.Div, Lhs: ssa.Const{Integer: 4}, Rhs: ssa.Const{Integer: 0}},
				ssa.StoreInstr{Name: "LED0", Src: d},
			},
			Term: ssa.ReturnInstr{Value: ssa.Const{Integer: 0}},
		}
		c := &ssa.CFG{Blocks: []*ssa.BasicBlock{blk}, Entry: blk, Exit: blk}
		ssaopt.Optimize(c)
		for _, instr := range blk.Instr {
			if s, ok := instr.(ssa.StoreInstr); ok {
				if v, ok := s.Src.(ssa.Const); !ok || v.Integer != 0 {
					t.Errorf("expected the division by zero to fold to 0, got %#v", s.Src)
				}
			}
		}
	})
}

func TestOptimizeConvergesWithNoChanges(t *testing.T) {
	entry := &ssa.BasicBlock{
		ID:   0,
		Term: ssa.ReturnInstr{Value: ssa.Const{Integer: 0}},
	}
	cfg := &ssa.CFG{Blocks: []*ssa.BasicBlock{entry}, Entry: entry, Exit: entry}

	if stats := ssaopt.Optimize(cfg); stats.Rounds != 1 {
		t.Errorf("expected a single no-op round for an already-optimal CFG, got %d", stats.Rounds)
	}
}
