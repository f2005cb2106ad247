// Package ssalower implements the CFG-to-microcode lowering back-end of the SSA path: it
// linearizes an (optionally optimized) pkg/ssa.CFG into the same mcode.Code stream
// pkg/lower produces directly from the AST, in three phases (a block-layout and
// address pre-pass, per-instruction translation, and a final range-validation pass) so
// every Jadr is known by construction rather than deferred to pkg/resolve.
package ssalower

import (
	"fmt"
	"sort"

	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/lower"
	"hwsm.dev/compiler/pkg/mcode"
	"hwsm.dev/compiler/pkg/ssa"
)

// Result bundles the fully address-resolved Program with the switch-dispatch rows this
// front-end populated, one per SwitchInstr in block-layout order.
type Result struct {
	Program  *mcode.Program
	Dispatch [][]int
}

// Lower translates cfg into a Program whose addresses are already fully resolved: unlike
// pkg/lower's AST-direct path, every block's address is known before any instruction is
// emitted, so there is no PendingJump bookkeeping on this front-end. Branch conditions run
// through condb, the same hybrid varSel policy the AST-direct path uses.
func Lower(hwctx *hw.Context, cfg *ssa.CFG, condb *cond.Builder) (*Result, error) {
	order := layout(cfg)

	// Phase 1: decide, for each block, how many mcode instructions it will need (1, or 2
	// when a Branch's True-successor does not immediately follow in layout order and so
	// needs an explicit trailing jump), and from that assign every block a start address.
	extraJump := make(map[int]bool, len(order))
	for i, b := range order {
		if br, ok := b.Term.(ssa.BranchInstr); ok {
			var next *ssa.BasicBlock
			if i+1 < len(order) {
				next = order[i+1]
			}
			if br.True != next {
				extraJump[b.ID] = true
			}
		}
	}

	addr := make(map[int]int, len(order))
	cursor := 1 // address 0 is reserved for the reset-state-capture instruction
	for _, b := range order {
		if b == cfg.Exit {
			continue // Exit is always empty and unterminated; see Phase 2's handling below
		}
		addr[b.ID] = cursor
		cursor++
		if extraJump[b.ID] {
			cursor++
		}
	}
	exitAddr := cursor
	addr[cfg.Exit.ID] = exitAddr // every Jump into the CFG's Exit targets the trailing self-loop

	// Phase 2: translate each block's stores and terminator into mcode, now that every
	// address is known. Address 0 is always the reset-state-capture instruction; cfg.Entry
	// is then translated exactly like any other block (a straight-line program with no
	// control flow keeps its whole body inside cfg.Entry, so it must still be folded).
	prog := &mcode.Program{}
	prog.Append(mcode.MCode{
		State:        hwctx.InitialStateValue(),
		Mask:         hwctx.InitialMask(),
		StateCapture: 1,
	}, ":entry")

	var dispatch [][]int

	for _, b := range order {
		if b == cfg.Exit {
			continue // stands for the fixed trailing self-loop, not a block of its own
		}
		inst, err := translateBody(b, hwctx)
		if err != nil {
			return nil, err
		}

		switch t := b.Term.(type) {
		case ssa.BranchInstr:
			fields, err := translateBranch(t, condb)
			if err != nil {
				return nil, err
			}
			inst.Branch = fields.Branch
			inst.VarSel = fields.VarSel
			inst.SwitchAdr = fields.SwitchAdr
			// The branch is taken when the condition is false; the true path is the
			// fall-through, with an explicit jump appended when layout broke adjacency.
			inst.Jadr = addr[t.False.ID]
			prog.Append(inst, b.Label)
			if extraJump[b.ID] {
				prog.Append(mcode.MCode{ForcedJmp: 1, Jadr: addr[t.True.ID]}, b.Label+".jmp")
			}

		case ssa.JumpInstr:
			target := addr[t.Target.ID]
			if target != addr[b.ID]+1 {
				inst.ForcedJmp = 1
				inst.Jadr = target
			}
			prog.Append(inst, b.Label)

		case ssa.ReturnInstr:
			// The grammar's single main never returns a value; leaving it is halting.
			inst.ForcedJmp = 1
			inst.Jadr = exitAddr
			prog.Append(inst, b.Label)

		case ssa.SwitchInstr:
			row, fields, err := translateSwitch(t, hwctx, len(dispatch), addr)
			if err != nil {
				return nil, err
			}
			dispatch = append(dispatch, row)
			inst.SwitchSel = fields.SwitchSel
			inst.SwitchAdr = fields.SwitchAdr
			prog.Append(inst, b.Label)

		default:
			return nil, fmt.Errorf("lowering CFG block %q: missing terminator", b.Label)
		}
	}

	selfLoop := prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit")
	prog.Code[selfLoop].Inst.Jadr = selfLoop
	if selfLoop != exitAddr {
		return nil, fmt.Errorf("internal error: exit address mismatch (layout predicted %d, got %d)", exitAddr, selfLoop)
	}

	// Phase 3: range validation, mirroring pkg/mcode.Program.CheckInvariants' jump checks.
	for i, c := range prog.Code {
		if (c.Inst.Branch == 1 || c.Inst.ForcedJmp == 1) && (c.Inst.Jadr < 0 || c.Inst.Jadr >= prog.Len()) {
			return nil, fmt.Errorf("lowering CFG: instruction %d has out-of-range jadr %d", i, c.Inst.Jadr)
		}
		if c.Inst.VarSel > condb.MaxVarSel() {
			return nil, fmt.Errorf("lowering CFG: instruction %d has out-of-range varSel %d", i, c.Inst.VarSel)
		}
	}

	return &Result{Program: prog, Dispatch: dispatch}, nil
}

// translateBody folds every Store to a hardware state variable inside b into one cumulative
// state/mask pattern, exactly like pkg/lower's comma-assignment handling. A nonzero constant
// sets the bit: the latch is a boolean and the optimizer may have folded an arithmetic
// expression into the source value.
func translateBody(b *ssa.BasicBlock, hwctx *hw.Context) (mcode.MCode, error) {
	var state, mask uint64

	for _, instr := range b.Instr {
		store, ok := instr.(ssa.StoreInstr)
		if !ok {
			continue
		}
		bit, ok := hwctx.BitIndex(store.Name)
		if !ok {
			continue // writes to a non-state name carry no hardware effect
		}
		c, ok := store.Src.(ssa.Const)
		if !ok {
			return mcode.MCode{}, fmt.Errorf("lowering CFG: state write to %q must resolve to a constant", store.Name)
		}
		bitMask := uint64(1) << uint(bit)
		mask |= bitMask
		if c.Integer != 0 {
			state |= bitMask
		} else {
			state &^= bitMask
		}
	}

	if mask == 0 {
		return mcode.MCode{}, nil
	}
	return mcode.MCode{State: state, Mask: mask, StateCapture: 1}, nil
}

// branchFields is the subset of MCode a Branch terminator contributes, independent of
// which block it folds into.
type branchFields struct {
	Branch    int
	VarSel    int
	SwitchAdr int
}

// translateBranch classifies a Branch's condition with the same hybrid policy the AST-direct
// path uses, through the shared cond.Builder: a literal 0/1 or a bare hardware input costs no
// LUT row; anything else registers a fresh conditional-LUT entry and carries its varSel.
func translateBranch(br ssa.BranchInstr, condb *cond.Builder) (branchFields, error) {
	if br.CondExpr == nil {
		return branchFields{}, fmt.Errorf("lowering CFG: branch carries no source condition")
	}
	varSel, inputIdx, isInput, err := condb.Assign(br.CondExpr)
	if err != nil {
		return branchFields{}, fmt.Errorf("lowering CFG branch condition: %w", err)
	}
	fields := branchFields{Branch: 1, VarSel: varSel}
	if isInput {
		fields.SwitchAdr = inputIdx
	}
	return fields, nil
}

// switchFields is the subset of MCode a Switch terminator contributes.
type switchFields struct {
	SwitchSel int
	SwitchAdr int
}

// translateSwitch builds one switch-dispatch row from the terminator's case blocks, every
// unnamed selector value falling to the default target, and returns the instruction fields
// naming the row and the hardware input feeding the dispatch mux.
func translateSwitch(sw ssa.SwitchInstr, hwctx *hw.Context, switchID int, addr map[int]int) ([]int, switchFields, error) {
	if sw.SelectorName == "" {
		return nil, switchFields{}, fmt.Errorf("lowering CFG: switch selector must be a bare hardware input")
	}
	inputIdx, ok := hwctx.InputIndex(sw.SelectorName)
	if !ok {
		return nil, switchFields{}, fmt.Errorf("lowering CFG: switch selector %q is not a declared hardware input", sw.SelectorName)
	}

	row := make([]int, 1<<lower.SwitchOffsetBits)
	for i := range row {
		row[i] = addr[sw.Default.ID]
	}
	for val, blk := range sw.Cases {
		if val < 0 || val >= len(row) {
			return nil, switchFields{}, fmt.Errorf("lowering CFG: case value %d out of dispatch-table range", val)
		}
		row[val] = addr[blk.ID]
	}

	return row, switchFields{SwitchSel: switchID, SwitchAdr: inputIdx}, nil
}

// layout linearizes cfg's blocks with a depth-first walk that always visits a Branch's True
// successor immediately, so most Branch instructions fall through to their True successor and
// need no extra unconditional jump.
func layout(cfg *ssa.CFG) []*ssa.BasicBlock {
	visited := map[int]bool{}
	var order []*ssa.BasicBlock

	var visit func(b *ssa.BasicBlock)
	visit = func(b *ssa.BasicBlock) {
		if b == nil || visited[b.ID] {
			return
		}
		visited[b.ID] = true
		order = append(order, b)

		switch t := b.Term.(type) {
		case ssa.BranchInstr:
			visit(t.True)
			visit(t.False)
		case ssa.JumpInstr:
			visit(t.Target)
		case ssa.SwitchInstr:
			values := make([]int, 0, len(t.Cases))
			for v := range t.Cases {
				values = append(values, v)
			}
			sort.Ints(values)
			for _, v := range values {
				visit(t.Cases[v])
			}
			visit(t.Default)
		}
	}

	visit(cfg.Entry)
	visit(cfg.Exit)
	for _, b := range cfg.Blocks {
		visit(b) // defensive: pick up anything unreachable from Entry, deterministically by ID
	}
	return order
}
