// Package ssaopt implements the SSA optimizer: constant propagation,
// copy propagation, and dead-code elimination, run to a fixed point over a pkg/ssa.CFG.
// Per the invariant spelled out there, it never removes an instruction that writes a
// hardware state bit (any ssa.StoreInstr is always kept, used or not).
package ssaopt

import (
	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/ssa"
)

// Stats summarizes what the optimizer did across every round, for the '--debug' trace; the
// stdout statistics block does not include it.
type Stats struct {
	Rounds    int // fixed-point iterations, 1 means the first round already found nothing
	Constants int // values proven constant (folded arithmetic included)
	Copies    int // values proven to be copies of another value
	Dead      int // instructions eliminated as dead
}

// Optimize rewrites cfg in place, iterating constant propagation, copy propagation and dead
// code elimination until no round changes anything, and returns what it did.
func Optimize(cfg *ssa.CFG) Stats {
	var stats Stats
	counted := map[ssa.Value]bool{}
	for {
		stats.Rounds++
		changed := false
		if propagate(cfg, &stats, counted) {
			changed = true
		}
		if eliminateDead(cfg, &stats) {
			changed = true
		}
		if !changed {
			return stats
		}
	}
}

// propagate implements constant and copy propagation together: it builds a substitution map
// from every AssignInstr whose source is itself a Const or another value, folds every
// BinaryOp/UnaryOp whose operands are all Const, chases each entry to a fixed definition,
// and rewrites every instruction's value operands through that map. The defining instruction
// is left in place; eliminateDead removes it once nothing references its Dest.
func propagate(cfg *ssa.CFG, stats *Stats, counted map[ssa.Value]bool) bool {
	subst := map[ssa.Value]ssa.Value{}
	record := func(dest, src ssa.Value) {
		if _, exists := subst[dest]; exists {
			return
		}
		subst[dest] = src
		if counted[dest] {
			return // already tallied in an earlier round; the map is rebuilt every time
		}
		counted[dest] = true
		if _, isConst := src.(ssa.Const); isConst {
			stats.Constants++
		} else {
			stats.Copies++
		}
	}

	for _, b := range cfg.Blocks {
		for _, instr := range b.Instr {
			switch t := instr.(type) {
			case ssa.AssignInstr:
				record(t.Dest, t.Src)
			case ssa.BinaryOpInstr:
				if folded, ok := foldBinary(t.Op, t.Lhs, t.Rhs); ok {
					record(t.Dest, folded)
				}
			case ssa.UnaryOpInstr:
				if folded, ok := foldUnary(t.Op, t.Rhs); ok {
					record(t.Dest, folded)
				}
			}
		}
		for _, p := range b.Phis {
			// A phi whose every argument is the same value after resolution is itself a
			// copy and can be substituted away, same as an AssignInstr copy.
			if v, uniform := uniformArg(p.Args); uniform {
				record(p.Dest, v)
			}
		}
	}

	resolve := func(v ssa.Value) ssa.Value {
		seen := map[ssa.Value]bool{}
		for {
			if seen[v] {
				return v // substitution cycle guard; leave as-is
			}
			seen[v] = true
			next, ok := subst[v]
			if !ok || next == v {
				return v
			}
			v = next
		}
	}

	changed := false
	rewrite := func(v ssa.Value) ssa.Value {
		r := resolve(v)
		if r != v {
			changed = true
		}
		return r
	}

	for _, b := range cfg.Blocks {
		for i, instr := range b.Instr {
			b.Instr[i] = rewriteInstr(instr, rewrite)
		}
		for _, p := range b.Phis {
			for pred, v := range p.Args {
				p.Args[pred] = rewrite(v)
			}
		}
		b.Term = rewriteInstr(b.Term, rewrite)
	}

	return changed
}

// foldBinary evaluates op over two Const operands. Only the arithmetic operators are folded;
// division by zero yields 0 rather than faulting the compiler.
func foldBinary(op ast.BinaryOp, lhs, rhs ssa.Value) (ssa.Value, bool) {
	l, lok := lhs.(ssa.Const)
	r, rok := rhs.(ssa.Const)
	if !lok || !rok {
		return nil, false
	}
	switch op {
	case ast.Add:
		return ssa.Const{Integer: l.Integer + r.Integer}, true
	case ast.Sub:
		return ssa.Const{Integer: l.Integer - r.Integer}, true
	case ast.Mul:
		return ssa.Const{Integer: l.Integer * r.Integer}, true
	case ast.Div:
		if r.Integer == 0 {
			return ssa.Const{Integer: 0}, true
		}
		return ssa.Const{Integer: l.Integer / r.Integer}, true
	default:
		return nil, false
	}
}

func foldUnary(op ast.UnaryOp, rhs ssa.Value) (ssa.Value, bool) {
	r, ok := rhs.(ssa.Const)
	if !ok {
		return nil, false
	}
	switch op {
	case ast.Not:
		if r.Integer == 0 {
			return ssa.Const{Integer: 1}, true
		}
		return ssa.Const{Integer: 0}, true
	case ast.BitNot:
		return ssa.Const{Integer: ^r.Integer}, true
	default:
		return nil, false
	}
}

func uniformArg(args map[int]ssa.Value) (ssa.Value, bool) {
	var first ssa.Value
	set := false
	for _, v := range args {
		if !set {
			first, set = v, true
			continue
		}
		if v != first {
			return nil, false
		}
	}
	return first, set
}

// rewriteInstr returns a copy of instr with every Value-typed operand passed through f.
func rewriteInstr(instr ssa.Instr, f func(ssa.Value) ssa.Value) ssa.Instr {
	switch t := instr.(type) {
	case nil:
		return nil
	case ssa.AssignInstr:
		t.Src = f(t.Src)
		return t
	case ssa.BinaryOpInstr:
		t.Lhs, t.Rhs = f(t.Lhs), f(t.Rhs)
		return t
	case ssa.UnaryOpInstr:
		t.Rhs = f(t.Rhs)
		return t
	case ssa.StoreInstr:
		t.Src = f(t.Src)
		return t
	case ssa.CallInstr:
		for i, a := range t.Args {
			t.Args[i] = f(a)
		}
		return t
	case ssa.ReturnInstr:
		t.Value = f(t.Value)
		return t
	case ssa.BranchInstr:
		t.Cond = f(t.Cond)
		return t
	case ssa.SwitchInstr:
		t.Selector = f(t.Selector)
		return t
	default:
		return instr // LoadInstr has no Value-typed operand to rewrite; JumpInstr has none
	}
}

// eliminateDead removes every non-terminator instruction whose Dest is never read, anywhere
// in the CFG, except ssa.StoreInstr (which always writes a hardware state bit and is kept
// unconditionally) and ssa.CallInstr (kept for any side effect a call might have, though this
// grammar never actually constructs one).
func eliminateDead(cfg *ssa.CFG, stats *Stats) bool {
	used := map[ssa.Value]bool{}
	mark := func(v ssa.Value) { used[v] = true }

	for _, b := range cfg.Blocks {
		for _, instr := range b.Instr {
			markUses(instr, mark)
		}
		for _, p := range b.Phis {
			for _, v := range p.Args {
				mark(v)
			}
		}
		markUses(b.Term, mark)
	}

	changed := false
	for _, b := range cfg.Blocks {
		kept := b.Instr[:0]
		for _, instr := range b.Instr {
			if isDeletable(instr) && !destUsed(instr, used) {
				changed = true
				stats.Dead++
				continue
			}
			kept = append(kept, instr)
		}
		b.Instr = kept
	}

	return changed
}

func isDeletable(instr ssa.Instr) bool {
	switch instr.(type) {
	case ssa.AssignInstr, ssa.BinaryOpInstr, ssa.UnaryOpInstr, ssa.LoadInstr:
		return true
	default:
		return false
	}
}

func destUsed(instr ssa.Instr, used map[ssa.Value]bool) bool {
	switch t := instr.(type) {
	case ssa.AssignInstr:
		return used[t.Dest]
	case ssa.BinaryOpInstr:
		return used[t.Dest]
	case ssa.UnaryOpInstr:
		return used[t.Dest]
	case ssa.LoadInstr:
		return used[t.Dest]
	default:
		return true
	}
}

// markUses calls mark on every Value-typed operand instr reads (not its Dest).
func markUses(instr ssa.Instr, mark func(ssa.Value)) {
	switch t := instr.(type) {
	case nil:
	case ssa.AssignInstr:
		mark(t.Src)
	case ssa.BinaryOpInstr:
		mark(t.Lhs)
		mark(t.Rhs)
	case ssa.UnaryOpInstr:
		mark(t.Rhs)
	case ssa.StoreInstr:
		mark(t.Src)
	case ssa.CallInstr:
		for _, a := range t.Args {
			mark(a)
		}
	case ssa.ReturnInstr:
		mark(t.Value)
	case ssa.BranchInstr:
		mark(t.Cond)
	case ssa.SwitchInstr:
		mark(t.Selector)
	case ssa.LoadInstr, ssa.JumpInstr:
		// no Value-typed operand to read
	}
}
