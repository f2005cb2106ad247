// Package cond implements the conditional-expression evaluator and lookup-table builder
// for branch and loop conditions: the hybrid varSel assignment policy, and the
// recursive evaluator that compiles an arbitrary boolean expression over hardware inputs
// into one truth-table row.
package cond

import (
	"fmt"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/hw"
)

// Entry is one registered ConditionalExpression.
type Entry struct {
	Expr       ast.Expression
	VarSelID   int
	TruthTable []bool // len == 2^hw.NumInputs()
	Inputs     []int  // dependence mask: the subset of hardware input indices expr reads
}

// Builder assigns varSel identifiers to non-trivial conditions and, once lowering is
// complete, evaluates each registered expression's truth table.
type Builder struct {
	hw      *hw.Context
	entries []Entry
	next    int // next varSel to allocate, starts at 1
}

// NewBuilder returns a Builder bound to hw, which supplies the input-variable universe
// every truth table is evaluated over.
func NewBuilder(hwctx *hw.Context) *Builder {
	return &Builder{hw: hwctx, next: 1}
}

// Assign implements the hybrid varSel policy:
//   - a literal 0 or 1 condition needs no LUT entry (varSel=0, condition is unconditional)
//   - a bare identifier naming a hardware input needs no LUT entry (varSel=0, hardware reads
//     that input directly; inputIndex is returned so the caller can wire it into SwitchAdr)
//   - anything else allocates the next varSel and registers a ConditionalExpression entry
//     whose truth table is filled in later by Finalize.
func (b *Builder) Assign(expr ast.Expression) (varSel int, inputIndex int, isInputRead bool, err error) {
	ident, isConst, constVal, trivial := ast.IsTrivial(expr)

	if trivial && isConst {
		_ = constVal // literal 0/1: hardware treats it as unconditional, no LUT row needed
		return 0, 0, false, nil
	}
	if trivial {
		idx, ok := b.hw.InputIndex(ident)
		if !ok {
			return 0, 0, false, fmt.Errorf("condition references unknown input %q", ident)
		}
		return 0, idx, true, nil
	}

	id := b.next
	b.next++
	b.entries = append(b.entries, Entry{Expr: expr, VarSelID: id})
	return id, 0, false, nil
}

// Finalize evaluates every registered expression against all 2^NumInputs combinations of
// hardware input values and returns the completed entry list, sorted by VarSelID (dense
// from 1, matching allocation order already).
func (b *Builder) Finalize() ([]Entry, error) {
	n := b.hw.NumInputs()
	combos := 1 << uint(n)

	for i := range b.entries {
		entry := &b.entries[i]
		entry.Inputs = inputIndices(b.hw, ast.InputsOf(entry.Expr))
		entry.TruthTable = make([]bool, combos)
		for v := 0; v < combos; v++ {
			val, err := Eval(entry.Expr, b.hw, v)
			if err != nil {
				return nil, fmt.Errorf("evaluating condition for varSel=%d: %w", entry.VarSelID, err)
			}
			entry.TruthTable[v] = val
		}
	}

	return b.entries, nil
}

// MaxVarSel is the greatest VarSel assigned so far.
func (b *Builder) MaxVarSel() int { return b.next - 1 }

func inputIndices(hwctx *hw.Context, names []string) []int {
	out := make([]int, 0, len(names))
	for _, name := range names {
		if idx, ok := hwctx.InputIndex(name); ok {
			out = append(out, idx)
		}
	}
	return out
}

// Eval recursively evaluates expr with every identifier substituted for the bit of
// inputVector at that identifier's input index (bit i == (inputVector>>i)&1), coercing
// the result to boolean at the root.
func Eval(expr ast.Expression, hwctx *hw.Context, inputVector int) (bool, error) {
	v, err := evalInt(expr, hwctx, inputVector)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func evalInt(expr ast.Expression, hwctx *hw.Context, vec int) (int, error) {
	switch e := expr.(type) {
	case ast.LiteralExpr:
		return e.Value, nil

	case ast.IdentExpr:
		idx, ok := hwctx.InputIndex(e.Name)
		if !ok {
			return 0, fmt.Errorf("identifier %q is not a hardware input", e.Name)
		}
		return (vec >> uint(idx)) & 1, nil

	case ast.UnaryExpr:
		rhs, err := evalInt(e.Rhs, hwctx, vec)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case ast.Not:
			return boolToInt(rhs == 0), nil
		case ast.BitNot:
			return ^rhs, nil
		default:
			return 0, fmt.Errorf("unsupported unary operator %q", e.Op)
		}

	case ast.BinaryExpr:
		lhs, err := evalInt(e.Lhs, hwctx, vec)
		if err != nil {
			return 0, err
		}
		rhs, err := evalInt(e.Rhs, hwctx, vec)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case ast.LogAnd:
			return boolToInt(lhs != 0 && rhs != 0), nil
		case ast.LogOr:
			return boolToInt(lhs != 0 || rhs != 0), nil
		case ast.Eq:
			return boolToInt(lhs == rhs), nil
		case ast.Ne:
			return boolToInt(lhs != rhs), nil
		case ast.Lt:
			return boolToInt(lhs < rhs), nil
		case ast.Le:
			return boolToInt(lhs <= rhs), nil
		case ast.Gt:
			return boolToInt(lhs > rhs), nil
		case ast.Ge:
			return boolToInt(lhs >= rhs), nil
		case ast.BitAnd:
			return lhs & rhs, nil
		case ast.BitOr:
			return lhs | rhs, nil
		case ast.BitXor:
			return lhs ^ rhs, nil
		case ast.Add:
			return lhs + rhs, nil
		case ast.Sub:
			return lhs - rhs, nil
		case ast.Mul:
			return lhs * rhs, nil
		case ast.Div:
			if rhs == 0 {
				return 0, nil // division by zero yields 0, matching the optimizer's folding rule
			}
			return lhs / rhs, nil
		default:
			return 0, fmt.Errorf("unsupported binary operator %q", e.Op)
		}

	default:
		return 0, fmt.Errorf("unrecognized expression node %T", expr)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
