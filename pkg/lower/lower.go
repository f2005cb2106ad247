// Package lower implements the AST-direct lowering engine: a single forward DFS walk over
// the AST that emits mcode.Code records, tracking a loop/switch context stack for
// break/continue and recording pending jumps for the two-pass address resolution
// pkg/resolve performs once the whole instruction stream exists.
package lower

import (
	"errors"
	"fmt"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/mcode"
	"hwsm.dev/compiler/pkg/utils"
)

// SwitchOffsetBits sizes each row of the switch-dispatch table at 2^SwitchOffsetBits
// entries.
const SwitchOffsetBits = 8

// Sentinel error kinds every failure in this package wraps.
var (
	ErrNoMain               = errors.New("no 'main' function found in program")
	ErrUnsupportedConstruct = errors.New("unsupported construct")
	ErrBreakOutsideLoop     = errors.New("break outside of any loop or switch")
	ErrContinueOutsideLoop  = errors.New("continue outside of any loop")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
)

// ContextKind enumerates the three constructs that push a LoopSwitchContext.
type ContextKind int

const (
	KindWhile ContextKind = iota
	KindFor
	KindSwitch
)

// LoopSwitchContext is the frame pushed on entry to a while/for/switch body.
type LoopSwitchContext struct {
	ID             int
	Kind           ContextKind
	ContinueTarget int  // meaningless for KindSwitch
	BreakIsExit    bool // true only for a 'while(1)'/'for(;;)' whose only exit is 'break'
}

// PendingKind enumerates the kinds of deferred jump. Direct forward jumps (if/else skip
// targets) never appear here: the emitter patches them in place the moment the skipped
// region has been emitted, so only jumps whose target depends on an enclosing context
// (break/continue) or on the final program length (exit) stay pending.
type PendingKind int

const (
	PendingBreak PendingKind = iota
	PendingContinue
	PendingExit
)

// PendingJump is a jump emitted before its target address is known, carrying enough
// information for pkg/resolve to compute that address once lowering is complete.
type PendingJump struct {
	InstructionIndex int
	Kind             PendingKind
	ContextID        int // meaningful for Break/Continue only
}

// PendingSwitchBreak is a break emitted inside a switch body; its target is resolved by
// pkg/resolve's interval scan over SwitchInfo, not by context ID, since a switch's end
// address is only known once the switch's closing marker has been emitted (resolver
// Pass B).
type PendingSwitchBreak struct {
	InstructionIndex int
}

// SwitchInfo is the per-source-switch bookkeeping record.
type SwitchInfo struct {
	SwitchID   int
	StartAddr  int
	EndAddr    int // -1 until the switch's closing marker has been emitted
	InputIndex int
}

// Result bundles everything pkg/resolve and pkg/emit need: the (still address-placeholder)
// Program, the deferred jump records, the switch bookkeeping, the populated dispatch table,
// the conditional-LUT builder (with its entries not yet evaluated; Finalize is called by
// the caller once HardwareContext/lowering are both done), and any non-fatal warnings.
type Result struct {
	Program         *mcode.Program
	Dispatch        [][]int // [switchID][2^SwitchOffsetBits]int
	Switches        []*SwitchInfo
	Pending         []PendingJump
	SwitchBreaks    []PendingSwitchBreak
	BreakTargets    map[int]int // context ID -> resolved break address
	ContinueTargets map[int]int // context ID -> resolved continue address
	Cond            *cond.Builder
	Warnings        []string
}

type lowerer struct {
	hw   *hw.Context
	prog *mcode.Program
	cond *cond.Builder

	ctxStack utils.Stack[LoopSwitchContext]
	nextID   int

	pending      []PendingJump
	switchBreaks []PendingSwitchBreak
	switches     []*SwitchInfo
	dispatch     [][]int

	breakTargets    map[int]int
	continueTargets map[int]int

	timers   int
	warnings []string
}

// Lower runs the AST-direct lowering engine over program's 'main' body and returns a Result
// ready for pkg/resolve. hwctx must already have been built by pkg/hw.Infer over the same
// program.
func Lower(hwctx *hw.Context, program ast.Program) (*Result, error) {
	if program.Main.Name != "main" {
		return nil, fmt.Errorf("lowering program: %w", ErrNoMain)
	}

	l := &lowerer{
		hw:              hwctx,
		prog:            &mcode.Program{},
		cond:            cond.NewBuilder(hwctx),
		breakTargets:    map[int]int{},
		continueTargets: map[int]int{},
	}

	l.prog.Append(mcode.MCode{
		State:        hwctx.InitialStateValue(),
		Mask:         hwctx.InitialMask(),
		StateCapture: 1,
	}, ":entry")

	if err := l.lowerStatements(program.Main.Body); err != nil {
		return nil, err
	}

	if l.ctxStack.Count() != 0 {
		return nil, fmt.Errorf("internal error: loop/switch context stack not empty at end of lowering")
	}

	exitAddr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit")
	l.prog.Code[exitAddr].Inst.Jadr = exitAddr

	return &Result{
		Program:         l.prog,
		Dispatch:        l.dispatch,
		Switches:        l.switches,
		Pending:         l.pending,
		SwitchBreaks:    l.switchBreaks,
		BreakTargets:    l.breakTargets,
		ContinueTargets: l.continueTargets,
		Cond:            l.cond,
		Warnings:        l.warnings,
	}, nil
}

func (l *lowerer) newID() int {
	id := l.nextID
	l.nextID++
	return id
}

// lowerStatements lowers a Block's or body's list of statements in order.
func (l *lowerer) lowerStatements(stmts []ast.Statement) error {
	for _, s := range stmts {
		if err := l.lowerStatement(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *lowerer) lowerStatement(s ast.Statement) error {
	switch t := s.(type) {
	case ast.Block:
		return l.lowerStatements(t.Statements)
	case ast.AssignStmt:
		return l.lowerAssign(t)
	case ast.ExprStmt:
		return l.lowerExprStmt(t)
	case ast.IfStmt:
		return l.lowerIf(t)
	case ast.WhileStmt:
		return l.lowerWhile(t)
	case ast.ForStmt:
		return l.lowerFor(t)
	case ast.SwitchStmt:
		return l.lowerSwitch(t)
	case ast.BreakStmt:
		return l.lowerBreak()
	case ast.ContinueStmt:
		return l.lowerContinue()
	default:
		return fmt.Errorf("lowering statement: %w: %T", ErrUnsupportedConstruct, s)
	}
}

// lowerAssign handles both a single assignment and a comma chain of assignments:
// the final 'state' is the cumulative assignment pattern, left to
// right, and 'mask' is the OR of every individual bit's mask.
func (l *lowerer) lowerAssign(s ast.AssignStmt) error {
	var state, mask uint64

	for _, a := range s.Assigns {
		bit, ok := l.hw.BitIndex(a.Name)
		if !ok {
			return fmt.Errorf("lowering assignment to %q: %w: not a declared hardware state variable", a.Name, ErrUnsupportedConstruct)
		}
		lit, ok := a.Rhs.(ast.LiteralExpr)
		if !ok || (lit.Value != 0 && lit.Value != 1) {
			return fmt.Errorf("lowering assignment to %q: %w: state assignment must be a literal 0 or 1", a.Name, ErrUnsupportedConstruct)
		}

		bitMask := uint64(1) << uint(bit)
		mask |= bitMask
		if lit.Value == 1 {
			state |= bitMask
		} else {
			state &^= bitMask
		}
	}

	l.prog.Append(mcode.MCode{State: state, Mask: mask, StateCapture: 1}, ":assign")
	return nil
}

// lowerExprStmt handles a bare expression used as a statement: an expression
// statement that is neither an assignment nor a comma-of-assignments produces no code, but
// is recorded as a warning rather than silently dropped.
func (l *lowerer) lowerExprStmt(s ast.ExprStmt) error {
	l.warnings = append(l.warnings, fmt.Sprintf("expression statement has no effect and was dropped: %T", s.Expr))
	return nil
}

// conditionFields resolves the hybrid varSel policy for a branch/loop
// condition, returning the MCode fields a condition-evaluation instruction must carry.
func (l *lowerer) conditionFields(expr ast.Expression) (mcode.MCode, error) {
	varSel, inputIdx, isInput, err := l.cond.Assign(expr)
	if err != nil {
		return mcode.MCode{}, fmt.Errorf("lowering condition: %w", err)
	}

	inst := mcode.MCode{Branch: 1, VarSel: varSel}
	if isInput {
		// varSel == 0 and the condition is a bare input read: the input index is carried
		// in SwitchAdr, the same field a switch's selector instruction uses to name which
		// hardware input feeds the dispatch mux.
		inst.SwitchAdr = inputIdx
	}
	return inst, nil
}

// isInfiniteTrue reports whether expr is the literal condition '1', the special case that
// makes a while/for an infinite loop whose only exit is 'break'.
func isInfiniteTrue(expr ast.Expression) bool {
	_, isConst, val, trivial := ast.IsTrivial(expr)
	return trivial && isConst && val == 1
}

func (l *lowerer) lowerIf(s ast.IfStmt) error {
	header, err := l.conditionFields(s.Condition)
	if err != nil {
		return err
	}
	headerAddr := l.prog.Append(header, ":if")

	if err := l.lowerStatements(s.Then); err != nil {
		return err
	}

	if len(s.Else) == 0 {
		// No else: the condition's false branch falls through to right after 'then'.
		l.prog.Code[headerAddr].Inst.Jadr = l.prog.Len()
		return nil
	}

	// An else is present: skip it unconditionally once 'then' completes, and the
	// condition's false branch goes to the else's first instruction.
	forcedAddr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":endif")
	l.prog.Code[headerAddr].Inst.Jadr = l.prog.Len()

	if err := l.lowerStatements(s.Else); err != nil {
		return err
	}
	l.prog.Code[forcedAddr].Inst.Jadr = l.prog.Len()
	return nil
}

func (l *lowerer) lowerWhile(s ast.WhileStmt) error {
	header, err := l.conditionFields(s.Condition)
	if err != nil {
		return err
	}
	hAddr := l.prog.Append(header, ":while")

	infinite := isInfiniteTrue(s.Condition)
	id := l.newID()
	l.continueTargets[id] = hAddr
	l.ctxStack.Push(LoopSwitchContext{ID: id, Kind: KindWhile, ContinueTarget: hAddr, BreakIsExit: infinite})

	if err := l.lowerStatements(s.Body); err != nil {
		return err
	}

	backAddr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":while-back")
	l.prog.Code[backAddr].Inst.Jadr = hAddr

	afterLoop := l.prog.Len()
	ctx, _ := l.ctxStack.Pop()

	if ctx.BreakIsExit {
		l.pending = append(l.pending, PendingJump{InstructionIndex: hAddr, Kind: PendingExit})
	} else {
		l.breakTargets[ctx.ID] = afterLoop
		l.prog.Code[hAddr].Inst.Jadr = afterLoop
	}
	return nil
}

func (l *lowerer) lowerFor(s ast.ForStmt) error {
	if s.Init != nil {
		if err := l.lowerStatement(s.Init); err != nil {
			return err
		}
	}

	timerIdx := l.timers
	l.timers++

	header, err := l.conditionFields(s.Condition)
	if err != nil {
		return err
	}
	header.TimerSel = timerIdx
	header.TimerLd = 1
	header.VarOrTimer = 1
	hAddr := l.prog.Append(header, ":for")

	infinite := isInfiniteTrue(s.Condition)
	id := l.newID()
	l.ctxStack.Push(LoopSwitchContext{ID: id, Kind: KindFor, ContinueTarget: -1, BreakIsExit: infinite})

	if err := l.lowerStatements(s.Body); err != nil {
		return err
	}

	// The update runs at the end of the body, right before the back-edge; 'continue'
	// targets its first instruction, which is only known now.
	updateAddr := l.prog.Len()
	l.continueTargets[id] = updateAddr
	if s.Update != nil {
		if err := l.lowerStatement(s.Update); err != nil {
			return err
		}
	}

	backAddr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":for-back")
	l.prog.Code[backAddr].Inst.Jadr = hAddr

	afterLoop := l.prog.Len()
	ctx, _ := l.ctxStack.Pop()

	if ctx.BreakIsExit {
		l.pending = append(l.pending, PendingJump{InstructionIndex: hAddr, Kind: PendingExit})
	} else {
		l.breakTargets[ctx.ID] = afterLoop
		l.prog.Code[hAddr].Inst.Jadr = afterLoop
	}
	return nil
}

func (l *lowerer) lowerSwitch(s ast.SwitchStmt) error {
	ident, ok := s.Selector.(ast.IdentExpr)
	if !ok {
		return fmt.Errorf("lowering switch: %w: selector must be a bare hardware input", ErrUnsupportedConstruct)
	}
	inputIdx, ok := l.hw.InputIndex(ident.Name)
	if !ok {
		return fmt.Errorf("lowering switch: selector %q is not a declared hardware input: %w", ident.Name, ErrUnsupportedConstruct)
	}

	switchID := len(l.switches)
	if switchID >= maxSwitches {
		return fmt.Errorf("lowering switch: %w: more than %d switches in one program", ErrCapacityExceeded, maxSwitches)
	}

	startAddr := l.prog.Append(mcode.MCode{SwitchSel: switchID, SwitchAdr: inputIdx}, ":switch")
	info := &SwitchInfo{SwitchID: switchID, StartAddr: startAddr, EndAddr: -1, InputIndex: inputIdx}
	l.switches = append(l.switches, info)

	l.ctxStack.Push(LoopSwitchContext{ID: l.newID(), Kind: KindSwitch})

	caseAddr := map[int]int{}
	defaultAddr := -1

	for _, c := range s.Cases {
		addr := l.prog.Len()
		if c.IsDefault {
			defaultAddr = addr
		} else {
			if c.Value < 0 || c.Value >= (1<<SwitchOffsetBits) {
				return fmt.Errorf("lowering switch: %w: case value %d out of dispatch-table range", ErrCapacityExceeded, c.Value)
			}
			caseAddr[c.Value] = addr
		}
		if err := l.lowerStatements(c.Body); err != nil {
			return err
		}
	}

	l.prog.Append(mcode.MCode{}, ":endswitch")
	info.EndAddr = l.prog.Len()

	if defaultAddr == -1 {
		defaultAddr = info.EndAddr // unmatched selector values fall through past the switch
	}

	row := make([]int, 1<<SwitchOffsetBits)
	for i := range row {
		row[i] = defaultAddr
	}
	for val, addr := range caseAddr {
		row[val] = addr
	}
	l.dispatch = append(l.dispatch, row)

	l.ctxStack.Pop()
	return nil
}

// maxSwitches bounds the number of switches per program; exceeding it wraps
// ErrCapacityExceeded.
const maxSwitches = 1 << 16

func (l *lowerer) lowerBreak() error {
	ctx, err := l.ctxStack.Top()
	if err != nil {
		return fmt.Errorf("lowering break: %w", ErrBreakOutsideLoop)
	}

	addr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":break")

	if ctx.Kind == KindSwitch {
		l.switchBreaks = append(l.switchBreaks, PendingSwitchBreak{InstructionIndex: addr})
		return nil
	}

	if ctx.BreakIsExit {
		l.pending = append(l.pending, PendingJump{InstructionIndex: addr, Kind: PendingExit})
		return nil
	}

	l.pending = append(l.pending, PendingJump{InstructionIndex: addr, Kind: PendingBreak, ContextID: ctx.ID})
	return nil
}

// lowerContinue binds 'continue' to the innermost enclosing While/For, skipping over any
// intervening Switch frame.
func (l *lowerer) lowerContinue() error {
	target, ok := l.ctxStack.TopWhere(func(c LoopSwitchContext) bool {
		return c.Kind == KindWhile || c.Kind == KindFor
	})
	if !ok {
		return fmt.Errorf("lowering continue: %w", ErrContinueOutsideLoop)
	}

	addr := l.prog.Append(mcode.MCode{ForcedJmp: 1}, ":continue")
	l.pending = append(l.pending, PendingJump{InstructionIndex: addr, Kind: PendingContinue, ContextID: target.ID})
	return nil
}
