// Package ssa implements the alternative CFG+SSA front-end: the
// same AST, built instead into a control-flow graph of basic blocks holding versioned SSA
// instructions with phi nodes at join points. pkg/ssaopt optimizes the result and
// pkg/ssalower translates it into the same mcode.Code stream pkg/lower produces directly.
//
// Because this grammar's control flow is entirely structured (if/while/for/switch, no
// arbitrary gotos), the CFG is reducible by construction, so phi placement is computed
// directly at each construct's known join point rather than through a generic
// dominance-frontier algorithm. For a structured-only source language this loses no
// precision.
package ssa

import (
	"fmt"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/utils"
)

// ----------------------------------------------------------------------------
// Values

// Value is the shared interface for the three SSA value variants.
type Value interface{ isValue() }

// Var names a versioned occurrence of a source identifier.
type Var struct {
	BaseName string
	Version  int
}

// Const is an immediate integer.
type Const struct{ Integer int }

// Temp is a compiler-introduced intermediate with no source name, e.g. the result of a
// binary operator.
type Temp struct{ ID int }

func (Var) isValue()   {}
func (Const) isValue() {}
func (Temp) isValue()  {}

// ----------------------------------------------------------------------------
// Instructions

// Instr is the shared interface for every SSA instruction variant.
type Instr interface{ isInstr() }

// AssignInstr assigns Src to Dest, the basic rename step every new SSA version comes from.
type AssignInstr struct {
	Dest Value
	Src  Value
}

// BinaryOpInstr computes Dest = Lhs Op Rhs.
type BinaryOpInstr struct {
	Dest     Value
	Op       ast.BinaryOp
	Lhs, Rhs Value
}

// UnaryOpInstr computes Dest = Op Rhs.
type UnaryOpInstr struct {
	Dest Value
	Op   ast.UnaryOp
	Rhs  Value
}

// LoadInstr reads a named hardware input or state variable into Dest. This restricted
// grammar has no memory beyond the flat state/input namespace, so Load/Store exist as the
// documented tagged variants but only ever target that namespace.
type LoadInstr struct {
	Dest Value
	Name string
}

// StoreInstr writes Src to a named hardware state variable.
type StoreInstr struct {
	Name string
	Src  Value
}

// CallInstr and ReturnInstr are structurally present in the SSA instruction
// variant list but are never constructed by Build: this grammar allows only a single 'main'
// function with no calls and no return values.
type CallInstr struct {
	Dest Value
	Name string
	Args []Value
}

type ReturnInstr struct{ Value Value }

// BranchInstr is a two-way conditional terminator. CondExpr carries the source-level
// condition expression alongside the SSA value, so pkg/ssalower can run the same hybrid
// varSel policy pkg/cond applies on the AST-direct path.
type BranchInstr struct {
	Cond        Value
	CondExpr    ast.Expression
	True, False *BasicBlock
}

// JumpInstr is an unconditional terminator.
type JumpInstr struct{ Target *BasicBlock }

// SwitchInstr is a multi-way terminator over an integer selector. SelectorName is the
// source identifier feeding the dispatch mux, when the selector is a bare identifier
// (the only form the hardware supports).
type SwitchInstr struct {
	Selector     Value
	SelectorName string
	Cases        map[int]*BasicBlock
	Default      *BasicBlock
}

// PhiInstr merges one value per predecessor block into Dest at a join point.
type PhiInstr struct {
	Dest Value
	Args map[int]Value // predecessor BasicBlock.ID -> incoming value
}

func (AssignInstr) isInstr()   {}
func (BinaryOpInstr) isInstr() {}
func (UnaryOpInstr) isInstr()  {}
func (LoadInstr) isInstr()     {}
func (StoreInstr) isInstr()    {}
func (CallInstr) isInstr()     {}
func (ReturnInstr) isInstr()   {}
func (BranchInstr) isInstr()   {}
func (JumpInstr) isInstr()     {}
func (SwitchInstr) isInstr()   {}
func (PhiInstr) isInstr()      {}

// ----------------------------------------------------------------------------
// Basic blocks and the CFG

// BasicBlock is one node of the CFG.
type BasicBlock struct {
	ID    int
	Label string

	Phis  []*PhiInstr
	Instr []Instr // non-terminator instructions, in order
	Term  Instr   // exactly one of Branch/Jump/Return/Switch; nil while under construction and on the CFG's Exit

	Succs []*BasicBlock
	Preds []*BasicBlock

	IDom        *BasicBlock
	DomFrontier []*BasicBlock
}

func (b *BasicBlock) addSucc(to *BasicBlock) {
	b.Succs = append(b.Succs, to)
	to.Preds = append(to.Preds, b)
}

// CFG is a whole control-flow graph with unique entry/exit blocks.
type CFG struct {
	Blocks []*BasicBlock
	Entry  *BasicBlock
	Exit   *BasicBlock
}

// ----------------------------------------------------------------------------
// Builder

type loopCtx struct {
	header, exit *BasicBlock
	isSwitch     bool
	// breakSnaps records, per break edge into exit, the variable versions live at the break
	// site, so the exit block's phis can reconcile them with the normal loop-exit versions.
	// continueSnaps does the same for continue edges into the loop's header/update block.
	breakSnaps    map[*BasicBlock]map[string]int
	continueSnaps map[*BasicBlock]map[string]int
}

type builder struct {
	hw      *hw.Context
	cfg     *CFG
	current *BasicBlock

	nextBlockID int
	nextTempID  int
	versions    []map[string]int // scope stack, innermost last, with shadowing
	maxVersion  map[string]int

	loops utils.Stack[loopCtx]
}

// Build runs the CFG+SSA construction over program's 'main' body.
func Build(hwctx *hw.Context, program ast.Program) (*CFG, error) {
	b := &builder{
		hw:         hwctx,
		cfg:        &CFG{},
		maxVersion: map[string]int{},
	}
	b.pushScope()

	entry := b.newBlock("entry")
	b.cfg.Entry = entry
	b.current = entry

	if err := b.buildStatements(program.Main.Body); err != nil {
		return nil, err
	}

	exit := b.newBlock("exit")
	b.cfg.Exit = exit
	b.terminateFallthrough(exit)

	b.popScope()
	return b.cfg, nil
}

func (b *builder) newBlock(label string) *BasicBlock {
	blk := &BasicBlock{ID: b.nextBlockID, Label: label}
	b.nextBlockID++
	b.cfg.Blocks = append(b.cfg.Blocks, blk)
	return blk
}

func (b *builder) newTemp() Value {
	v := Temp{ID: b.nextTempID}
	b.nextTempID++
	return v
}

func (b *builder) pushScope() { b.versions = append(b.versions, map[string]int{}) }
func (b *builder) popScope()  { b.versions = b.versions[:len(b.versions)-1] }

// currentVersion implements GetVersion: the top-of-stack scope's version,
// falling back outward; version 0 (the variable's initial/undefined value) if never assigned.
func (b *builder) currentVersion(name string) int {
	for i := len(b.versions) - 1; i >= 0; i-- {
		if v, ok := b.versions[i][name]; ok {
			return v
		}
	}
	return 0
}

func (b *builder) newVersion(name string) int {
	b.maxVersion[name]++
	v := b.maxVersion[name]
	b.versions[len(b.versions)-1][name] = v
	return v
}

// snapshot captures every variable version visible right now, flattened across the whole
// scope stack, for later phi reconciliation at a join point.
func (b *builder) snapshot() map[string]int {
	out := map[string]int{}
	for _, scope := range b.versions {
		for name, v := range scope {
			out[name] = v
		}
	}
	return out
}

func (b *builder) restore(snap map[string]int) {
	b.versions = []map[string]int{snap}
}

// terminateFallthrough sets blk's terminator to an unconditional Jump to target, but only
// if blk does not already have a terminator (e.g. from an internal break/continue/return).
func (b *builder) terminateFallthrough(target *BasicBlock) {
	if b.current.Term == nil {
		b.current.Term = JumpInstr{Target: target}
		b.current.addSucc(target)
	}
}

func (b *builder) buildStatements(stmts []ast.Statement) error {
	for _, s := range stmts {
		if b.current.Term != nil {
			break // statements after break/continue in the same block are unreachable
		}
		if err := b.buildStatement(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) buildStatement(s ast.Statement) error {
	switch t := s.(type) {
	case ast.Block:
		return b.buildStatements(t.Statements)
	case ast.AssignStmt:
		return b.buildAssign(t)
	case ast.ExprStmt:
		return nil // no observable effect; pkg/lower's AST-direct path is the one that warns
	case ast.IfStmt:
		return b.buildIf(t)
	case ast.WhileStmt:
		return b.buildWhile(t)
	case ast.ForStmt:
		return b.buildFor(t)
	case ast.SwitchStmt:
		return b.buildSwitch(t)
	case ast.BreakStmt:
		return b.buildBreak()
	case ast.ContinueStmt:
		return b.buildContinue()
	default:
		return fmt.Errorf("building CFG: unsupported statement %T", s)
	}
}

func (b *builder) buildAssign(s ast.AssignStmt) error {
	for _, a := range s.Assigns {
		val, err := b.valueOf(a.Rhs)
		if err != nil {
			return err
		}
		dest := Var{BaseName: a.Name, Version: b.newVersion(a.Name)}
		b.emit(AssignInstr{Dest: dest, Src: val})
		// The store carries the source value itself, not the versioned name: a constant
		// store stays a constant store whether or not the optimizer ever runs, which is
		// what pkg/ssalower's state-capture folding requires.
		b.emit(StoreInstr{Name: a.Name, Src: val})
	}
	return nil
}

func (b *builder) emit(i Instr) { b.current.Instr = append(b.current.Instr, i) }

// valueOf lowers an expression into an SSA Value, emitting whatever BinaryOp/UnaryOp/Load
// instructions are needed and returning the Temp or Var holding the final result.
func (b *builder) valueOf(expr ast.Expression) (Value, error) {
	switch e := expr.(type) {
	case ast.LiteralExpr:
		return Const{Integer: e.Value}, nil
	case ast.IdentExpr:
		dest := b.newTemp()
		b.emit(LoadInstr{Dest: dest, Name: e.Name})
		return dest, nil
	case ast.UnaryExpr:
		rhs, err := b.valueOf(e.Rhs)
		if err != nil {
			return nil, err
		}
		dest := b.newTemp()
		b.emit(UnaryOpInstr{Dest: dest, Op: e.Op, Rhs: rhs})
		return dest, nil
	case ast.BinaryExpr:
		lhs, err := b.valueOf(e.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := b.valueOf(e.Rhs)
		if err != nil {
			return nil, err
		}
		dest := b.newTemp()
		b.emit(BinaryOpInstr{Dest: dest, Op: e.Op, Lhs: lhs, Rhs: rhs})
		return dest, nil
	default:
		return nil, fmt.Errorf("building CFG: unsupported expression %T", expr)
	}
}

func (b *builder) buildIf(s ast.IfStmt) error {
	cond, err := b.valueOf(s.Condition)
	if err != nil {
		return err
	}
	branchBlock := b.current
	beforeSnap := b.snapshot()

	thenBlock := b.newBlock("if.then")
	b.current = thenBlock
	if err := b.buildStatements(s.Then); err != nil {
		return err
	}
	thenExit := b.current
	thenSnap := b.snapshot()
	thenFalls := thenExit.Term == nil

	var elseBlock *BasicBlock
	elseSnap := beforeSnap
	elseExit := branchBlock
	elseFalls := true // with no else, the branch's false edge reaches join directly
	if len(s.Else) > 0 {
		b.restore(beforeSnap)
		elseBlock = b.newBlock("if.else")
		b.current = elseBlock
		if err := b.buildStatements(s.Else); err != nil {
			return err
		}
		elseExit = b.current
		elseSnap = b.snapshot()
		elseFalls = elseExit.Term == nil
	}

	join := b.newBlock("if.join")

	falseTarget := elseBlock
	if falseTarget == nil {
		falseTarget = join
	}
	branchBlock.Term = BranchInstr{Cond: cond, CondExpr: s.Condition, True: thenBlock, False: falseTarget}
	branchBlock.addSucc(thenBlock)
	branchBlock.addSucc(falseTarget)

	b.current = thenExit
	b.terminateFallthrough(join)
	if elseBlock != nil {
		b.current = elseExit
		b.terminateFallthrough(join)
	}

	// Only a branch that falls off its end reaches join; one ending in break/continue does not.
	joinSnaps := map[*BasicBlock]map[string]int{}
	if thenFalls {
		joinSnaps[thenExit] = thenSnap
	}
	if elseFalls {
		joinSnaps[elseExit] = elseSnap
	}
	if len(joinSnaps) == 0 {
		b.restore(beforeSnap)
	} else {
		b.restore(b.mergePhis(join, joinSnaps))
	}
	b.current = join
	return nil
}

// mergePhis inserts a Phi at join for every name whose version differs across the given
// predecessor snapshots, and returns the merged (post-phi) version map to restore as the
// builder's current scope.
func (b *builder) mergePhis(join *BasicBlock, bySnap map[*BasicBlock]map[string]int) map[string]int {
	names := map[string]bool{}
	for _, snap := range bySnap {
		for name := range snap {
			names[name] = true
		}
	}

	merged := map[string]int{}
	for name := range names {
		var first int
		same := true
		firstSet := false
		for _, snap := range bySnap {
			v := snap[name]
			if !firstSet {
				first, firstSet = v, true
				continue
			}
			if v != first {
				same = false
			}
		}
		if same {
			merged[name] = first
			continue
		}

		version := b.newVersionRaw(name)
		args := map[int]Value{}
		for pred, snap := range bySnap {
			args[pred.ID] = Var{BaseName: name, Version: snap[name]}
		}
		join.Phis = append(join.Phis, &PhiInstr{Dest: Var{BaseName: name, Version: version}, Args: args})
		merged[name] = version
	}
	return merged
}

func (b *builder) newVersionRaw(name string) int {
	b.maxVersion[name]++
	return b.maxVersion[name]
}

func (b *builder) buildWhile(s ast.WhileStmt) error {
	preheader := b.current
	preheaderSnap := b.snapshot()

	header := b.newBlock("while.header")
	b.terminateFallthrough(header)
	b.current = header

	cond, err := b.valueOf(s.Condition)
	if err != nil {
		return err
	}

	body := b.newBlock("while.body")
	exit := b.newBlock("while.exit")

	header.Term = BranchInstr{Cond: cond, CondExpr: s.Condition, True: body, False: exit}
	header.addSucc(body)
	header.addSucc(exit)

	b.loops.Push(loopCtx{
		header: header, exit: exit,
		breakSnaps:    map[*BasicBlock]map[string]int{},
		continueSnaps: map[*BasicBlock]map[string]int{},
	})
	b.current = body
	if err := b.buildStatements(s.Body); err != nil {
		return err
	}
	bodyExit := b.current
	bodySnap := b.snapshot()
	fellThrough := bodyExit.Term == nil
	ctx, _ := b.loops.Pop()

	b.current = bodyExit
	b.terminateFallthrough(header)

	// The header joins the preheader (loop entered for the first time), the body's back-edge
	// (every subsequent iteration, when the body falls off its end) and every continue edge;
	// phis must reconcile them all.
	headerSnaps := map[*BasicBlock]map[string]int{preheader: preheaderSnap}
	if fellThrough {
		headerSnaps[bodyExit] = bodySnap
	}
	for blk, snap := range ctx.continueSnaps {
		headerSnaps[blk] = snap
	}
	finalHeaderSnap := b.mergePhis(header, headerSnaps)

	// The exit joins the header's false edge with every break edge out of the body.
	exitSnaps := map[*BasicBlock]map[string]int{header: finalHeaderSnap}
	for blk, snap := range ctx.breakSnaps {
		exitSnaps[blk] = snap
	}
	b.restore(b.mergePhis(exit, exitSnaps))
	b.current = exit
	return nil
}

func (b *builder) buildFor(s ast.ForStmt) error {
	if s.Init != nil {
		if err := b.buildStatement(s.Init); err != nil {
			return err
		}
	}

	preheader := b.current
	preheaderSnap := b.snapshot()

	header := b.newBlock("for.header")
	b.terminateFallthrough(header)
	b.current = header

	cond, err := b.valueOf(s.Condition)
	if err != nil {
		return err
	}

	body := b.newBlock("for.body")
	exit := b.newBlock("for.exit")
	header.Term = BranchInstr{Cond: cond, CondExpr: s.Condition, True: body, False: exit}
	header.addSucc(body)
	header.addSucc(exit)

	update := b.newBlock("for.update")
	b.loops.Push(loopCtx{
		header: update, exit: exit,
		breakSnaps:    map[*BasicBlock]map[string]int{},
		continueSnaps: map[*BasicBlock]map[string]int{},
	})
	b.current = body
	if err := b.buildStatements(s.Body); err != nil {
		return err
	}
	bodyExit := b.current
	bodySnap := b.snapshot()
	fellThrough := bodyExit.Term == nil
	b.terminateFallthrough(update)
	ctx, _ := b.loops.Pop()

	// The update block joins the body's fall-off edge with every continue edge.
	updateSnaps := map[*BasicBlock]map[string]int{}
	if fellThrough {
		updateSnaps[bodyExit] = bodySnap
	}
	for blk, snap := range ctx.continueSnaps {
		updateSnaps[blk] = snap
	}
	if len(updateSnaps) > 0 {
		b.restore(b.mergePhis(update, updateSnaps))
	}

	b.current = update
	if s.Update != nil {
		if err := b.buildStatement(s.Update); err != nil {
			return err
		}
	}
	updateSnap := b.snapshot()
	b.terminateFallthrough(header)

	finalHeaderSnap := b.mergePhis(header, map[*BasicBlock]map[string]int{
		preheader: preheaderSnap,
		update:    updateSnap,
	})

	exitSnaps := map[*BasicBlock]map[string]int{header: finalHeaderSnap}
	for blk, snap := range ctx.breakSnaps {
		exitSnaps[blk] = snap
	}
	b.restore(b.mergePhis(exit, exitSnaps))
	b.current = exit
	return nil
}

func (b *builder) buildSwitch(s ast.SwitchStmt) error {
	selector, err := b.valueOf(s.Selector)
	if err != nil {
		return err
	}
	selectorName := ""
	if ident, ok := s.Selector.(ast.IdentExpr); ok {
		selectorName = ident.Name
	}

	switchBlock := b.current
	beforeSnap := b.snapshot()

	// Every arm's block exists up front so a case body that does not break falls through
	// into the next arm, exactly like C.
	arms := make([]*BasicBlock, len(s.Cases))
	for i := range s.Cases {
		arms[i] = b.newBlock("switch.case")
	}
	exit := b.newBlock("switch.exit")

	cases := map[int]*BasicBlock{}
	var defaultBlock *BasicBlock
	for i, c := range s.Cases {
		if c.IsDefault {
			defaultBlock = arms[i]
		} else {
			cases[c.Value] = arms[i]
		}
	}

	b.loops.Push(loopCtx{exit: exit, isSwitch: true, breakSnaps: map[*BasicBlock]map[string]int{}})

	exitSnaps := map[*BasicBlock]map[string]int{}
	var fallFrom *BasicBlock // previous arm's last block, when it fell through
	var fallSnap map[string]int
	for i, c := range s.Cases {
		preds := map[*BasicBlock]map[string]int{switchBlock: beforeSnap}
		if fallFrom != nil {
			preds[fallFrom] = fallSnap
		}
		b.restore(b.mergePhis(arms[i], preds))
		b.current = arms[i]
		if err := b.buildStatements(c.Body); err != nil {
			return err
		}

		fallFrom, fallSnap = nil, nil
		if b.current.Term == nil {
			snap := b.snapshot()
			if i+1 < len(s.Cases) {
				fallFrom, fallSnap = b.current, snap
				b.terminateFallthrough(arms[i+1])
			} else {
				exitSnaps[b.current] = snap
				b.terminateFallthrough(exit)
			}
		}
	}

	ctx, _ := b.loops.Pop()
	for blk, snap := range ctx.breakSnaps {
		exitSnaps[blk] = snap
	}

	if defaultBlock == nil {
		defaultBlock = exit
	}

	switchBlock.Term = SwitchInstr{Selector: selector, SelectorName: selectorName, Cases: cases, Default: defaultBlock}
	for _, blk := range cases {
		switchBlock.addSucc(blk)
	}
	if defaultBlock != exit {
		switchBlock.addSucc(defaultBlock)
	} else {
		// Unmatched selector values fall straight past the switch.
		switchBlock.addSucc(exit)
		exitSnaps[switchBlock] = beforeSnap
	}

	if len(exitSnaps) == 0 {
		exitSnaps[switchBlock] = beforeSnap
	}
	b.restore(b.mergePhis(exit, exitSnaps))
	b.current = exit
	return nil
}

func (b *builder) buildBreak() error {
	ctx, err := b.loops.Top()
	if err != nil {
		return fmt.Errorf("building CFG: break outside loop or switch")
	}
	ctx.breakSnaps[b.current] = b.snapshot()
	b.current.Term = JumpInstr{Target: ctx.exit}
	b.current.addSucc(ctx.exit)
	return nil
}

func (b *builder) buildContinue() error {
	c, ok := b.loops.TopWhere(func(c loopCtx) bool { return !c.isSwitch })
	if !ok {
		return fmt.Errorf("building CFG: continue outside loop")
	}
	c.continueSnaps[b.current] = b.snapshot()
	b.current.Term = JumpInstr{Target: c.header}
	b.current.addSucc(c.header)
	return nil
}
