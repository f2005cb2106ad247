// Package hw infers and holds the canonical hardware model (state bits and input wires)
// that a source program maps onto.
package hw

import (
	"fmt"

	"hwsm.dev/compiler/pkg/ast"
)

// StateVariable is a single hardware latch bit driven by the state machine.
type StateVariable struct {
	Name     string // Source identifier
	BitIndex int    // Dense, stable, assigned in source order starting from 0
	Initial  int    // 0 or 1, the latch's value at reset
}

// InputVariable is a single external wire the state machine reads.
type InputVariable struct {
	Name       string // Source identifier
	InputIndex int    // Dense, stable, assigned in source order starting from 0
}

// Context is the immutable-after-construction hardware model for one compilation: once
// built it is read-only, and every downstream stage (pkg/lower, pkg/ssa, pkg/cond,
// pkg/emit) only ever queries it.
type Context struct {
	States []StateVariable
	Inputs []InputVariable

	stateIndex map[string]int // Name -> index into States
	inputIndex map[string]int // Name -> index into Inputs
}

// InitialStateValue is the OR of 'Initial << BitIndex' across every declared state bit.
func (c *Context) InitialStateValue() uint64 {
	var v uint64
	for _, s := range c.States {
		if s.Initial != 0 {
			v |= 1 << uint(s.BitIndex)
		}
	}
	return v
}

// InitialMask is the OR of '1 << BitIndex' across every declared state bit.
func (c *Context) InitialMask() uint64 {
	var m uint64
	for _, s := range c.States {
		m |= 1 << uint(s.BitIndex)
	}
	return m
}

// BitIndex resolves a state variable's name to its bit index.
func (c *Context) BitIndex(name string) (int, bool) {
	idx, ok := c.stateIndex[name]
	if !ok {
		return 0, false
	}
	return c.States[idx].BitIndex, true
}

// IsState reports whether name was inferred to be a hardware state variable.
func (c *Context) IsState(name string) bool {
	_, ok := c.stateIndex[name]
	return ok
}

// InputIndex resolves an input variable's name to its input index.
func (c *Context) InputIndex(name string) (int, bool) {
	idx, ok := c.inputIndex[name]
	if !ok {
		return 0, false
	}
	return c.Inputs[idx].InputIndex, true
}

// IsInput reports whether name was inferred to be a hardware input variable.
func (c *Context) IsInput(name string) bool {
	_, ok := c.inputIndex[name]
	return ok
}

// NumInputs is the width of the conditional-LUT's input vector.
func (c *Context) NumInputs() int { return len(c.Inputs) }

// Infer walks the top-level declarations of root and builds a Context, classifying each
// declaration as hardware state, hardware input, or ignored, following the convention
// below: an initializer of literal 0 or 1 marks state; no initializer marks
// an input; anything else is ignored (neither readable as an input nor state-capturable).
//
// Fails with an error wrapping ErrNoMain if root has no 'main' function.
func Infer(root ast.Program) (*Context, error) {
	if root.Main.Name != "main" {
		return nil, fmt.Errorf("inferring hardware context: %w", ErrNoMain)
	}

	ctx := &Context{stateIndex: map[string]int{}, inputIndex: map[string]int{}}

	for _, decl := range root.Declarations {
		switch {
		case decl.HasInit && (decl.Init == 0 || decl.Init == 1):
			ctx.stateIndex[decl.Name] = len(ctx.States)
			ctx.States = append(ctx.States, StateVariable{
				Name: decl.Name, BitIndex: len(ctx.States), Initial: decl.Init,
			})
		case !decl.HasInit:
			ctx.inputIndex[decl.Name] = len(ctx.Inputs)
			ctx.Inputs = append(ctx.Inputs, InputVariable{
				Name: decl.Name, InputIndex: len(ctx.Inputs),
			})
		default:
			// Unknown top-level declaration (e.g. initialized to neither 0 nor 1): ignored.
		}
	}

	return ctx, nil
}

// ErrNoMain is returned by Infer when the AST carries no 'main' function.
var ErrNoMain = fmt.Errorf("no 'main' function found in program")
