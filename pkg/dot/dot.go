// Package dot renders a pkg/ssa.CFG as Graphviz DOT text for the '--dot' CLI flag. A
// handful of digraph records is plain text generation, no graph library needed.
package dot

import (
	"fmt"
	"sort"
	"strings"

	"hwsm.dev/compiler/pkg/ssa"
)

// Render walks cfg's block list and successor edges and returns Graphviz DOT source. Each
// block is a node labeled with its phis and instructions; a Branch terminator's two outgoing
// edges are labeled 'true'/'false'.
func Render(cfg *ssa.CFG) string {
	var sb strings.Builder
	sb.WriteString("digraph cfg {\n")
	sb.WriteString("\tnode [shape=box, fontname=\"monospace\"];\n")

	blocks := append([]*ssa.BasicBlock(nil), cfg.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	for _, b := range blocks {
		fmt.Fprintf(&sb, "\tb%d [label=%q];\n", b.ID, blockLabel(b))
	}

	for _, b := range blocks {
		switch t := b.Term.(type) {
		case ssa.BranchInstr:
			fmt.Fprintf(&sb, "\tb%d -> b%d [label=\"true\"];\n", b.ID, t.True.ID)
			fmt.Fprintf(&sb, "\tb%d -> b%d [label=\"false\"];\n", b.ID, t.False.ID)
		case ssa.JumpInstr:
			fmt.Fprintf(&sb, "\tb%d -> b%d;\n", b.ID, t.Target.ID)
		case ssa.SwitchInstr:
			values := make([]int, 0, len(t.Cases))
			for v := range t.Cases {
				values = append(values, v)
			}
			sort.Ints(values)
			for _, v := range values {
				fmt.Fprintf(&sb, "\tb%d -> b%d [label=\"case %d\"];\n", b.ID, t.Cases[v].ID, v)
			}
			if t.Default != nil {
				fmt.Fprintf(&sb, "\tb%d -> b%d [label=\"default\"];\n", b.ID, t.Default.ID)
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func blockLabel(b *ssa.BasicBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (b%d)", b.Label, b.ID)
	for _, p := range b.Phis {
		fmt.Fprintf(&sb, "\\lphi %v", p.Dest)
	}
	for _, instr := range b.Instr {
		fmt.Fprintf(&sb, "\\l%s", instrText(instr))
	}
	sb.WriteString("\\l")
	return sb.String()
}

func instrText(instr ssa.Instr) string {
	switch t := instr.(type) {
	case ssa.AssignInstr:
		return fmt.Sprintf("%v = %v", t.Dest, t.Src)
	case ssa.BinaryOpInstr:
		return fmt.Sprintf("%v = %v %s %v", t.Dest, t.Lhs, t.Op, t.Rhs)
	case ssa.UnaryOpInstr:
		return fmt.Sprintf("%v = %s%v", t.Dest, t.Op, t.Rhs)
	case ssa.LoadInstr:
		return fmt.Sprintf("%v = load %s", t.Dest, t.Name)
	case ssa.StoreInstr:
		return fmt.Sprintf("store %s = %v", t.Name, t.Src)
	default:
		return fmt.Sprintf("%T", instr)
	}
}
