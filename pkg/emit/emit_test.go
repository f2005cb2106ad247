package emit_test

import (
	"bytes"
	"strings"
	"testing"

	"hwsm.dev/compiler/pkg/ast"
	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/emit"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/mcode"
)

func twoStateContext(t *testing.T) *hw.Context {
	t.Helper()
	p := ast.Program{
		Declarations: []ast.Declaration{
			{Name: "idle", HasInit: true, Init: 1},
			{Name: "running", HasInit: true, Init: 0},
		},
		Main: ast.Function{Name: "main"},
	}
	ctx, err := hw.Infer(p)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	return ctx
}

func TestComputeWidths(t *testing.T) {
	ctx := twoStateContext(t)

	t.Run("state and mask width track the number of declared states", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{StateCapture: 1}, "")
		prog.Append(mcode.MCode{ForcedJmp: 1, Jadr: 1}, "")

		w := emit.ComputeWidths(prog, ctx)
		if w.State != 2 || w.Mask != 2 {
			t.Errorf("State=%d Mask=%d, want 2 and 2", w.State, w.Mask)
		}
	})

	t.Run("jadr is fixed at 8 bits once the program exceeds 16 instructions", func(t *testing.T) {
		prog := &mcode.Program{}
		for i := 0; i < 20; i++ {
			prog.Append(mcode.MCode{}, "")
		}
		w := emit.ComputeWidths(prog, ctx)
		if w.Jadr != 8 {
			t.Errorf("Jadr = %d, want 8 for a 20-instruction program", w.Jadr)
		}
	})

	t.Run("a small program gets a tightly computed jadr width", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{}, "")
		prog.Append(mcode.MCode{}, "")
		w := emit.ComputeWidths(prog, ctx)
		if w.Jadr != 1 {
			t.Errorf("Jadr = %d, want 1 for a 2-instruction program", w.Jadr)
		}
	})

	t.Run("a field that is always zero still gets a 1-bit floor", func(t *testing.T) {
		prog := &mcode.Program{}
		prog.Append(mcode.MCode{}, "")
		w := emit.ComputeWidths(prog, ctx)
		if w.VarSel != 1 {
			t.Errorf("VarSel = %d, want 1 (floor)", w.VarSel)
		}
	})
}

func TestWriteMicrocodeImage(t *testing.T) {
	ctx := twoStateContext(t)
	prog := &mcode.Program{}
	prog.Append(mcode.MCode{StateCapture: 1, State: 1, Mask: 3}, ":entry")
	exit := prog.Append(mcode.MCode{ForcedJmp: 1}, ":exit")
	prog.Code[exit].Inst.Jadr = exit

	widths := emit.ComputeWidths(prog, ctx)

	var buf bytes.Buffer
	if err := emit.WriteMicrocodeImage(&buf, prog, widths); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], ":entry") || !strings.Contains(lines[1], ":exit") {
		t.Errorf("expected each line to carry its diagnostic label, got %q", lines)
	}
}

func TestWriteLUTImage(t *testing.T) {
	t.Run("row 0 is always written as the all-zero sentinel row", func(t *testing.T) {
		var buf bytes.Buffer
		if err := emit.WriteLUTImage(&buf, nil, 2); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		if len(lines) != 4 {
			t.Fatalf("expected row 0 only (no entries registered), 2^2 entries, got %d", len(lines))
		}
		for i, l := range lines {
			if l != "0" {
				t.Errorf("expected sentinel entry %d to be 0, got %q", i, l)
			}
		}
	})

	t.Run("writes one row per registered entry, dense by VarSelID", func(t *testing.T) {
		entries := []cond.Entry{
			{VarSelID: 1, TruthTable: []bool{false, true, true, true}},
		}
		var buf bytes.Buffer
		if err := emit.WriteLUTImage(&buf, entries, 2); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		if len(lines) != 8 {
			t.Fatalf("expected rows 0 and 1 of 2^2 entries each, got %d", len(lines))
		}
		if strings.Join(lines[:4], "") != "0000" {
			t.Errorf("expected row 0 to remain the all-zero sentinel, got %q", lines[:4])
		}
		if strings.Join(lines[4:], "") != "0111" {
			t.Errorf("expected row 1 to reflect the registered truth table 0,1,1,1, got %q", lines[4:])
		}
	})
}

func TestWriteDispatchImage(t *testing.T) {
	dispatch := [][]int{{1, 2, 3}}
	var buf bytes.Buffer
	if err := emit.WriteDispatchImage(&buf, dispatch, 4); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (one per dispatch column), got %d", len(lines))
	}
}

func TestWriteParams(t *testing.T) {
	ctx := twoStateContext(t)
	prog := &mcode.Program{}
	prog.Append(mcode.MCode{StateCapture: 1}, "")
	exit := prog.Append(mcode.MCode{ForcedJmp: 1}, "")
	prog.Code[exit].Inst.Jadr = exit
	widths := emit.ComputeWidths(prog, ctx)

	var buf bytes.Buffer
	if err := emit.WriteParams(&buf, widths); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	out := buf.String()
	if !strings.Contains(out, "localparam STATE_WIDTH = 2;") {
		t.Errorf("expected a STATE_WIDTH localparam, got %q", out)
	}
	if !strings.Contains(out, "localparam INSTR_WIDTH = ") {
		t.Errorf("expected an INSTR_WIDTH localparam, got %q", out)
	}
}
