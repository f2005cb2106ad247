// Package hdl renders the Verilog module/testbench/Makefile family the HDL flags call
// for, from a resolved mcode.Program, its hw.Context, and the emit.Widths the bit-packer
// computed. The generated module is a thin wrapper that $readmemh's the three pkg/emit
// memory images into ROMs sized by those widths; it does not re-implement the state
// machine's behavior, which already lives in the emitted images. Rendering goes through
// text/template, which covers this kind of fill-in-the-blanks code generation outright.
package hdl

import (
	"io"
	"text/template"

	"hwsm.dev/compiler/pkg/emit"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/mcode"
)

// Params bundles everything the three templates below need.
type Params struct {
	ModuleName   string
	Widths       emit.Widths
	NumStates    int
	NumInputs    int
	NumSwitches  int
	NumInstr     int
	SwitchBits   int
	MicrocodeMem string // relative path to the <base>_smdata.mem file
	DispatchMem  string // relative path to the <base>_switchdata.mem file
	LUTMem       string // relative path to the <base>_vardata.mem file
}

// BuildParams derives Params from the resolved program, hardware context, and computed
// widths, naming the three companion memory images after base.
func BuildParams(base string, prog *mcode.Program, hwctx *hw.Context, widths emit.Widths, numSwitches, switchBits int) Params {
	return Params{
		ModuleName:   base,
		Widths:       widths,
		NumStates:    len(hwctx.States),
		NumInputs:    len(hwctx.Inputs),
		NumSwitches:  numSwitches,
		NumInstr:     prog.Len(),
		SwitchBits:   switchBits,
		MicrocodeMem: base + "_smdata.mem",
		DispatchMem:  base + "_switchdata.mem",
		LUTMem:       base + "_vardata.mem",
	}
}

var funcMap = template.FuncMap{
	"sub":  func(a, b int) int { return a - b },
	"pow2": func(n int) int { return 1 << uint(n) },
}

var moduleTmpl = template.Must(template.New("module").Funcs(funcMap).Parse(`// Generated state-machine engine for {{.ModuleName}}. Do not edit by hand.
module {{.ModuleName}} (
    input  wire clk,
    input  wire rst_n,
    input  wire [{{sub .NumInputs 1}}:0] inputs,
    output reg  [{{sub .NumStates 1}}:0] state
);

    localparam ADDR_WIDTH = {{.Widths.Jadr}};
    localparam INSTR_WIDTH = {{.Widths.WordWidth}};
    localparam NUM_INSTR  = {{.NumInstr}};

    reg [INSTR_WIDTH-1:0] microcode [0:NUM_INSTR-1];
    reg [ADDR_WIDTH-1:0] pc;

    initial begin
        $readmemh("{{.MicrocodeMem}}", microcode);
        pc = 0;
{{- if .NumStates}}
        state = 0;
{{- end}}
    end
{{if .NumSwitches}}
    localparam SWITCH_OFFSET_BITS = {{.SwitchBits}};
    reg [ADDR_WIDTH-1:0] switch_table [0:{{.NumSwitches}}*(1<<SWITCH_OFFSET_BITS)-1];
    initial $readmemh("{{.DispatchMem}}", switch_table);
{{- end}}
{{if .Widths.VarSel}}
    localparam LUT_ROWS = {{pow2 .Widths.VarSel}};
    reg cond_lut [0:LUT_ROWS*(1<<{{.NumInputs}})-1];
    initial $readmemh("{{.LUTMem}}", cond_lut);
{{- end}}

    // The actual fetch/decode/execute sequencing is fixed by the target state-machine
    // engine this module wraps; this skeleton only wires the memory images it consumes.
    always @(posedge clk or negedge rst_n) begin
        if (!rst_n) pc <= 0;
        else pc <= pc; // engine-specific next-address logic goes here
    end

endmodule
`))

var testbenchTmpl = template.Must(template.New("testbench").Funcs(funcMap).Parse(`// Generated testbench for {{.ModuleName}}. Do not edit by hand.
` + "`" + `timescale 1ns/1ps
module {{.ModuleName}}_tb;
    reg clk = 0;
    reg rst_n = 0;
    reg [{{sub .NumInputs 1}}:0] inputs = 0;
    wire [{{sub .NumStates 1}}:0] state;

    {{.ModuleName}} dut (.clk(clk), .rst_n(rst_n), .inputs(inputs), .state(state));

    always #5 clk = ~clk;

    initial begin
        $dumpfile("{{.ModuleName}}_tb.vcd");
        $dumpvars(0, {{.ModuleName}}_tb);

        rst_n = 0;
        #20 rst_n = 1;
        #200 $finish;
    end
endmodule
`))

var makefileTmpl = template.Must(template.New("makefile").Funcs(funcMap).Parse(`# Generated Makefile for {{.ModuleName}}. Do not edit by hand.
IVERILOG ?= iverilog
VVP      ?= vvp

all: sim

sim: {{.ModuleName}}_tb.vvp
	$(VVP) {{.ModuleName}}_tb.vvp

{{.ModuleName}}_tb.vvp: {{.ModuleName}}.v {{.ModuleName}}_tb.v
	$(IVERILOG) -o $@ {{.ModuleName}}_tb.v {{.ModuleName}}.v

clean:
	rm -f {{.ModuleName}}_tb.vvp {{.ModuleName}}_tb.vcd
`))

// WriteModule renders the Verilog module skeleton for '--verilog'/'--all-hdl'.
func WriteModule(w io.Writer, p Params) error { return moduleTmpl.Execute(w, p) }

// WriteTestbench renders the testbench skeleton for '--testbench'/'--all-hdl'.
func WriteTestbench(w io.Writer, p Params) error { return testbenchTmpl.Execute(w, p) }

// WriteMakefile renders the iverilog-based Makefile driving the testbench, for '--all-hdl'.
func WriteMakefile(w io.Writer, p Params) error { return makefileTmpl.Execute(w, p) }
