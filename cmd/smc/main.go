package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teris-io/cli"

	"hwsm.dev/compiler/pkg/cond"
	"hwsm.dev/compiler/pkg/dot"
	"hwsm.dev/compiler/pkg/emit"
	"hwsm.dev/compiler/pkg/hdl"
	"hwsm.dev/compiler/pkg/hw"
	"hwsm.dev/compiler/pkg/lower"
	"hwsm.dev/compiler/pkg/mcode"
	"hwsm.dev/compiler/pkg/parse"
	"hwsm.dev/compiler/pkg/report"
	"hwsm.dev/compiler/pkg/resolve"
	"hwsm.dev/compiler/pkg/ssa"
	"hwsm.dev/compiler/pkg/ssalower"
	"hwsm.dev/compiler/pkg/ssaopt"
)

var Description = strings.ReplaceAll(`
The Smc Compiler lowers a restricted C-like state machine description into a fixed-format
microcode instruction stream plus the binary memory images (microcode ROM, conditional-LUT,
switch-dispatch table) a fixed hardware state-machine engine loads at reset.
`, "\n", " ")

var SmCompiler = cli.New(Description).
	WithArg(cli.NewArg("source", "The source (restricted C) file to be compiled")).
	WithOption(cli.NewOption("dot", "Renders the CFG as Graphviz DOT text to '<base>.dot'").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("hardware", "Prints the inferred hardware (state/input) table").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("microcode-ssa", "Lowers through the CFG+SSA front-end instead of the AST-direct one").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("microcode-hs", "Lowers through the AST-direct front-end (default)").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("opt", "Runs the SSA optimizer; only meaningful with --microcode-ssa").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("verilog", "Emits the Verilog module skeleton to '<base>.v'").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("testbench", "Emits the testbench skeleton to '<base>_tb.v'").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("all-hdl", "Emits the full Verilog/testbench/Makefile family").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("debug", "Verbose trace to stderr, colorized and structure-dumped").
		WithType(cli.TypeBool)).
	WithAction(Handler)

func Handler(args []string, options map[string]string) int {
	if len(args) < 1 {
		fmt.Printf("ERROR: Not enough arguments provided, use --help\n")
		return -1
	}
	source := args[0]

	_, useSSA := options["microcode-ssa"]
	_, useHS := options["microcode-hs"]
	if useSSA && useHS {
		fmt.Printf("ERROR: --microcode-ssa and --microcode-hs are mutually exclusive\n")
		return -1
	}

	dbg := report.Debugger{W: os.Stderr}
	if _, enabled := options["debug"]; enabled {
		dbg.Enabled = true
	}

	expanded, err := parse.NewPreprocessor().Expand(source)
	if err != nil {
		fmt.Printf("ERROR: Unable to complete 'preprocessing' pass: %s\n", err)
		return -1
	}
	dbg.Tracef("expanded %s to %d bytes", source, len(expanded))

	parser := parse.NewParser(strings.NewReader(expanded))
	program, err := parser.Parse()
	if err != nil {
		fmt.Printf("ERROR: Unable to complete 'parsing' pass: %s\n", err)
		return -1
	}

	hwctx, err := hw.Infer(program)
	if err != nil {
		fmt.Printf("ERROR: Unable to infer hardware context: %s\n", err)
		return -1
	}
	if _, enabled := options["hardware"]; enabled {
		// Printed up front so the hardware wiring is visible even when a later pass fails;
		// the standard end-of-run report repeats it alongside the microcode table.
		report.WriteHardwareTable(os.Stdout, hwctx)
	}

	var prog *mcode.Program
	var cfg *ssa.CFG
	var dispatch [][]int
	var condEntries []cond.Entry
	var lutRows int
	var warnings []string

	if useSSA {
		cfg, err = ssa.Build(hwctx, program)
		if err != nil {
			fmt.Printf("ERROR: Unable to complete 'ssa' pass: %s\n", err)
			return -1
		}
		if _, enabled := options["opt"]; enabled {
			stats := ssaopt.Optimize(cfg)
			dbg.Tracef("ssa optimizer: %d rounds, %d constants, %d copies, %d dead instructions",
				stats.Rounds, stats.Constants, stats.Copies, stats.Dead)
		}

		condb := cond.NewBuilder(hwctx)
		ssaRes, err := ssalower.Lower(hwctx, cfg, condb)
		if err != nil {
			fmt.Printf("ERROR: Unable to complete 'ssa lowering' pass: %s\n", err)
			return -1
		}
		prog, dispatch = ssaRes.Program, ssaRes.Dispatch

		condEntries, err = condb.Finalize()
		if err != nil {
			fmt.Printf("ERROR: Unable to finalize conditional-LUT entries: %s\n", err)
			return -1
		}
		lutRows = condb.MaxVarSel() + 1
	} else {
		lowRes, err := lower.Lower(hwctx, program)
		if err != nil {
			fmt.Printf("ERROR: Unable to complete 'lowering' pass: %s\n", err)
			return -1
		}
		dbg.DumpLowerResult(lowRes)

		prog, err = resolve.Resolve(lowRes)
		if err != nil {
			fmt.Printf("ERROR: Unable to complete 'resolve' pass: %s\n", err)
			return -1
		}
		dispatch = lowRes.Dispatch
		warnings = lowRes.Warnings

		condEntries, err = lowRes.Cond.Finalize()
		if err != nil {
			fmt.Printf("ERROR: Unable to finalize conditional-LUT entries: %s\n", err)
			return -1
		}
		lutRows = lowRes.Cond.MaxVarSel() + 1
	}
	dbg.DumpCondEntries(condEntries)

	if err := prog.CheckInvariants(lutRows); err != nil {
		fmt.Printf("ERROR: Compiled program failed invariant checks: %s\n", err)
		return -1
	}

	widths := emit.ComputeWidths(prog, hwctx)
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	if err := writeFile(base+"_smdata.mem", func(w *os.File) error {
		return emit.WriteMicrocodeImage(w, prog, widths)
	}); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		return -1
	}
	if err := writeFile(base+"_switchdata.mem", func(w *os.File) error {
		return emit.WriteDispatchImage(w, dispatch, widths.Jadr)
	}); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		return -1
	}
	if err := writeFile(base+"_vardata.mem", func(w *os.File) error {
		return emit.WriteLUTImage(w, condEntries, hwctx.NumInputs())
	}); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		return -1
	}
	if err := writeFile(base+"_params.vh", func(w *os.File) error {
		return emit.WriteParams(w, widths)
	}); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		return -1
	}

	if _, enabled := options["dot"]; enabled {
		if cfg == nil {
			cfg, err = ssa.Build(hwctx, program)
			if err != nil {
				fmt.Printf("ERROR: Unable to build CFG for --dot: %s\n", err)
				return -1
			}
		}
		if err := writeFile(base+".dot", func(w *os.File) error {
			_, werr := w.WriteString(dot.Render(cfg))
			return werr
		}); err != nil {
			fmt.Printf("ERROR: %s\n", err)
			return -1
		}
	}

	_, emitVerilog := options["verilog"]
	_, emitTestbench := options["testbench"]
	_, emitAllHDL := options["all-hdl"]
	if emitVerilog || emitTestbench || emitAllHDL {
		params := hdl.BuildParams(base, prog, hwctx, widths, len(dispatch), lower.SwitchOffsetBits)

		if emitVerilog || emitAllHDL {
			if err := writeFile(base+".v", func(w *os.File) error { return hdl.WriteModule(w, params) }); err != nil {
				fmt.Printf("ERROR: %s\n", err)
				return -1
			}
		}
		if emitTestbench || emitAllHDL {
			if err := writeFile(base+"_tb.v", func(w *os.File) error { return hdl.WriteTestbench(w, params) }); err != nil {
				fmt.Printf("ERROR: %s\n", err)
				return -1
			}
		}
		if emitAllHDL {
			if err := writeFile(base+".mk", func(w *os.File) error { return hdl.WriteMakefile(w, params) }); err != nil {
				fmt.Printf("ERROR: %s\n", err)
				return -1
			}
		}
	}

	report.WriteMicrocodeTable(os.Stdout, prog)
	report.WriteHardwareTable(os.Stdout, hwctx)
	report.WriteStats(os.Stdout, report.ComputeStats(prog, len(dispatch)))
	report.WriteWarnings(os.Stdout, warnings)

	return 0
}

// writeFile opens name for writing, runs fn against it and always closes the file,
// wrapping any error with the output file's name for diagnostic purposes.
func writeFile(name string, fn func(*os.File) error) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("unable to open output file %q: %w", name, err)
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return fmt.Errorf("writing %q: %w", name, err)
	}
	return nil
}

func main() { os.Exit(SmCompiler.Run(os.Args, os.Stdout)) }
