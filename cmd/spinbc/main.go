// Command spinbc is the bytecode back end's CLI driver: it reads a
// decorated AST (as JSON, the hand-off format from whichever front end
// produced it — this module never parses Spin source itself, per
// spec.md's scope) and emits a relocatable Spin1 object image or a
// listing.
//
// Modeled on oisee-z80-optimizer/cmd/z80opt/main.go's cobra/pflag
// command structure.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spinbc/ast"
	"spinbc/bcir"
	"spinbc/berr"
	"spinbc/layout"
	"spinbc/lower"
	"spinbc/optimize"
)

var (
	flagBinary     bool
	flagEEPROM     bool
	flagEEPROMSize int
	flagOutput     string
	flagListing    bool
	flagDebug      bool
	flagCaseSens   bool
	flagOptimize   []string
	flagDefines    []string
	flagInterp     string
)

func main() {
	root := &cobra.Command{
		Use:   "spinbc",
		Short: "Spin1 bytecode back end",
	}

	build := &cobra.Command{
		Use:   "build <files...>",
		Short: "compile a decorated AST to a relocatable Spin1 image",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBuild,
	}
	build.Flags().BoolVarP(&flagBinary, "binary", "b", true, "emit a raw .binary image")
	build.Flags().BoolVarP(&flagEEPROM, "eeprom", "e", false, "emit an EEPROM image instead of a raw binary")
	build.Flags().IntVar(&flagEEPROMSize, "eeprom-size", 32768, "EEPROM image size in bytes")
	build.Flags().StringVarP(&flagOutput, "output", "o", "", "output file (default: stdout)")
	build.Flags().BoolVarP(&flagListing, "listing", "l", false, "also emit a .lst listing next to the image")
	build.Flags().BoolVarP(&flagDebug, "debug", "g", false, "keep debug/listing symbols, enable trace logging")
	build.Flags().BoolVarP(&flagCaseSens, "case-sensitive", "C", false, "treat identifiers as case-sensitive")
	build.Flags().StringArrayVarP(&flagOptimize, "optimize", "O", nil, "optimize flag (dead-code, peephole, case-table, extra-small)")
	build.Flags().StringArrayVarP(&flagDefines, "define", "D", nil, "predefine name=value for the front end")
	build.Flags().StringVar(&flagInterp, "interp", "rom", "target interpreter (only \"rom\" is implemented)")

	listing := &cobra.Command{
		Use:   "listing <files...>",
		Short: "compile and print only the disassembly listing",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runListing,
	}
	listing.Flags().StringVarP(&flagOutput, "output", "o", "", "output file (default: stdout)")

	root.AddCommand(build, listing)
	root.CompletionOptions.DisableDefaultCmd = true
	root.SilenceErrors = true
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		if ee, ok := err.(errExit); ok {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func loadProgram(path string) (*ast.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var prog ast.Program
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("%s: decoding decorated AST: %w", path, err)
	}
	return &prog, nil
}

func parseOptFlags() ast.OptFlags {
	if flagInterp != "rom" {
		fmt.Fprintf(os.Stderr, "warning: --interp=%s is not implemented, defaulting to rom\n", flagInterp)
	}
	var flags ast.OptFlags
	if len(flagOptimize) == 0 {
		return ast.OptDeadCode | ast.OptPeephole | ast.OptCaseTable
	}
	for _, f := range flagOptimize {
		switch f {
		case "dead-code":
			flags |= ast.OptDeadCode
		case "peephole":
			flags |= ast.OptPeephole
		case "case-table":
			flags |= ast.OptCaseTable
		case "extra-small":
			flags |= ast.OptExtraSmall
		}
	}
	return flags
}

// compileAll lowers, optimizes, and lays out every module of prog,
// returning the assembled Program image plus the per-module Compiled
// records the listing writer needs.
func compileAll(prog *ast.Program, errs *berr.Collector, log zerolog.Logger) (*layout.Program, []*layout.Compiled, error) {
	optFlags := parseOptFlags()
	var compiledMods []*layout.Compiled

	for _, mod := range prog.Modules {
		mod := mod
		c := layout.CompileModule(errs, mod, mod == prog.Root, mod.Name, func(fn *ast.Function) *bcir.Buf {
			buf := lower.Function(errs, mod, fn, mod.Name)
			effective := fn.OptimizeFlags
			if effective == 0 {
				effective = optFlags
			}
			optimize.Run(buf, effective, log)
			return buf
		})
		if errs.Count() > 0 {
			return nil, nil, errs.Err()
		}
		compiledMods = append(compiledMods, c)
	}

	prg, err := layout.Assemble(compiledMods, prog.Root)
	if err != nil {
		return nil, nil, err
	}
	return prg, compiledMods, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	log := newLogger()
	errs := berr.NewCollector(100)

	for _, path := range args {
		prog, err := loadProgram(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return errExit{1}
		}

		lower.MarkAddressTaken(prog)

		prg, compiledMods, err := compileAll(prog, errs, log)
		if err != nil {
			reportDiagnostics(errs)
			return errExit{errs.ExitCode()}
		}

		var image []byte
		if flagEEPROM {
			image, err = prg.WriteEEPROM(flagEEPROMSize)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return errExit{1}
			}
		} else {
			image = prg.WriteBinary()
		}

		if err := writeOutput(flagOutput, image); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return errExit{1}
		}

		if flagListing {
			listingPath := flagOutput + ".lst"
			if flagOutput == "" {
				listingPath = path + ".lst"
			}
			if err := os.WriteFile(listingPath, []byte(prg.WriteListing(compiledMods)), 0o644); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return errExit{1}
			}
		}
	}

	reportDiagnostics(errs)
	if errs.Count() > 0 {
		return errExit{errs.ExitCode()}
	}
	return nil
}

func runListing(cmd *cobra.Command, args []string) error {
	log := newLogger()
	errs := berr.NewCollector(100)

	for _, path := range args {
		prog, err := loadProgram(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return errExit{1}
		}
		lower.MarkAddressTaken(prog)

		prg, compiledMods, err := compileAll(prog, errs, log)
		if err != nil {
			reportDiagnostics(errs)
			return errExit{errs.ExitCode()}
		}

		out := prg.WriteListing(compiledMods)
		if flagOutput == "" {
			fmt.Print(out)
		} else if err := os.WriteFile(flagOutput, []byte(out), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return errExit{1}
		}
	}

	reportDiagnostics(errs)
	if errs.Count() > 0 {
		return errExit{errs.ExitCode()}
	}
	return nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func reportDiagnostics(errs *berr.Collector) {
	for _, d := range errs.Diagnostics() {
		fmt.Fprintln(os.Stderr, d.String())
	}
}

// errExit lets RunE carry a specific process exit code without cobra
// printing its own "Error:" line for what is really a compile failure,
// not a usage failure.
type errExit struct{ code int }

func (e errExit) Error() string { return "" }
