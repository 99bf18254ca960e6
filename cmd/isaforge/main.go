// Command isaforge is the CLI collaborator described in spec §6.3: it
// loads a declarative ISA description and maps validate/parse/assemble/
// disassemble/list-isas onto the in-process core (packages isa, srcparser,
// asmcore, disasm).
//
// Grounded on the teacher's main.go for the version-flag/exit-code shape
// and on oisee-z80-optimizer/cmd/z80opt for the cobra subcommand layout.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"isaforge/asmcore"
	"isaforge/disasm"
	"isaforge/engcfg"
	"isaforge/errs"
	"isaforge/isa"
	"isaforge/sandbox"
	"isaforge/srcparser"
)

// Version can be overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// exitCode tags an error with the process exit code spec §6.3 assigns it:
// 1 for a runtime error, 2 for a validation error.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

func runtimeErr(err error) error { return &exitCode{code: 1, err: err} }
func validationErr(err error) error { return &exitCode{code: 2, err: err} }

func main() {
	cfg, err := engcfg.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:     "isaforge",
		Short:   "Declarative ISA-agnostic assembler and disassembler",
		Version: Version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newValidateCmd(),
		newParseCmd(),
		newAssembleCmd(cfg),
		newDisassembleCmd(cfg),
		newListISAsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ec *exitCode
		if e, ok := err.(*exitCode); ok {
			ec = e
		}
		if ec != nil {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// loadISA resolves --isa X into a compiled *isa.Model, wiring
// sandbox.Compile as the directive/semantic body compiler.
func loadISA(name string) (*isa.Model, error) {
	path, err := resolveISAPath(name)
	if err != nil {
		return nil, validationErr(fmt.Errorf("cannot find ISA %q: %w", name, err))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, validationErr(err)
	}
	defer f.Close()

	model, err := isa.Load(f, compileSandbox)
	if err != nil {
		return nil, validationErr(err)
	}
	return model, nil
}

// compileSandbox adapts sandbox.Compile to isa.Compiler: sandbox owns the
// concrete Program implementation, isa only needs the Source() handle.
func compileSandbox(source string) (isa.Program, error) {
	p, err := sandbox.Compile(source)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newValidateCmd() *cobra.Command {
	var isaName string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate an ISA description",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadISA(isaName); err != nil {
				return err
			}
			fmt.Printf("%s: valid\n", isaName)
			return nil
		},
	}
	cmd.Flags().StringVar(&isaName, "isa", "", "ISA name or path to its description (required)")
	cmd.MarkFlagRequired("isa")
	return cmd
}

func newParseCmd() *cobra.Command {
	var isaName, input string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Parse a source file and print its node sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := loadISA(isaName)
			if err != nil {
				return err
			}
			src, err := os.ReadFile(input)
			if err != nil {
				return validationErr(err)
			}

			rep := errs.NewReporter(0)
			nodes := srcparser.Parse(string(src), input, model.Raw.Formatting.CommentChars, rep)
			if rep.HasErrors() {
				return validationErr(fmt.Errorf("%s", rep.Error()))
			}
			for _, n := range nodes {
				fmt.Println(describeNode(n))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&isaName, "isa", "", "ISA name or path (required)")
	cmd.Flags().StringVar(&input, "input", "", "source file to parse (required)")
	cmd.MarkFlagRequired("isa")
	cmd.MarkFlagRequired("input")
	return cmd
}

func describeNode(n srcparser.Node) string {
	switch n.Kind {
	case srcparser.NodeLabel:
		return fmt.Sprintf("%s:%d  label %s", n.Pos.File, n.Pos.Line, n.Label)
	case srcparser.NodeInstruction:
		return fmt.Sprintf("%s:%d  instruction %s %s", n.Pos.File, n.Pos.Line, n.Mnemonic, strings.Join(n.Operands, ", "))
	case srcparser.NodeDirective:
		return fmt.Sprintf("%s:%d  directive %s %s", n.Pos.File, n.Pos.Line, n.Directive, strings.Join(n.Args, ", "))
	case srcparser.NodeComment:
		return fmt.Sprintf("%s:%d  comment %s", n.Pos.File, n.Pos.Line, n.Comment)
	default:
		return fmt.Sprintf("%s:%d  ?", n.Pos.File, n.Pos.Line)
	}
}

func newAssembleCmd(cfg *engcfg.Config) *cobra.Command {
	var isaName, output string
	var inputs []string
	var raw bool
	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble one or more source files into a binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := loadISA(isaName)
			if err != nil {
				return err
			}

			rep := errs.NewReporter(0)
			var nodes []srcparser.Node
			for _, in := range inputs {
				src, err := os.ReadFile(in)
				if err != nil {
					return runtimeErr(err)
				}
				nodes = append(nodes, srcparser.Parse(string(src), in, model.Raw.Formatting.CommentChars, rep)...)
			}
			if rep.HasErrors() {
				return runtimeErr(fmt.Errorf("%s", rep.Error()))
			}

			out, reporter, err := asmcore.Assemble(model, nodes, asmcore.Options{
				Raw:               raw,
				MaxErrors:         cfg.Errors.MaxErrors,
				MaxExpansionDepth: cfg.Assembler.MaxExpansionDepth,
				SandboxLimits: sandbox.Limits{
					MaxFuel:           cfg.Sandbox.MaxFuel,
					MaxDepth:          cfg.Sandbox.MaxCallDepth,
					MaxLoopIterations: cfg.Sandbox.MaxLoopIterations,
				},
			})
			if err != nil {
				return runtimeErr(err)
			}
			for _, w := range reporter.Warnings() {
				fmt.Fprintln(os.Stderr, "warning:", w.String())
			}
			if reporter.HasErrors() {
				return runtimeErr(fmt.Errorf("%s", reporter.Error()))
			}

			if err := os.WriteFile(output, out.Code, 0644); err != nil {
				return runtimeErr(err)
			}
			fmt.Printf("wrote %d bytes to %s (entry point 0x%X)\n", len(out.Code), output, out.EntryPoint)
			return nil
		},
	}
	cmd.Flags().StringVar(&isaName, "isa", "", "ISA name or path (required)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "source file(s) to assemble (required, repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "output file (required)")
	cmd.Flags().BoolVar(&raw, "raw", false, "emit raw machine code instead of the headered format")
	cmd.MarkFlagRequired("isa")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newDisassembleCmd(cfg *engcfg.Config) *cobra.Command {
	var isaName, input, output string
	var smart bool
	var startAddress string
	var dataRegions []string
	cmd := &cobra.Command{
		Use:   "disassemble",
		Short: "Disassemble a binary into source text",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := loadISA(isaName)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(input)
			if err != nil {
				return runtimeErr(err)
			}

			// A headered binary (the default `assemble` output) carries its
			// own start address in entry_point; strip the header down to
			// the bare machine code the decoder expects, and adopt that
			// entry point as the default start address (spec §4.6 "from
			// the header if present").
			code := raw
			var headerStart *uint64
			if hdr, ok, err := asmcore.UnpackHeadered(raw); err != nil {
				return runtimeErr(fmt.Errorf("reading header: %w", err))
			} else if ok {
				code = hdr.Code
				entry := hdr.EntryPoint
				headerStart = &entry
			}

			opts := disasm.Options{Smart: smart, MaxConsecutiveNops: cfg.Disassembly.MaxConsecutiveNOPs}
			opts.StartAddress = headerStart
			if startAddress != "" {
				addr, err := parseAddress(startAddress)
				if err != nil {
					return runtimeErr(fmt.Errorf("--start-address: %w", err))
				}
				opts.StartAddress = &addr
			}
			for _, r := range dataRegions {
				rng, err := parseRange(r)
				if err != nil {
					return runtimeErr(fmt.Errorf("--data-regions: %w", err))
				}
				opts.DataRanges = append(opts.DataRanges, rng)
			}

			entries, _ := disasm.Disassemble(model, code, opts)
			text := disasm.RenderText(model, entries)
			if err := os.WriteFile(output, []byte(text), 0644); err != nil {
				return runtimeErr(err)
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&isaName, "isa", "", "ISA name or path (required)")
	cmd.Flags().StringVar(&input, "input", "", "binary file to disassemble (required)")
	cmd.Flags().StringVar(&output, "output", "", "output source file (required)")
	cmd.Flags().BoolVar(&smart, "smart", cfg.Disassembly.DefaultSmart, "reconstruct pseudo-instructions where possible")
	cmd.Flags().StringVar(&startAddress, "start-address", "", "override the default start address")
	cmd.Flags().StringArrayVar(&dataRegions, "data-regions", nil, "address range(s) (start-end) to always treat as data")
	cmd.MarkFlagRequired("isa")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
	return cmd
}

func newListISAsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-isas",
		Short: "Enumerate built-in ISA descriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := listISAs()
			if err != nil {
				return runtimeErr(err)
			}
			if len(names) == 0 {
				fmt.Printf("no ISAs found in %s\n", isaSearchDir())
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	return strconv.ParseUint(s, base, 64)
}

func parseRange(s string) (isa.AddressRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return isa.AddressRange{}, fmt.Errorf("malformed range %q: expected start-end", s)
	}
	start, err := parseAddress(parts[0])
	if err != nil {
		return isa.AddressRange{}, fmt.Errorf("malformed range %q: %w", s, err)
	}
	end, err := parseAddress(parts[1])
	if err != nil {
		return isa.AddressRange{}, fmt.Errorf("malformed range %q: %w", s, err)
	}
	return isa.AddressRange{Start: start, End: end}, nil
}
