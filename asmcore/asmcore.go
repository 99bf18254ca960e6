// Package asmcore implements the two-pass assembler described in spec
// §4.5: pass 1 walks the parsed node sequence to fix every label's address
// and collect constants, pass 2 re-walks the same sequence to encode
// instructions and run directives for real, against the now-complete
// symbol table.
//
// Grounded on the teacher's loader.LoadProgramIntoVM (single-pass
// directive dispatch + instruction encoding against an already-parsed
// program) and encoder.Encoder (per-mnemonic instruction encoding,
// operand/immediate parsing, PC-relative branch math), generalized from a
// fixed ARM instruction set to the ISA-described field/syntax maps
// precomputed by package isa.
package asmcore

import (
	"isaforge/engcfg"
	"isaforge/errs"
	"isaforge/isa"
	"isaforge/sandbox"
	"isaforge/srcparser"
	"isaforge/symtab"
)

// Options configures one assembly run.
type Options struct {
	// Raw selects raw machine-code-only output instead of the headered
	// format (spec §4.5 "Output packaging").
	Raw bool
	// MaxErrors bounds how many pass-2 errors accumulate before the rest
	// are elided (spec §5 "Error accumulation"). Zero means the
	// engcfg-configured default (100).
	MaxErrors int
	// MaxExpansionDepth bounds pseudo-instruction expansion recursion
	// (spec §4.5 "Pseudo-instruction expansion"). Zero means the
	// engcfg-configured default (4).
	MaxExpansionDepth int
	// SandboxLimits bounds directive-body evaluation (spec §4.7). The zero
	// value means the engcfg-configured default.
	SandboxLimits sandbox.Limits
	// Cancel, if non-nil, is checked between nodes in both passes; when it
	// returns true, assembly stops and returns a cancellation error with
	// no partial output (spec §5 "Cancellation").
	Cancel func() bool
}

// SectionInfo records one named section's extent in the final address
// space.
type SectionInfo struct {
	Start uint64
	Size  uint64
}

// Output is the result of a successful assembly run.
type Output struct {
	Code        []byte
	EntryPoint  uint64
	BaseAddress uint64
	Symbols     map[string]uint64
	Sections    map[string]SectionInfo
}

// Assemble runs both passes of the algorithm in spec §4.5 over nodes
// (typically the concatenated output of srcparser.Parse across one or more
// input files) against model, and returns the packaged output plus an
// error reporter carrying any pass-2 diagnostics. A pass-1 error aborts
// immediately (returned as err); pass-2 errors accumulate in the returned
// reporter up to opts.MaxErrors.
func Assemble(model *isa.Model, nodes []srcparser.Node, opts Options) (*Output, *errs.Reporter, error) {
	maxErrors := opts.MaxErrors
	if maxErrors == 0 {
		maxErrors = engcfg.DefaultConfig().Errors.MaxErrors
	}
	reporter := errs.NewReporter(maxErrors)

	maxExpansionDepth := opts.MaxExpansionDepth
	if maxExpansionDepth == 0 {
		maxExpansionDepth = engcfg.DefaultConfig().Assembler.MaxExpansionDepth
	}
	sandboxLimits := opts.SandboxLimits
	if sandboxLimits == (sandbox.Limits{}) {
		sandboxLimits = sandbox.DefaultLimits()
	}

	base := codeBase(model)
	syms := symtab.New(model.Raw.Formatting.LocalLabelPrefix, model.Raw.Formatting.CaseSensitive)

	a := &assembler{
		model:             model,
		symbols:           syms,
		startAddr:         base,
		base:              base,
		minAddr:           base,
		cancel:            opts.Cancel,
		maxExpansionDepth: maxExpansionDepth,
		sandboxLimits:     sandboxLimits,
	}

	if err := a.runPass(1, nodes, nil); err != nil {
		return nil, nil, err
	}
	if err := syms.Finalize(); err != nil {
		return nil, nil, err
	}

	// A .org or advance_address directive may have moved below
	// code_section.start during pass 1 (e.g. to populate interrupt_vectors);
	// grow the output buffer leftward to cover it instead of treating
	// code_section.start as a hard floor.
	if a.minAddr < a.base {
		a.base = a.minAddr
	}

	a.resetForPass2()
	if err := a.runPass(2, nodes, reporter); err != nil {
		return nil, nil, err
	}

	entry := entryPoint(model, syms, base)
	out := &Output{
		Code:        a.buf,
		EntryPoint:  entry,
		BaseAddress: base,
		Symbols:     syms.All(),
		Sections:    a.sections,
	}
	if !opts.Raw {
		out.Code = packageHeadered(model.Raw.Name, entry, a.buf)
	}
	return out, reporter, nil
}

// codeBase returns the address the assembly buffer's offset 0 corresponds
// to: the code section's start, or 0 if the ISA declares no code_section.
func codeBase(model *isa.Model) uint64 {
	if r, ok := model.RegionRange(isa.RegionCode); ok {
		return r.Start
	}
	return 0
}

// entryPoint resolves the assembled program's entry point: _start if
// defined, else main if defined, else code_section.start (spec §4.5
// "Output packaging"). Other global symbols are not considered.
func entryPoint(model *isa.Model, syms *symtab.Table, base uint64) uint64 {
	for _, candidate := range []string{"_start", "main"} {
		if v, ok := syms.Resolve(candidate, ""); ok {
			return v
		}
	}
	return base
}

// sandboxHostFor builds the Host a directive's sandboxed body runs
// against: a thin adapter over the assembler's own address/output state.
// Register access is refused — directives operate on addresses, bytes,
// and symbols, never simulated CPU state (spec §4.5 lists only address,
// byte, and symbol effects for directives).
func sandboxHostFor(a *assembler) sandbox.Host {
	return &directiveHost{a: a}
}
