// Package disasm implements the pattern-match disassembler described in
// spec §4.6: decode machine code back into a source-like instruction
// stream, partitioning code from data as it goes, synthesizing labels for
// unnamed branch/jump targets, and optionally reconstructing
// pseudo-instructions ("smart" mode).
//
// Grounded on chriskillpack-bbcdisasm's Disassembler (two-pass: a
// preliminary sweep to find branch targets, then a sequential decode pass
// that consults them) generalized from a fixed 6502 opcode table to the
// ISA-described pattern/mask/syntax-order maps package isa precomputes,
// and on db47h-ngaro's asm.Disassemble for operand-in-syntax-order
// rendering.
package disasm

import "isaforge/isa"

// Options configures one disassembly run.
type Options struct {
	// StartAddress overrides the default start address (code_section.start
	// if the ISA declares one, else 0). It does not move the address that
	// byte 0 of the buffer corresponds to.
	StartAddress *uint64
	// DataRanges are address ranges that are always treated as DATA,
	// overriding the ISA's memory-layout pre-partition (spec §4.6 "the
	// caller may override with explicit [start, end] data ranges that
	// always win").
	DataRanges []isa.AddressRange
	// Smart enables pseudo-instruction reconstruction.
	Smart bool
	// MaxConsecutiveNops bounds how many consecutive NOPs are allowed: the
	// NOP that makes the run longer than this is still decoded, and DATA
	// mode starts after it. Zero means the spec default of 8.
	MaxConsecutiveNops int
}

// Instruction is one decoded real instruction (spec §4.6
// "DisassembledInstruction").
type Instruction struct {
	Address  uint64
	Bytes    []byte
	Mnemonic string
	Operands []string // in syntax-template order
	Comment  string

	// Pseudo is set when smart mode reconstructed this instruction (or
	// instruction pair) as a pseudo-instruction; Mnemonic/Operands above
	// already reflect the pseudo rendering in that case.
	Pseudo bool
	// ConsumedBytes is how many trailing decoded instructions this entry
	// folded in (>1 for a jump_with_return two-instruction reconstruction).
	ConsumedBytes int
}

// EntryKind discriminates the disassembly output stream.
type EntryKind int

const (
	EntryInstruction EntryKind = iota
	EntryData
	EntryLabel
)

// Entry is one line of disassembler output: a decoded instruction, a run
// of data bytes, or a synthesized/known label at an address.
type Entry struct {
	Kind        EntryKind
	Address     uint64
	Instruction Instruction // EntryInstruction
	Data        []byte      // EntryData
	Label       string      // EntryLabel
}

// Mode is the disassembler's CODE/DATA state at a given address.
type Mode int

const (
	ModeCode Mode = iota
	ModeData
)

const defaultMaxConsecutiveNops = 8

// Disassemble decodes code (a buffer whose byte 0 corresponds to the ISA's
// code_section.start, or 0 when the ISA declares none; Options.StartAddress
// changes only where decoding begins) into an ordered entry stream per
// spec §4.6, plus the label table synthesized or resolved during the run.
func Disassemble(model *isa.Model, code []byte, opts Options) ([]Entry, map[uint64]string) {
	d := newDecoder(model, code, opts)
	targets := d.collectTargets()
	labels := synthesizeLabels(targets)
	entries := d.decode(targets, labels)
	return entries, labels
}

func synthesizeLabels(targets map[uint64]bool) map[uint64]string {
	labels := make(map[uint64]string, len(targets))
	for addr := range targets {
		labels[addr] = syntheticLabelName(addr)
	}
	return labels
}

func syntheticLabelName(addr uint64) string {
	return "L_" + hexUpper(addr)
}

func hexUpper(v uint64) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return string(buf[i:])
}
