package asmcore

import (
	"bytes"
	"testing"

	"isaforge/errs"
	"isaforge/isa"
	"isaforge/srcparser"
)

// testISAJSON is a minimal 16-bit ISA description (matching spec.md's S1
// end-to-end scenario) used across this package's tests.
const testISAJSON = `{
  "name": "ZX16",
  "instruction_width": 16,
  "word_width": 16,
  "byte_order": "little",
  "address_space_bits": 16,
  "alignment": 2,
  "memory_layout": {
    "interrupt_vectors": {"start": 0, "end": 63},
    "code_section": {"start": 64, "end": 32767},
    "data_section": {"start": 32768, "end": 49151},
    "stack_section": {"start": 49152, "end": 65279},
    "mmio": {"start": 65280, "end": 65535}
  },
  "pc_points_to": "next_instruction",
  "jump_offset_reference": "current",
  "registers": [
    {"name": "x0", "width": 16, "aliases": ["zero"]},
    {"name": "x1", "width": 16, "aliases": ["ra"]},
    {"name": "x2", "width": 16, "aliases": ["sp"]},
    {"name": "x3", "width": 16, "aliases": ["t0"]},
    {"name": "x4", "width": 16, "aliases": ["t1"]},
    {"name": "x5", "width": 16, "aliases": ["t2"]},
    {"name": "x6", "width": 16, "aliases": ["a0"]},
    {"name": "x7", "width": 16, "aliases": ["a1"]}
  ],
  "instructions": [
    {
      "mnemonic": "LI",
      "syntax": "LI rd, imm",
      "encoding": [
        {"name": "opcode", "range": "15:12", "kind": "fixed", "value": 1},
        {"name": "rd", "range": "11:9", "kind": "register"},
        {"name": "imm", "range": "8:0", "kind": "immediate", "signed": true}
      ]
    },
    {
      "mnemonic": "ADD",
      "syntax": "ADD rd, rs2",
      "encoding": [
        {"name": "opcode", "range": "15:12", "kind": "fixed", "value": 0},
        {"name": "rd", "range": "11:9", "kind": "register"},
        {"name": "rs2", "range": "8:6", "kind": "register"},
        {"name": "func", "range": "5:0", "kind": "fixed", "value": 0}
      ]
    },
    {
      "mnemonic": "ECALL",
      "syntax": "ECALL imm",
      "encoding": [
        {"name": "opcode", "range": "15:12", "kind": "fixed", "value": 15},
        {"name": "imm", "range": "11:0", "kind": "immediate", "signed": false}
      ]
    },
    {
      "mnemonic": "J",
      "syntax": "J target",
      "control_flow": true,
      "encoding": [
        {"name": "opcode", "range": "15:12", "kind": "fixed", "value": 14},
        {"name": "target", "range": "11:0", "kind": "address", "signed": true, "offset_base": "current"}
      ]
    }
  ],
  "pseudo_instructions": [
    {
      "mnemonic": "MV",
      "syntax": "MV rd, rs2",
      "expansion": [
        {"mnemonic": "ADD", "operands": ["rd", "rs2"]}
      ]
    }
  ],
  "directives": [
    {"name": ".org"},
    {"name": ".word"},
    {"name": ".byte"},
    {"name": ".space"},
    {"name": ".ascii"},
    {"name": ".asciiz"},
    {"name": ".align"},
    {"name": ".global"},
    {"name": ".equ"},
    {"name": ".section"},
    {"name": ".text"},
    {"name": ".data"}
  ],
  "formatting": {
    "comment_chars": ["#", ";"],
    "hex_prefix": "0x",
    "bin_prefix": "0b",
    "label_suffix": ":",
    "operand_separator": ",",
    "local_label_prefix": "."
  }
}`

func loadTestISA(t *testing.T) *isa.Model {
	t.Helper()
	m, err := isa.LoadBytes([]byte(testISAJSON), nil)
	if err != nil {
		t.Fatalf("unexpected error loading test ISA: %v", err)
	}
	return m
}

func parseSource(t *testing.T, model *isa.Model, source string) []srcparser.Node {
	t.Helper()
	rep := errs.NewReporter(0)
	nodes := srcparser.Parse(source, "test.asm", model.Raw.Formatting.CommentChars, rep)
	if rep.HasErrors() {
		t.Fatalf("unexpected parse errors: %v", rep.Error())
	}
	return nodes
}

func TestAssembleMinimalHeaderedScenario(t *testing.T) {
	model := loadTestISA(t)
	src := "_start:\nLI x0, 10\nADD x0, x1\nECALL 0x3FF\n"
	nodes := parseSource(t, model, src)

	out, reporter, err := Assemble(model, nodes, Options{})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected assembly errors: %v", reporter.Error())
	}

	wantMagic := []byte{0x49, 0x53, 0x41, 0x01}
	if !bytes.Equal(out.Code[:4], wantMagic) {
		t.Errorf("magic = % X, want % X", out.Code[:4], wantMagic)
	}
	nameLen := int(out.Code[4])
	if got := string(out.Code[5 : 5+nameLen]); got != "ZX16" {
		t.Errorf("isa name = %q, want ZX16", got)
	}
	codeSize := out.Code[5+nameLen : 9+nameLen]
	if codeSize[0] != 6 {
		t.Errorf("code_size low byte = %d, want 6 (3 16-bit instructions)", codeSize[0])
	}
	if out.EntryPoint != out.BaseAddress {
		t.Errorf("EntryPoint = 0x%X, want base address 0x%X (_start)", out.EntryPoint, out.BaseAddress)
	}
	// The fixture ISA is case-insensitive, so the symbol table keys names
	// by their upper-cased form.
	if got, ok := out.Symbols["_START"]; !ok || got != out.BaseAddress {
		t.Errorf("_start = %d, want %d", got, out.BaseAddress)
	}
}

func TestUnpackHeaderedRecoversCodeAndEntryPoint(t *testing.T) {
	model := loadTestISA(t)
	src := "_start:\nLI x0, 10\nADD x0, x1\nECALL 0x3FF\n"
	nodes := parseSource(t, model, src)

	out, reporter, err := Assemble(model, nodes, Options{})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected assembly errors: %v", reporter.Error())
	}

	raw, rawReporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble (raw) error: %v", err)
	}
	if rawReporter.HasErrors() {
		t.Fatalf("unexpected assembly errors: %v", rawReporter.Error())
	}

	hdr, ok, err := UnpackHeadered(out.Code)
	if err != nil {
		t.Fatalf("UnpackHeadered error: %v", err)
	}
	if !ok {
		t.Fatal("UnpackHeadered did not recognize the magic it was just given")
	}
	if hdr.ISAName != "ZX16" {
		t.Errorf("ISAName = %q, want ZX16", hdr.ISAName)
	}
	if hdr.EntryPoint != out.EntryPoint {
		t.Errorf("EntryPoint = 0x%X, want 0x%X", hdr.EntryPoint, out.EntryPoint)
	}
	if !bytes.Equal(hdr.Code, raw.Code) {
		t.Errorf("unpacked code = % X, want % X", hdr.Code, raw.Code)
	}

	if _, ok, err := UnpackHeadered(raw.Code); ok || err != nil {
		t.Errorf("UnpackHeadered on raw (unheadered) output: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestAssembleRawOutput(t *testing.T) {
	model := loadTestISA(t)
	nodes := parseSource(t, model, "LI x0, 1\n")
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil || reporter.HasErrors() {
		t.Fatalf("unexpected error: %v %v", err, reporter)
	}
	if len(out.Code) != 2 {
		t.Fatalf("raw output length = %d, want 2", len(out.Code))
	}
	if out.Code[0] != 0x01 || out.Code[1] != 0x10 {
		t.Errorf("raw bytes = % X, want 01 10", out.Code)
	}
}

func TestForwardLabelReferenceResolves(t *testing.T) {
	model := loadTestISA(t)
	src := "J forward\nADD x0, x1\nforward:\nADD x1, x0\n"
	nodes := parseSource(t, model, src)
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected errors: %v", reporter.Error())
	}
	if len(out.Code) != 6 {
		t.Fatalf("code length = %d, want 6", len(out.Code))
	}
}

func TestPseudoInstructionExpansion(t *testing.T) {
	model := loadTestISA(t)
	nodes := parseSource(t, model, "MV x0, x1\n")
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil || reporter.HasErrors() {
		t.Fatalf("unexpected error: %v %v", err, reporter)
	}
	// ADD rd=x0(0), rs2=x1(1): opcode(0)<<12 | rd(0)<<9 | rs2(1)<<6 | func(0)
	want := uint16(1) << 6
	got := uint16(out.Code[0]) | uint16(out.Code[1])<<8
	if got != want {
		t.Errorf("expanded MV encoding = 0x%04X, want 0x%04X", got, want)
	}
}

func TestImmediateOutOfRangeIsReported(t *testing.T) {
	model := loadTestISA(t)
	nodes := parseSource(t, model, "LI x0, 1000\n") // 9-bit signed field, max 255
	_, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble returned hard error instead of accumulating: %v", err)
	}
	if !reporter.HasErrors() {
		t.Fatal("expected an out-of-range immediate error")
	}
}

func TestOrgBackwardIsWarningNotError(t *testing.T) {
	model := loadTestISA(t)
	src := ".org 64\nADD x0, x1\n.org 64\nADD x1, x0\n"
	nodes := parseSource(t, model, src)
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("backward .org must not be a hard error, got: %v", reporter.Error())
	}
	if len(reporter.Warnings()) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(reporter.Warnings()))
	}
	if len(out.Code) != 2 {
		t.Errorf("code length = %d, want 2 (second ADD overwrote the first)", len(out.Code))
	}
}

func TestOrgBelowCodeSectionStartGrowsBufferLeftward(t *testing.T) {
	model := loadTestISA(t)
	src := ".org 0\n.byte 1\n"
	nodes := parseSource(t, model, src)
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected errors: %v", reporter.Error())
	}
	if len(out.Code) != 1 {
		t.Fatalf("code length = %d, want 1", len(out.Code))
	}
	if out.Code[0] != 1 {
		t.Errorf("out.Code[0] = %d, want 1", out.Code[0])
	}
	if out.BaseAddress != 64 {
		t.Errorf("BaseAddress = %d, want 64 (code_section.start, unaffected by the interrupt_vectors write)", out.BaseAddress)
	}
}

func TestStandardDirectivesEmitExpectedBytes(t *testing.T) {
	model := loadTestISA(t)
	src := ".org 64\n.byte 1, 2, 'A'\n.word 0x1234\n.ascii \"hi\"\n.asciiz \"x\"\n.align 4\n.space 2\n"
	nodes := parseSource(t, model, src)
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil || reporter.HasErrors() {
		t.Fatalf("unexpected error: %v %v", err, reporter)
	}
	// .org 64 (start), .byte×3, .word (2 bytes LE), .ascii "hi" (2 bytes),
	// .asciiz "x" (2 bytes incl. terminator) => addr 73; .align 4 pads 3
	// zero bytes to 76; .space 2 appends 2 more zero bytes to 78.
	want := []byte{1, 2, 'A', 0x34, 0x12, 'h', 'i', 'x', 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(out.Code, want) {
		t.Errorf("bytes = % X, want % X", out.Code, want)
	}
}

func TestEquDefinesConstantUsableByLaterInstructions(t *testing.T) {
	model := loadTestISA(t)
	src := ".equ LIMIT, 7\nLI x0, LIMIT\n"
	nodes := parseSource(t, model, src)
	out, reporter, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil || reporter.HasErrors() {
		t.Fatalf("unexpected error: %v %v", err, reporter)
	}
	got := uint16(out.Code[0]) | uint16(out.Code[1])<<8
	want := uint16(1)<<12 | uint16(7)
	if got != want {
		t.Errorf("encoding = 0x%04X, want 0x%04X", got, want)
	}
}

func TestSectionMapRecordsExtents(t *testing.T) {
	model := loadTestISA(t)
	src := ".text\nADD x0, x1\n.data\n.byte 1, 2, 3\n"
	nodes := parseSource(t, model, src)
	out, _, err := Assemble(model, nodes, Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	text, ok := out.Sections["text"]
	if !ok || text.Size != 2 {
		t.Errorf("text section = %+v, want size 2", text)
	}
	data, ok := out.Sections["data"]
	if !ok || data.Size != 3 {
		t.Errorf("data section = %+v, want size 3", data)
	}
}

func TestCancellationStopsAssembly(t *testing.T) {
	model := loadTestISA(t)
	nodes := parseSource(t, model, "ADD x0, x1\nADD x0, x1\nADD x0, x1\n")
	calls := 0
	cancel := func() bool {
		calls++
		return calls > 1
	}
	_, _, err := Assemble(model, nodes, Options{Cancel: cancel})
	if err == nil {
		t.Fatal("expected cancellation to produce an error")
	}
}

// An unknown directive is detected identically in both passes, so it
// surfaces as a pass-1 abort (spec §4.5/§7: "pass 1 errors abort before
// pass 2"), not an accumulated pass-2 diagnostic.
func TestUnknownDirectiveAbortsAtPassOne(t *testing.T) {
	model := loadTestISA(t)
	rep := errs.NewReporter(0)
	nodes := srcparser.Parse(".bogus 1\n", "test.asm", model.Raw.Formatting.CommentChars, rep)
	_, _, err := Assemble(model, nodes, Options{Raw: true})
	if err == nil {
		t.Fatal("expected unknown directive to abort assembly before pass 2")
	}
}

// Out-of-range immediates are only detectable once real encoding happens in
// pass 2, so they accumulate in the reporter up to MaxErrors instead of
// aborting (spec §7 "pass 2 errors accumulate up to a configurable limit").
func TestMaxErrorsElidesExcessErrors(t *testing.T) {
	model := loadTestISA(t)
	src := ""
	for i := 0; i < 5; i++ {
		src += "LI x0, 1000\n" // 9-bit signed field; 1000 is out of range
	}
	nodes := parseSource(t, model, src)
	_, reporter, err := Assemble(model, nodes, Options{Raw: true, MaxErrors: 2})
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if len(reporter.Errors()) != 2 {
		t.Fatalf("len(Errors()) = %d, want 2", len(reporter.Errors()))
	}
	if reporter.Elided() != 3 {
		t.Errorf("Elided() = %d, want 3", reporter.Elided())
	}
}
