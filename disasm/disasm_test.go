package disasm

import (
	"testing"

	"isaforge/asmcore"
	"isaforge/errs"
	"isaforge/isa"
	"isaforge/srcparser"
)

// testISAJSON mirrors asmcore's fixture ISA with two additions exercised
// only here: a full-fixed-pattern NOP (which, by longer-mask-first
// tie-breaking, also claims the all-zero encoding that a literal
// "ADD x0, x0" would otherwise produce) and a full-fixed RET, plus a
// jump_with_return-shaped CALL pseudo for smart-mode reconstruction.
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
      "mnemonic": "NOP",
      "syntax": "NOP",
      "encoding": [
        {"name": "word", "range": "15:0", "kind": "fixed", "value": 0}
      ]
    },
    {
      "mnemonic": "RET",
      "syntax": "RET",
      "encoding": [
        {"name": "word", "range": "15:0", "kind": "fixed", "value": 61440}
      ]
    },
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
      ],
      "show_as_pseudo": true
    },
    {
      "mnemonic": "CALL",
      "syntax": "CALL target",
      "expansion": [
        {"mnemonic": "J", "operands": ["target"]},
        {"mnemonic": "RET", "operands": []}
      ],
      "show_as_pseudo": true,
      "reconstruction_type": "jump_with_return"
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
    "register_prefix": "",
    "hex_prefix": "0x",
    "bin_prefix": "0b",
    "label_suffix": ":",
    "operand_separator": ", ",
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

func assembleRaw(t *testing.T, model *isa.Model, source string) []byte {
	t.Helper()
	rep := errs.NewReporter(0)
	nodes := srcparser.Parse(source, "test.asm", model.Raw.Formatting.CommentChars, rep)
	if rep.HasErrors() {
		t.Fatalf("unexpected parse errors: %v", rep.Error())
	}
	out, reporter, err := asmcore.Assemble(model, nodes, asmcore.Options{Raw: true})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected assembly errors: %v", reporter.Error())
	}
	return out.Code
}

func littleWord(word uint16) []byte {
	return []byte{byte(word), byte(word >> 8)}
}

func TestDisassembleDecodesRealInstructions(t *testing.T) {
	model := loadTestISA(t)
	code := assembleRaw(t, model, "LI x0, 10\nADD x0, x1\n")

	entries, _ := Disassemble(model, code, Options{})
	var insts []Instruction
	for _, e := range entries {
		if e.Kind == EntryInstruction {
			insts = append(insts, e.Instruction)
		}
	}
	if len(insts) != 2 {
		t.Fatalf("got %d decoded instructions, want 2: %+v", len(insts), insts)
	}
	if insts[0].Mnemonic != "LI" || insts[0].Operands[0] != "x0" || insts[0].Operands[1] != "10" {
		t.Errorf("first instruction = %+v, want LI x0, 10", insts[0])
	}
	if insts[1].Mnemonic != "ADD" || insts[1].Operands[0] != "x0" || insts[1].Operands[1] != "x1" {
		t.Errorf("second instruction = %+v, want ADD x0, x1", insts[1])
	}
}

func TestDisassembleRoundTripReassemblesIdentically(t *testing.T) {
	model := loadTestISA(t)
	code := assembleRaw(t, model, "LI x0, 10\nADD x0, x1\nECALL 5\n")

	entries, _ := Disassemble(model, code, Options{})
	text := RenderText(model, entries)

	reassembled := assembleRaw(t, model, text)
	if len(reassembled) != len(code) {
		t.Fatalf("round-trip length = %d, want %d; rendered text:\n%s", len(reassembled), len(code), text)
	}
	for i := range code {
		if reassembled[i] != code[i] {
			t.Fatalf("round-trip byte %d = 0x%02X, want 0x%02X; rendered text:\n%s", i, reassembled[i], code[i], text)
		}
	}
}

func TestDisassembleHeaderedOutputUnpacksAndRoundTrips(t *testing.T) {
	model := loadTestISA(t)
	src := "_start:\nLI x0, 10\nADD x0, x1\nECALL 5\n"

	rep := errs.NewReporter(0)
	nodes := srcparser.Parse(src, "test.asm", model.Raw.Formatting.CommentChars, rep)
	if rep.HasErrors() {
		t.Fatalf("unexpected parse errors: %v", rep.Error())
	}
	out, reporter, err := asmcore.Assemble(model, nodes, asmcore.Options{})
	if err != nil {
		t.Fatalf("Assemble error: %v", err)
	}
	if reporter.HasErrors() {
		t.Fatalf("unexpected assembly errors: %v", reporter.Error())
	}

	hdr, ok, err := asmcore.UnpackHeadered(out.Code)
	if err != nil {
		t.Fatalf("UnpackHeadered error: %v", err)
	}
	if !ok {
		t.Fatal("UnpackHeadered did not recognize assemble's default headered output")
	}

	entries, _ := Disassemble(model, hdr.Code, Options{StartAddress: &hdr.EntryPoint})
	text := RenderText(model, entries)

	reassembled := assembleRaw(t, model, text)
	if len(reassembled) != len(hdr.Code) {
		t.Fatalf("round-trip length = %d, want %d; rendered text:\n%s", len(reassembled), len(hdr.Code), text)
	}
	for i := range hdr.Code {
		if reassembled[i] != hdr.Code[i] {
			t.Fatalf("round-trip byte %d = 0x%02X, want 0x%02X; rendered text:\n%s", i, reassembled[i], hdr.Code[i], text)
		}
	}
}

func TestDisassembleSynthesizesLabelForForwardJump(t *testing.T) {
	model := loadTestISA(t)
	code := assembleRaw(t, model, "J forward\nADD x0, x1\nforward:\nADD x1, x0\n")

	_, labels := Disassemble(model, code, Options{})
	base := uint64(64)
	target := base + 4 // J (2 bytes) + ADD (2 bytes)
	name, ok := labels[target]
	if !ok {
		t.Fatalf("expected a synthesized label at 0x%X, got none (labels=%v)", target, labels)
	}
	if name != "L_44" {
		t.Errorf("label name = %q, want L_44", name)
	}
}

func TestDisassembleSmartModeReconstructsExactMatchPseudo(t *testing.T) {
	model := loadTestISA(t)
	code := assembleRaw(t, model, "MV x0, x1\n")

	entries, _ := Disassemble(model, code, Options{Smart: true})
	if len(entries) != 1 || entries[0].Kind != EntryInstruction {
		t.Fatalf("entries = %+v, want exactly one instruction entry", entries)
	}
	inst := entries[0].Instruction
	if !inst.Pseudo || inst.Mnemonic != "MV" {
		t.Errorf("instruction = %+v, want reconstructed MV pseudo", inst)
	}
	if len(inst.Operands) != 2 || inst.Operands[0] != "x0" || inst.Operands[1] != "x1" {
		t.Errorf("operands = %v, want [x0 x1]", inst.Operands)
	}
}

func TestDisassembleSmartModeReconstructsJumpWithReturnPseudo(t *testing.T) {
	model := loadTestISA(t)
	// J +4 (skips over itself and the following RET, landing 2 past RET)
	// then RET: together these match CALL's two-step expansion template.
	code := append(littleWord(0xE004), littleWord(0xF000)...)

	entries, _ := Disassemble(model, code, Options{Smart: true})
	if len(entries) != 1 || entries[0].Kind != EntryInstruction {
		t.Fatalf("entries = %+v, want exactly one reconstructed instruction", entries)
	}
	inst := entries[0].Instruction
	if !inst.Pseudo || inst.Mnemonic != "CALL" {
		t.Errorf("instruction = %+v, want reconstructed CALL pseudo", inst)
	}
	if inst.ConsumedBytes != 2 {
		t.Errorf("ConsumedBytes = %d, want 2 (two real instructions folded)", inst.ConsumedBytes)
	}
}

func TestDisassembleFallsBackToDataOnNoMatch(t *testing.T) {
	model := loadTestISA(t)
	// A valid NOP followed by a single stray byte: too short to match any
	// 2-byte pattern, so it must fall back to a data byte.
	code := append(littleWord(0x0000), 0xFF)

	entries, _ := Disassemble(model, code, Options{})
	var dataEntries []Entry
	for _, e := range entries {
		if e.Kind == EntryData {
			dataEntries = append(dataEntries, e)
		}
	}
	if len(dataEntries) != 1 || len(dataEntries[0].Data) != 1 || dataEntries[0].Data[0] != 0xFF {
		t.Fatalf("data entries = %+v, want a single trailing 0xFF byte", dataEntries)
	}
}

func TestDisassembleSwitchesToDataAfterMaxConsecutiveNops(t *testing.T) {
	model := loadTestISA(t)
	var code []byte
	for i := 0; i < 3; i++ {
		code = append(code, littleWord(0x0000)...) // NOP
	}
	code = append(code, littleWord(0x0040)...) // ADD x0, x1 (opcode 0, rd 0, rs2 1)

	entries, _ := Disassemble(model, code, Options{MaxConsecutiveNops: 2})

	var nopCount int
	var sawAddAsInstruction bool
	var sawTrailingData bool
	for _, e := range entries {
		if e.Kind == EntryInstruction {
			if e.Instruction.Mnemonic == "NOP" {
				nopCount++
			}
			if e.Instruction.Mnemonic == "ADD" {
				sawAddAsInstruction = true
			}
		}
		if e.Kind == EntryData && len(e.Data) > 0 {
			sawTrailingData = true
		}
	}
	if nopCount != 3 {
		t.Errorf("decoded NOP count = %d, want 3", nopCount)
	}
	if sawAddAsInstruction {
		t.Error("ADD bytes after the NOP run were decoded as an instruction, want DATA mode after exceeding MaxConsecutiveNops")
	}
	if !sawTrailingData {
		t.Error("expected the bytes after the NOP run to appear as a data entry")
	}
}
