package isa

import (
	"encoding/json"
	"io"
	"math/bits"
	"strings"

	ibits "isaforge/bits"
	"isaforge/errs"
)

// Compiler turns a sandboxed-body source string into a compiled Program.
// Injected by the caller (normally package sandbox) so that isa never
// imports sandbox's evaluation internals.
type Compiler func(source string) (Program, error)

// Load decodes a JSON-shaped ISA description from r, validates every
// invariant in spec §3, and returns a fully precomputed, immutable Model.
// compile may be nil, in which case directive/semantic bodies are left
// uncompiled (Program is nil) and must be built-in dispatched by the caller.
func Load(r io.Reader, compile Compiler) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.New(errs.Position{}, errs.KindIO, err.Error())
	}
	return LoadBytes(data, compile)
}

// LoadBytes is like Load but takes the description as an already-read byte
// slice.
func LoadBytes(data []byte, compile Compiler) (*Model, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Newf(errs.Position{}, errs.KindISALoad, "malformed ISA description: %v", err)
	}

	m := &Model{Raw: raw}

	if err := m.applyDefaults(); err != nil {
		return nil, err
	}
	if err := m.parseFieldRanges(); err != nil {
		return nil, err
	}
	if err := m.assignRegisterIndexes(); err != nil {
		return nil, err
	}
	if err := m.validateFieldCoverage(); err != nil {
		return nil, err
	}
	if err := m.validateFixedLiterals(); err != nil {
		return nil, err
	}
	if err := m.validateRegisterWidths(); err != nil {
		return nil, err
	}
	if err := m.validateMemoryLayout(); err != nil {
		return nil, err
	}
	m.precomputePatterns()
	if err := m.validatePatternUniqueness(); err != nil {
		return nil, err
	}
	m.buildSyntaxOrders()
	if err := m.buildLookups(); err != nil {
		return nil, err
	}
	if err := m.validatePseudoExpansions(); err != nil {
		return nil, err
	}
	if err := m.compileSandboxedBodies(compile); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Model) applyDefaults() error {
	if m.Raw.Name == "" {
		return errs.New(errs.Position{}, errs.KindISALoad, "ISA description missing required \"name\"")
	}
	if m.Raw.InstructionWidth <= 0 {
		return errs.New(errs.Position{}, errs.KindISALoad, "instruction_width must be positive")
	}
	if m.Raw.WordWidth <= 0 {
		m.Raw.WordWidth = m.Raw.InstructionWidth
	}
	if m.Raw.ByteOrder == "" {
		m.Raw.ByteOrder = LittleEndian
	}
	if m.Raw.Alignment <= 0 {
		m.Raw.Alignment = 1
	}
	if m.Raw.PCPointsTo == "" {
		m.Raw.PCPointsTo = PCNextInstruction
	}
	if m.Raw.JumpOffsetReference == "" {
		m.Raw.JumpOffsetReference = OffsetCurrent
	}
	if m.Raw.Mirror.DisassemblyPCBase == "" {
		m.Raw.Mirror.DisassemblyPCBase = m.Raw.JumpOffsetReference
	}
	if m.Raw.Formatting.OperandSeparator == "" {
		m.Raw.Formatting.OperandSeparator = ","
	}
	if m.Raw.Formatting.LabelSuffix == "" {
		m.Raw.Formatting.LabelSuffix = ":"
	}
	if m.Raw.Formatting.LocalLabelPrefix == "" {
		m.Raw.Formatting.LocalLabelPrefix = "."
	}
	if m.Raw.Formatting.HexPrefix == "" {
		m.Raw.Formatting.HexPrefix = "0x"
	}
	if m.Raw.Formatting.BinPrefix == "" {
		m.Raw.Formatting.BinPrefix = "0b"
	}
	if len(m.Raw.Formatting.CommentChars) == 0 {
		m.Raw.Formatting.CommentChars = []string{"#", ";"}
	}
	return nil
}

// parseFieldRanges parses every field's "H:L" range string into High/Low,
// failing if any range lies outside the instruction width (invariant 1,
// part a).
func (m *Model) parseFieldRanges() error {
	for i := range m.Raw.Instructions {
		inst := &m.Raw.Instructions[i]
		length := inst.LengthBits
		if length == 0 {
			length = m.Raw.InstructionWidth
		}
		for j := range inst.Encoding {
			f := &inst.Encoding[j]
			h, l, err := ibits.ParseRange(f.Range)
			if err != nil {
				return errs.Newf(errs.Position{}, errs.KindISALoad,
					"instruction %q field %q: %v", inst.Mnemonic, f.Name, err)
			}
			if h >= length {
				return errs.Newf(errs.Position{}, errs.KindValidation,
					"instruction %q field %q: bit range [%d:%d] exceeds instruction width %d",
					inst.Mnemonic, f.Name, h, l, length)
			}
			f.High, f.Low = h, l
		}
	}
	return nil
}

func (m *Model) assignRegisterIndexes() error {
	for i := range m.Raw.Registers {
		m.Raw.Registers[i].Index = i
	}
	return nil
}

// validateFieldCoverage enforces invariant 2: for every instruction, fields
// are pairwise non-overlapping and together cover every bit.
func (m *Model) validateFieldCoverage() error {
	for i := range m.Raw.Instructions {
		inst := &m.Raw.Instructions[i]
		length := inst.LengthBits
		if length == 0 {
			length = m.Raw.InstructionWidth
		}
		covered := make([]bool, length)
		for _, f := range inst.Encoding {
			for b := f.Low; b <= f.High; b++ {
				if covered[b] {
					return errs.Newf(errs.Position{}, errs.KindValidation,
						"instruction %q: field %q overlaps another field at bit %d", inst.Mnemonic, f.Name, b)
				}
				covered[b] = true
			}
		}
		for b, ok := range covered {
			if !ok {
				return errs.Newf(errs.Position{}, errs.KindValidation,
					"instruction %q: bit %d is not covered by any field", inst.Mnemonic, b)
			}
		}
	}
	return nil
}

// validateFixedLiterals enforces invariant 3: every fixed-field literal
// fits its range.
func (m *Model) validateFixedLiterals() error {
	for _, inst := range m.Raw.Instructions {
		for _, f := range inst.Encoding {
			if f.Kind != FieldFixed {
				continue
			}
			if f.Value&^ibits.Mask(f.Width()) != 0 {
				return errs.Newf(errs.Position{}, errs.KindValidation,
					"instruction %q field %q: fixed value 0x%X does not fit in %d bits",
					inst.Mnemonic, f.Name, f.Value, f.Width())
			}
		}
	}
	return nil
}

// validateRegisterWidths enforces invariant 4: register count is a power of
// two sufficient to address all registers, and every register-field width
// equals ceil(log2(register_count)).
func (m *Model) validateRegisterWidths() error {
	n := len(m.Raw.Registers)
	if n == 0 {
		return nil
	}
	if n&(n-1) != 0 {
		return errs.Newf(errs.Position{}, errs.KindValidation,
			"register count %d is not a power of two", n)
	}
	regWidth := bits.Len(uint(n - 1))
	if regWidth == 0 {
		regWidth = 1
	}
	if 1<<uint(regWidth) < n {
		regWidth++
	}
	for _, inst := range m.Raw.Instructions {
		for _, f := range inst.Encoding {
			if f.Kind != FieldRegister {
				continue
			}
			if f.Width() != regWidth {
				return errs.Newf(errs.Position{}, errs.KindValidation,
					"instruction %q field %q: register field width %d does not match ceil(log2(%d))=%d",
					inst.Mnemonic, f.Name, f.Width(), n, regWidth)
			}
		}
	}
	return nil
}

// validateMemoryLayout enforces invariant 6: memory regions are within the
// address space and code/data regions do not overlap.
func (m *Model) validateMemoryLayout() error {
	if m.Raw.AddressSpaceBits > 0 {
		limit := ibits.Mask(m.Raw.AddressSpaceBits)
		for region, rng := range m.Raw.MemoryLayout {
			if rng.End > limit {
				return errs.Newf(errs.Position{}, errs.KindValidation,
					"memory region %q end 0x%X exceeds address space (0x%X)", region, rng.End, limit)
			}
		}
	}

	code, hasCode := m.Raw.MemoryLayout[RegionCode]
	data, hasData := m.Raw.MemoryLayout[RegionData]
	if hasCode && hasData && rangesOverlap(code, data) {
		return errs.Newf(errs.Position{}, errs.KindValidation,
			"code_section [0x%X:0x%X] overlaps data_section [0x%X:0x%X]", code.Start, code.End, data.Start, data.End)
	}
	stack, hasStack := m.Raw.MemoryLayout[RegionStack]
	if hasCode && hasStack && rangesOverlap(code, stack) {
		return errs.Newf(errs.Position{}, errs.KindValidation,
			"code_section overlaps stack_section")
	}
	if hasData && hasStack && rangesOverlap(data, stack) {
		return errs.Newf(errs.Position{}, errs.KindValidation,
			"data_section overlaps stack_section")
	}
	return nil
}

func rangesOverlap(a, b AddressRange) bool {
	return a.Start <= b.End && b.Start <= a.End
}

// precomputePatterns computes, for every real instruction, the opcode
// pattern (fixed-field literals placed into a zero word), the mask
// (1-bits at every fixed-field position), and the resolved length in bits.
func (m *Model) precomputePatterns() {
	for i := range m.Raw.Instructions {
		inst := &m.Raw.Instructions[i]
		length := inst.LengthBits
		if length == 0 {
			length = m.Raw.InstructionWidth
		}
		inst.ResolvedLen = length

		var pattern, mask uint64
		for _, f := range inst.Encoding {
			if f.Kind != FieldFixed {
				continue
			}
			pattern |= f.Value << uint(f.Low)
			mask |= ibits.Mask(f.Width()) << uint(f.Low)
		}
		inst.Pattern = pattern
		inst.Mask = mask

		inst.FieldByName = make(map[string]Field, len(inst.Encoding))
		for _, f := range inst.Encoding {
			inst.FieldByName[f.Name] = f
		}
	}
}

// validatePatternUniqueness enforces invariant 7: no two real instructions
// share the same (pattern, mask) at the same length.
func (m *Model) validatePatternUniqueness() error {
	type key struct {
		length int
		mask   uint64
		pattern uint64
	}
	seen := make(map[key]string)
	for _, inst := range m.Raw.Instructions {
		k := key{inst.ResolvedLen, inst.Mask, inst.Pattern}
		if prior, exists := seen[k]; exists {
			return errs.Newf(errs.Position{}, errs.KindValidation,
				"instructions %q and %q have identical (pattern, mask) at length %d bits: decoding would be ambiguous",
				prior, inst.Mnemonic, inst.ResolvedLen)
		}
		seen[k] = inst.Mnemonic
	}
	return nil
}

// ParseSyntax extracts the ordered operand names from a syntax template,
// e.g. "ADD rd, rs2" -> ["rd", "rs2"]. Punctuation (commas, brackets,
// parens) is treated as a separator; the mnemonic token itself is dropped.
func ParseSyntax(syntax string) []string {
	fields := strings.FieldsFunc(syntax, func(r rune) bool {
		switch r {
		case ' ', '\t', ',', '[', ']', '(', ')', '{', '}':
			return true
		default:
			return false
		}
	})
	if len(fields) == 0 {
		return nil
	}
	return fields[1:] // fields[0] is the mnemonic token
}

// buildSyntaxOrders computes, for every instruction and pseudo-instruction,
// the operand name order as written in its syntax template. This is the
// syntax<->field map spec §4.5/§9 requires both encode and decode to share.
func (m *Model) buildSyntaxOrders() {
	for i := range m.Raw.Instructions {
		m.Raw.Instructions[i].SyntaxOrder = ParseSyntax(m.Raw.Instructions[i].Syntax)
	}
	for i := range m.Raw.Pseudos {
		m.Raw.Pseudos[i].SyntaxOrder = ParseSyntax(m.Raw.Pseudos[i].Syntax)
	}
}

func (m *Model) buildLookups() error {
	m.mnemonicToInstruction = make(map[string]*Instruction, len(m.Raw.Instructions))
	for i := range m.Raw.Instructions {
		inst := &m.Raw.Instructions[i]
		key := m.normalizeMnemonic(inst.Mnemonic)
		if _, exists := m.mnemonicToInstruction[key]; exists {
			return errs.Newf(errs.Position{}, errs.KindISALoad, "duplicate instruction mnemonic %q", inst.Mnemonic)
		}
		m.mnemonicToInstruction[key] = inst
	}

	m.mnemonicToPseudo = make(map[string]*Pseudo, len(m.Raw.Pseudos))
	for i := range m.Raw.Pseudos {
		p := &m.Raw.Pseudos[i]
		m.mnemonicToPseudo[m.normalizeMnemonic(p.Mnemonic)] = p
	}

	m.directiveByName = make(map[string]*Directive, len(m.Raw.Directives))
	for i := range m.Raw.Directives {
		d := &m.Raw.Directives[i]
		m.directiveByName[m.normalizeMnemonic(d.Name)] = d
	}

	m.registerByName = make(map[string]*Register)
	for i := range m.Raw.Registers {
		r := &m.Raw.Registers[i]
		canon := m.normalizeRegister(r.Name)
		if _, exists := m.registerByName[canon]; exists {
			return errs.Newf(errs.Position{}, errs.KindISALoad, "duplicate register name %q", r.Name)
		}
		m.registerByName[canon] = r
		for _, alias := range r.Aliases {
			aliasKey := m.normalizeRegister(alias)
			if _, exists := m.registerByName[aliasKey]; exists {
				return errs.Newf(errs.Position{}, errs.KindISALoad, "duplicate register alias %q", alias)
			}
			m.registerByName[aliasKey] = r
		}
	}

	m.regionRanges = make(map[Region]AddressRange, len(m.Raw.MemoryLayout))
	for region, rng := range m.Raw.MemoryLayout {
		m.regionRanges[region] = rng
	}

	return nil
}

// validatePseudoExpansions enforces invariant 5: every pseudo-instruction's
// expansion resolves to known mnemonics, and rejects expansion cycles
// and chains deeper than a fixed limit of 4 at load time so assembly never has to detect
// them dynamically.
func (m *Model) validatePseudoExpansions() error {
	const maxDepth = 4
	var resolves func(mnemonic string, depth int, stack map[string]bool) error
	resolves = func(mnemonic string, depth int, stack map[string]bool) error {
		if depth > maxDepth {
			return errs.Newf(errs.Position{}, errs.KindISALoad,
				"pseudo-instruction expansion exceeds max depth %d (possible cycle at %q)", maxDepth, mnemonic)
		}
		key := m.normalizeMnemonic(mnemonic)
		if stack[key] {
			return errs.Newf(errs.Position{}, errs.KindISALoad, "cyclic pseudo-instruction expansion involving %q", mnemonic)
		}
		p, isPseudo := m.mnemonicToPseudo[key]
		if !isPseudo {
			if _, isReal := m.mnemonicToInstruction[key]; !isReal {
				return errs.Newf(errs.Position{}, errs.KindISALoad, "pseudo-instruction expansion references unknown mnemonic %q", mnemonic)
			}
			return nil
		}
		stack[key] = true
		for _, step := range p.Expansion {
			if err := resolves(step.Mnemonic, depth+1, stack); err != nil {
				return err
			}
		}
		delete(stack, key)
		return nil
	}

	for _, p := range m.Raw.Pseudos {
		for _, step := range p.Expansion {
			if err := resolves(step.Mnemonic, 1, map[string]bool{m.normalizeMnemonic(p.Mnemonic): true}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Model) compileSandboxedBodies(compile Compiler) error {
	if compile == nil {
		return nil
	}
	for i := range m.Raw.Directives {
		d := &m.Raw.Directives[i]
		if d.Body == "" {
			continue
		}
		prog, err := compile(d.Body)
		if err != nil {
			return errs.Newf(errs.Position{}, errs.KindSandbox, "directive %q: %v", d.Name, err)
		}
		d.Program = prog
	}
	for i := range m.Raw.Instructions {
		inst := &m.Raw.Instructions[i]
		if inst.SemanticBody == "" {
			continue
		}
		if _, err := compile(inst.SemanticBody); err != nil {
			return errs.Newf(errs.Position{}, errs.KindSandbox, "instruction %q semantics: %v", inst.Mnemonic, err)
		}
	}
	return nil
}
