// Package isa loads and validates the declarative, JSON-shaped description of
// an instruction set architecture and precomputes everything the assembler
// and disassembler need: opcode patterns/masks, syntax<->encoding field maps,
// and name-based lookup indexes.
package isa

// ByteOrder is the ISA's memory/word byte order.
type ByteOrder string

const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
)

// PCBehavior describes what the program counter is considered to point to
// while an instruction at that address is being processed.
type PCBehavior string

const (
	PCCurrentInstruction PCBehavior = "current_instruction"
	PCNextInstruction    PCBehavior = "next_instruction"
)

// OffsetBase selects the PC reference point for a PC-relative field.
type OffsetBase string

const (
	OffsetCurrent OffsetBase = "current"
	OffsetNext    OffsetBase = "next"
)

// FieldKind classifies an instruction encoding field.
type FieldKind string

const (
	FieldFixed    FieldKind = "fixed"
	FieldRegister FieldKind = "register"
	FieldImmediate FieldKind = "immediate"
	FieldAddress  FieldKind = "address"
)

// ReconstructionType controls how a pseudo-instruction is recognized during
// smart disassembly.
type ReconstructionType string

const (
	ReconstructExact       ReconstructionType = "exact_match"
	ReconstructJumpWithRet ReconstructionType = "jump_with_return"
)

// Region names the standard memory-layout regions named in spec §3.
type Region string

const (
	RegionInterruptVectors Region = "interrupt_vectors"
	RegionCode             Region = "code_section"
	RegionData             Region = "data_section"
	RegionStack            Region = "stack_section"
	RegionMMIO             Region = "mmio"
)

// AddressRange is an inclusive [Start, End] range.
type AddressRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether addr falls within the inclusive range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.End
}

// Field is one bit-field within an instruction's encoding.
type Field struct {
	Name       string    `json:"name"`
	Range      string    `json:"range"` // "H:L"
	Kind       FieldKind `json:"kind"`
	Value      uint64    `json:"value,omitempty"`   // fixed fields
	Signed     bool      `json:"signed,omitempty"`  // immediate fields
	OffsetBase OffsetBase `json:"offset_base,omitempty"`

	High, Low int `json:"-"` // parsed from Range at load time
}

// Width returns the field's bit width.
func (f Field) Width() int {
	return f.High - f.Low + 1
}

// Register is one entry in the ISA's register set.
type Register struct {
	Name    string   `json:"name"`
	Width   int      `json:"width"`
	Aliases []string `json:"aliases,omitempty"`

	Index int `json:"-"` // assigned from position in Registers
}

// Instruction is one real (non-pseudo) instruction.
type Instruction struct {
	Mnemonic    string  `json:"mnemonic"`
	Syntax      string  `json:"syntax"`
	Semantics   string  `json:"semantics,omitempty"`
	SemanticBody string `json:"semantic_body,omitempty"` // sandboxed, simulator-only
	Encoding    []Field `json:"encoding"`
	LengthBits  int     `json:"length_bits,omitempty"` // 0 => ISA default
	PseudoHint  string  `json:"pseudo_hint,omitempty"`
	ControlFlow bool    `json:"control_flow,omitempty"` // jumps/branches: PC-relative eligible

	// Precomputed at load time.
	Pattern      uint64         `json:"-"`
	Mask         uint64         `json:"-"`
	ResolvedLen  int            `json:"-"` // bits
	SyntaxOrder  []string       `json:"-"` // operand names, in syntax order
	FieldByName  map[string]Field `json:"-"`
}

// ExpansionStep is one instruction emitted by a pseudo-instruction expansion.
type ExpansionStep struct {
	Mnemonic string   `json:"mnemonic"`
	Operands []string `json:"operands"`
}

// Pseudo is a source-level mnemonic that expands to one or more real
// instructions.
type Pseudo struct {
	Mnemonic           string             `json:"mnemonic"`
	Syntax             string             `json:"syntax"`
	Expansion          []ExpansionStep    `json:"expansion"`
	HideOperands       bool               `json:"hide_operands,omitempty"`
	ShowAsPseudo       bool               `json:"show_as_pseudo,omitempty"`
	ReconstructionType ReconstructionType `json:"reconstruction_type,omitempty"`

	SyntaxOrder []string `json:"-"`
}

// Directive is a source-level command with a sandboxed executable body.
type Directive struct {
	Name     string   `json:"name"`
	ArgTypes []string `json:"arg_types,omitempty"`
	Body     string   `json:"body,omitempty"` // sandbox source; empty => built-in

	Program Program `json:"-"` // compiled sandbox program, nil for built-ins
}

// Program is the compiled form of a sandboxed body (directive or semantic).
// The concrete implementation lives in package sandbox; isa only needs an
// opaque handle so it doesn't import sandbox's evaluation internals and
// sandbox doesn't need to import isa's model types.
type Program interface {
	Source() string
}

// Formatting controls source-text rendering conventions.
type Formatting struct {
	RegisterPrefix   string `json:"register_prefix,omitempty"`
	HexPrefix        string `json:"hex_prefix,omitempty"`
	BinPrefix        string `json:"bin_prefix,omitempty"`
	CommentChars     []string `json:"comment_chars,omitempty"`
	LabelSuffix      string `json:"label_suffix,omitempty"`
	OperandSeparator string `json:"operand_separator,omitempty"`
	CaseSensitive    bool   `json:"case_sensitive,omitempty"`
	LocalLabelPrefix string `json:"local_label_prefix,omitempty"`
	AlwaysDecimalFor []string `json:"always_decimal_for,omitempty"`
	AlwaysHexFor     []string `json:"always_hex_for,omitempty"`
	ReturnMnemonics  []string `json:"return_mnemonics,omitempty"`
}

// Mirror controls how disassembly renders PC-relative targets.
type Mirror struct {
	DisassemblyPCBase OffsetBase `json:"disassembly_pc_base,omitempty"`
}

// Raw is the JSON-decoded, unvalidated ISA description. Load() turns this
// into a fully precomputed, immutable *Model.
type Raw struct {
	Name                string                  `json:"name"`
	InstructionWidth    int                     `json:"instruction_width"`
	WordWidth           int                     `json:"word_width"`
	ByteOrder           ByteOrder               `json:"byte_order"`
	AddressSpaceBits    int                     `json:"address_space_bits"`
	Alignment           int                     `json:"alignment"`
	VariableLength      bool                    `json:"variable_length"`
	MemoryLayout        map[Region]AddressRange `json:"memory_layout"`
	PCPointsTo          PCBehavior              `json:"pc_points_to"`
	JumpOffsetReference OffsetBase              `json:"jump_offset_reference"`
	Mirror              Mirror                  `json:"mirror"`
	Registers           []Register              `json:"registers"`
	RegisterCaseInsens  bool                    `json:"register_case_insensitive"`
	Instructions        []Instruction           `json:"instructions"`
	Pseudos             []Pseudo                `json:"pseudo_instructions"`
	Directives          []Directive             `json:"directives"`
	Formatting          Formatting              `json:"formatting"`
}

// Model is the fully loaded, validated, and precomputed ISA description.
// It is immutable after Load returns and safe to share across concurrent
// Assembler/Disassembler instances (spec §5).
type Model struct {
	Raw

	mnemonicToInstruction map[string]*Instruction
	mnemonicToPseudo      map[string]*Pseudo
	directiveByName       map[string]*Directive
	registerByName        map[string]*Register
	regionRanges          map[Region]AddressRange
}

// Instruction looks up a real instruction by mnemonic, honoring the ISA's
// case-sensitivity setting.
func (m *Model) Instruction(mnemonic string) (*Instruction, bool) {
	i, ok := m.mnemonicToInstruction[m.normalizeMnemonic(mnemonic)]
	return i, ok
}

// PseudoInstruction looks up a pseudo-instruction by mnemonic.
func (m *Model) PseudoInstruction(mnemonic string) (*Pseudo, bool) {
	p, ok := m.mnemonicToPseudo[m.normalizeMnemonic(mnemonic)]
	return p, ok
}

// DirectiveByName looks up a directive by its name, including the leading
// '.'.
func (m *Model) DirectiveByName(name string) (*Directive, bool) {
	d, ok := m.directiveByName[m.normalizeMnemonic(name)]
	return d, ok
}

// RegisterByName looks up a register by canonical name or alias.
func (m *Model) RegisterByName(name string) (*Register, bool) {
	r, ok := m.registerByName[m.normalizeRegister(name)]
	return r, ok
}

// RegionRange returns the [start,end] range for a named memory region.
func (m *Model) RegionRange(r Region) (AddressRange, bool) {
	rng, ok := m.regionRanges[r]
	return rng, ok
}

// RegisterByIndex looks up a register by its encoded field value, the
// inverse of RegisterByName. Used by the disassembler to render a decoded
// register field back to its canonical name.
func (m *Model) RegisterByIndex(index int) (*Register, bool) {
	if index < 0 || index >= len(m.Raw.Registers) {
		return nil, false
	}
	return &m.Raw.Registers[index], true
}

// Instructions returns the ordered list of real instructions.
func (m *Model) Instructions() []Instruction {
	return m.Raw.Instructions
}

// PseudoInstructions returns the ordered list of pseudo-instructions.
func (m *Model) PseudoInstructions() []Pseudo {
	return m.Raw.Pseudos
}

func (m *Model) normalizeMnemonic(s string) string {
	if m.Raw.Formatting.CaseSensitive {
		return s
	}
	return upper(s)
}

func (m *Model) normalizeRegister(s string) string {
	if !m.Raw.RegisterCaseInsens {
		return s
	}
	return upper(s)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
