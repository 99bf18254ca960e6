package disasm

import (
	"math/bits"
	"sort"
	"strconv"

	ibits "isaforge/bits"
	"isaforge/isa"
)

// decoder holds the state of one Disassemble run.
type decoder struct {
	model *isa.Model
	code  []byte
	opts  Options

	start       uint64
	base        uint64 // address code[0] corresponds to
	decodeOrder []*isa.Instruction
	maxNops     int
}

func newDecoder(model *isa.Model, code []byte, opts Options) *decoder {
	base := codeBase(model)
	start := base
	if opts.StartAddress != nil {
		start = *opts.StartAddress
	}
	maxNops := opts.MaxConsecutiveNops
	if maxNops <= 0 {
		maxNops = defaultMaxConsecutiveNops
	}
	return &decoder{
		model:       model,
		code:        code,
		opts:        opts,
		start:       start,
		base:        base,
		decodeOrder: buildDecodeOrder(model),
		maxNops:     maxNops,
	}
}

func codeBase(model *isa.Model) uint64 {
	if r, ok := model.RegionRange(isa.RegionCode); ok {
		return r.Start
	}
	return 0
}

// buildDecodeOrder returns instructions ordered for pattern matching: a
// more specific (longer-mask) pattern is tried before a looser one that
// might also match the same word, with ties broken by declaration order
// (spec §4.6 "in declaration order, tie-broken by longer-mask-first").
func buildDecodeOrder(model *isa.Model) []*isa.Instruction {
	insts := model.Instructions()
	order := make([]*isa.Instruction, len(insts))
	for i := range insts {
		order[i] = &insts[i]
	}
	sort.SliceStable(order, func(i, j int) bool {
		return bits.OnesCount64(order[i].Mask) > bits.OnesCount64(order[j].Mask)
	})
	return order
}

// regionMode returns the CODE/DATA baseline for addr from the ISA's memory
// layout, before any explicit DataRanges override.
func (d *decoder) regionMode(addr uint64) Mode {
	for _, r := range []isa.Region{isa.RegionInterruptVectors, isa.RegionData, isa.RegionMMIO} {
		if rng, ok := d.model.RegionRange(r); ok && rng.Contains(addr) {
			return ModeData
		}
	}
	return ModeCode
}

func (d *decoder) baselineMode(addr uint64) Mode {
	for _, r := range d.opts.DataRanges {
		if r.Contains(addr) {
			return ModeData
		}
	}
	return d.regionMode(addr)
}

func (d *decoder) byteOrder() ibits.Endian {
	if d.model.Raw.ByteOrder == isa.BigEndian {
		return ibits.BigEndian
	}
	return ibits.LittleEndian
}

// offsetAt returns the buffer offset for addr, or -1 if addr falls outside
// the decoded buffer.
func (d *decoder) offsetAt(addr uint64) int {
	if addr < d.base {
		return -1
	}
	off := int(addr - d.base)
	if off >= len(d.code) {
		return -1
	}
	return off
}

// matchAt attempts to match a real instruction at addr, returning the
// matched instruction, the decoded word, and its byte length.
func (d *decoder) matchAt(addr uint64) (*isa.Instruction, uint64, int, bool) {
	off := d.offsetAt(addr)
	if off < 0 {
		return nil, 0, 0, false
	}
	for _, inst := range d.decodeOrder {
		length := inst.ResolvedLen / 8
		if off+length > len(d.code) {
			continue
		}
		word, err := ibits.FromBytes(d.code[off:off+length], d.byteOrder())
		if err != nil {
			continue
		}
		if word&inst.Mask == inst.Pattern {
			return inst, word, length, true
		}
	}
	return nil, 0, 0, false
}

// pcBaseFor resolves the PC-relative reference point for field f of inst
// at addr, falling back to the ISA's disassembly-wide default when the
// field itself doesn't declare one.
func (d *decoder) pcBaseFor(f isa.Field, addr uint64, lengthBytes int) uint64 {
	base := f.OffsetBase
	if base == "" {
		base = d.model.Raw.Mirror.DisassemblyPCBase
	}
	if base == isa.OffsetNext {
		return addr + uint64(lengthBytes)
	}
	return addr
}

// collectTargets sweeps the buffer once, optimistically decoding every
// address whose pre-partition baseline is CODE, and records every
// control-flow instruction's computed target address. This mirrors the
// teacher's findBranchTargets preliminary pass.
func (d *decoder) collectTargets() map[uint64]bool {
	targets := make(map[uint64]bool)
	addr := d.start
	end := d.base + uint64(len(d.code))
	for addr < end {
		if d.baselineMode(addr) == ModeData {
			addr++
			continue
		}
		inst, word, length, ok := d.matchAt(addr)
		if !ok {
			addr++
			continue
		}
		if inst.ControlFlow {
			if tgt, ok := d.controlFlowTarget(inst, word, addr, length); ok {
				targets[tgt] = true
			}
		}
		addr += uint64(length)
	}
	return targets
}

// controlFlowTarget extracts the address-kind field's value from a
// decoded control-flow instruction and applies PC-relative adjustment.
func (d *decoder) controlFlowTarget(inst *isa.Instruction, word, addr uint64, length int) (uint64, bool) {
	for _, f := range inst.Encoding {
		if f.Kind != isa.FieldAddress {
			continue
		}
		raw, err := ibits.Extract(word, f.High, f.Low)
		if err != nil {
			return 0, false
		}
		if f.Signed {
			se, err := ibits.SignExtend(raw, f.Width(), 64)
			if err != nil {
				return 0, false
			}
			raw = se
		}
		pcBase := d.pcBaseFor(f, addr, length)
		return uint64(int64(pcBase) + int64(raw)), true
	}
	return 0, false
}

// decode performs the real sequential pass: decide CODE/DATA per address
// using the state machine in spec §4.6, format each decoded instruction's
// operands, emit labels at known targets, and (if Smart) fold real
// instructions into pseudo-instruction reconstructions.
func (d *decoder) decode(targets map[uint64]bool, labels map[uint64]string) []Entry {
	var entries []Entry
	var pendingData []byte
	var pendingDataAddr uint64

	flushData := func() {
		if len(pendingData) == 0 {
			return
		}
		entries = append(entries, Entry{Kind: EntryData, Address: pendingDataAddr, Data: pendingData})
		pendingData = nil
	}

	maxTarget := uint64(0)
	for t := range targets {
		if t > maxTarget {
			maxTarget = t
		}
	}

	mode := d.baselineMode(d.start)
	consecutiveNops := 0
	addr := d.start
	end := d.base + uint64(len(d.code))

	var decodedReal []Instruction // lookahead buffer for multi-step pseudo reconstruction

	emitLabel := func(a uint64) {
		if name, ok := labels[a]; ok {
			flushData()
			entries = append(entries, Entry{Kind: EntryLabel, Address: a, Label: name})
		}
	}

	for addr < end {
		if targets[addr] {
			mode = ModeCode
		}
		emitLabel(addr)

		if mode == ModeData {
			off := d.offsetAt(addr)
			if len(pendingData) == 0 {
				pendingDataAddr = addr
			}
			pendingData = append(pendingData, d.code[off])
			addr++
			continue
		}

		inst, word, length, ok := d.matchAt(addr)
		if !ok {
			mode = ModeData
			continue
		}
		flushData()

		decoded := d.renderInstruction(inst, word, addr, length, labels)
		decodedReal = append(decodedReal, decoded)
		addr += uint64(length)

		if normalizeMnemonic(decoded.Mnemonic) == "nop" {
			consecutiveNops++
			if consecutiveNops > d.maxNops {
				mode = ModeData
			}
		} else {
			consecutiveNops = 0
		}

		if isReturnMnemonic(d.model, decoded.Mnemonic) && addr > maxTarget {
			mode = ModeData
		}

		entries, decodedReal = d.flushReconstructed(entries, decodedReal)
	}
	flushData()
	return entries
}

// flushReconstructed tries to fold the tail of decodedReal into a
// pseudo-instruction (smart mode only), emitting whatever it can resolve
// and keeping any remainder buffered for the next iteration's lookahead.
func (d *decoder) flushReconstructed(entries []Entry, decodedReal []Instruction) ([]Entry, []Instruction) {
	if !d.opts.Smart {
		for _, r := range decodedReal {
			entries = append(entries, Entry{Kind: EntryInstruction, Address: r.Address, Instruction: r})
		}
		return entries, nil
	}

	if pseudo, steps, ok := matchPseudo(d.model, decodedReal); ok {
		rendered := renderPseudo(pseudo, decodedReal[:steps])
		entries = append(entries, Entry{Kind: EntryInstruction, Address: decodedReal[0].Address, Instruction: rendered})
		return entries, decodedReal[steps:]
	}

	// No pseudo match starting at decodedReal[0]; if there's more than one
	// buffered instruction a later one might still start a match, but the
	// head one cannot wait any longer once a second instruction has
	// arrived without resolving, so flush it as a plain real instruction.
	if len(decodedReal) >= 2 {
		entries = append(entries, Entry{Kind: EntryInstruction, Address: decodedReal[0].Address, Instruction: decodedReal[0]})
		return entries, decodedReal[1:]
	}
	return entries, decodedReal
}

func normalizeMnemonic(m string) string {
	out := make([]byte, len(m))
	for i := 0; i < len(m); i++ {
		c := m[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func isReturnMnemonic(model *isa.Model, mnemonic string) bool {
	n := normalizeMnemonic(mnemonic)
	if n == "ret" || n == "jr" {
		return true
	}
	for _, r := range model.Raw.Formatting.ReturnMnemonics {
		if normalizeMnemonic(r) == n {
			return true
		}
	}
	return false
}

// renderInstruction decodes every non-fixed field of inst (already matched
// against word) into its syntax-order operand text.
func (d *decoder) renderInstruction(inst *isa.Instruction, word, addr uint64, length int, labels map[uint64]string) Instruction {
	operands := make([]string, len(inst.SyntaxOrder))
	for i, name := range inst.SyntaxOrder {
		f, ok := inst.FieldByName[name]
		if !ok {
			continue
		}
		operands[i] = d.renderField(inst, f, word, addr, length, labels)
	}
	off := d.offsetAt(addr)
	return Instruction{
		Address:       addr,
		Bytes:         append([]byte(nil), d.code[off:off+length]...),
		Mnemonic:      inst.Mnemonic,
		Operands:      operands,
		ConsumedBytes: 1,
	}
}

func (d *decoder) renderField(inst *isa.Instruction, f isa.Field, word, addr uint64, length int, labels map[uint64]string) string {
	raw, err := ibits.Extract(word, f.High, f.Low)
	if err != nil {
		return "?"
	}

	switch f.Kind {
	case isa.FieldRegister:
		if reg, ok := d.model.RegisterByIndex(int(raw)); ok {
			return d.model.Raw.Formatting.RegisterPrefix + reg.Name
		}
		return d.model.Raw.Formatting.RegisterPrefix + strconv.Itoa(int(raw))

	case isa.FieldAddress:
		value := int64(raw)
		if f.Signed {
			se, err := ibits.SignExtend(raw, f.Width(), 64)
			if err == nil {
				value = int64(se)
			}
		}
		var target uint64
		if inst.ControlFlow {
			target = uint64(int64(d.pcBaseFor(f, addr, length)) + value)
		} else {
			target = uint64(value)
		}
		if name, ok := labels[target]; ok {
			return name
		}
		return d.formatImmediate(inst.Mnemonic, int64(target), f)

	default: // FieldImmediate
		value := int64(raw)
		if f.Signed {
			se, err := ibits.SignExtend(raw, f.Width(), 64)
			if err == nil {
				value = int64(se)
			}
		}
		return d.formatImmediate(inst.Mnemonic, value, f)
	}
}

// formatImmediate renders an integer per spec §4.6: decimal for
// immediate-kind fields by default, hex for address-kind fields by
// default, either overridable per mnemonic by the ISA's
// always_decimal_for/always_hex_for lists.
func (d *decoder) formatImmediate(mnemonic string, value int64, f isa.Field) string {
	fmtRules := d.model.Raw.Formatting
	forceDecimal := containsFold(fmtRules.AlwaysDecimalFor, mnemonic)
	forceHex := containsFold(fmtRules.AlwaysHexFor, mnemonic)

	useHex := f.Kind == isa.FieldAddress
	if forceDecimal {
		useHex = false
	} else if forceHex {
		useHex = true
	}

	if !useHex {
		return strconv.FormatInt(value, 10)
	}
	sign := ""
	uv := value
	if value < 0 {
		sign = "-"
		uv = -value
	}
	return sign + fmtRules.HexPrefix + strconv.FormatInt(uv, 16)
}

func containsFold(list []string, s string) bool {
	n := normalizeMnemonic(s)
	for _, v := range list {
		if normalizeMnemonic(v) == n {
			return true
		}
	}
	return false
}
