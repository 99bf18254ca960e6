package asmcore

import (
	ibits "isaforge/bits"
	"isaforge/errs"
	"isaforge/isa"
	"isaforge/sandbox"
	"isaforge/srcparser"
	"isaforge/symtab"
)

// assembler is the mutable assembly context spec §3 calls out explicitly:
// current address, current section, current pass, symbol table, output
// buffer, current file. One instance is used across both passes.
type assembler struct {
	model    *isa.Model
	symbols  *symtab.Table
	cancel   func() bool
	reporter *errs.Reporter // nil during pass 1

	startAddr uint64 // pass-reset address: code_section.start (or 0)
	base      uint64 // address that buf[0] corresponds to; may sit below startAddr
	minAddr   uint64 // lowest address reached by an absolute jump during pass 1
	buf       []byte // pass 2 only; pass 1 never writes it
	pass      int
	addr      uint64
	section   string
	file      string

	sections     map[string]SectionInfo
	sectionStart uint64

	maxExpansionDepth int
	sandboxLimits     sandbox.Limits
}

// resetForPass2 rewinds the address cursor to the starting value before
// pass 2 re-processes the same node sequence (spec §4.5 step "Reset
// current_address to the starting value").
func (a *assembler) resetForPass2() {
	a.addr = a.startAddr
	a.section = "text"
	a.sectionStart = a.startAddr
	a.sections = make(map[string]SectionInfo)
	a.buf = nil
}

// setAddr performs an absolute jump of the address cursor (.org, the
// advance_address sandbox host call). Unlike the sequential += advances
// normal encoding uses, a jump can move below any address reached so far
// (e.g. ".org 0" into an interrupt-vector region ahead of code_section),
// so pass 1 records the lowest point reached here and base is lowered to
// match before pass 2 allocates the output buffer.
func (a *assembler) setAddr(v uint64) {
	a.addr = v
	if a.pass == 1 && v < a.minAddr {
		a.minAddr = v
	}
}

// runPass walks nodes once, dispatching each to the label/directive/
// instruction handler appropriate for pass. reporter is nil during pass 1
// (pass-1 errors abort immediately rather than accumulating).
func (a *assembler) runPass(pass int, nodes []srcparser.Node, reporter *errs.Reporter) error {
	a.pass = pass
	a.reporter = reporter
	if pass == 1 {
		a.addr = a.startAddr
		a.minAddr = a.startAddr
		a.section = "text"
		a.sectionStart = a.startAddr
		a.sections = make(map[string]SectionInfo)
	}

	for _, n := range nodes {
		if a.cancel != nil && a.cancel() {
			return errs.New(n.Pos, errs.KindIO, "assembly cancelled")
		}
		a.file = n.Pos.File

		var err error
		switch n.Kind {
		case srcparser.NodeComment:
			// No effect on address or output.
		case srcparser.NodeLabel:
			err = a.processLabel(n)
		case srcparser.NodeDirective:
			err = a.processDirective(n)
		case srcparser.NodeInstruction:
			err = a.processInstruction(n, 0)
		}

		if err != nil {
			if pass == 1 || reporter == nil {
				return err
			}
			if ae, ok := err.(*errs.Error); ok {
				reporter.Add(ae)
			} else {
				reporter.Add(errs.Newf(n.Pos, errs.KindEncoding, "%v", err))
			}
		}
	}
	a.closeSection()
	return nil
}

// processLabel defines the label's symbol in pass 1 only; pass 2 must not
// redefine it (the symbol table would reject the duplicate).
func (a *assembler) processLabel(n srcparser.Node) error {
	if a.pass != 1 {
		return nil
	}
	if num, ok := numericLabelNumber(n.Label); ok {
		a.symbols.Numeric().Define(num, a.addr, n.Pos)
		return nil
	}
	_, err := a.symbols.Define(n.Label, symtab.KindLabel, a.addr, n.Pos.File, n.Pos)
	return err
}

// numericLabelNumber reports whether label is a bare numeric local label
// ("1:", "42:") as opposed to a named label.
func numericLabelNumber(label string) (int, bool) {
	if label == "" {
		return 0, false
	}
	n := 0
	for _, r := range label {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// processInstruction handles both real instructions and pseudo-
// instructions; depth guards against runaway pseudo-expansion recursion.
func (a *assembler) processInstruction(n srcparser.Node, depth int) error {
	if depth > a.maxExpansionDepth {
		return errs.Newf(n.Pos, errs.KindEncoding,
			"pseudo-instruction expansion exceeded depth %d (possible cycle)", a.maxExpansionDepth)
	}

	if inst, ok := a.model.Instruction(n.Mnemonic); ok {
		return a.processRealInstruction(inst, n)
	}
	if pseudo, ok := a.model.PseudoInstruction(n.Mnemonic); ok {
		steps, err := expandPseudo(pseudo, n.Operands)
		if err != nil {
			return errs.Newf(n.Pos, errs.KindEncoding, "%v", err)
		}
		for _, step := range steps {
			stepNode := srcparser.Node{
				Kind:     srcparser.NodeInstruction,
				Pos:      n.Pos,
				Mnemonic: step.Mnemonic,
				Operands: step.Operands,
			}
			if err := a.processInstruction(stepNode, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return errs.Newf(n.Pos, errs.KindEncoding, "unknown instruction or pseudo-instruction %q", n.Mnemonic)
}

func (a *assembler) processRealInstruction(inst *isa.Instruction, n srcparser.Node) error {
	lengthBytes := inst.ResolvedLen / 8
	if a.pass == 1 {
		a.addr += uint64(lengthBytes)
		return nil
	}

	word, err := encodeInstruction(a.model, inst, n.Operands, a.addr, a.symbols, a.file)
	if err != nil {
		return errs.Newf(n.Pos, errs.KindEncoding, "%v", err)
	}
	bytes, err := ibits.ToBytes(word, lengthBytes, byteOrder(a.model))
	if err != nil {
		return errs.Newf(n.Pos, errs.KindEncoding, "%v", err)
	}
	a.write(bytes)
	return nil
}

func byteOrder(model *isa.Model) ibits.Endian {
	if model.Raw.ByteOrder == isa.BigEndian {
		return ibits.BigEndian
	}
	return ibits.LittleEndian
}

// write places data at the current address and advances it. The output
// buffer grows with zero padding as needed, whether the current address
// sits past the buffer's current extent (a forward .org, or an ordinary
// gap) or the write itself extends past it; a write whose address falls
// inside the already-written extent (a backward .org, spec §9 open
// question — resolved here as a warning, not a hard error) overwrites in
// place rather than appending a duplicate copy.
func (a *assembler) write(data []byte) {
	offset := int(a.addr - a.base)
	a.ensureSize(offset + len(data))
	copy(a.buf[offset:offset+len(data)], data)
	a.addr += uint64(len(data))
}

func (a *assembler) ensureSize(end int) {
	for len(a.buf) < end {
		a.buf = append(a.buf, 0)
	}
}

// switchSection closes out the current section's recorded extent and
// opens a new one named name.
func (a *assembler) switchSection(name string) {
	a.closeSection()
	a.section = name
	a.sectionStart = a.addr
}

func (a *assembler) closeSection() {
	if a.section == "" {
		return
	}
	size := a.addr - a.sectionStart
	existing := a.sections[a.section]
	a.sections[a.section] = SectionInfo{Start: a.sectionStart, Size: existing.Size + size}
}
