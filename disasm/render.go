package disasm

import (
	"strconv"
	"strings"

	"isaforge/isa"
)

const maxDataBytesPerLine = 8

// RenderText turns a decoded entry stream into assembly source text using
// the ISA's declared formatting conventions (register/hex prefixes,
// operand separator, comment and label punctuation), the same rendering
// surface the assembler's own error messages and the original source text
// were written in.
func RenderText(model *isa.Model, entries []Entry) string {
	fmtRules := model.Raw.Formatting
	sep := fmtRules.OperandSeparator
	if sep == "" {
		sep = ", "
	}
	labelSuffix := fmtRules.LabelSuffix
	if labelSuffix == "" {
		labelSuffix = ":"
	}
	commentChar := ";"
	if len(fmtRules.CommentChars) > 0 {
		commentChar = fmtRules.CommentChars[0]
	}
	hexPrefix := fmtRules.HexPrefix

	var b strings.Builder
	for _, e := range entries {
		switch e.Kind {
		case EntryLabel:
			b.WriteString(e.Label)
			b.WriteString(labelSuffix)
			b.WriteByte('\n')

		case EntryInstruction:
			b.WriteByte('\t')
			b.WriteString(e.Instruction.Mnemonic)
			if len(e.Instruction.Operands) > 0 {
				b.WriteByte(' ')
				b.WriteString(strings.Join(e.Instruction.Operands, sep))
			}
			if e.Instruction.Comment != "" {
				b.WriteByte(' ')
				b.WriteString(commentChar)
				b.WriteByte(' ')
				b.WriteString(e.Instruction.Comment)
			}
			b.WriteByte('\n')

		case EntryData:
			writeDataLines(&b, e.Data, hexPrefix)
		}
	}
	return b.String()
}

func writeDataLines(b *strings.Builder, data []byte, hexPrefix string) {
	for off := 0; off < len(data); off += maxDataBytesPerLine {
		end := off + maxDataBytesPerLine
		if end > len(data) {
			end = len(data)
		}
		b.WriteString("\t.byte ")
		for i, v := range data[off:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(hexPrefix)
			b.WriteString(strconv.FormatUint(uint64(v), 16))
		}
		b.WriteByte('\n')
	}
}
