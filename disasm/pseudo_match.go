package disasm

import "isaforge/isa"

// matchPseudo tries every ISA-declared pseudo-instruction marked
// show_as_pseudo (in declaration order, per Open Question decision 2;
// the others are skipped) against the head of window, the
// most recently decoded real instructions. It is the inverse of
// asmcore.expandPseudo: instead of substituting operands into expansion
// steps, it recovers the substitution from already-decoded steps.
//
// A jump_with_return pseudo (e.g. "call" expanding to a PC-relative jump
// followed by a linked return address setup) consumes more than one real
// instruction; exact_match pseudos normally consume exactly one. Both are
// handled by the same N-step consuming-window matcher rather than
// type-specific branches, since the difference is only how many steps the
// expansion has.
func matchPseudo(model *isa.Model, window []Instruction) (*isa.Pseudo, int, bool) {
	for i := range model.Raw.Pseudos {
		p := &model.Raw.Pseudos[i]
		if !p.ShowAsPseudo {
			continue
		}
		n := len(p.Expansion)
		if n == 0 || n > len(window) {
			continue
		}
		if bindings, ok := matchExpansion(p, window[:n]); ok {
			_ = bindings
			return p, n, true
		}
	}
	return nil, 0, false
}

// matchExpansion checks whether steps (already-decoded real instructions)
// match pseudo p's expansion template, returning the resolved operand
// bindings for p's own syntax-order names.
func matchExpansion(p *isa.Pseudo, steps []Instruction) (map[string]string, bool) {
	bindings := make(map[string]string, len(p.SyntaxOrder))
	isVar := make(map[string]bool, len(p.SyntaxOrder))
	for _, name := range p.SyntaxOrder {
		isVar[name] = true
	}

	for i, expected := range p.Expansion {
		actual := steps[i]
		if !mnemonicEqual(expected.Mnemonic, actual.Mnemonic) {
			return nil, false
		}
		if len(expected.Operands) != len(actual.Operands) {
			return nil, false
		}
		for j, token := range expected.Operands {
			actualText := actual.Operands[j]
			if isVar[token] {
				if bound, ok := bindings[token]; ok {
					if bound != actualText {
						return nil, false
					}
				} else {
					bindings[token] = actualText
				}
				continue
			}
			if token != actualText {
				return nil, false
			}
		}
	}
	return bindings, true
}

func mnemonicEqual(a, b string) bool {
	return normalizeMnemonic(a) == normalizeMnemonic(b)
}

// renderPseudo turns a matched pseudo and the real-instruction steps it
// consumed into a single rendered Instruction entry.
func renderPseudo(p *isa.Pseudo, steps []Instruction) Instruction {
	bindings, _ := matchExpansion(p, steps)

	var operands []string
	if !p.HideOperands {
		operands = make([]string, len(p.SyntaxOrder))
		for i, name := range p.SyntaxOrder {
			operands[i] = bindings[name]
		}
	}

	bytes := make([]byte, 0)
	for _, s := range steps {
		bytes = append(bytes, s.Bytes...)
	}

	return Instruction{
		Address:       steps[0].Address,
		Bytes:         bytes,
		Mnemonic:      p.Mnemonic,
		Operands:      operands,
		Pseudo:        true,
		ConsumedBytes: len(steps),
	}
}
