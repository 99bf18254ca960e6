package asmcore

import (
	"fmt"

	"isaforge/isa"
)

// expandPseudo implements spec §4.5 "Pseudo-instruction expansion": each
// operand slot in the expansion template is either a literal (a fixed
// register name or immediate the pseudo always emits) or one of the
// pseudo's own syntax-order operand names, which is replaced by the actual
// operand text the caller supplied for that position.
//
// Grounded on the teacher's macro-expansion shape (textual substitution)
// generalized from a hardcoded ARM macro table to the ISA-declared
// expansion template.
func expandPseudo(pseudo *isa.Pseudo, operands []string) ([]isa.ExpansionStep, error) {
	if len(operands) != len(pseudo.SyntaxOrder) {
		return nil, fmt.Errorf("%s expects %d operand(s), got %d", pseudo.Mnemonic, len(pseudo.SyntaxOrder), len(operands))
	}

	bindings := make(map[string]string, len(operands))
	for i, name := range pseudo.SyntaxOrder {
		bindings[name] = operands[i]
	}

	steps := make([]isa.ExpansionStep, len(pseudo.Expansion))
	for i, step := range pseudo.Expansion {
		resolved := make([]string, len(step.Operands))
		for j, token := range step.Operands {
			if actual, ok := bindings[token]; ok {
				resolved[j] = actual
			} else {
				resolved[j] = token
			}
		}
		steps[i] = isa.ExpansionStep{Mnemonic: step.Mnemonic, Operands: resolved}
	}
	return steps, nil
}
