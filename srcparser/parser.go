package srcparser

import (
	"strings"

	"isaforge/errs"
)

// Parse tokenizes source and groups it into the parse-node sequence spec §3
// describes. filename tags every node's position; commentChars is the
// ISA's configured set of line-comment markers. Parse errors (an
// unrecognized statement shape) are recorded on rep rather than returned,
// so a single run can collect several before giving up.
func Parse(source, filename string, commentChars []string, rep *errs.Reporter) []Node {
	lx := NewLexer(source, commentChars)

	var nodes []Node
	var line []Token
	var comments []Token

	flush := func() {
		nodes = append(nodes, processStatement(line, source, filename, rep)...)
		for _, c := range comments {
			nodes = append(nodes, Node{Kind: NodeComment, Pos: posOf(filename, c), Comment: c.Literal})
		}
		line = nil
		comments = nil
	}

	for {
		tok := lx.NextToken()
		switch tok.Type {
		case TokComment:
			comments = append(comments, tok)
		case TokNewline:
			flush()
		case TokEOF:
			flush()
			return nodes
		default:
			line = append(line, tok)
		}
	}
}

func posOf(filename string, t Token) errs.Position {
	return errs.Position{File: filename, Line: t.Line, Column: t.Column}
}

// processStatement turns one line's tokens (comments and the trailing
// newline already stripped) into zero or more nodes: either any number of
// "name:" labels, or one instruction or directive. Anything following a
// label on the same line is reported as a parse error.
func processStatement(line []Token, source, filename string, rep *errs.Reporter) []Node {
	var out []Node
	var sawLabel bool

	// A dot-prefixed name immediately followed by ':' is a local label
	// definition (e.g. ".loop:"), not a directive invocation — the same
	// token shape as ".word" is ambiguous until the colon disambiguates it.
	for len(line) >= 2 && (line[0].Type == TokIdentifier || line[0].Type == TokDirective) && line[1].Type == TokColon {
		out = append(out, Node{Kind: NodeLabel, Pos: posOf(filename, line[0]), Label: line[0].Literal})
		line = line[2:]
		sawLabel = true
	}
	if len(line) == 0 {
		return out
	}
	if sawLabel {
		// Label definitions must occupy their own line: no trailing
		// instruction or directive is permitted after one.
		rep.Add(errs.Newf(posOf(filename, line[0]), errs.KindParse,
			"label definition must occupy its own line (found %q following the label)", line[0].Literal))
		return out
	}

	first := line[0]
	switch first.Type {
	case TokDirective:
		out = append(out, Node{
			Kind:      NodeDirective,
			Pos:       posOf(filename, first),
			Directive: first.Literal,
			Args:      splitOperands(line[1:], source),
		})
	case TokIdentifier:
		out = append(out, Node{
			Kind:     NodeInstruction,
			Pos:      posOf(filename, first),
			Mnemonic: first.Literal,
			Operands: splitOperands(line[1:], source),
		})
	default:
		rep.Add(errs.Newf(posOf(filename, first), errs.KindParse,
			"unexpected token %q at start of statement", first.Literal))
	}
	return out
}

// splitOperands splits an operand token run on top-level commas (commas
// inside ()/[]/{} nesting do not separate operands) and re-slices the
// original source text for each group, so operand text survives with its
// exact original spacing and nested punctuation intact.
func splitOperands(tokens []Token, source string) []string {
	if len(tokens) == 0 {
		return nil
	}

	var groups [][]Token
	var cur []Token
	depth := 0
	for _, t := range tokens {
		switch t.Type {
		case TokLParen, TokLBracket, TokLBrace:
			depth++
		case TokRParen, TokRBracket, TokRBrace:
			depth--
		}
		if t.Type == TokComma && depth == 0 {
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	groups = append(groups, cur)

	operands := make([]string, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			operands = append(operands, "")
			continue
		}
		start, end := g[0].Start, g[len(g)-1].End
		operands = append(operands, strings.TrimSpace(source[start:end]))
	}
	return operands
}
