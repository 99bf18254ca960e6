package asmcore

import (
	"fmt"
	"strconv"
	"strings"

	ibits "isaforge/bits"
	"isaforge/errs"
	"isaforge/isa"
	"isaforge/sandbox"
	"isaforge/srcparser"
	"isaforge/symtab"
)

// standardDirectives implements every directive spec §4.5 requires every
// ISA to support, grounded on the teacher's directive switch in
// loader.LoadProgramIntoVM, generalized from hardcoded 4-byte ARM words to
// the ISA's configured word width and byte order.
var standardDirectives = map[string]func(*assembler, srcparser.Node) error{
	".org":     dirOrg,
	".word":    dirWord,
	".byte":    dirByte,
	".space":   dirSpace,
	".skip":    dirSpace,
	".ascii":   dirAscii,
	".asciiz":  dirAsciiz,
	".asciz":   dirAsciiz,
	".string":  dirAsciiz,
	".align":   dirAlign,
	".global":  dirGlobal,
	".globl":   dirGlobal,
	".equ":     dirEqu,
	".section": dirSection,
	".text":    dirText,
	".data":    dirData,
}

// processDirective dispatches a directive node: an ISA-declared directive
// with a compiled sandboxed body takes priority (an ISA may override a
// standard directive's native implementation), falling back to the
// built-in standard-directive table, per spec §4.5.
func (a *assembler) processDirective(n srcparser.Node) error {
	name := normalizeDirective(a.model, n.Directive)

	if d, ok := a.model.DirectiveByName(n.Directive); ok && d.Program != nil {
		return a.runSandboxedDirective(d, n)
	}
	if fn, ok := standardDirectives[name]; ok {
		return fn(a, n)
	}
	if _, declared := a.model.DirectiveByName(n.Directive); declared {
		return errs.Newf(n.Pos, errs.KindEncoding, "directive %q is declared with no body and is not a standard directive", n.Directive)
	}
	return errs.Newf(n.Pos, errs.KindParse, "unknown directive %q", n.Directive)
}

func normalizeDirective(model *isa.Model, name string) string {
	if model.Raw.Formatting.CaseSensitive {
		return name
	}
	return strings.ToLower(name)
}

func dirOrg(a *assembler, n srcparser.Node) error {
	if len(n.Args) != 1 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".org takes exactly 1 argument, got %d", len(n.Args))
	}
	target, err := a.resolveInt(n.Args[0], n.Pos)
	if err != nil {
		return err
	}
	if a.pass == 2 && target < a.addr && a.reporter != nil {
		a.reporter.Warn(&errs.Warning{
			Pos:     n.Pos,
			Message: fmt.Sprintf(".org moves the address backward from 0x%X to 0x%X; previously emitted bytes at the new address are overwritten, not preserved", a.addr, target),
		})
	}
	a.setAddr(target)
	return nil
}

func dirWord(a *assembler, n srcparser.Node) error {
	wordBytes := a.model.Raw.WordWidth / 8
	if wordBytes <= 0 {
		wordBytes = a.model.Raw.InstructionWidth / 8
	}
	for _, arg := range n.Args {
		if a.pass == 1 {
			a.addr += uint64(wordBytes)
			continue
		}
		val, err := a.resolveInt(arg, n.Pos)
		if err != nil {
			return err
		}
		bytes, err := ibits.ToBytes(val, wordBytes, byteOrder(a.model))
		if err != nil {
			return errs.Newf(n.Pos, errs.KindEncoding, ".word value %q: %v", arg, err)
		}
		a.write(bytes)
	}
	return nil
}

func dirByte(a *assembler, n srcparser.Node) error {
	for _, arg := range n.Args {
		if a.pass == 1 {
			a.addr++
			continue
		}
		val, err := byteLiteralOrExpr(a, arg, n.Pos)
		if err != nil {
			return err
		}
		a.write([]byte{val})
	}
	return nil
}

// byteLiteralOrExpr parses a `.byte` argument as a quoted character literal
// (`'A'`, `'\n'`) if it looks like one, otherwise as a restricted
// expression whose low 8 bits are taken.
func byteLiteralOrExpr(a *assembler, arg string, pos errs.Position) (byte, error) {
	if len(arg) >= 3 && arg[0] == '\'' && arg[len(arg)-1] == '\'' {
		content := srcparser.ProcessEscapeSequences(arg[1 : len(arg)-1])
		if len(content) != 1 {
			return 0, errs.Newf(pos, errs.KindEncoding, "character literal %q must contain exactly one byte", arg)
		}
		return content[0], nil
	}
	val, err := a.resolveInt(arg, pos)
	if err != nil {
		return 0, err
	}
	return byte(val), nil
}

func dirSpace(a *assembler, n srcparser.Node) error {
	if len(n.Args) < 1 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".space requires a size argument")
	}
	size, err := a.resolveInt(n.Args[0], n.Pos)
	if err != nil {
		return err
	}
	if a.pass == 1 {
		a.addr += size
		return nil
	}
	a.write(make([]byte, size))
	return nil
}

func dirAscii(a *assembler, n srcparser.Node) error {
	return emitString(a, n, false)
}

func dirAsciiz(a *assembler, n srcparser.Node) error {
	return emitString(a, n, true)
}

func emitString(a *assembler, n srcparser.Node, nullTerminate bool) error {
	if len(n.Args) < 1 {
		return errs.Newf(n.Pos, errs.KindEncoding, "string directive requires one quoted argument")
	}
	text := srcparser.ProcessEscapeSequences(unquote(n.Args[0]))
	n2 := len(text)
	if nullTerminate {
		n2++
	}
	if a.pass == 1 {
		a.addr += uint64(n2)
		return nil
	}
	data := []byte(text)
	if nullTerminate {
		data = append(data, 0)
	}
	a.write(data)
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func dirAlign(a *assembler, n srcparser.Node) error {
	if len(n.Args) != 1 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".align takes exactly 1 argument")
	}
	n2, err := a.resolveInt(n.Args[0], n.Pos)
	if err != nil {
		return err
	}
	if n2 == 0 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".align alignment must be non-zero")
	}
	remainder := a.addr % n2
	if remainder == 0 {
		return nil
	}
	pad := n2 - remainder
	if a.pass == 1 {
		a.addr += pad
		return nil
	}
	a.write(make([]byte, pad))
	return nil
}

// dirGlobal is advisory: every non-local symbol is already visible
// assembly-wide (spec §3 "Global scope"), so `.global`/`.globl` has no
// further effect here beyond accepting the syntax.
func dirGlobal(a *assembler, n srcparser.Node) error {
	return nil
}

func dirEqu(a *assembler, n srcparser.Node) error {
	if len(n.Args) != 2 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".equ takes 2 arguments (name, value), got %d", len(n.Args))
	}
	if a.pass != 1 {
		return nil // already defined during pass 1; re-defining here would fail as a duplicate.
	}
	val, err := a.resolveInt(n.Args[1], n.Pos)
	if err != nil {
		return err
	}
	_, err = a.symbols.Define(n.Args[0], symtab.KindConstant, val, n.Pos.File, n.Pos)
	return err
}

func dirSection(a *assembler, n srcparser.Node) error {
	if len(n.Args) != 1 {
		return errs.Newf(n.Pos, errs.KindEncoding, ".section takes exactly 1 argument")
	}
	a.switchSection(unquote(n.Args[0]))
	return nil
}

func dirText(a *assembler, n srcparser.Node) error {
	a.switchSection("text")
	return nil
}

func dirData(a *assembler, n srcparser.Node) error {
	a.switchSection("data")
	return nil
}

// resolveInt evaluates arg as a restricted expression (spec §4.3) against
// the current address and file, wrapping any failure as a distinct
// encoding-kind error carrying the directive's position.
func (a *assembler) resolveInt(arg string, pos errs.Position) (uint64, error) {
	val, err := a.symbols.ResolveExpression(arg, a.addr, a.file)
	if err != nil {
		return 0, errs.Newf(pos, errs.KindEncoding, "%v", err)
	}
	return val, nil
}

// directiveHost is the sandbox.Host a sandboxed directive body runs
// against. Register access is outside a directive's purview (spec §4.5);
// memory access models the assembled output buffer itself.
type directiveHost struct {
	a *assembler
}

func (h *directiveHost) ReadRegister(name string) (int64, error) {
	return 0, errs.Newf(errs.Position{}, errs.KindSandbox, "register access is not available to a directive body")
}

func (h *directiveHost) WriteRegister(name string, value int64) error {
	return errs.Newf(errs.Position{}, errs.KindSandbox, "register access is not available to a directive body")
}

func (h *directiveHost) ReadMemory(addr uint64, size int) (int64, error) {
	h.a.ensureSize(int(addr-h.a.base) + size)
	bytes := h.a.buf[int(addr-h.a.base) : int(addr-h.a.base)+size]
	v, err := ibits.FromBytes(bytes, byteOrder(h.a.model))
	return int64(v), err
}

func (h *directiveHost) WriteMemory(addr uint64, size int, value int64) error {
	bytes, err := ibits.ToBytes(uint64(value), size, byteOrder(h.a.model))
	if err != nil {
		return err
	}
	offset := int(addr - h.a.base)
	h.a.ensureSize(offset + size)
	copy(h.a.buf[offset:offset+size], bytes)
	return nil
}

func (h *directiveHost) SetFlag(name string, value bool) error {
	return errs.Newf(errs.Position{}, errs.KindSandbox, "flags are not available to a directive body")
}

func (h *directiveHost) GetFlag(name string) (bool, error) {
	return false, errs.Newf(errs.Position{}, errs.KindSandbox, "flags are not available to a directive body")
}

func (h *directiveHost) AppendBytes(data []byte) error {
	h.a.write(data)
	return nil
}

func (h *directiveHost) AdvanceAddress(n int64) error {
	h.a.setAddr(uint64(int64(h.a.addr) + n))
	return nil
}

// runSandboxedDirective binds a directive invocation's arguments as
// positional parameters arg0..argN and runs its compiled body. Pass 1
// still runs the body (so address-advancing bodies keep pass 1/2 in
// sync) but against a host whose writes are discarded.
func (a *assembler) runSandboxedDirective(d *isa.Directive, n srcparser.Node) error {
	prog, ok := d.Program.(*sandbox.Program)
	if !ok {
		return errs.Newf(n.Pos, errs.KindEncoding, "directive %q has a compiled body of an unexpected type", d.Name)
	}

	params := make(map[string]sandbox.Param, len(n.Args))
	for i, arg := range n.Args {
		argType := ""
		if i < len(d.ArgTypes) {
			argType = d.ArgTypes[i]
		}
		key := "arg" + strconv.Itoa(i)
		if argType == "string" {
			params[key] = sandbox.StrParam(srcparser.ProcessEscapeSequences(unquote(arg)))
			continue
		}
		val, err := a.resolveInt(arg, n.Pos)
		if err != nil {
			return err
		}
		params[key] = sandbox.IntParam(int64(val))
	}

	var host sandbox.Host
	if a.pass == 1 {
		host = &discardHost{a: a}
	} else {
		host = sandboxHostFor(a)
	}
	if err := prog.RunWithLimits(host, params, a.sandboxLimits); err != nil {
		return errs.Newf(n.Pos, errs.KindSandbox, "directive %q: %v", d.Name, err)
	}
	return nil
}

// discardHost is used for pass-1 sandboxed-directive runs: it keeps the
// address effects of append_bytes/advance_address (so pass 1's address
// accounting matches what pass 2 will actually do) but discards every
// byte and reports zero for every read, since pass 1's output is never
// used (spec §4.5: "its output bytes are discarded").
type discardHost struct {
	a *assembler
}

func (h *discardHost) ReadRegister(name string) (int64, error)  { return 0, nil }
func (h *discardHost) WriteRegister(name string, v int64) error { return nil }
func (h *discardHost) ReadMemory(addr uint64, size int) (int64, error) {
	return 0, nil
}
func (h *discardHost) WriteMemory(addr uint64, size int, v int64) error { return nil }
func (h *discardHost) SetFlag(name string, v bool) error                { return nil }
func (h *discardHost) GetFlag(name string) (bool, error)                { return false, nil }
func (h *discardHost) AppendBytes(data []byte) error {
	h.a.addr += uint64(len(data))
	return nil
}
func (h *discardHost) AdvanceAddress(n int64) error {
	h.a.setAddr(uint64(int64(h.a.addr) + n))
	return nil
}
