// Package symtab implements the symbol table described in spec §4.3: label
// and constant tracking with local/global scope, forward-reference
// bookkeeping, numeric local labels, and a restricted label-arithmetic
// expression evaluator.
package symtab

import (
	"strings"

	"isaforge/errs"
)

// Kind classifies what a symbol's value represents.
type Kind int

const (
	KindLabel Kind = iota
	KindConstant
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindLabel:
		return "label"
	case KindConstant:
		return "constant"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Scope controls visibility: local symbols are only visible within the file
// that defined them; global symbols are visible everywhere and must be
// unique across the whole assembly.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeLocal
	ScopeExternal
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeLocal:
		return "local"
	case ScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Symbol is one entry in the table.
type Symbol struct {
	Name       string
	Kind       Kind
	Scope      Scope
	Value      uint64
	Defined    bool
	Pos        errs.Position
	References []errs.Position
}

// Table is a symbol table, scoped per assembly run. Local symbols are keyed
// by (file, name); global symbols are keyed by name alone, mirroring
// parser.SymbolTable's single global map generalized with a second,
// file-partitioned map for locals.
type Table struct {
	// LocalPrefix is the configured prefix (default ".") that marks a name
	// as file-local rather than global (spec §3 "Symbols").
	LocalPrefix string
	// CaseSensitive follows the ISA's formatting.case_sensitive setting.
	CaseSensitive bool

	global map[string]*Symbol
	local  map[string]map[string]*Symbol // file -> name -> symbol

	numeric *NumericLabelTable
}

// New creates an empty Table.
func New(localPrefix string, caseSensitive bool) *Table {
	if localPrefix == "" {
		localPrefix = "."
	}
	return &Table{
		LocalPrefix:   localPrefix,
		CaseSensitive: caseSensitive,
		global:        make(map[string]*Symbol),
		local:         make(map[string]map[string]*Symbol),
		numeric:       NewNumericLabelTable(),
	}
}

// Numeric returns the table's numeric local-label sub-table (spec
// supplement: 1:/1f/1b style references, grounded on the teacher's
// NumericLabelTable).
func (t *Table) Numeric() *NumericLabelTable {
	return t.numeric
}

func (t *Table) normalize(name string) string {
	if t.CaseSensitive {
		return name
	}
	return strings.ToUpper(name)
}

func (t *Table) isLocal(name string) bool {
	return strings.HasPrefix(name, t.LocalPrefix)
}

func (t *Table) scopeMap(name, file string) map[string]*Symbol {
	if t.isLocal(name) {
		m, ok := t.local[file]
		if !ok {
			m = make(map[string]*Symbol)
			t.local[file] = m
		}
		return m
	}
	return t.global
}

// Define defines name at value, failing if it is already defined in the
// same scope. Defining a name that was only previously referenced (a
// forward reference) fills in its value in place.
func (t *Table) Define(name string, kind Kind, value uint64, file string, pos errs.Position) (*Symbol, error) {
	key := t.normalize(name)
	scope := t.scopeMapFor(name)
	m := t.scopeMap(name, file)

	if sym, exists := m[key]; exists {
		if sym.Defined {
			return nil, errs.Newf(pos, errs.KindSymbol,
				"symbol %q already defined at %s", name, sym.Pos).
				WithSuggestion("choose a different name or remove the duplicate definition")
		}
		sym.Value = value
		sym.Kind = kind
		sym.Defined = true
		sym.Pos = pos
		return sym, nil
	}

	sym := &Symbol{
		Name:    name,
		Kind:    kind,
		Scope:   scope,
		Value:   value,
		Defined: true,
		Pos:     pos,
	}
	m[key] = sym
	return sym, nil
}

func (t *Table) scopeMapFor(name string) Scope {
	if t.isLocal(name) {
		return ScopeLocal
	}
	return ScopeGlobal
}

// Reference records a use of name at pos. It never fails: if name is
// unknown, an undefined placeholder symbol is created so Finalize can
// report it later.
func (t *Table) Reference(name, file string, pos errs.Position) {
	key := t.normalize(name)
	m := t.scopeMap(name, file)

	if sym, exists := m[key]; exists {
		sym.References = append(sym.References, pos)
		return
	}
	m[key] = &Symbol{
		Name:       name,
		Kind:       KindLabel,
		Scope:      t.scopeMapFor(name),
		Defined:    false,
		Pos:        pos,
		References: []errs.Position{pos},
	}
}

// Resolve returns a symbol's value. ok is false if the symbol is unknown or
// not yet defined.
func (t *Table) Resolve(name, file string) (uint64, bool) {
	key := t.normalize(name)
	m := t.scopeMap(name, file)
	sym, exists := m[key]
	if !exists || !sym.Defined {
		return 0, false
	}
	return sym.Value, true
}

// Lookup returns the raw Symbol entry, defined or not.
func (t *Table) Lookup(name, file string) (*Symbol, bool) {
	key := t.normalize(name)
	m := t.scopeMap(name, file)
	sym, exists := m[key]
	return sym, exists
}

// Finalize fails if any referenced symbol remains undefined, per spec §4.3.
func (t *Table) Finalize() error {
	if sym := firstUndefined(t.global); sym != nil {
		return undefinedErr(sym)
	}
	for _, m := range t.local {
		if sym := firstUndefined(m); sym != nil {
			return undefinedErr(sym)
		}
	}
	return nil
}

func firstUndefined(m map[string]*Symbol) *Symbol {
	for _, sym := range m {
		if !sym.Defined && len(sym.References) > 0 {
			return sym
		}
	}
	return nil
}

func undefinedErr(sym *Symbol) error {
	return errs.Newf(sym.References[0], errs.KindSymbol, "undefined symbol %q", sym.Name)
}

// All returns every defined symbol across both scopes, for building the
// assembler's final name->address side output (spec §3 "Assembled output").
// Keys are the table's normalized names (upper-cased unless CaseSensitive).
func (t *Table) All() map[string]uint64 {
	out := make(map[string]uint64)
	for name, sym := range t.global {
		if sym.Defined {
			out[name] = sym.Value
		}
	}
	for _, m := range t.local {
		for name, sym := range m {
			if sym.Defined {
				out[name] = sym.Value
			}
		}
	}
	return out
}

// NumericLabelTable tracks numeric local labels (1:, 2:, ...) with
// forward (1f) and backward (1b) reference resolution. Grounded directly on
// the teacher's parser.NumericLabelTable.
type NumericLabelTable struct {
	labels    map[int][]uint64
	positions map[int][]errs.Position
}

// NewNumericLabelTable creates an empty numeric label table.
func NewNumericLabelTable() *NumericLabelTable {
	return &NumericLabelTable{
		labels:    make(map[int][]uint64),
		positions: make(map[int][]errs.Position),
	}
}

// Define records a definition of numeric label num at address.
func (nlt *NumericLabelTable) Define(num int, address uint64, pos errs.Position) {
	nlt.labels[num] = append(nlt.labels[num], address)
	nlt.positions[num] = append(nlt.positions[num], pos)
}

// LookupBackward finds the most recent definition of num at or before
// currentAddr (an "Nb" reference).
func (nlt *NumericLabelTable) LookupBackward(num int, currentAddr uint64) (uint64, bool) {
	addrs := nlt.labels[num]
	for i := len(addrs) - 1; i >= 0; i-- {
		if addrs[i] <= currentAddr {
			return addrs[i], true
		}
	}
	return 0, false
}

// LookupForward finds the next definition of num after currentAddr (an
// "Nf" reference).
func (nlt *NumericLabelTable) LookupForward(num int, currentAddr uint64) (uint64, bool) {
	for _, addr := range nlt.labels[num] {
		if addr > currentAddr {
			return addr, true
		}
	}
	return 0, false
}
