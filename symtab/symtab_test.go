package symtab

import (
	"testing"

	"isaforge/errs"
)

func TestDefineAndResolve(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("start", KindLabel, 0x100, "main.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := tab.Resolve("start", "main.s")
	if !ok || v != 0x100 {
		t.Fatalf("Resolve(start) = (%d, %v), want (0x100, true)", v, ok)
	}
	// Case-insensitive by default.
	if v, ok := tab.Resolve("START", "main.s"); !ok || v != 0x100 {
		t.Errorf("case-insensitive lookup failed: (%d, %v)", v, ok)
	}
}

func TestDuplicateDefinitionFails(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("x", KindConstant, 1, "a.s", errs.Position{Line: 1}); err != nil {
		t.Fatalf("first define failed: %v", err)
	}
	if _, err := tab.Define("x", KindConstant, 2, "a.s", errs.Position{Line: 2}); err == nil {
		t.Error("expected duplicate definition error")
	}
}

func TestForwardReferenceThenDefine(t *testing.T) {
	tab := New(".", false)
	tab.Reference("later", "a.s", errs.Position{Line: 1})
	if _, ok := tab.Resolve("later", "a.s"); ok {
		t.Error("forward reference should not resolve before definition")
	}
	if _, err := tab.Define("later", KindLabel, 0x200, "a.s", errs.Position{Line: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := tab.Resolve("later", "a.s")
	if !ok || v != 0x200 {
		t.Fatalf("Resolve(later) = (%d, %v), want (0x200, true)", v, ok)
	}
}

func TestFinalizeFailsOnUnresolvedReference(t *testing.T) {
	tab := New(".", false)
	tab.Reference("missing", "a.s", errs.Position{Line: 1})
	if err := tab.Finalize(); err == nil {
		t.Error("expected Finalize to fail on unresolved reference")
	}
}

func TestFinalizeSucceedsWhenAllResolved(t *testing.T) {
	tab := New(".", false)
	tab.Reference("x", "a.s", errs.Position{Line: 1})
	if _, err := tab.Define("x", KindLabel, 0x10, "a.s", errs.Position{Line: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tab.Finalize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLocalScopeIsolatedPerFile(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define(".loop", KindLabel, 0x10, "a.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tab.Define(".loop", KindLabel, 0x20, "b.s", errs.Position{}); err != nil {
		t.Fatalf(".loop should be definable independently per file: %v", err)
	}
	va, _ := tab.Resolve(".loop", "a.s")
	vb, _ := tab.Resolve(".loop", "b.s")
	if va != 0x10 || vb != 0x20 {
		t.Errorf("local scopes leaked across files: a=%d b=%d", va, vb)
	}
}

func TestGlobalDuplicateAcrossFilesFails(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("start", KindLabel, 0x10, "a.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tab.Define("start", KindLabel, 0x20, "b.s", errs.Position{}); err == nil {
		t.Error("expected global duplicate definition across files to fail")
	}
}

func TestResolveExpressionArithmetic(t *testing.T) {
	tab := New(".", false)
	cases := []struct {
		expr string
		want uint64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"0xFF & 0x0F", 0x0F},
		{"1 << 4", 16},
		{"0b1010 | 0b0101", 0xF},
		{"~0 & 0xFF", 0xFF},
		{"10 % 3", 1},
		{"-1 & 0xFF", 0xFF},
	}
	for _, c := range cases {
		got, err := tab.ResolveExpression(c.expr, 0, "a.s")
		if err != nil {
			t.Errorf("ResolveExpression(%q) error: %v", c.expr, err)
			continue
		}
		if got != c.want {
			t.Errorf("ResolveExpression(%q) = %d, want %d", c.expr, got, c.want)
		}
	}
}

func TestResolveExpressionSymbolAndPC(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("base", KindLabel, 0x1000, "a.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := tab.ResolveExpression("base + 4", 0, "a.s")
	if err != nil || got != 0x1004 {
		t.Fatalf("base+4 = (%d, %v), want (0x1004, nil)", got, err)
	}
	got, err = tab.ResolveExpression(". + 2", 0x2000, "a.s")
	if err != nil || got != 0x2002 {
		t.Fatalf(". + 2 = (%d, %v), want (0x2002, nil)", got, err)
	}
}

func TestResolveExpressionBitFieldExtraction(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("word", KindConstant, 0xABCD, "a.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := tab.ResolveExpression("word[15:8]", 0, "a.s")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0xAB {
		t.Errorf("word[15:8] = 0x%X, want 0xAB", got)
	}
}

func TestResolveExpressionUndefinedSymbol(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.ResolveExpression("nosuch + 1", 0, "a.s"); err == nil {
		t.Error("expected error for undefined symbol")
	}
}

func TestNumericLabelForwardBackward(t *testing.T) {
	tab := New(".", false)
	tab.Numeric().Define(1, 0x10, errs.Position{})
	tab.Numeric().Define(1, 0x30, errs.Position{})

	got, err := tab.ResolveExpression("1b", 0x20, "a.s")
	if err != nil || got != 0x10 {
		t.Fatalf("1b at pc=0x20 = (%d, %v), want (0x10, nil)", got, err)
	}
	got, err = tab.ResolveExpression("1f", 0x20, "a.s")
	if err != nil || got != 0x30 {
		t.Fatalf("1f at pc=0x20 = (%d, %v), want (0x30, nil)", got, err)
	}
}

func TestAllReturnsDefinedSymbols(t *testing.T) {
	tab := New(".", false)
	if _, err := tab.Define("start", KindLabel, 0x100, "a.s", errs.Position{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tab.Reference("undefined_ref", "a.s", errs.Position{})
	all := tab.All()
	if v, ok := all["START"]; !ok || v != 0x100 {
		t.Errorf("All() missing start: %v", all)
	}
	if _, ok := all["UNDEFINED_REF"]; ok {
		t.Error("All() should not include undefined symbols")
	}
}
