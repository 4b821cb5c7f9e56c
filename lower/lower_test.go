package lower

import (
	"testing"

	"spinbc/ast"
	"spinbc/bcir"
	"spinbc/berr"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func countKind(buf *bcir.Buf, k bcir.Kind) int {
	n := 0
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind == k {
			n++
		}
	}
	return n
}

func simpleModule() *ast.Module {
	return &ast.Module{Name: "test"}
}

func TestLowerReturnPlain(t *testing.T) {
	fn := &ast.Function{
		Name:    "Foo",
		Results: []*ast.Symbol{{Name: "r", Kind: ast.SymLocal, Size: ast.SizeLong}},
		Body:    nil,
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindReturnPlain) == 1, "expected exactly one trailing return")
	assert(t, buf.Head.Kind == bcir.KindLabel, "expected a leading entry label")
}

func TestLowerAssignToLocal(t *testing.T) {
	local := &ast.Symbol{Name: "x", Kind: ast.SymLocal, Offset: 0, Size: ast.SizeLong}
	fn := &ast.Function{
		Name: "Foo",
		Body: []ast.Stmt{
			&ast.Assign{LHS: []ast.Expr{&ast.VarRef{Sym: local}}, RHS: &ast.IntLit{Value: 42}},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindConstant) == 1, "expected one constant push")
	assert(t, countKind(buf, bcir.KindMemWrite) == 1, "expected one memory write")

	var write *bcir.Op
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind == bcir.KindMemWrite {
			write = op
		}
	}
	assert(t, write.Mem.Base == bcir.BaseDBase, "expected a non-closure local to be DBASE-relative")
}

func TestLowerCompoundAssignUsesMemModify(t *testing.T) {
	moduleVar := &ast.Symbol{Name: "counter", Kind: ast.SymModuleVar, Offset: 8, Size: ast.SizeLong}
	fn := &ast.Function{
		Body: []ast.Stmt{
			&ast.Assign{LHS: []ast.Expr{&ast.VarRef{Sym: moduleVar}}, Op: ast.OpAdd, RHS: &ast.IntLit{Value: 1}},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindMemModify) == 1, "expected one MEM_MODIFY for the compound assignment")

	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind == bcir.KindMemModify {
			assert(t, op.MathKind == bcir.Add, "expected MOD kind Add")
			assert(t, op.Mem.Base == bcir.BaseVBase, "expected module var to be VBASE-relative")
		}
	}
}

func TestLowerIfElseProducesBothLabels(t *testing.T) {
	cond := &ast.Symbol{Name: "c", Kind: ast.SymLocal, Size: ast.SizeLong}
	fn := &ast.Function{
		Body: []ast.Stmt{
			&ast.If{
				Cond: &ast.VarRef{Sym: cond},
				Then: []ast.Stmt{&ast.Return{}},
				Else: []ast.Stmt{&ast.Return{}},
			},
		},
	}

	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindJumpIfZ) == 1, "expected one conditional branch")
	assert(t, countKind(buf, bcir.KindJump) == 1, "expected one unconditional jump past the else arm")
	assert(t, countKind(buf, bcir.KindReturnPlain) == 3, "expected then-return + else-return + trailing function return")
}

func TestLowerRepeatCountUsesDJNZ(t *testing.T) {
	fn := &ast.Function{
		Body: []ast.Stmt{
			&ast.RepeatCount{Count: &ast.IntLit{Value: 10}, Body: nil},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindJumpDJNZ) == 1, "expected a DJNZ-driven repeat loop")
}

func TestLowerCaseEmitsCaseOps(t *testing.T) {
	sel := &ast.Symbol{Name: "s", Kind: ast.SymLocal, Size: ast.SizeLong}
	fn := &ast.Function{
		Body: []ast.Stmt{
			&ast.Case{
				Selector: &ast.VarRef{Sym: sel},
				Arms: []ast.CaseArm{
					{Values: []ast.CaseValue{{Lo: 1, Hi: 1}}, Body: []ast.Stmt{&ast.Return{}}},
					{Values: []ast.CaseValue{{Lo: 2, Hi: 4}}, Body: []ast.Stmt{&ast.Return{}}},
					{IsDefault: true, Body: []ast.Stmt{&ast.Return{}}},
				},
			},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindCase) == 1, "expected one single-value CASE comparison")
	assert(t, countKind(buf, bcir.KindCaseRange) == 1, "expected one ranged CASE_RANGE comparison")
}

// TestLowerCaseBuildsJumpTableWhenDense exercises spec.md §4.6's
// testable scenario (d): `case x of 1: a()  2: b()  3: c()  other: d()`
// with OptCaseTable enabled must lower to a single lookup-jump table of
// four entries instead of a compare chain.
func TestLowerCaseBuildsJumpTableWhenDense(t *testing.T) {
	sel := &ast.Symbol{Name: "s", Kind: ast.SymLocal, Size: ast.SizeLong}
	fn := &ast.Function{
		OptimizeFlags: ast.OptCaseTable,
		Body: []ast.Stmt{
			&ast.Case{
				Selector: &ast.VarRef{Sym: sel},
				Arms: []ast.CaseArm{
					{Values: []ast.CaseValue{{Lo: 1, Hi: 1}}, Body: []ast.Stmt{&ast.Return{}}},
					{Values: []ast.CaseValue{{Lo: 2, Hi: 2}}, Body: []ast.Stmt{&ast.Return{}}},
					{Values: []ast.CaseValue{{Lo: 3, Hi: 3}}, Body: []ast.Stmt{&ast.Return{}}},
					{IsDefault: true, Body: []ast.Stmt{&ast.Return{}}},
				},
			},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindCase) == 0, "a dense case must not fall back to CASE comparisons")
	assert(t, countKind(buf, bcir.KindCaseRange) == 0, "a dense case must not fall back to CASE_RANGE comparisons")
	assert(t, countKind(buf, bcir.KindFunDataLookupJump) == 1, "expected exactly one lookup-jump dispatch")
	assert(t, countKind(buf, bcir.KindFunDataPushAddress) == 1, "expected exactly one push-address of the end label")
	assert(t, countKind(buf, bcir.KindFunDataJumpEntry) == 4, "expected four jump-entries: values 1..3 plus default")
	assert(t, countKind(buf, bcir.KindCaseDone) == 1, "expected the single case-done that consumes the lookup result")
}

// TestLowerCaseFallsBackToChainWhenNarrow ensures a case whose span is
// too narrow to be worth tabulating still compiles to a compare chain
// even with OptCaseTable enabled.
func TestLowerCaseFallsBackToChainWhenNarrow(t *testing.T) {
	sel := &ast.Symbol{Name: "s", Kind: ast.SymLocal, Size: ast.SizeLong}
	fn := &ast.Function{
		OptimizeFlags: ast.OptCaseTable,
		Body: []ast.Stmt{
			&ast.Case{
				Selector: &ast.VarRef{Sym: sel},
				Arms: []ast.CaseArm{
					{Values: []ast.CaseValue{{Lo: 1, Hi: 1}}, Body: []ast.Stmt{&ast.Return{}}},
					{Values: []ast.CaseValue{{Lo: 2, Hi: 2}}, Body: []ast.Stmt{&ast.Return{}}},
				},
			},
		},
	}
	errs := berr.NewCollector(0)
	buf := Function(errs, simpleModule(), fn, "test.spin")

	assert(t, errs.Count() == 0, "expected no lowering errors")
	assert(t, countKind(buf, bcir.KindCase) == 2, "a span below caseTableMinRange must fall back to a CASE chain")
	assert(t, countKind(buf, bcir.KindFunDataLookupJump) == 0, "expected no lookup-jump table for a too-narrow span")
}

func TestMarkAddressTakenReachesOnlyCalledFunctions(t *testing.T) {
	mod := &ast.Module{Name: "m"}
	pub := &ast.Function{Name: "Pub", IsPublic: true}
	priv := &ast.Function{Name: "priv", IsPublic: false}
	unreachable := &ast.Function{Name: "dead", IsPublic: false}
	privSym := &ast.Symbol{Name: "priv", Kind: ast.SymFunction}
	pub.Body = []ast.Stmt{
		&ast.ExprStmt{X: &ast.CallExpr{Func: privSym, NumResult: 0}},
	}
	mod.Functions = []*ast.Function{pub, priv, unreachable}
	prog := &ast.Program{Root: mod, Modules: []*ast.Module{mod}}

	taken := MarkAddressTaken(prog)
	assert(t, taken[pub], "expected the public entry point to be marked")
	assert(t, taken[priv], "expected the function called from pub to be marked")
	assert(t, !taken[unreachable], "expected a function nothing calls to stay unmarked")
}
