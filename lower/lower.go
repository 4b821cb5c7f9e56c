// Package lower translates a decorated ast.Function body into a
// bcir.Buf: expressions, assignments, control flow, case/jump tables,
// calls, builtins, and the hidden-stack-variable bookkeeping repeat
// loops and case statements need. No package-level state is kept;
// every call takes an explicit *Context, per spec.md §5's redesign
// note that the original's global current-function/current-buffer
// pointers are better expressed as parameters in Go.
//
// Modeled on the lowering walk in original_source/frontends/case.c and
// the AST-to-IR emission spinc.c drives, restated against bcir.Buf
// instead of directly-emitted bytes.
package lower

import (
	"spinbc/ast"
	"spinbc/bcir"
	"spinbc/berr"
	"spinbc/encode"
)

// Context threads every piece of state one function's lowering needs.
// A fresh Context is created per ast.Function by Function.
type Context struct {
	Errs   *berr.Collector
	Module *ast.Module
	Fn     *ast.Function
	Buf    *bcir.Buf

	// hiddenDepth tracks how many hidden stack slots (repeat-loop
	// counters, case selectors) are live at the current point, so a
	// label created while one is live can record it for the optimizer's
	// benefit (spec.md §4.7's hidden-variable bookkeeping).
	hiddenDepth int

	// namedLabels resolves ast.Goto/ast.Label by name within the
	// current function, populated on first reference or definition.
	namedLabels map[string]*bcir.Op

	// loopStack holds the break/continue targets for the innermost
	// enclosing loop or case, for Quit/Next.
	loopStack []loopFrame

	file string
	line int
}

type loopFrame struct {
	breakTo, continueTo *bcir.Op
}

// NewContext starts a lowering context for one function.
func NewContext(errs *berr.Collector, mod *ast.Module, fn *ast.Function, file string) *Context {
	return &Context{
		Errs:        errs,
		Module:      mod,
		Fn:          fn,
		Buf:         bcir.NewBuf(),
		namedLabels: map[string]*bcir.Op{},
		file:        file,
	}
}

func (c *Context) pos() berr.Pos { return berr.Pos{File: c.file, Line: c.line} }

// Function lowers fn's entire body into a fresh bcir.Buf and returns
// it, with every named label resolved to a plain label record and
// AppendPending already run.
func Function(errs *berr.Collector, mod *ast.Module, fn *ast.Function, file string) *bcir.Buf {
	c := NewContext(errs, mod, fn, file)

	entry := bcir.NewLabel()
	c.Buf.Append(entry)

	c.Block(fn.Body)

	ret := &bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: len(fn.Results)}
	c.Buf.Append(ret)

	c.Buf.AppendPending()
	c.resolveNamedLabels()
	return c.Buf
}

// resolveNamedLabels checks that every ast.Goto found a matching
// ast.Label within the function; an unresolved one is a front-end
// contract violation (spec.md §7: this can only happen if the AST
// handed to this module is malformed, hence berr.Fatal not Errorf).
// Every defined named label then becomes a plain KindLabel record, so
// the optimizer and encoder handle it like any other label.
func (c *Context) resolveNamedLabels() {
	for name, op := range c.namedLabels {
		if op.Kind != bcir.KindNamedLabel {
			continue
		}
		if op.Next() == nil && op.Prev() == nil && c.Buf.Head != op {
			c.Errs.Fatal(c.pos(), "label %q referenced by goto but never defined", name)
			continue
		}
		op.Kind = bcir.KindLabel
	}
}

func (c *Context) namedLabel(name string) *bcir.Op {
	if op, ok := c.namedLabels[name]; ok {
		return op
	}
	op := bcir.NewNamedLabel(name)
	c.namedLabels[name] = op
	return op
}

// Block lowers a statement list in order.
func (c *Context) Block(stmts []ast.Stmt) {
	for _, s := range stmts {
		c.Stmt(s)
	}
}

// Stmt lowers one statement, dispatching on its concrete type (spec.md
// §4.4's statement-lowering rules).
func (c *Context) Stmt(s ast.Stmt) {
	switch n := s.(type) {
	case *ast.Assign:
		c.assign(n)
	case *ast.ExprStmt:
		c.exprDiscard(n.X)
	case *ast.If:
		c.ifStmt(n)
	case *ast.While:
		c.whileStmt(n)
	case *ast.DoWhile:
		c.doWhileStmt(n)
	case *ast.For:
		c.forStmt(n)
	case *ast.RepeatCount:
		c.repeatCountStmt(n)
	case *ast.RepeatRange:
		c.repeatRangeStmt(n)
	case *ast.Case:
		c.caseStmt(n)
	case *ast.Return:
		c.returnStmt(n)
	case *ast.Abort:
		c.abortStmt(n)
	case *ast.Quit:
		c.quit()
	case *ast.Next:
		c.next()
	case *ast.Goto:
		c.Buf.Append(bcir.NewJump(bcir.KindJump, c.namedLabel(n.Label)))
	case *ast.Label:
		c.Buf.Append(c.namedLabel(n.Name))
	default:
		c.Errs.Fatal(c.pos(), "unhandled statement type %T", s)
	}
}

func (c *Context) assign(a *ast.Assign) {
	if a.Op != ast.MathOpNone {
		if len(a.LHS) != 1 {
			c.Errs.Errorf(c.pos(), "compound assignment requires exactly one target")
			return
		}
		c.modifyAssign(a.LHS[0], a.Op, a.RHS)
		return
	}
	if len(a.LHS) == 1 {
		c.Expr(a.RHS)
		c.storeTo(a.LHS[0])
		return
	}
	// Tuple assignment: a multi-result call pushes its results in
	// declaration order, so targets are stored back in reverse.
	c.Expr(a.RHS)
	for i := len(a.LHS) - 1; i >= 0; i-- {
		c.storeTo(a.LHS[i])
	}
}

// storeTo emits the MEM_WRITE (or REG_WRITE) for one assignment target,
// using the memory-base classification rule from spec.md §4.4: a local
// or param captured by a closure is VBASE-relative rather than
// DBASE-relative.
func (c *Context) storeTo(target ast.Expr) {
	vr, ok := target.(*ast.VarRef)
	if !ok {
		c.Errs.Errorf(c.pos(), "assignment target must be a variable reference")
		return
	}
	if vr.Index != nil {
		c.Expr(vr.Index)
	}
	if vr.Sym.Kind == ast.SymRegister {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindRegWrite, DataInt: int32(vr.Sym.Offset), FixedSize: -1})
		return
	}
	op := c.memOp(bcir.KindMemWrite, vr)
	c.Buf.Append(op)
}

// modifyAssign lowers `lhs op= rhs` as a single MEM_MODIFY when op maps
// onto one of the Spin1 modify-only math kinds with an inline operand,
// otherwise falls back to read-compute-write.
func (c *Context) modifyAssign(target ast.Expr, op ast.MathOp, rhs ast.Expr) {
	vr, ok := target.(*ast.VarRef)
	if !ok {
		c.Errs.Errorf(c.pos(), "compound-assignment target must be a variable reference")
		return
	}
	if mathOpToModify(op) == bcir.MathNone {
		c.Expr(&ast.Binary{Op: op, L: target, R: rhs})
		c.storeTo(target)
		return
	}
	if vr.Index != nil {
		c.Expr(vr.Index)
	}
	c.Expr(rhs)
	mop := c.memOp(bcir.KindMemModify, vr)
	mop.MathKind = mathOpToModify(op)
	c.Buf.Append(mop)
}

func mathOpToModify(op ast.MathOp) bcir.MathKind {
	switch op {
	case ast.OpAdd:
		return bcir.Add
	case ast.OpSub:
		return bcir.Sub
	case ast.OpAnd:
		return bcir.BitAnd
	case ast.OpOr:
		return bcir.BitOr
	case ast.OpXor:
		return bcir.BitXor
	case ast.OpShl:
		return bcir.Shl
	case ast.OpShr:
		return bcir.Shr
	case ast.OpSar:
		return bcir.Sar
	case ast.OpRor:
		return bcir.Ror
	case ast.OpRol:
		return bcir.Rol
	case ast.OpMin:
		return bcir.Min
	case ast.OpMax:
		return bcir.Max
	default:
		return bcir.MathNone
	}
}

func (c *Context) memOp(kind bcir.Kind, vr *ast.VarRef) *bcir.Op {
	op := &bcir.Op{Kind: kind, FixedSize: -1}
	op.Mem.MemSize = symbolMemSize(vr.Sym)
	op.Mem.ModSize = op.Mem.MemSize
	op.Mem.PopIndex = vr.Index != nil
	switch vr.Sym.Kind {
	case ast.SymDatLabel, ast.SymFunction, ast.SymObject:
		op.Mem.Base = bcir.BasePBase
	case ast.SymModuleVar:
		op.Mem.Base = bcir.BaseVBase
	case ast.SymLocal, ast.SymParam:
		if vr.Sym.InClosure {
			op.Mem.Base = bcir.BaseVBase
		} else {
			op.Mem.Base = bcir.BaseDBase
		}
	case ast.SymRegister:
		c.Errs.Fatal(c.pos(), "register symbol reached generic memOp path")
	}
	op.DataInt = int32(vr.Sym.Offset)
	return op
}

func symbolMemSize(sym *ast.Symbol) bcir.MemSize {
	switch sym.Size {
	case ast.SizeByte:
		return bcir.SizeByte
	case ast.SizeWord:
		return bcir.SizeWord
	default:
		return bcir.SizeLong
	}
}

// exprDiscard lowers an expression used as a statement and emits one
// POP for every value it pushed (none for a void builtin or a call with
// no results, one per result for a multi-result call).
func (c *Context) exprDiscard(e ast.Expr) {
	n := c.Expr(e)
	for i := 0; i < n; i++ {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindPop, FixedSize: -1})
	}
}

// Expr lowers e, leaving its result(s) on the interpreter stack, and
// returns how many values it pushed: a direct call reports its
// NumResult, a builtin that leaves nothing (waitcnt, bytefill, ...)
// reports 0, and every other expression 1.
func (c *Context) Expr(e ast.Expr) int {
	switch n := e.(type) {
	case *ast.IntLit:
		c.Buf.Append(bcir.NewConstant(n.Value))
		return 1
	case *ast.VarRef:
		if n.Index != nil {
			c.Expr(n.Index)
		}
		if n.Sym.Kind == ast.SymRegister {
			c.Buf.Append(&bcir.Op{Kind: bcir.KindRegRead, DataInt: int32(n.Sym.Offset), FixedSize: -1})
			return 1
		}
		c.Buf.Append(c.memOp(bcir.KindMemRead, n))
		return 1
	case *ast.Unary:
		c.Expr(n.X)
		c.unaryOp(n.Op)
		return 1
	case *ast.Binary:
		c.binary(n)
		return 1
	case *ast.CallExpr:
		return c.call(n)
	case *ast.IndirectCall:
		return c.indirectCall(n)
	case *ast.CogInit:
		c.Expr(n.CogID)
		c.Expr(n.Func)
		c.Expr(n.Param)
		c.Expr(n.StackPtr)
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCogInit, FixedSize: -1, Coginit: bcir.CoginitAttr{PushResult: true}})
		return 1
	case *ast.Builtin:
		return c.builtin(n)
	default:
		c.Errs.Fatal(c.pos(), "unhandled expression type %T", e)
		return 1
	}
}

func (c *Context) unaryOp(op ast.MathOp) {
	mk := bcir.MathNone
	switch op {
	case ast.OpNeg:
		mk = bcir.Neg
	case ast.OpBitNot:
		mk = bcir.BitNot
	case ast.OpAbs:
		mk = bcir.Abs
	case ast.OpBoolNot:
		mk = bcir.BoolNot
	case ast.OpSqrt:
		mk = bcir.Sqrt
	case ast.OpEncode:
		mk = bcir.Encode
	case ast.OpDecode:
		mk = bcir.Decode
	default:
		c.Errs.Errorf(c.pos(), "operator %d is not a valid unary math op", op)
		return
	}
	c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: mk, FixedSize: -1})
}

// binary lowers a binary expression, applying short-circuit control
// flow for logical-and/or (spec.md §4.4) rather than emitting them as
// plain stack math ops, since the right operand must not be evaluated
// when the left already determines the result.
func (c *Context) binary(n *ast.Binary) {
	if n.Op == ast.OpLogicAnd || n.Op == ast.OpLogicOr {
		c.shortCircuit(n)
		return
	}
	mk, biased := encode.BiasUnsignedCompare(n.Op)
	// Spin1's compares are signed: for an unsigned compare, XOR each
	// operand with the sign bit (31 DECOD = $8000_0000) first.
	flipSign := func() {
		if biased {
			c.Buf.Append(bcir.NewConstant(31))
			c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.Decode, FixedSize: -1})
			c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.BitXor, FixedSize: -1})
		}
	}
	c.Expr(n.L)
	flipSign()
	c.Expr(n.R)
	flipSign()
	if biased {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: mk, FixedSize: -1})
		return
	}
	c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: binaryMathKind(n.Op), FixedSize: -1})
}

func binaryMathKind(op ast.MathOp) bcir.MathKind {
	switch op {
	case ast.OpAdd:
		return bcir.Add
	case ast.OpSub:
		return bcir.Sub
	case ast.OpMul:
		return bcir.MulLow
	case ast.OpMulHigh:
		return bcir.MulHigh
	case ast.OpDiv:
		return bcir.Divide
	case ast.OpRem:
		return bcir.Remainder
	case ast.OpAnd:
		return bcir.BitAnd
	case ast.OpOr:
		return bcir.BitOr
	case ast.OpXor:
		return bcir.BitXor
	case ast.OpShl:
		return bcir.Shl
	case ast.OpShr:
		return bcir.Shr
	case ast.OpSar:
		return bcir.Sar
	case ast.OpRor:
		return bcir.Ror
	case ast.OpRol:
		return bcir.Rol
	case ast.OpRev:
		return bcir.Rev
	case ast.OpMin:
		return bcir.Min
	case ast.OpMax:
		return bcir.Max
	case ast.OpCmpEq:
		return bcir.CmpE
	case ast.OpCmpNe:
		return bcir.CmpNE
	case ast.OpCmpLt:
		return bcir.CmpB
	case ast.OpCmpLe:
		return bcir.CmpBE
	case ast.OpCmpGt:
		return bcir.CmpA
	case ast.OpCmpGe:
		return bcir.CmpAE
	default:
		return bcir.MathNone
	}
}

// shortCircuit lowers `L and R` / `L or R` as a branch around the
// right operand, matching Spin's non-strict boolean operators.
func (c *Context) shortCircuit(n *ast.Binary) {
	c.Expr(n.L)
	skip := bcir.NewLabel()
	jumpKind := bcir.KindJumpIfZ
	if n.Op == ast.OpLogicOr {
		jumpKind = bcir.KindJumpIfNZ
	}
	c.Buf.Append(bcir.NewJump(jumpKind, skip))
	c.Buf.Append(&bcir.Op{Kind: bcir.KindPop, FixedSize: -1})
	c.Expr(n.R)
	c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.BoolNot, FixedSize: -1})
	c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.BoolNot, FixedSize: -1})
	c.Buf.Append(skip)
}

func (c *Context) call(n *ast.CallExpr) int {
	for _, a := range n.Args {
		c.Expr(a)
	}
	switch {
	case n.ObjIndex != nil:
		c.Expr(n.ObjIndex)
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCallOtherIdx, FixedSize: -1, Call: bcir.CallAttr{
			ObjID: n.Func.ObjID, FuncID: n.Func.FuncID, NumResults: n.NumResult,
		}})
	case n.Func.ObjID != 0 || n.Func.Kind == ast.SymObject:
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCallOther, FixedSize: -1, Call: bcir.CallAttr{
			ObjID: n.Func.ObjID, FuncID: n.Func.FuncID, NumResults: n.NumResult,
		}})
	default:
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCallSelf, FixedSize: -1, Call: bcir.CallAttr{
			FuncID: n.Func.FuncID, NumResults: n.NumResult,
		}})
	}
	return n.NumResult
}

// indirectCall lowers a call through a function-pointer value: the
// arguments are pushed, then the pointer last, followed by a CALL_SELF
// of method 0 with one result. No dispatch helper is emitted here or
// by layout.
func (c *Context) indirectCall(n *ast.IndirectCall) int {
	for _, a := range n.Args {
		c.Expr(a)
	}
	c.Expr(n.Ptr)
	c.Buf.Append(&bcir.Op{Kind: bcir.KindCallSelf, FixedSize: -1, Call: bcir.CallAttr{FuncID: 0, NumResults: 1}})
	return 1
}

func (c *Context) builtin(n *ast.Builtin) int {
	switch n.Name {
	case "waitcnt":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindWait, Wait: bcir.WaitCNT, FixedSize: -1})
		return 0
	case "waitpeq":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindWait, Wait: bcir.WaitPEQ, FixedSize: -1})
		return 0
	case "waitpne":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindWait, Wait: bcir.WaitPNE, FixedSize: -1})
		return 0
	case "waitvid":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindWait, Wait: bcir.WaitVID, FixedSize: -1})
		return 0
	case "strsize":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindBuiltinStrSize, FixedSize: -1})
		return 1
	case "strcomp":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindBuiltinStrComp, FixedSize: -1})
		return 1
	case "bytefill", "wordfill", "longfill", "bytemove", "wordmove", "longmove":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Expr(n.Args[2])
		size, move := bulkMemAttrFor(n.Name)
		c.Buf.Append(&bcir.Op{Kind: bcir.KindBuiltinBulkMem, FixedSize: -1, BulkMem: bcir.BulkMemAttr{MemSize: size, IsMove: move}})
		return 0
	case "lockset":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindLockSet, FixedSize: -1, Coginit: bcir.CoginitAttr{PushResult: true}})
		return 1
	case "lockclr":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindLockClr, FixedSize: -1, Coginit: bcir.CoginitAttr{PushResult: true}})
		return 1
	case "locknew":
		c.Buf.Append(&bcir.Op{Kind: bcir.KindLockNew, FixedSize: -1, Coginit: bcir.CoginitAttr{PushResult: true}})
		return 1
	case "lockret":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindLockRet, FixedSize: -1})
		return 0
	case "cogstop":
		c.Expr(n.Args[0])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCogStop, FixedSize: -1})
		return 0
	case "clkset":
		c.Expr(n.Args[0])
		c.Expr(n.Args[1])
		c.Buf.Append(&bcir.Op{Kind: bcir.KindClkSet, FixedSize: -1})
		return 0
	default:
		c.Errs.Errorf(c.pos(), "unknown builtin %q", n.Name)
		return 0
	}
}

func bulkMemAttrFor(name string) (bcir.MemSize, bool) {
	move := len(name) > 4 && name[4:] == "move"
	switch name[:4] {
	case "byte":
		return bcir.SizeByte, move
	case "word":
		return bcir.SizeWord, move
	default:
		return bcir.SizeLong, move
	}
}

// ---- control flow ----

func (c *Context) ifStmt(n *ast.If) {
	c.Expr(n.Cond)
	elseLabel := bcir.NewLabel()
	c.Buf.Append(bcir.NewJump(bcir.KindJumpIfZ, elseLabel))
	c.Block(n.Then)
	if len(n.Else) == 0 {
		c.Buf.Append(elseLabel)
		return
	}
	end := bcir.NewLabel()
	c.Buf.Append(bcir.NewJump(bcir.KindJump, end))
	c.Buf.Append(elseLabel)
	c.Block(n.Else)
	c.Buf.Append(end)
}

func (c *Context) whileStmt(n *ast.While) {
	top := bcir.NewLabel()
	end := bcir.NewLabel()
	c.Buf.Append(top)
	c.Expr(n.Cond)
	c.Buf.Append(bcir.NewJump(bcir.KindJumpIfZ, end))
	c.pushLoop(end, top)
	c.Block(n.Body)
	c.popLoop()
	c.Buf.Append(bcir.NewJump(bcir.KindJump, top))
	c.Buf.Append(end)
}

func (c *Context) doWhileStmt(n *ast.DoWhile) {
	top := bcir.NewLabel()
	cont := bcir.NewLabel()
	end := bcir.NewLabel()
	c.Buf.Append(top)
	c.pushLoop(end, cont)
	c.Block(n.Body)
	c.popLoop()
	c.Buf.Append(cont)
	c.Expr(n.Cond)
	c.Buf.Append(bcir.NewJump(bcir.KindJumpIfNZ, top))
	c.Buf.Append(end)
}

func (c *Context) forStmt(n *ast.For) {
	if n.Init != nil {
		c.Stmt(n.Init)
	}
	top := bcir.NewLabel()
	cont := bcir.NewLabel()
	end := bcir.NewLabel()
	c.Buf.Append(top)
	if n.Cond != nil {
		c.Expr(n.Cond)
		c.Buf.Append(bcir.NewJump(bcir.KindJumpIfZ, end))
	}
	c.pushLoop(end, cont)
	c.Block(n.Body)
	c.popLoop()
	c.Buf.Append(cont)
	if n.Next != nil {
		c.Stmt(n.Next)
	}
	c.Buf.Append(bcir.NewJump(bcir.KindJump, top))
	c.Buf.Append(end)
}

// repeatCountStmt lowers `repeat N do ...`, keeping the iteration
// counter as a hidden value on the interpreter stack: N is pushed
// before the loop, DJNZ decrements it and jumps back while it is
// nonzero, and a POP drops it after the loop.
func (c *Context) repeatCountStmt(n *ast.RepeatCount) {
	c.Expr(n.Count)
	top := bcir.NewLabel()
	end := bcir.NewLabel()
	c.hiddenDepth++
	top.LabelHiddenVars = c.hiddenDepth
	c.Buf.Append(top)
	c.pushLoop(end, top)
	c.Block(n.Body)
	c.popLoop()
	djnz := &bcir.Op{Kind: bcir.KindJumpDJNZ, JumpTo: top, FixedSize: -1}
	c.Buf.Append(djnz)
	c.Buf.Append(&bcir.Op{Kind: bcir.KindPop, FixedSize: -1})
	c.Buf.Append(end)
	c.hiddenDepth--
}

// repeatRangeStmt lowers `repeat i from lo to hi [step s]`, using
// MEM_MODIFY/MOD_REPEATSTEP to advance and test the loop variable in a
// single IR record (spec.md §4.3's REPEATSTEP modify kind).
func (c *Context) repeatRangeStmt(n *ast.RepeatRange) {
	vr := &ast.VarRef{Sym: n.Var}
	c.Expr(n.From)
	c.storeTo(vr)

	top := bcir.NewLabel()
	end := bcir.NewLabel()
	c.Buf.Append(top)
	c.pushLoop(end, top)
	c.Block(n.Body)
	c.popLoop()

	step := c.memOp(bcir.KindMemModify, vr)
	step.JumpTo = end
	step.MathKind = bcir.ModRepeatStep
	if n.Step != nil {
		c.Expr(n.Step)
		step.Mem.RepeatPopStep = true
	}
	c.Expr(n.To)
	c.Buf.Append(step)
	c.Buf.Append(end)
}

// caseTableMaxRange is the largest value-minval span a jump table may
// cover; beyond this the table itself would cost more than the compare
// chain it replaces.
const caseTableMaxRange = 255

// caseTableMinRange is the smallest span worth tabulating; a narrower
// case is cheaper as a compare chain even when perfectly dense. Mirrors
// CreateJumpTable's baseline minrange.
const caseTableMinRange = 3

// caseStmt lowers a Spin `case` block. When every arm selector is a
// single constant (no ranges), the selector values pack into a span no
// wider than caseTableMaxRange, and the function allows table
// optimization (OptCaseTable), the arms are compiled as a single
// FUNDATA_LOOKUPJUMP table instead of a chain of CASE/CASE_RANGE
// comparisons, per spec.md §4.6. Anything else — range selectors, a
// sparse or oversized span, or the flag disabled — falls back to the
// linear chain.
func (c *Context) caseStmt(n *ast.Case) {
	if c.Fn.OptimizeFlags.Has(ast.OptCaseTable) {
		if lo, hi, ok := caseTableSpan(n); ok {
			c.caseStmtTable(n, lo, hi)
			return
		}
	}
	c.caseStmtChain(n)
}

// caseTableSpan reports the inclusive [lo, hi] selector span a jump
// table would need to cover n, and whether that table is worth
// building: every non-default arm must use a single value (no ranges),
// the span must fit within caseTableMaxRange, and at least half the
// table's entries (span+1, the extra slot serving every out-of-range
// value) must be non-default.
func caseTableSpan(n *ast.Case) (lo, hi int32, ok bool) {
	seen := false
	distinct := map[int32]bool{}
	for _, arm := range n.Arms {
		if arm.IsDefault {
			continue
		}
		for _, v := range arm.Values {
			if v.Lo != v.Hi {
				return 0, 0, false
			}
			if !seen || v.Lo < lo {
				lo = v.Lo
			}
			if !seen || v.Lo > hi {
				hi = v.Lo
			}
			seen = true
			distinct[v.Lo] = true
		}
	}
	if !seen {
		return 0, 0, false
	}
	span := int64(hi) - int64(lo) + 1
	if span < caseTableMinRange || span > caseTableMaxRange {
		return 0, 0, false
	}
	entries := span + 1 // the trailing slot catches every out-of-range value
	defaults := entries - int64(len(distinct))
	if defaults*2 > entries {
		return 0, 0, false
	}
	return lo, hi, true
}

// caseStmtTable lowers n as a FUNDATA_LOOKUPJUMP table: the selector is
// biased by lo and clamped to [0, hi-lo+1] so every value outside the
// table's covered range lands on the trailing default slot, then a
// single lookup-jump dispatches through a word-aligned table of
// FUNDATA_JUMPENTRY records built in the pending buffer, one per
// covered value plus the default, per spec.md §4.6 testable scenario (d).
func (c *Context) caseStmtTable(n *ast.Case, lo, hi int32) {
	end := bcir.NewLabel()
	table := bcir.NewLabel()
	span := int(hi-lo) + 1

	entryFor := make([]*bcir.Op, span+1)
	for i := range entryFor {
		entryFor[i] = bcir.NewLabel()
	}
	defaultEntry := entryFor[span]

	pushDone := &bcir.Op{Kind: bcir.KindFunDataPushAddress, JumpTo: end, FixedSize: -1}
	pushDone.PushAddr.ForJump = true
	c.Buf.Append(pushDone)

	c.Expr(n.Selector)
	if lo != 0 {
		c.Buf.Append(bcir.NewConstant(lo))
		c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.Sub, FixedSize: -1})
	}
	c.Buf.Append(bcir.NewConstant(int32(span)))
	c.Buf.Append(&bcir.Op{Kind: bcir.KindMathOp, MathKind: bcir.Min, FixedSize: -1})

	lookup := &bcir.Op{Kind: bcir.KindFunDataLookupJump, JumpTo: table, FixedSize: -1}
	c.Buf.Append(lookup)
	c.Buf.Append(bcir.NewConstant(0))
	c.Buf.Append(&bcir.Op{Kind: bcir.KindCaseDone, FixedSize: -1})

	const alignWord = 2
	c.Buf.Pending.Append(&bcir.Op{Kind: bcir.KindAlign, DataInt: alignWord, FixedSize: -1})
	c.Buf.Pending.Append(table)
	for _, e := range entryFor {
		c.Buf.Pending.Append(&bcir.Op{Kind: bcir.KindFunDataJumpEntry, JumpTo: e, FixedSize: -1})
	}

	c.hiddenDepth++
	c.pushLoop(end, end)
	hasDefault := false
	for _, arm := range n.Arms {
		if arm.IsDefault {
			hasDefault = true
			c.Buf.Append(defaultEntry)
		} else {
			for _, v := range arm.Values {
				c.Buf.Append(entryFor[v.Lo-lo])
			}
		}
		c.Block(arm.Body)
		c.Buf.Append(bcir.NewJump(bcir.KindJump, end))
	}
	if !hasDefault {
		c.Buf.Append(defaultEntry)
		c.Buf.Append(bcir.NewJump(bcir.KindJump, end))
	}
	c.popLoop()
	c.hiddenDepth--
	c.Buf.Append(end)
}

// caseStmtChain lowers n as a linear chain of CASE/CASE_RANGE compares,
// each jumping to its arm's body on a match, falling through to the
// default arm (or CASE_DONE) otherwise.
func (c *Context) caseStmtChain(n *ast.Case) {
	c.Expr(n.Selector)
	c.hiddenDepth++
	defer func() { c.hiddenDepth-- }()

	end := bcir.NewLabel()
	var defaultArm *ast.CaseArm
	bodyLabels := make([]*bcir.Op, len(n.Arms))
	for i := range n.Arms {
		bodyLabels[i] = bcir.NewLabel()
		if n.Arms[i].IsDefault {
			defaultArm = &n.Arms[i]
		}
	}

	for i, arm := range n.Arms {
		if arm.IsDefault {
			continue
		}
		for _, v := range arm.Values {
			if v.Lo == v.Hi {
				cv := bcir.NewConstant(v.Lo)
				c.Buf.Append(cv)
				c.Buf.Append(&bcir.Op{Kind: bcir.KindCase, JumpTo: bodyLabels[i], FixedSize: -1})
			} else {
				lo, hi := bcir.NewConstant(v.Lo), bcir.NewConstant(v.Hi)
				c.Buf.Append(lo)
				c.Buf.Append(hi)
				c.Buf.Append(&bcir.Op{Kind: bcir.KindCaseRange, JumpTo: bodyLabels[i], FixedSize: -1})
			}
		}
	}
	if defaultArm != nil {
		idx := -1
		for i := range n.Arms {
			if &n.Arms[i] == defaultArm {
				idx = i
			}
		}
		c.Buf.Append(bcir.NewJump(bcir.KindJump, bodyLabels[idx]))
	} else {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindCaseDone, FixedSize: -1})
		c.Buf.Append(bcir.NewJump(bcir.KindJump, end))
	}

	c.pushLoop(end, end)
	for i, arm := range n.Arms {
		c.Buf.Append(bodyLabels[i])
		c.Block(arm.Body)
		c.Buf.Append(bcir.NewJump(bcir.KindJump, end))
	}
	c.popLoop()
	c.Buf.Append(end)
}

func (c *Context) returnStmt(n *ast.Return) {
	for _, v := range n.Values {
		c.Expr(v)
	}
	if len(n.Values) == 0 {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: len(c.Fn.Results)})
		return
	}
	c.Buf.Append(&bcir.Op{Kind: bcir.KindReturnPop, FixedSize: -1, ReturnNumRes: len(n.Values)})
}

func (c *Context) abortStmt(n *ast.Abort) {
	if n.Value == nil {
		c.Buf.Append(&bcir.Op{Kind: bcir.KindAbortPlain, FixedSize: -1})
		return
	}
	c.Expr(n.Value)
	c.Buf.Append(&bcir.Op{Kind: bcir.KindAbortPop, FixedSize: -1})
}

func (c *Context) pushLoop(breakTo, continueTo *bcir.Op) {
	c.loopStack = append(c.loopStack, loopFrame{breakTo, continueTo})
}

func (c *Context) popLoop() {
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
}

func (c *Context) quit() {
	if len(c.loopStack) == 0 {
		c.Errs.Errorf(c.pos(), "quit outside of a loop or case")
		return
	}
	top := c.loopStack[len(c.loopStack)-1]
	c.Buf.Append(bcir.NewJump(bcir.KindJump, top.breakTo))
}

func (c *Context) next() {
	if len(c.loopStack) == 0 {
		c.Errs.Errorf(c.pos(), "next outside of a loop")
		return
	}
	top := c.loopStack[len(c.loopStack)-1]
	c.Buf.Append(bcir.NewJump(bcir.KindJump, top.continueTo))
}

// MarkAddressTaken runs a worklist-based reachability pass over prog,
// starting from every exported method and every function-pointer
// constant reachable from a DAT relocation, and marks each reached
// ast.Function as address-taken by appending it to taken. It replaces
// the original's repeated didWork scans with a single queue, per the
// Open Question decision recorded in DESIGN.md.
func MarkAddressTaken(prog *ast.Program) map[*ast.Function]bool {
	taken := map[*ast.Function]bool{}
	var queue []*ast.Function

	enqueue := func(fn *ast.Function) {
		if fn != nil && !taken[fn] {
			taken[fn] = true
			queue = append(queue, fn)
		}
	}

	for _, mod := range prog.Modules {
		for _, fn := range mod.Functions {
			if fn.IsPublic {
				enqueue(fn)
			}
		}
		for _, reloc := range mod.DatRelocs {
			if reloc.Symbol != nil && reloc.Symbol.Kind == ast.SymFunction {
				enqueue(functionBySymbol(mod, reloc.Symbol))
			}
		}
	}

	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		walkFunctionRefs(fn.Body, enqueue, prog)
	}
	return taken
}

func functionBySymbol(mod *ast.Module, sym *ast.Symbol) *ast.Function {
	for _, fn := range mod.Functions {
		if fn.Name == sym.Name {
			return fn
		}
	}
	return nil
}

func walkFunctionRefs(stmts []ast.Stmt, enqueue func(*ast.Function), prog *ast.Program) {
	var walkExpr func(ast.Expr)
	walkExpr = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.VarRef:
			if n.Sym.Kind == ast.SymFunction {
				for _, mod := range prog.Modules {
					enqueue(functionBySymbol(mod, n.Sym))
				}
			}
			if n.Index != nil {
				walkExpr(n.Index)
			}
		case *ast.Binary:
			walkExpr(n.L)
			walkExpr(n.R)
		case *ast.Unary:
			walkExpr(n.X)
		case *ast.CallExpr:
			if n.Func != nil && n.Func.Kind == ast.SymFunction {
				for _, mod := range prog.Modules {
					enqueue(functionBySymbol(mod, n.Func))
				}
			}
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.IndirectCall:
			walkExpr(n.Ptr)
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.Builtin:
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.CogInit:
			walkExpr(n.CogID)
			walkExpr(n.Func)
			walkExpr(n.Param)
			walkExpr(n.StackPtr)
		}
	}
	var walkStmt func(ast.Stmt)
	walkStmt = func(s ast.Stmt) {
		switch n := s.(type) {
		case *ast.Assign:
			for _, t := range n.LHS {
				walkExpr(t)
			}
			walkExpr(n.RHS)
		case *ast.ExprStmt:
			walkExpr(n.X)
		case *ast.If:
			walkExpr(n.Cond)
			for _, st := range n.Then {
				walkStmt(st)
			}
			for _, st := range n.Else {
				walkStmt(st)
			}
		case *ast.While:
			walkExpr(n.Cond)
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *ast.DoWhile:
			walkExpr(n.Cond)
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *ast.For:
			if n.Init != nil {
				walkStmt(n.Init)
			}
			if n.Cond != nil {
				walkExpr(n.Cond)
			}
			if n.Next != nil {
				walkStmt(n.Next)
			}
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *ast.RepeatCount:
			walkExpr(n.Count)
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *ast.RepeatRange:
			walkExpr(n.From)
			walkExpr(n.To)
			if n.Step != nil {
				walkExpr(n.Step)
			}
			for _, st := range n.Body {
				walkStmt(st)
			}
		case *ast.Case:
			walkExpr(n.Selector)
			for _, arm := range n.Arms {
				for _, st := range arm.Body {
					walkStmt(st)
				}
			}
		case *ast.Return:
			for _, v := range n.Values {
				walkExpr(v)
			}
		case *ast.Abort:
			if n.Value != nil {
				walkExpr(n.Value)
			}
		}
	}
	for _, s := range stmts {
		walkStmt(s)
	}
}
