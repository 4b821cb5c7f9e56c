package optimize

import (
	"testing"

	"github.com/rs/zerolog"

	"spinbc/ast"
	"spinbc/bcir"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

const allFlags = ast.OptDeadCode | ast.OptPeephole | ast.OptCaseTable

func TestDeadCodeAfterTerminalRemoved(t *testing.T) {
	buf := bcir.NewBuf()
	buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1})
	buf.Append(bcir.NewConstant(99)) // unreachable
	label := bcir.NewLabel()
	buf.Append(label)
	buf.Append(bcir.NewJump(bcir.KindJump, label))

	Run(buf, allFlags, zerolog.Nop())

	n := 0
	for op := buf.Head; op != nil; op = op.Next() {
		n++
		assert(t, op.Kind != bcir.KindConstant, "dead constant after return must be removed")
	}
	assert(t, n == 3, "expected only the unreachable constant to be removed, leaving return/label/jump")
}

func TestUnusedLabelRemoved(t *testing.T) {
	buf := bcir.NewBuf()
	buf.Append(bcir.NewConstant(1))
	buf.Append(bcir.NewLabel())
	buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1})

	Run(buf, allFlags, zerolog.Nop())

	for op := buf.Head; op != nil; op = op.Next() {
		assert(t, op.Kind != bcir.KindLabel, "unused label must be removed")
	}
}

func TestPointlessJumpRemoved(t *testing.T) {
	buf := bcir.NewBuf()
	label := bcir.NewLabel()
	buf.Append(bcir.NewJump(bcir.KindJump, label))
	buf.Append(label)
	buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1})

	Run(buf, allFlags, zerolog.Nop())

	assert(t, buf.Head.Kind != bcir.KindJump, "jump to the immediately-following label must be removed")
}

func TestWriteReadContraction(t *testing.T) {
	buf := bcir.NewBuf()
	write := &bcir.Op{Kind: bcir.KindMemWrite, DataInt: 4, FixedSize: -1, Mem: bcir.MemAttr{Base: bcir.BaseVBase, MemSize: bcir.SizeLong}}
	read := &bcir.Op{Kind: bcir.KindMemRead, DataInt: 4, FixedSize: -1, Mem: bcir.MemAttr{Base: bcir.BaseVBase, MemSize: bcir.SizeLong}}
	buf.Append(write)
	buf.Append(read)

	did := writeReadContraction(buf)
	assert(t, did, "expected the write-read pair to contract")
	assert(t, buf.Count == 1, "expected exactly one op left")
	assert(t, buf.Head.Kind == bcir.KindMemModify, "expected the surviving op to be a MEM_MODIFY")
	assert(t, buf.Head.Mem.PushModifyResult, "expected PushModifyResult to be set")
}

func TestJumpToJumpCollapsesChain(t *testing.T) {
	buf := bcir.NewBuf()
	final := bcir.NewLabel()
	mid := bcir.NewJump(bcir.KindJump, final)
	start := bcir.NewJump(bcir.KindJump, mid)
	buf.Append(start)
	buf.Append(mid)
	buf.Append(final)

	did := jumpToJump(buf)
	assert(t, did, "expected jump-to-jump to fire")
	assert(t, start.JumpTo == final, "expected start's jump target redirected to the final label")
}

func TestContractReturnWriteResultThenReturnPlainBecomesReturnPop(t *testing.T) {
	buf := bcir.NewBuf()
	write := &bcir.Op{Kind: bcir.KindMemWrite, FixedSize: -1, Mem: bcir.MemAttr{Base: bcir.BaseDBase, MemSize: bcir.SizeLong}}
	ret := &bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1}
	buf.Append(write)
	buf.Append(ret)

	did := contractReturn(buf)
	assert(t, did, "expected write-RESULT + return_plain to contract")
	assert(t, buf.Count == 1, "expected the write to be absorbed into the return")
	assert(t, buf.Head.Kind == bcir.KindReturnPop, "expected a popping return")
}

func TestContractReturnReadResultThenReturnPopBecomesReturnPlain(t *testing.T) {
	buf := bcir.NewBuf()
	read := &bcir.Op{Kind: bcir.KindMemRead, FixedSize: -1, Mem: bcir.MemAttr{Base: bcir.BaseDBase, MemSize: bcir.SizeLong}}
	ret := &bcir.Op{Kind: bcir.KindReturnPop, FixedSize: -1, ReturnNumRes: 1}
	buf.Append(read)
	buf.Append(ret)

	did := contractReturn(buf)
	assert(t, did, "expected read-RESULT + return_pop to contract")
	assert(t, buf.Count == 1, "expected the read to be absorbed into the return")
	assert(t, buf.Head.Kind == bcir.KindReturnPlain, "expected a plain return")
}

func TestContractReturnIgnoresNonResultMemops(t *testing.T) {
	buf := bcir.NewBuf()
	// DataInt 4, not 0 — not the RESULT slot, must not contract.
	write := &bcir.Op{Kind: bcir.KindMemWrite, DataInt: 4, FixedSize: -1, Mem: bcir.MemAttr{Base: bcir.BaseDBase, MemSize: bcir.SizeLong}}
	ret := &bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1}
	buf.Append(write)
	buf.Append(ret)

	did := contractReturn(buf)
	assert(t, !did, "a write to a non-RESULT DBASE slot must not contract into the return")
	assert(t, buf.Count == 2, "expected both ops to remain")
}

func TestReplaceJumpToTerminal(t *testing.T) {
	buf := bcir.NewBuf()
	label := bcir.NewLabel()
	ret := &bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1}
	buf.Append(label)
	buf.Append(ret)
	jump := bcir.NewJump(bcir.KindJump, label)
	buf.Append(jump)

	did := replaceJumpToTerminal(buf)
	assert(t, did, "expected a jump to a single-result return to be replaced")
	assert(t, jump.Kind == bcir.KindReturnPlain, "expected the jump to become a direct return")
}

func TestRunReachesFixpointWithinBudget(t *testing.T) {
	buf := bcir.NewBuf()
	a := bcir.NewLabel()
	b := bcir.NewJump(bcir.KindJump, a)
	buf.Append(a)
	buf.Append(b)
	buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1, ReturnNumRes: 1})

	didWork := Run(buf, allFlags, zerolog.Nop())
	_ = didWork
	// Re-running on an already-optimized buffer must report no further work.
	assert(t, !Run(buf, allFlags, zerolog.Nop()), "expected a second Run to be a no-op")
}
