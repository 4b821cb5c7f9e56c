package sizeres

import (
	"testing"

	"github.com/rs/zerolog"

	"spinbc/bcir"
	"spinbc/berr"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

// fixedBound treats every op as already having a determinate size equal
// to its FixedSize, or 2 bytes if unset — a stand-in for a target
// encoder in tests that don't care about real Spin1 sizing.
func fixedBound(op *bcir.Op, recursionsLeft int) (int, int) {
	if op.FixedSize >= 0 {
		return op.FixedSize, op.FixedSize
	}
	return 2, 2
}

func TestResolveSimpleChainConverges(t *testing.T) {
	buf := bcir.NewBuf()
	buf.Append(bcir.NewConstant(1))
	buf.Append(bcir.NewConstant(2))
	buf.Append(&bcir.Op{Kind: bcir.KindReturnPlain, FixedSize: -1})

	errs := berr.NewCollector(0)
	ok := Resolve(buf, fixedBound, errs, zerolog.Nop())
	assert(t, ok, "expected Resolve to converge")
	assert(t, errs.Count() == 0, "expected no errors")

	for op := buf.Head; op != nil; op = op.Next() {
		assert(t, op.FixedSize >= 0, "expected every op to have a determined size")
	}
	assert(t, TotalSize(buf) == 6, "expected total size 2+2+2=6")
}

func TestResolveNarrowsVariableJump(t *testing.T) {
	buf := bcir.NewBuf()
	label := bcir.NewLabel()
	jump := bcir.NewJump(bcir.KindJump, label)
	buf.Append(jump)
	buf.Append(bcir.NewConstant(1))
	buf.Append(label)

	var bound bcir.SizeBoundFunc
	bound = func(op *bcir.Op, recursionsLeft int) (int, int) {
		if op.FixedSize >= 0 {
			return op.FixedSize, op.FixedSize
		}
		if op.Kind == bcir.KindJump {
			min, max := bcir.JumpOffsetBounds(buf, op, false, bound, recursionsLeft)
			if min == max && min >= -0x40 && max <= 0x3F {
				return 2, 2
			}
			return 2, 3
		}
		return 2, 2 // constant is always 2 bytes in this simplified test target
	}

	errs := berr.NewCollector(0)
	ok := Resolve(buf, bound, errs, zerolog.Nop())
	assert(t, ok, "expected Resolve to converge on a narrowing jump")
	assert(t, jump.FixedSize == 2, "expected the short jump encoding to win")
}

func TestResolveReportsUnresolvableAlignAsFatal(t *testing.T) {
	buf := bcir.NewBuf()
	align := &bcir.Op{Kind: bcir.KindAlign, DataInt: 4, FixedSize: -1}
	buf.Append(align)

	cyclic := func(op *bcir.Op, recursionsLeft int) (int, int) {
		return 0xBADBAD, -1 // never converges and CanBeOversized is false for ALIGN
	}

	errs := berr.NewCollector(0)
	ok := Resolve(buf, cyclic, errs, zerolog.Nop())
	assert(t, !ok, "expected Resolve to fail on an unresolvable ALIGN")
	assert(t, errs.Count() > 0, "expected a fatal diagnostic")
}

// TestResolveForcesOneOversizableOpAtATime builds a three-op dependency
// chain (b needs both a and c resolved, c only needs a) where forcing
// every oversizable op in a single stalled sweep would force b to its
// oversized bound before c gets a chance to settle, producing a larger
// final encoding than necessary. Forcing only a per stall and
// re-running normal narrowing between forces — as
// BCIR_DetermineSizes(force=true,...) does by returning immediately
// after its first forced op — lets c narrow first, then b narrows too
// instead of also being forced.
func TestResolveForcesOneOversizableOpAtATime(t *testing.T) {
	buf := bcir.NewBuf()
	a := &bcir.Op{Kind: bcir.KindJump, FixedSize: -1}
	b := &bcir.Op{Kind: bcir.KindJump, FixedSize: -1}
	c := &bcir.Op{Kind: bcir.KindJump, FixedSize: -1}
	buf.Append(a)
	buf.Append(b)
	buf.Append(c)

	bound := func(op *bcir.Op, recursionsLeft int) (int, int) {
		if op.FixedSize >= 0 {
			return op.FixedSize, op.FixedSize
		}
		switch op {
		case a:
			return 2, 3 // never narrows on its own: must be forced
		case b:
			if a.FixedSize >= 0 && c.FixedSize >= 0 {
				return 2, 2
			}
			return 2, 3
		case c:
			if a.FixedSize >= 0 {
				return 2, 2
			}
			return 2, 3
		}
		return 2, 2
	}

	errs := berr.NewCollector(0)
	ok := Resolve(buf, bound, errs, zerolog.Nop())
	assert(t, ok, "expected Resolve to converge")
	assert(t, errs.Count() == 0, "expected no errors")
	assert(t, a.FixedSize == 3, "expected a to be force-resolved to its max bound")
	assert(t, c.FixedSize == 2, "expected c to narrow normally once a was forced")
	assert(t, b.FixedSize == 2, "expected b to narrow normally once c settled, not be force-resolved alongside a")
}

func TestCompactFindsUnresolvedSpan(t *testing.T) {
	buf := bcir.NewBuf()
	a := bcir.NewConstant(1)
	a.FixedSize = 2
	buf.Append(a)
	b := &bcir.Op{Kind: bcir.KindAlign, FixedSize: -1}
	buf.Append(b)

	first, last := Compact(buf)
	assert(t, first == b && last == b, "expected Compact to find the single unresolved op")
}
