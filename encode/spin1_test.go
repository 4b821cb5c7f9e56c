package encode

import (
	"testing"

	"spinbc/bcir"
	"spinbc/berr"
)

func assert(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatal(msg)
	}
}

func TestConstEncodingChoice(t *testing.T) {
	cases := []struct {
		v    int32
		want constEncoding
	}{
		{0, cTiny},
		{1, cTiny},
		{0x7F, c1B},
		{0x1FF, cBMaskLow}, // 0x1FF+1 == 2^9
		{0x100, cDecod},    // power of two
		{0x8000, cDecod},   // power of two
		{0x1234, c2B},
		{0x123456, c3B},
	}
	for _, c := range cases {
		got := getConstEncoding(c.v, false)
		assert(t, got == c.want, "unexpected const encoding for value")
	}
}

func TestConstEncodingSizeMatchesEncodedBytes(t *testing.T) {
	errs := berr.NewCollector(0)
	enc := NewSpin1(errs)
	buf := bcir.NewBuf()

	for _, v := range []int32{0, 1, -1, 0x7F, 3, 0xFF, 0x8000, 0x1234, 0x123456, 0x7FFFFFFF} {
		op := bcir.NewConstant(v)
		buf.Append(op)
		min, max := enc.SizeBound(buf, op, 0, false)
		assert(t, min == max, "const size bound must be determinate")
		dst := make([]byte, min)
		enc.Encode(buf, op, dst, false)
		assert(t, errs.Count() == 0, "unexpected encoder error")
	}
}

func TestConstEncodingSizeMatchesEncodedBytesExtraSmall(t *testing.T) {
	errs := berr.NewCollector(0)
	enc := NewSpin1(errs)
	buf := bcir.NewBuf()

	// -200 only gets its compact NEG1B/NEG2B encoding when extraSmall is
	// set; SizeBound and Encode must agree on that bit or Encode
	// overflows the slice SizeBound sized for it.
	for _, v := range []int32{-1, -200, -40000} {
		op := bcir.NewConstant(v)
		buf.Append(op)
		min, max := enc.SizeBound(buf, op, 0, true)
		assert(t, min == max, "const size bound must be determinate")
		dst := make([]byte, min)
		enc.Encode(buf, op, dst, true)
		assert(t, errs.Count() == 0, "unexpected encoder error")
	}
}

func TestMathOpcodeCoversEveryBinaryAndUnaryKind(t *testing.T) {
	kinds := []bcir.MathKind{
		bcir.Ror, bcir.Rol, bcir.Shr, bcir.Shl, bcir.Min, bcir.Max, bcir.Neg, bcir.BitNot,
		bcir.BitAnd, bcir.Abs, bcir.BitOr, bcir.BitXor, bcir.Add, bcir.Sub, bcir.Sar, bcir.Rev,
		bcir.LogicAnd, bcir.Encode, bcir.LogicOr, bcir.Decode, bcir.MulLow, bcir.MulHigh,
		bcir.Divide, bcir.Remainder, bcir.Sqrt, bcir.CmpB, bcir.CmpA, bcir.CmpNE, bcir.CmpE,
		bcir.CmpBE, bcir.CmpAE, bcir.BoolNot,
	}
	seen := map[uint8]bool{}
	for _, k := range kinds {
		id, ok := MathOpcode(k)
		assert(t, ok, "expected every math kind to have an opcode")
		assert(t, id <= 0x1F, "math opcode must fit in 5 bits")
		assert(t, !seen[id], "math opcode ids must be unique")
		seen[id] = true
	}
}

func TestShortFormMemOpWindow(t *testing.T) {
	op := &bcir.Op{
		Kind: bcir.KindMemRead,
		Mem:  bcir.MemAttr{Base: bcir.BaseVBase, MemSize: bcir.SizeLong},
	}
	op.DataInt = 4
	assert(t, isShortFormMemOp(op), "VBASE long read within the first 8 longs must be short-form")

	op.DataInt = 32
	assert(t, !isShortFormMemOp(op), "offset past the short-form window must not be short-form")

	op.DataInt = 4
	op.Mem.MemSize = bcir.SizeByte
	assert(t, !isShortFormMemOp(op), "non-long size must not be short-form")
}

func TestJumpEncodingRoundTripsThroughJumpOffset(t *testing.T) {
	errs := berr.NewCollector(0)
	enc := NewSpin1(errs)
	buf := bcir.NewBuf()

	label := bcir.NewLabel()
	jump := bcir.NewJump(bcir.KindJump, label)
	buf.Append(jump)
	filler := bcir.NewConstant(0)
	filler.FixedSize = 1
	buf.Append(filler)
	buf.Append(label)
	jump.FixedSize = 2

	dst := make([]byte, 2)
	enc.Encode(buf, jump, dst, false)
	assert(t, errs.Count() == 0, "unexpected encoder error for short forward jump")
	assert(t, dst[0] == 0b00000100, "expected JUMP opcode byte")
}

func TestBiasUnsignedCompareOnlyMapsUnsignedOps(t *testing.T) {
	_, ok := BiasUnsignedCompare(0) // MathOpNone-equivalent
	assert(t, !ok, "MathOpNone must not be treated as an unsigned compare")
}
