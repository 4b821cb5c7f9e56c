// Package encode implements the Spin1 dialect target encoder: per-opcode
// size bounds and byte emission, constant-encoding choice, and
// jump-offset encoding, byte-exact with the legacy P1 ROM interpreter.
//
// Modeled on original_source/backends/bytecode/bc_spin1.c.
package encode

import (
	"fmt"

	"spinbc/ast"
	"spinbc/bcir"
	"spinbc/berr"
)

// Reloc is one cross-module relocation request recorded while encoding
// a KindConstantFuncRef or KindConstantDatRef. The layout package walks
// these once the referenced module's compiled address is known.
type Reloc struct {
	Module any // *ast.Module
	// Pos is the byte offset, within the op's own encoded bytes, of the
	// two placeholder bytes to patch; layout adds the op's position.
	Pos int
	Kind RelocKind
	// Offset is the constant DAT-internal offset already written into
	// the placeholder bytes for a DatRef (needed to recompute the
	// correct two's-complement sum when patching).
	Offset int32
}

type RelocKind int

const (
	RelocFuncAddr RelocKind = iota
	RelocDatAddr
	// RelocObjAddr patches an OBJ-table header-offset word with a
	// sub-object's compiled address. layout constructs these directly
	// (the OBJ table is structural, not walked through Encode).
	RelocObjAddr
)

// Spin1 is the target encoder. It holds no per-compilation state beyond
// an accumulated Relocs slice populated at encode time. pbaseOffset is
// the distance of the function currently being compiled from its
// module's PBASE, needed for PC-relative (function-relative) addressing.
type Spin1 struct {
	Errs        *berr.Collector
	PbaseOffset int
	Relocs      []Reloc
}

func NewSpin1(errs *berr.Collector) *Spin1 {
	return &Spin1{Errs: errs}
}

// ---- constant encoding (spec.md §4.3) ----

type constEncoding int

const (
	cTiny constEncoding = iota
	cDecod
	cDecodNot
	cBMaskLow
	cBMaskHigh
	c1B
	c2B
	c3B
	c4B
	cNeg1B
	cNeg2B
)

func isPowerOf2(x uint32) bool { return x != 0 && x&(x-1) == 0 }

// clz32 returns the count of leading zero bits, mirroring __builtin_clz.
func clz32(x uint32) int {
	n := 0
	for i := 31; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

func getConstEncoding(imm int32, extraSmall bool) constEncoding {
	immu := uint32(imm)
	abs := imm
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= 1:
		return cTiny
	case immu < 0x100:
		return c1B
	case isPowerOf2(immu + 1):
		return cBMaskLow
	case isPowerOf2(^immu + 1):
		return cBMaskHigh
	case isPowerOf2(immu):
		return cDecod
	case isPowerOf2(^immu):
		return cDecodNot
	case immu < 0x10000:
		return c2B
	case immu < 0x1000000:
		return c3B
	case imm < 0 && imm > -0xFF && extraSmall:
		return cNeg1B
	case imm < 0 && imm > -0xFFFF && extraSmall:
		return cNeg2B
	default:
		return c4B
	}
}

func constEncodingSize(e constEncoding) int {
	switch e {
	case cTiny:
		return 1
	case cDecod, cDecodNot, cBMaskLow, cBMaskHigh:
		return 2
	case c1B:
		return 2
	case c2B:
		return 3
	case c3B:
		return 4
	case c4B:
		return 5
	case cNeg1B:
		return 3
	case cNeg2B:
		return 4
	default:
		return 5
	}
}

// MathOpcode maps a bcir.MathKind math op to its 5-bit Spin1 opcode id,
// used both standalone (BOK_MATHOP) and inside modify bytes.
func MathOpcode(mk bcir.MathKind) (uint8, bool) {
	switch mk {
	case bcir.Ror:
		return 0b00000, true
	case bcir.Rol:
		return 0b00001, true
	case bcir.Shr:
		return 0b00010, true
	case bcir.Shl:
		return 0b00011, true
	case bcir.Min:
		return 0b00100, true
	case bcir.Max:
		return 0b00101, true
	case bcir.Neg:
		return 0b00110, true
	case bcir.BitNot:
		return 0b00111, true
	case bcir.BitAnd:
		return 0b01000, true
	case bcir.Abs:
		return 0b01001, true
	case bcir.BitOr:
		return 0b01010, true
	case bcir.BitXor:
		return 0b01011, true
	case bcir.Add:
		return 0b01100, true
	case bcir.Sub:
		return 0b01101, true
	case bcir.Sar:
		return 0b01110, true
	case bcir.Rev:
		return 0b01111, true
	case bcir.LogicAnd:
		return 0b10000, true
	case bcir.Encode:
		return 0b10001, true
	case bcir.LogicOr:
		return 0b10010, true
	case bcir.Decode:
		return 0b10011, true
	case bcir.MulLow:
		return 0b10100, true
	case bcir.MulHigh:
		return 0b10101, true
	case bcir.Divide:
		return 0b10110, true
	case bcir.Remainder:
		return 0b10111, true
	case bcir.Sqrt:
		return 0b11000, true
	case bcir.CmpB:
		return 0b11001, true
	case bcir.CmpA:
		return 0b11010, true
	case bcir.CmpNE:
		return 0b11011, true
	case bcir.CmpE:
		return 0b11100, true
	case bcir.CmpBE:
		return 0b11101, true
	case bcir.CmpAE:
		return 0b11110, true
	case bcir.BoolNot:
		return 0b11111, true
	default:
		return 0, false
	}
}

func isShortFormMemOp(op *bcir.Op) bool {
	switch op.Kind {
	case bcir.KindMemRead, bcir.KindMemWrite, bcir.KindMemModify, bcir.KindMemAddress:
	default:
		return false
	}
	if op.Mem.Base != bcir.BaseVBase && op.Mem.Base != bcir.BaseDBase {
		return false
	}
	return op.DataInt < 8*4 && op.DataInt&3 == 0 && op.Mem.MemSize == bcir.SizeLong && !op.Mem.PopIndex
}

// SizeBound is the Spin1 GetSizeBound_Spin1 equivalent: returns [min,max]
// byte bounds for op, consulting jump-offset bounds for variable-length
// forms. extraSmall controls whether the NEG1B/NEG2B constant forms are
// eligible (function-local "-Oextrasmall" optimize flag).
func (s *Spin1) SizeBound(buf *bcir.Buf, op *bcir.Op, recursionsLeft int, extraSmall bool) (min, max int) {
	if op.FixedSize >= 0 {
		return op.FixedSize, op.FixedSize
	}
	bound := func(o *bcir.Op, rec int) (int, int) { return s.SizeBound(buf, o, rec, extraSmall) }

	switch op.Kind {
	case bcir.KindAlign:
		op.JumpTo = op // BCIR_GetJumpOffsetBounds hack: distance to self
		alignto := int(op.DataInt)
		if recursionsLeft > 0 {
			minOff, maxOff := bcir.JumpOffsetBounds(buf, op, true, bound, recursionsLeft)
			if minOff == maxOff {
				addr := minOff + s.PbaseOffset
				sz := (alignto - addr%alignto) % alignto
				return sz, sz
			}
		}
		return 0, alignto - 1

	case bcir.KindConstant:
		return constEncodingSize(getConstEncoding(op.DataInt, extraSmall)), constEncodingSize(getConstEncoding(op.DataInt, extraSmall))

	case bcir.KindConstantFuncRef:
		if op.DataInt&0xff00 == 0 {
			return 4, 4
		}
		return 5, 5

	case bcir.KindConstantDatRef:
		return 3, 3

	case bcir.KindJump, bcir.KindJumpDJNZ, bcir.KindJumpTJZ, bcir.KindJumpIfZ, bcir.KindJumpIfNZ,
		bcir.KindCase, bcir.KindCaseRange:
		if recursionsLeft > 0 {
			minDist, maxDist := bcir.JumpOffsetBounds(buf, op, false, bound, recursionsLeft)
			switch {
			case maxDist <= 0x3F && maxDist >= -0x40:
				return 2, 2
			case minDist > 0x3F || minDist < -0x40:
				return 3, 3
			default:
				return 2, 3
			}
		}
		return 2, 3

	case bcir.KindFunDataPushAddress, bcir.KindFunDataLookupJump:
		if recursionsLeft > 0 {
			minDist, maxDist := bcir.JumpOffsetBounds(buf, op, true, bound, recursionsLeft)
			minDist += s.PbaseOffset
			maxDist += s.PbaseOffset
			if op.Kind == bcir.KindFunDataLookupJump || op.PushAddr.AddPBase {
				switch {
				case maxDist < 0 || minDist < 0:
					s.Errs.Fatal(berr.Pos{}, "negative distance in FUNDATA_PUSHADDRESS with PBASE")
					return 3, 3
				case maxDist <= 0x7F:
					return 2, 2
				case minDist > 0x7F:
					return 3, 3
				default:
					return 2, 3
				}
			}
			switch {
			case maxDist < 0 || minDist < 0:
				s.Errs.Fatal(berr.Pos{}, "negative distance in FUNDATA_PUSHADDRESS without PBASE")
				return 5, 5
			case maxDist <= 0xFF:
				return 2, 2
			case minDist > 0xFF:
				return 3, 3
			default:
				return 2, 3
			}
		}
		if op.Kind == bcir.KindFunDataLookupJump || op.PushAddr.AddPBase {
			return 2, 3
		}
		return 2, 3

	case bcir.KindFunDataJumpEntry:
		return 2, 2

	case bcir.KindMemRead, bcir.KindMemWrite, bcir.KindMemAddress, bcir.KindMemModify:
		var mn, mx int
		switch {
		case op.Mem.Base == bcir.BasePop:
			mn, mx = 1, 1
		case isShortFormMemOp(op):
			mn, mx = 1, 1
		case op.DataInt < 0x80:
			mn, mx = 2, 2
		default:
			mn, mx = 3, 3
		}
		if op.Kind == bcir.KindMemModify {
			mn++
			mx++
			if op.MathKind == bcir.ModRepeatStep {
				if recursionsLeft > 0 {
					minDist, maxDist := bcir.JumpOffsetBounds(buf, op, false, bound, recursionsLeft)
					switch {
					case maxDist <= 0x3F && maxDist >= -0x40:
						mn++
						mx++
					case minDist > 0x3F || minDist < -0x40:
						mn += 2
						mx += 2
					default:
						mn++
						mx += 2
					}
				} else {
					mn++
					mx += 2
				}
			}
		}
		return mn, mx

	case bcir.KindFunDataString:
		return op.StringLength, op.StringLength

	case bcir.KindLabel:
		return 0, 0

	case bcir.KindReturnPlain, bcir.KindReturnPop:
		return 1, 1

	case bcir.KindMathOp, bcir.KindAbortPlain, bcir.KindAbortPop, bcir.KindWait,
		bcir.KindCaseDone, bcir.KindLookdown, bcir.KindLookup, bcir.KindLookdownRange,
		bcir.KindLookupRange, bcir.KindLookEnd, bcir.KindBuiltinStrSize, bcir.KindBuiltinStrComp,
		bcir.KindBuiltinBulkMem, bcir.KindCogInit, bcir.KindCogInitPrepare, bcir.KindCogStop,
		bcir.KindLockNew, bcir.KindLockRet, bcir.KindLockSet, bcir.KindLockClr, bcir.KindClkSet,
		bcir.KindAnchor, bcir.KindPop:
		return 1, 1

	case bcir.KindRegRead, bcir.KindRegWrite, bcir.KindRegBitRead, bcir.KindRegBitWrite,
		bcir.KindRegBitRangeRead, bcir.KindRegBitRangeWrite:
		return 2, 2

	case bcir.KindRegModify, bcir.KindRegBitModify, bcir.KindRegBitRangeModify:
		return 3, 3

	case bcir.KindCallSelf:
		return 2, 2
	case bcir.KindCallOther, bcir.KindCallOtherIdx:
		return 3, 3

	default:
		s.Errs.Fatal(berr.Pos{}, "unhandled ByteOpIR kind %s in GetSizeBound_Spin1", op.Kind)
		return 1, 1
	}
}

// ---- jump offset encoding ----

type offsetEncoding int

const (
	offVarlenSigned offsetEncoding = iota
	offVarlenUnsigned
	offFixlen
	offFixlenLE
)

// compileJumpOffset writes the variable-length or fixed offset for a
// jump/data reference into buf starting at *pos, mirroring
// CompileJumpOffset_Spin1. baseSize is the number of bytes already
// written for this op (used to tell a 1-byte offset field from a
// 2-byte one via fixedSize-baseSize).
func (s *Spin1) compileJumpOffset(dst []byte, pos *int, buf *bcir.Buf, op *bcir.Op, baseSize int, funcRelative bool, offsetOffset int, enc offsetEncoding) int {
	offset, ok := bcir.JumpOffset(buf, op, funcRelative, func(o *bcir.Op, rec int) (int, int) {
		return s.SizeBound(buf, o, rec, false)
	})
	if !ok {
		s.Errs.Fatal(berr.Pos{}, "GetJumpOffset called on a %s, got indeterminate offset", op.Kind)
	}
	offset += offsetOffset
	if enc != offVarlenSigned && offset < 0 {
		s.Errs.Fatal(berr.Pos{}, "CompileJumpOffset_Spin1 with unsigned encoding but negative offset")
	}

	var hlimit1, llimit1, hlimit2, llimit2 int
	isVarlen, isLE := true, false
	switch enc {
	case offVarlenSigned:
		hlimit1, llimit1, hlimit2, llimit2 = 0x3F, -0x40, 0x3FFF, -0x4000
	case offVarlenUnsigned:
		hlimit1, llimit1, hlimit2, llimit2 = 0x7F, 0, 0x7FFF, 0
	case offFixlenLE:
		isLE = true
		fallthrough
	case offFixlen:
		hlimit1, llimit1, hlimit2, llimit2, isVarlen = 0xFF, 0, 0xFFFF, 0, false
	}

	switch op.FixedSize - baseSize {
	case 1:
		if offset > hlimit1 || offset < llimit1 {
			s.Errs.Fatal(berr.Pos{}, "jump offset %d too big for 1 byte with encoding %d", offset, enc)
		}
		if isVarlen {
			dst[*pos] = byte(offset & 0x7F)
		} else {
			dst[*pos] = byte(offset & 0xFF)
		}
		*pos++
	case 2:
		if offset > hlimit2 || offset < llimit2 {
			s.Errs.Fatal(berr.Pos{}, "jump offset %d too big for 2 bytes with encoding %d", offset, enc)
		}
		if isLE {
			dst[*pos] = byte(offset & 0xFF)
			*pos++
		}
		if isVarlen {
			dst[*pos] = byte((offset>>8)&0x7F) | 0x80
		} else {
			dst[*pos] = byte((offset >> 8) & 0xFF)
		}
		*pos++
		if !isLE {
			dst[*pos] = byte(offset & 0xFF)
			*pos++
		}
	default:
		s.Errs.Fatal(berr.Pos{}, "trying to emit jump offset of size %d", op.FixedSize)
	}
	return offset
}

func getModifyByte(op *bcir.Op) (code uint8, sized bool) {
	if bcir.IsModOp(op.MathKind) {
		modsize := 0
		switch op.Mem.ModSize {
		case bcir.SizeBit:
			modsize = 0
		case bcir.SizeByte:
			modsize = 2
		case bcir.SizeWord:
			modsize = 4
		case bcir.SizeLong:
			modsize = 6
		}
		switch op.MathKind {
		case bcir.ModWrite:
			code = 0b0000000
		case bcir.ModRandForward:
			code = 0b0001000
		case bcir.ModRandBackward:
			code = 0b0001100
		case bcir.ModSignXByte:
			code = 0b0010000
		case bcir.ModSignXWord:
			code = 0b0010100
		case bcir.ModPostClear:
			code = 0b0011000
		case bcir.ModPostSet:
			code = 0b0011100
		case bcir.ModPreInc:
			code, sized = uint8(0b0100000+modsize), true
		case bcir.ModPostInc:
			code, sized = uint8(0b0101000+modsize), true
		case bcir.ModPreDec:
			code, sized = uint8(0b0110000+modsize), true
		case bcir.ModPostDec:
			code, sized = uint8(0b0111000+modsize), true
		}
	} else {
		id, _ := MathOpcode(op.MathKind)
		rev := uint8(0)
		if op.Mem.ModifyReverseMath {
			rev = 1
		}
		code = 0b01000000 + id + rev<<5
	}
	if op.Mem.PushModifyResult {
		code += 1 << 7
	}
	return code, sized
}

// Encode writes op's final bytes into dst (len(dst) == op.FixedSize) and
// returns a listing comment, mirroring CompileIROP_Spin1. The module
// reference fields carry opaque *ast.Module values so this package does
// not need to import layout. extraSmall must match whatever was passed
// to SizeBound when op.FixedSize was resolved, or a NEG1B/NEG2B-sized
// constant will overflow dst.
func (s *Spin1) Encode(buf *bcir.Buf, op *bcir.Op, dst []byte, extraSmall bool) string {
	pos := 0
	comment := ""

	switch op.Kind {
	case bcir.KindConstantFuncRef:
		id := op.DataInt
		if id&0xff00 != 0 {
			dst[pos] = 0b00111011
			pos++
			dst[pos] = byte(id >> 8 & 255)
			pos++
		} else {
			dst[pos] = 0b00111010
			pos++
		}
		dst[pos] = byte(id & 255)
		pos++
		relocPos := pos
		dst[pos] = 0
		pos++
		dst[pos] = 0
		pos++
		s.Relocs = append(s.Relocs, Reloc{Module: op.FuncRefModule, Pos: relocPos, Kind: RelocFuncAddr})
		comment = fmt.Sprintf("CONSTANT_FUNCREF %d", id)

	case bcir.KindConstantDatRef:
		off := op.DataInt
		dst[pos] = 0b00111001
		pos++
		relocPos := pos
		dst[pos] = byte(off >> 8 & 255)
		pos++
		dst[pos] = byte(off & 255)
		pos++
		s.Relocs = append(s.Relocs, Reloc{Module: op.DatRefModule, Pos: relocPos, Kind: RelocDatAddr, Offset: off})
		comment = fmt.Sprintf("CONSTANT_DATREF %d", off)

	case bcir.KindConstant:
		imm := op.DataInt
		immu := uint32(imm)
		switch getConstEncoding(imm, extraSmall) {
		case cTiny:
			dst[pos] = byte(0b00110101 + imm)
			pos++
		case cDecod:
			dst[pos] = 0b00110111
			pos++
			dst[pos] = byte(0b00000000 + ((30 - clz32(immu)) & 31))
			pos++
		case cDecodNot:
			dst[pos] = 0b00110111
			pos++
			dst[pos] = byte(0b01000000 + ((30 - clz32(^immu)) & 31))
			pos++
		case cBMaskLow:
			dst[pos] = 0b00110111
			pos++
			dst[pos] = byte(0b00100000 + ((30 - clz32(immu+1)) & 31))
			pos++
		case cBMaskHigh:
			dst[pos] = 0b00110111
			pos++
			dst[pos] = byte(0b01100000 + ((30 - clz32(^immu+1)) & 31))
			pos++
		case c1B:
			dst[pos] = 0b00111000
			pos++
			dst[pos] = byte(immu & 255)
			pos++
		case c2B:
			dst[pos] = 0b00111001
			pos++
			dst[pos] = byte(immu >> 8 & 255)
			pos++
			dst[pos] = byte(immu & 255)
			pos++
		case c3B:
			dst[pos] = 0b00111010
			pos++
			dst[pos] = byte(immu >> 16 & 255)
			pos++
			dst[pos] = byte(immu >> 8 & 255)
			pos++
			dst[pos] = byte(immu & 255)
			pos++
		case c4B:
			dst[pos] = 0b00111011
			pos++
			dst[pos] = byte(immu >> 24 & 255)
			pos++
			dst[pos] = byte(immu >> 16 & 255)
			pos++
			dst[pos] = byte(immu >> 8 & 255)
			pos++
			dst[pos] = byte(immu & 255)
			pos++
		case cNeg1B:
			dst[pos] = 0b00111000
			pos++
			dst[pos] = byte((-imm) & 255)
			pos++
			dst[pos] = 0xE0 + 0b00110
			pos++
		case cNeg2B:
			dst[pos] = 0b00111001
			pos++
			dst[pos] = byte((-imm) >> 8 & 255)
			pos++
			dst[pos] = byte((-imm) & 255)
			pos++
			dst[pos] = 0xE0 + 0b00110
			pos++
		}
		comment = fmt.Sprintf("CONSTANT %d", imm)

	case bcir.KindMathOp:
		id, ok := MathOpcode(op.MathKind)
		if !ok {
			s.Errs.Fatal(berr.Pos{}, "unhandled math op type %d", op.MathKind)
		}
		dst[pos] = 0xE0 + id
		pos++
		comment = "MATHOP"

	case bcir.KindRegBitRead, bcir.KindRegBitWrite, bcir.KindRegBitModify,
		bcir.KindRegBitRangeRead, bcir.KindRegBitRangeWrite, bcir.KindRegBitRangeModify,
		bcir.KindRegRead, bcir.KindRegWrite, bcir.KindRegModify:
		reg := op.DataInt
		switch op.Kind {
		case bcir.KindRegBitRead, bcir.KindRegBitWrite, bcir.KindRegBitModify:
			dst[pos] = 0b00111101
		case bcir.KindRegBitRangeRead, bcir.KindRegBitRangeWrite, bcir.KindRegBitRangeModify:
			dst[pos] = 0b00111110
		default:
			dst[pos] = 0b00111111
		}
		pos++
		regop := uint8(reg&0x1F) + 0x80
		isModify := false
		switch op.Kind {
		case bcir.KindRegBitRangeRead, bcir.KindRegBitRead, bcir.KindRegRead:
			regop |= 0x00
		case bcir.KindRegBitRangeWrite, bcir.KindRegBitWrite, bcir.KindRegWrite:
			regop |= 0x20
		default:
			regop |= 0x40
			isModify = true
		}
		dst[pos] = regop
		pos++
		if isModify {
			mb, _ := getModifyByte(op)
			dst[pos] = mb
			pos++
		}
		comment = fmt.Sprintf("%s reg %d", op.Kind, reg)

	case bcir.KindMemRead, bcir.KindMemWrite, bcir.KindMemAddress, bcir.KindMemModify:
		offset := uint32(op.DataInt)
		shortForm := isShortFormMemOp(op)
		if shortForm {
			opcode := uint8(0x40) + byte(offset&0x1C)
			switch op.Kind {
			case bcir.KindMemWrite:
				opcode += 1
			case bcir.KindMemModify:
				opcode += 2
			case bcir.KindMemAddress:
				opcode += 3
			}
			if op.Mem.Base == bcir.BaseDBase {
				opcode += 1 << 5
			}
			dst[pos] = opcode
			pos++
		} else {
			opcode := uint8(0x80)
			if op.Mem.PopIndex {
				opcode += 1 << 4
			}
			switch op.Mem.MemSize {
			case bcir.SizeByte:
				opcode += 0 << 5
			case bcir.SizeWord:
				opcode += 1 << 5
			case bcir.SizeLong:
				opcode += 2 << 5
			default:
				s.Errs.Fatal(berr.Pos{}, "invalid memSize")
			}
			switch op.Mem.Base {
			case bcir.BasePop:
				opcode += 0 << 2
			case bcir.BasePBase:
				opcode += 1 << 2
			case bcir.BaseVBase:
				opcode += 2 << 2
			case bcir.BaseDBase:
				opcode += 3 << 2
			}
			switch op.Kind {
			case bcir.KindMemRead:
				opcode += 0
			case bcir.KindMemWrite:
				opcode += 1
			case bcir.KindMemModify:
				opcode += 2
			case bcir.KindMemAddress:
				opcode += 3
			}
			dst[pos] = opcode
			pos++
			if op.Mem.Base != bcir.BasePop {
				if offset < 0x80 {
					dst[pos] = byte(offset)
					pos++
				} else if offset < 0x8000 {
					dst[pos] = byte((offset>>8)&0x7F) | 0x80
					pos++
					dst[pos] = byte(offset & 0xFF)
					pos++
				} else {
					s.Errs.Fatal(berr.Pos{}, "mem op offset exceeds 0x8000")
				}
			}
		}

		if op.Kind == bcir.KindMemModify {
			if op.MathKind == bcir.ModRepeatStep {
				if op.Mem.PushModifyResult {
					s.Errs.Fatal(berr.Pos{}, "pushModifyResult set on MOD_REPEATSTEP")
				}
				if op.Mem.RepeatPopStep {
					dst[pos] = 0b00000110
				} else {
					dst[pos] = 0b00000010
				}
				pos++
				s.compileJumpOffset(dst, &pos, buf, op, pos, false, 0, offVarlenSigned)
			} else {
				mb, _ := getModifyByte(op)
				dst[pos] = mb
				pos++
			}
		}
		comment = fmt.Sprintf("%s %s", op.Kind, memOpDescription(op, shortForm))

	case bcir.KindFunDataPushAddress:
		addPbase := op.PushAddr.AddPBase
		var opc byte
		if addPbase {
			opc = 0x87
		} else if op.FixedSize == 2 {
			opc = 0x38
		} else {
			opc = 0x39
		}
		dst[pos] = opc
		pos++
		enc := offFixlen
		if addPbase {
			enc = offVarlenUnsigned
		}
		off := s.compileJumpOffset(dst, &pos, buf, op, 1, true, s.PbaseOffset, enc)
		comment = fmt.Sprintf("FUNDATA_PUSHADDRESS %+d", off)

	case bcir.KindFunDataLookupJump:
		dst[pos] = 0xB4
		pos++
		off := s.compileJumpOffset(dst, &pos, buf, op, 1, true, s.PbaseOffset, offVarlenUnsigned)
		comment = fmt.Sprintf("FUNDATA_LOOKUPJUMP %04X (+PBASE)", off)

	case bcir.KindFunDataJumpEntry:
		off := s.compileJumpOffset(dst, &pos, buf, op, 0, true, s.PbaseOffset, offFixlenLE)
		comment = fmt.Sprintf("FUNDATA_JUMPENTRY %04X (+PBASE)", off)

	case bcir.KindFunDataString:
		copy(dst, op.DataString)
		pos += len(dst)

	case bcir.KindBuiltinBulkMem:
		opcode := uint8(0b00011000)
		switch op.BulkMem.MemSize {
		case bcir.SizeByte:
			opcode += 0
		case bcir.SizeWord:
			opcode += 1
		case bcir.SizeLong:
			opcode += 2
		}
		if op.BulkMem.IsMove {
			opcode += 4
		}
		dst[pos] = opcode
		pos++

	case bcir.KindAnchor:
		v := byte(0)
		if !op.Anchor.WithResult {
			v += 1
		}
		if op.Anchor.Rescue {
			v += 2
		}
		dst[pos] = v
		pos++

	case bcir.KindCallSelf:
		dst[pos] = 0b00000101
		pos++
		dst[pos] = byte(op.Call.FuncID)
		pos++
		comment = fmt.Sprintf("CALL_SELF %d", op.Call.FuncID)

	case bcir.KindCallOther:
		dst[pos] = 0b00000110
		pos++
		dst[pos] = byte(op.Call.ObjID)
		pos++
		dst[pos] = byte(op.Call.FuncID)
		pos++
		comment = fmt.Sprintf("CALL_OTHER %d.%d", op.Call.ObjID, op.Call.FuncID)

	case bcir.KindCallOtherIdx:
		dst[pos] = 0b00000111
		pos++
		dst[pos] = byte(op.Call.ObjID)
		pos++
		dst[pos] = byte(op.Call.FuncID)
		pos++
		comment = fmt.Sprintf("CALL_OTHER_IDX %d[].%d", op.Call.ObjID, op.Call.FuncID)

	case bcir.KindJump, bcir.KindJumpTJZ, bcir.KindJumpDJNZ, bcir.KindJumpIfZ, bcir.KindJumpIfNZ,
		bcir.KindCase, bcir.KindCaseRange:
		switch op.Kind {
		case bcir.KindJump:
			dst[pos] = 0b00000100
		case bcir.KindJumpTJZ:
			dst[pos] = 0b00001000
		case bcir.KindJumpDJNZ:
			dst[pos] = 0b00001001
		case bcir.KindJumpIfZ:
			dst[pos] = 0b00001010
		case bcir.KindJumpIfNZ:
			dst[pos] = 0b00001011
		case bcir.KindCase:
			dst[pos] = 0b00001101
		case bcir.KindCaseRange:
			dst[pos] = 0b00001110
		}
		pos++
		off := s.compileJumpOffset(dst, &pos, buf, op, 1, false, 0, offVarlenSigned)
		comment = fmt.Sprintf("%s %+d", op.Kind, off)

	case bcir.KindWait:
		switch op.Wait {
		case bcir.WaitPEQ:
			dst[pos] = 0b00011011
			comment = "WAITPEQ"
		case bcir.WaitPNE:
			dst[pos] = 0b00011111
			comment = "WAITPNE"
		case bcir.WaitCNT:
			dst[pos] = 0b00100011
			comment = "WAITCNT"
		case bcir.WaitVID:
			dst[pos] = 0b00100111
			comment = "WAITVID"
		}
		pos++

	case bcir.KindCogInit:
		if op.Coginit.PushResult {
			dst[pos] = 0b00101000
		} else {
			dst[pos] = 0b00101100
		}
		pos++
	case bcir.KindLockNew:
		if op.Coginit.PushResult {
			dst[pos] = 0b00101001
		} else {
			dst[pos] = 0b00101101
		}
		pos++
	case bcir.KindLockSet:
		if op.Coginit.PushResult {
			dst[pos] = 0b00101010
		} else {
			dst[pos] = 0b00101110
		}
		pos++
	case bcir.KindLockClr:
		if op.Coginit.PushResult {
			dst[pos] = 0b00101011
		} else {
			dst[pos] = 0b00101111
		}
		pos++

	case bcir.KindReturnPlain:
		dst[pos] = 0b00110010
		pos++
	case bcir.KindReturnPop:
		dst[pos] = 0b00110011
		pos++

	case bcir.KindCaseDone:
		dst[pos] = 0b00001100
		pos++
	case bcir.KindLookEnd:
		dst[pos] = 0b00001111
		pos++
	case bcir.KindLookup:
		dst[pos] = 0b00010000
		pos++
	case bcir.KindLookdown:
		dst[pos] = 0b00010001
		pos++
	case bcir.KindLookupRange:
		dst[pos] = 0b00010010
		pos++
	case bcir.KindLookdownRange:
		dst[pos] = 0b00010011
		pos++
	case bcir.KindPop:
		dst[pos] = 0b00010100
		pos++
	case bcir.KindCogInitPrepare:
		dst[pos] = 0b00010101
		pos++
	case bcir.KindBuiltinStrSize:
		dst[pos] = 0b00010110
		pos++
	case bcir.KindBuiltinStrComp:
		dst[pos] = 0b00010111
		pos++
	case bcir.KindClkSet:
		dst[pos] = 0b00100000
		pos++
	case bcir.KindCogStop:
		dst[pos] = 0b00100001
		pos++
	case bcir.KindLockRet:
		dst[pos] = 0b00100010
		pos++
	case bcir.KindAbortPlain:
		dst[pos] = 0b00110000
		pos++
	case bcir.KindAbortPop:
		dst[pos] = 0b00110001
		pos++
	case bcir.KindLabel:
		// zero-size
	case bcir.KindAlign:
		for pos < len(dst) {
			dst[pos] = 0
			pos++
		}
		comment = fmt.Sprintf("ALIGN %d", op.DataInt)

	default:
		s.Errs.Fatal(berr.Pos{}, "unhandled ByteOpIR kind %s", op.Kind)
		return fmt.Sprintf("unhandled %s", op.Kind)
	}

	if comment == "" {
		comment = op.Kind.String()
	}
	if pos != len(dst) {
		s.Errs.Fatal(berr.Pos{}, "compiled size (%d) doesn't match op's determined size (%d) for a %s", pos, len(dst), op.Kind)
		return "!!! WRONG SIZE !!!"
	}
	return comment
}

func memOpDescription(op *bcir.Op, shortForm bool) string {
	base := "?"
	switch op.Mem.Base {
	case bcir.BasePop:
		base = "(POP base)"
	case bcir.BasePBase:
		base = fmt.Sprintf("PBASE+$%04X", op.DataInt)
	case bcir.BaseVBase:
		base = fmt.Sprintf("VBASE+$%04X", op.DataInt)
	case bcir.BaseDBase:
		base = fmt.Sprintf("DBASE+$%04X", op.DataInt)
	}
	suffix := ""
	if shortForm {
		suffix = "(short)"
	}
	return fmt.Sprintf("%s%s", base, suffix)
}

// BiasUnsignedCompare centralizes the Open Question from spec.md §9: the
// single place lower decides whether a comparison needs a ±2^31 bias.
// The Spin1 math-op table has no unsigned compare primitives, only the
// signed CMP_B/CMP_A/CMP_BE/CMP_AE (CMP_NE/CMP_E are sign-agnostic), so
// for each unsigned compare it returns the matching signed op and true;
// lower then flips the sign bit of both operands before emitting it.
// Every other operator returns false.
func BiasUnsignedCompare(op ast.MathOp) (bcir.MathKind, bool) {
	switch op {
	case ast.OpCmpLtU:
		return bcir.CmpB, true
	case ast.OpCmpLeU:
		return bcir.CmpBE, true
	case ast.OpCmpGtU:
		return bcir.CmpA, true
	case ast.OpCmpGeU:
		return bcir.CmpAE, true
	default:
		return 0, false
	}
}
