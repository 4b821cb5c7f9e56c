// Package layout assembles compiled per-function byte buffers into a
// complete relocatable Spin1 object image: the object header, method
// table, OBJ (sub-object) table, DAT block with its own relocations,
// and the final patch pass once every module's address is known. No
// heap area is placed. It also writes the two user-facing outputs: the
// binary/EEPROM image and the `.lst` listing.
//
// Modeled on the image-assembly half of original_source/spinc.c and the
// object-header layout documented alongside bcir.c's emission pass.
package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"spinbc/ast"
	"spinbc/bcir"
	"spinbc/berr"
	"spinbc/encode"
	"spinbc/sizeres"
)

// objectHeaderSize is the size of the spin loader header that only the
// root module's image starts with: clkfreq long, clkmode byte, checksum
// byte, then PBASE/VBASE/DBASE/PCURR/DCURR words (see writeHeader).
const objectHeaderSize = 16

// Compiled holds one module's fully laid-out image plus everything the
// relocation-patch pass and the listing writer need afterward.
type Compiled struct {
	Module *ast.Module
	// Funcs is this module's functions in method-table order, parallel
	// to Module.Functions.
	Funcs []CompiledFunc
	// Addr is filled in by Assemble once the whole program's modules
	// have been placed (start of this module's bytes in the final image).
	Addr int
	Size int
	// Image is this module's bytes as CompileModule laid them out (root
	// header if any, size word, counts, method table, OBJ table, DAT,
	// code). Relocation placeholders stay zero here; Assemble patches
	// them in Program.Image.
	Image []byte
	relocs []pendingReloc
}

// CompiledFunc is one method's resolved IR and byte span within its
// module's image.
type CompiledFunc struct {
	Fn     *ast.Function
	Buf    *bcir.Buf
	Offset int // byte offset from this module's PBASE
	Size   int
}

type pendingReloc struct {
	encode.Reloc
	funcOffset int // byte offset of the reloc's placeholder within Image
}

// CompileModule lowers, optimizes, size-resolves and encodes every
// function in mod, and lays out the method/OBJ tables and DAT block.
// It does not yet know other modules' final addresses, so
// KindConstantFuncRef/KindConstantDatRef placeholders (and the OBJ
// table's header-offset words) are written as zero and recorded for
// Program's relocation pass.
//
// isRoot gates the 16-byte spin loader header (clkfreq/clkmode/
// checksum/PBASE/VBASE/DBASE/PCURR/DCURR): spec.md §6 and
// original_source's OutputSpinBCHeader emit it exactly once, in front
// of the top-level module, never per sub-object.
func CompileModule(errs *berr.Collector, mod *ast.Module, isRoot bool, file string, loweredFuncs func(fn *ast.Function) *bcir.Buf) *Compiled {
	enc := encode.NewSpin1(errs)
	c := &Compiled{Module: mod}

	// codeBase is the code's distance from this module's PBASE (size
	// word and counts, method table, OBJ table, DAT block), so
	// enc.PbaseOffset is right while each function's sizes are resolved.
	codeBase := 4 + 4*len(mod.Functions) + len(mod.DatBlock)
	for _, o := range mod.Objects {
		codeBase += 4 * o.Count
	}
	codeSoFar := 0
	for _, fn := range mod.Functions {
		buf := loweredFuncs(fn)
		enc.PbaseOffset = codeBase + codeSoFar
		if !sizeres.Resolve(buf, func(op *bcir.Op, rec int) (int, int) { return enc.SizeBound(buf, op, rec, fn.OptimizeFlags.Has(ast.OptExtraSmall)) }, errs, zerolog.Nop()) {
			continue
		}
		c.Funcs = append(c.Funcs, CompiledFunc{Fn: fn, Buf: buf, Size: sizeres.TotalSize(buf)})
		codeSoFar += c.Funcs[len(c.Funcs)-1].Size
	}

	offset := 0
	for i := range c.Funcs {
		c.Funcs[i].Offset = offset
		offset += c.Funcs[i].Size
	}
	codeSize := offset

	headerSize := 0
	if isRoot {
		headerSize = objectHeaderSize
	}
	methodCount := len(mod.Functions)
	methodTableSize := 4 * methodCount
	objTableSize := 0
	for _, o := range mod.Objects {
		objTableSize += 4 * o.Count
	}
	datSize := len(mod.DatBlock)

	// recordStart is this module's own PBASE: the position of its
	// object-size word, i.e. where offsetFromModuleBase counts from.
	// Field order within the record follows spec.md §6: size word,
	// method-count byte, object-count byte, method table, OBJ table,
	// DAT block, then method bodies.
	recordStart := headerSize
	methodTableOff := recordStart + 4 // size word + method-count byte + obj-count byte
	objTableOff := methodTableOff + methodTableSize
	datOff := objTableOff + objTableSize
	codeStart := datOff + datSize

	// spec.md §6 testable scenario (a): the object-size word is the
	// record's length *after* that word, padded with one zero byte when
	// needed to make it an even byte count.
	bodySize := 2 + methodTableSize + objTableSize + datSize + codeSize
	pad := bodySize % 2
	bodySize += pad

	img := make([]byte, codeStart+codeSize+pad)

	if isRoot {
		writeHeader(img, recordStart)
	}
	binary.LittleEndian.PutUint16(img[recordStart:], uint16(bodySize))
	img[recordStart+2] = byte(methodCount + 1)
	img[recordStart+3] = byte(len(mod.Objects))

	writeMethodTable(img, methodTableOff, codeStart, recordStart, c.Funcs)
	c.relocs = writeObjTable(img, objTableOff, mod)

	for i := range c.Funcs {
		cf := &c.Funcs[i]
		dst := img[codeStart+cf.Offset : codeStart+cf.Offset+cf.Size]
		enc.PbaseOffset = codeStart + cf.Offset - recordStart
		pos := 0
		for op := cf.Buf.Head; op != nil; op = op.Next() {
			before := len(enc.Relocs)
			_ = enc.Encode(cf.Buf, op, dst[pos:pos+op.FixedSize], cf.Fn.OptimizeFlags.Has(ast.OptExtraSmall))
			for _, r := range enc.Relocs[before:] {
				c.relocs = append(c.relocs, pendingReloc{Reloc: r, funcOffset: codeStart + cf.Offset + pos + r.Pos})
			}
			pos += op.FixedSize
		}
	}

	copy(img[datOff:], mod.DatBlock)
	writeDatRelocs(img, datOff, mod.DatRelocs)

	c.Size = len(img)
	c.Image = img
	return c
}

// writeHeader writes the 16-byte spin loader header at img[at:at+16]:
// clkfreq long, clkmode byte, checksum byte, then PBASE/VBASE/DBASE/
// PCURR/DCURR words at offsets 6/8/10/12/14 (original_source's
// OutputSpinBCHeader). Only PBASE is known at this point; the other
// four are var/stack-layout values this back end does not yet model
// and are left as PBASE-valued placeholders for a later back-patch.
func writeHeader(img []byte, pbase int) {
	binary.LittleEndian.PutUint16(img[6:], uint16(pbase))  // PBASE
	binary.LittleEndian.PutUint16(img[8:], uint16(pbase))  // VBASE (placeholder)
	binary.LittleEndian.PutUint16(img[10:], uint16(pbase)) // DBASE (placeholder)
	binary.LittleEndian.PutUint16(img[12:], uint16(pbase)) // PCURR (placeholder)
	binary.LittleEndian.PutUint16(img[14:], uint16(pbase)) // DCURR (placeholder)
}

// localFrameSize sums a function's local-variable byte sizes, matching
// BCLocalSize/FuncLocalSize in original_source/backends/bytecode/outbc.c.
func localFrameSize(fn *ast.Function) int {
	size := 0
	for _, sym := range fn.Locals {
		size += sym.Size.Bytes()
	}
	return size
}

// writeMethodTable packs each method's table long as
// (offsetFromModuleBase & 0xFFFF) | (localSize << 16), written as two
// little-endian words (same byte layout as the packed 32-bit long),
// matching BCCompileFunction's BOB_ReplaceLong call.
func writeMethodTable(img []byte, off, codeStart, recordStart int, funcs []CompiledFunc) {
	for _, cf := range funcs {
		offsetFromModuleBase := codeStart + cf.Offset - recordStart
		binary.LittleEndian.PutUint16(img[off:], uint16(offsetFromModuleBase))
		binary.LittleEndian.PutUint16(img[off+2:], uint16(localFrameSize(cf.Fn)))
		off += 4
	}
}

// moduleVarSize is the VBASE-relative byte footprint of one instance of
// mod: its own declared variables plus, appended after them, one
// contiguous block per embedded OBJ instance (recursively), matching
// BCGetOBJOffset/BCGetOBJSize's var-layout model.
func moduleVarSize(mod *ast.Module) int {
	size := 0
	for _, v := range mod.Variables {
		if end := v.Offset + v.Size.Bytes(); end > size {
			size = end
		}
	}
	for _, o := range mod.Objects {
		size += moduleVarSize(o.Module) * o.Count
	}
	return size
}

// writeObjTable writes the {headerOffset word, varOffset word} pair for
// every OBJ instance (one pair per array element, not per declaration).
// headerOffset is left zero here and recorded as a RelocObjAddr for
// Program's relocation pass, since the sub-object's compiled address
// isn't known until every module has been placed.
func writeObjTable(img []byte, off int, mod *ast.Module) []pendingReloc {
	var relocs []pendingReloc
	varOffset := 0
	for _, v := range mod.Variables {
		if end := v.Offset + v.Size.Bytes(); end > varOffset {
			varOffset = end
		}
	}
	for _, o := range mod.Objects {
		instSize := moduleVarSize(o.Module)
		for i := 0; i < o.Count; i++ {
			relocs = append(relocs, pendingReloc{
				Reloc:      encode.Reloc{Module: o.Module, Kind: encode.RelocObjAddr},
				funcOffset: off,
			})
			binary.LittleEndian.PutUint16(img[off+2:], uint16(varOffset))
			off += 4
			varOffset += instSize
		}
	}
	return relocs
}

func writeDatRelocs(img []byte, datOff int, relocs []ast.DatReloc) {
	for _, r := range relocs {
		if r.Kind != ast.DatRelocAbs32 {
			continue
		}
		pos := datOff + r.Offset
		v := int32(0)
		if r.Symbol != nil {
			v = int32(r.Symbol.Offset + r.SymbolOffset)
		}
		binary.LittleEndian.PutUint32(img[pos:], uint32(v))
	}
}

// Program is one final relocatable image assembled from every compiled
// module, placed end to end in the order given to Assemble, with every
// recorded relocation applied now that every module's address is known.
type Program struct {
	Root     *Compiled
	Modules  []*Compiled // in prog.Modules order, root included
	Image    []byte
	byModule map[*ast.Module]*Compiled
}

// Assemble lays out each Compiled module end-to-end and patches every
// cross-module relocation.
func Assemble(compiled []*Compiled, root *ast.Module) (*Program, error) {
	p := &Program{byModule: map[*ast.Module]*Compiled{}}
	offset := 0
	for _, c := range compiled {
		c.Addr = offset
		offset += len(c.Image)
		p.byModule[c.Module] = c
		p.Modules = append(p.Modules, c)
		if c.Module == root {
			p.Root = c
		}
	}

	final := make([]byte, offset)
	for _, c := range compiled {
		copy(final[c.Addr:], c.Image)
	}

	for _, c := range compiled {
		for _, r := range c.relocs {
			target, ok := r.Module.(*ast.Module)
			if !ok {
				return nil, fmt.Errorf("relocation with non-module target in %s", c.Module.Name)
			}
			tc, ok := p.byModule[target]
			if !ok {
				return nil, fmt.Errorf("relocation target module %q not in compiled set", target.Name)
			}
			pos := c.Addr + r.funcOffset
			switch r.Kind {
			case encode.RelocFuncAddr:
				binary.LittleEndian.PutUint16(final[pos:], uint16(tc.Addr))
			case encode.RelocDatAddr:
				v := uint16(int32(tc.Addr) + r.Offset)
				final[pos] = byte(v >> 8)
				final[pos+1] = byte(v)
			case encode.RelocObjAddr:
				binary.LittleEndian.PutUint16(final[pos:], uint16(tc.Addr))
			}
		}
	}

	p.Image = final
	return p, nil
}

// WriteBinary returns the final .binary image bytes verbatim.
func (p *Program) WriteBinary() []byte { return p.Image }

// WriteEEPROM pads the binary image up to size with 0x00. Nothing else
// is written: no post-amble or boot marker is appended.
func (p *Program) WriteEEPROM(size int) ([]byte, error) {
	if len(p.Image) > size {
		return nil, fmt.Errorf("image of %d bytes exceeds EEPROM size %d", len(p.Image), size)
	}
	out := make([]byte, size)
	copy(out, p.Image)
	return out, nil
}

// WriteListing renders a human-readable disassembly-style listing of
// every module's functions, one instruction per line with its resolved
// byte offset and comment, for the `-l`/`spinbc listing` output path.
func (p *Program) WriteListing(compiled []*Compiled) string {
	var buf bytes.Buffer
	for _, c := range compiled {
		fmt.Fprintf(&buf, "' ==== module %s @ $%04X ====\n", c.Module.Name, c.Addr)
		for _, cf := range c.Funcs {
			fmt.Fprintf(&buf, "%s\n", cf.Fn.Name)
			off := c.Addr + cf.Offset
			for op := cf.Buf.Head; op != nil; op = op.Next() {
				fmt.Fprintf(&buf, "  $%04X  %-20s ' %s\n", off, op.Kind, op.Comment)
				off += op.FixedSize
			}
		}
	}
	return buf.String()
}
