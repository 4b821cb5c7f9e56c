// Package optimize implements the eleven peephole/flow passes that run
// over a function's bcir.Buf before size resolution, each one rewriting
// a small local pattern and reporting whether it made progress. Run
// drives every pass to a combined fixpoint.
//
// Modeled on the BCIR_Opt* family and BCIR_Optimize in
// original_source/backends/bytecode/bcir.c.
package optimize

import (
	"github.com/rs/zerolog"

	"spinbc/ast"
	"spinbc/bcir"
)

// maxIterations bounds the fixpoint driver, mirroring bcir.c's own
// hard iteration cap so a pass ping-ponging between two equally-sized
// rewrites cannot loop forever.
const maxIterations = 50

type pass struct {
	name string
	run  func(buf *bcir.Buf) bool
}

// Run applies every enabled pass to buf repeatedly until none of them
// makes further progress, or maxIterations is hit. flags gates which
// passes run, matching the per-function -O set from spec.md §6 (dead
// code elimination and peephole rewriting can each be disabled
// independently; the case-table passes are gated by OptCaseTable
// elsewhere, in lower, since they run before this package sees the IR).
func Run(buf *bcir.Buf, flags ast.OptFlags, log zerolog.Logger) bool {
	var passes []pass
	if flags.Has(ast.OptDeadCode) {
		passes = append(passes,
			pass{"dead-code-after-terminal", deadCodeAfterTerminal},
			pass{"unused-label", unusedLabel},
		)
	}
	if flags.Has(ast.OptPeephole) {
		passes = append(passes,
			pass{"pointless-jump", pointlessJump},
			pass{"move-single-jump-tail-block", moveSingleJumpTailBlock},
			pass{"write-read-contraction", writeReadContraction},
			pass{"modify-read-contraction", modifyReadContraction},
			pass{"remove-before-return", removeBeforeReturn},
			pass{"contract-return", contractReturn},
			pass{"jump-over-jump", jumpOverJump},
			pass{"jump-to-jump", jumpToJump},
			pass{"replace-jump-to-terminal", replaceJumpToTerminal},
		)
	}

	anyWork := false
	for iter := 0; iter < maxIterations; iter++ {
		didWork := false
		for _, p := range passes {
			if p.run(buf) {
				didWork = true
				log.Debug().Str("pass", p.name).Int("iteration", iter).Msg("optimizer pass made progress")
			}
		}
		if !didWork {
			return anyWork
		}
		anyWork = true
	}
	return anyWork
}

// deadCodeAfterTerminal removes every op between a terminal op and the
// next label: nothing can reach it, since a label is the only way
// control re-enters a straight-line run.
func deadCodeAfterTerminal(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; {
		next := op.Next()
		if bcir.IsTerminal(op) {
			start := next
			for start != nil && !bcir.IsLabel(start) {
				after := start.Next()
				buf.Remove(start)
				didWork = true
				start = after
			}
			next = start
		}
		op = next
	}
	return didWork
}

// unusedLabel removes label records with no remaining jump references.
// lower.Function turns every defined named label into a plain label
// record, so named labels are counted and removed like any other.
func unusedLabel(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; {
		next := op.Next()
		if op.Kind == bcir.KindLabel && bcir.GetRefCount(buf, op) == 0 {
			buf.Remove(op)
			didWork = true
		}
		op = next
	}
	return didWork
}

// pointlessJump removes an unconditional jump whose target is the very
// next live op (after skipping intervening labels), since falling
// through already gets there.
func pointlessJump(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind != bcir.KindJump {
			continue
		}
		n := op.Next()
		for n != nil && bcir.IsLabel(n) && n != op.JumpTo {
			n = n.Next()
		}
		if n == op.JumpTo {
			buf.Remove(op)
			didWork = true
		}
	}
	return didWork
}

// moveSingleJumpTailBlock relocates a label that is jumped to by
// exactly one op, and whose code runs to a terminal op, to immediately
// follow its sole referrer — turning the jump into a fallthrough and
// letting pointlessJump clean it up next iteration. A block that
// contains its own referrer (a self-loop) stays where it is.
func moveSingleJumpTailBlock(buf *bcir.Buf) bool {
	didWork := false
	for label := buf.Head; label != nil; label = label.Next() {
		if label.Kind != bcir.KindLabel {
			continue
		}
		if bcir.GetRefCount(buf, label) != 1 {
			continue
		}
		ref := bcir.AnyRef(buf, label)
		if ref == nil || ref.Kind != bcir.KindJump {
			continue
		}
		if ref.Next() == label {
			continue // already adjacent
		}
		last := label
		for last.Next() != nil && !bcir.IsTerminal(last) {
			last = last.Next()
		}
		refInBlock := false
		for o := label; ; o = o.Next() {
			if o == ref {
				refInBlock = true
			}
			if o == last {
				break
			}
		}
		if refInBlock {
			continue
		}
		buf.MoveBlock(ref, label, last)
		didWork = true
	}
	return didWork
}

// writeReadContraction folds a MEM_WRITE immediately followed by a
// MEM_READ of the same constant target into a single non-popping write
// that leaves its value on the stack, since the read would only
// re-fetch what was just stored.
func writeReadContraction(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind != bcir.KindMemWrite || !bcir.IsConstMemOp(op) {
			continue
		}
		n := op.Next()
		if n == nil || n.Kind != bcir.KindMemRead || !bcir.IsEqualMemOpTarget(op, n) {
			continue
		}
		op.Kind = bcir.KindMemModify
		op.MathKind = bcir.ModWrite
		op.Mem.PushModifyResult = true
		buf.Remove(n)
		didWork = true
	}
	return didWork
}

// modifyReadContraction folds a MEM_MODIFY that discards its result
// immediately followed by a MEM_READ of the same target into a single
// modify that pushes the result, avoiding the redundant re-read.
func modifyReadContraction(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind != bcir.KindMemModify || op.Mem.PushModifyResult || !bcir.IsConstMemOp(op) {
			continue
		}
		n := op.Next()
		if n == nil || n.Kind != bcir.KindMemRead || !bcir.IsEqualMemOpTarget(op, n) {
			continue
		}
		if !bcir.ModifyPushesTrueResult(op.MathKind) {
			continue
		}
		op.Mem.PushModifyResult = true
		buf.Remove(n)
		didWork = true
	}
	return didWork
}

// removeBeforeReturn drops any op that can be proven harmless to remove
// immediately before a plain (argument-free) return or abort, since the
// interpreter discards the stack on those paths anyway. This is
// BCIR_OptRemoveBeforeReturn — a different pass from contractReturn
// below, despite the similar name.
func removeBeforeReturn(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind != bcir.KindReturnPlain && op.Kind != bcir.KindAbortPlain {
			continue
		}
		prev := op.Prev()
		for prev != nil && bcir.CanRemoveBeforeReturn(prev) {
			doomed := prev
			prev = prev.Prev()
			buf.Remove(doomed)
			didWork = true
		}
	}
	return didWork
}

// isResultMemop reports whether op addresses a single-result function's
// RESULT slot: the long at DBASE+0, per BCIR_IsResultMemop.
func isResultMemop(op *bcir.Op) bool {
	return bcir.IsConstMemOp(op) && op.Mem.Base == bcir.BaseDBase && op.DataInt == 0 && op.Mem.MemSize == bcir.SizeLong
}

// contractReturn folds a write to RESULT immediately followed by a
// plain return into a popping return (the pushed value becomes the
// return value instead of being written and then re-read), and the
// reverse: a read of RESULT immediately followed by a popping return
// collapses into a plain return, since the value is already on the
// stack. BCIR_OptContractReturn.
func contractReturn(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		prev := op.Prev()
		if prev == nil {
			continue
		}
		switch {
		case op.Kind == bcir.KindReturnPlain && op.ReturnNumRes == 1 &&
			prev.Kind == bcir.KindMemWrite && isResultMemop(prev):
			buf.Remove(prev)
			op.Kind = bcir.KindReturnPop
			didWork = true
		case op.Kind == bcir.KindReturnPop && op.ReturnNumRes == 1 &&
			prev.Kind == bcir.KindMemRead && isResultMemop(prev):
			buf.Remove(prev)
			op.Kind = bcir.KindReturnPlain
			didWork = true
		}
	}
	return didWork
}

// jumpOverJump turns `jz L1; jmp L2; L1:` into `jnz L2; L1:` when L1
// immediately follows the unconditional jump, removing one branch from
// the common case where the conditional failed to fall through to an
// already-inverted test.
func jumpOverJump(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		var inverted bcir.Kind
		switch op.Kind {
		case bcir.KindJumpIfZ:
			inverted = bcir.KindJumpIfNZ
		case bcir.KindJumpIfNZ:
			inverted = bcir.KindJumpIfZ
		default:
			continue
		}
		uncond := op.Next()
		if uncond == nil || uncond.Kind != bcir.KindJump {
			continue
		}
		afterUncond := uncond.Next()
		if afterUncond == nil || afterUncond != op.JumpTo || bcir.GetRefCount(buf, op.JumpTo) != 1 {
			continue
		}
		op.Kind = inverted
		op.JumpTo = uncond.JumpTo
		buf.Remove(uncond)
		didWork = true
	}
	return didWork
}

// jumpToJump redirects a jump whose target is itself an unconditional
// jump directly to the final destination, collapsing a chain in one
// step per iteration (the fixpoint driver handles longer chains).
func jumpToJump(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if !bcir.IsJump(op) || op.JumpTo == nil {
			continue
		}
		target := op.JumpTo
		for target != nil && bcir.IsLabel(target) {
			target = target.Next()
		}
		if target == nil || target.Kind != bcir.KindJump || target == op {
			continue
		}
		if op.JumpTo == target.JumpTo {
			continue
		}
		op.JumpTo = target.JumpTo
		didWork = true
	}
	return didWork
}

// replaceJumpToTerminal rewrites an unconditional jump to a label
// immediately preceding a one-byte terminal op (return/abort/case-done)
// into a direct copy of that terminal op, skipping the jump entirely
// when the stack is known clean at the jump site.
func replaceJumpToTerminal(buf *bcir.Buf) bool {
	didWork := false
	for op := buf.Head; op != nil; op = op.Next() {
		if op.Kind != bcir.KindJump || op.JumpTo == nil {
			continue
		}
		target := op.JumpTo
		for target != nil && bcir.IsLabel(target) {
			target = target.Next()
		}
		if target == nil {
			continue
		}
		const stackDirty = false
		if !bcir.CanReplaceJumpToOpWithItself(target, stackDirty) {
			continue
		}
		buf.ReplaceInPlace(op, &bcir.Op{Kind: target.Kind, ReturnNumRes: target.ReturnNumRes, FixedSize: -1})
		didWork = true
	}
	return didWork
}
