// Package sizeres implements the size-resolution fixpoint: iterative
// [min,max] narrowing for variable-length ops (jumps, constants,
// memory-ops, align) until every op in a function's buffer has a
// single determined size, with an oversize fallback when narrowing
// stalls.
//
// Modeled on BCIR_DetermineSizes / BCIR_AllDetermined / BCIR_Compact in
// original_source/backends/bytecode/bcir.c.
package sizeres

import (
	"github.com/rs/zerolog"

	"spinbc/bcir"
	"spinbc/berr"
)

// maxRecursion bounds how deep JumpOffsetBounds may recurse into
// still-undetermined neighbor ops while probing a bound (spec.md §4.6:
// "bounded recursion, 2 levels").
const maxRecursion = 2

// maxIterations caps the narrowing fixpoint itself, independent of the
// recursion bound above, as a hard backstop against a pathological
// oscillation the narrowing step failed to prove converges.
const maxIterations = 1000

// Resolve assigns a determinate FixedSize to every op in buf, calling
// sizeBound to query a target-specific bound for ops whose size is not
// already fixed. log receives one debug line per iteration when the
// caller's -g/debug flag is enabled; pass zerolog.Nop() otherwise.
func Resolve(buf *bcir.Buf, sizeBound bcir.SizeBoundFunc, errs *berr.Collector, log zerolog.Logger) bool {
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		allDetermined := true

		for op := buf.Head; op != nil; op = op.Next() {
			if op.FixedSize >= 0 {
				continue
			}
			min, max := sizeBound(op, maxRecursion)
			switch {
			case min == max:
				op.FixedSize = min
				changed = true
			default:
				allDetermined = false
			}
		}

		log.Debug().Int("iteration", iter).Bool("allDetermined", allDetermined).Msg("size resolution pass")

		if allDetermined {
			return true
		}
		if !changed {
			// Narrowing stalled: force only the first still-oversizable op
			// to its maximum bound, then let the next iteration re-probe
			// everything downstream from that now-fixed size, exactly as
			// BCIR_DetermineSizes(force=true,...) returns as soon as it
			// forces one op rather than forcing every candidate in the
			// same pass.
			forced := false
			for op := buf.Head; op != nil; op = op.Next() {
				if op.FixedSize >= 0 || !bcir.CanBeOversized(op) {
					continue
				}
				_, max := sizeBound(op, maxRecursion)
				op.FixedSize = max
				forced = true
				break
			}
			if !forced {
				errs.Fatal(berr.Pos{}, "size resolution stalled with an unresolvable ALIGN dependency cycle")
				return false
			}
		}
	}
	errs.Fatal(berr.Pos{}, "size resolution did not converge within %d iterations", maxIterations)
	return false
}

// Compact returns the first and last op of buf with a FixedSize still
// unset, or (nil, nil) if everything is determined — used by callers
// that want to report exactly which ops are still unresolved after a
// failed Resolve (e.g. to point a diagnostic at the offending ALIGN).
func Compact(buf *bcir.Buf) (first, last *bcir.Op) {
	for op := buf.Head; op != nil; op = op.Next() {
		if op.FixedSize < 0 {
			if first == nil {
				first = op
			}
			last = op
		}
	}
	return first, last
}

// TotalSize sums the determined FixedSize of every op in buf. Callers
// must only invoke this after Resolve has returned true.
func TotalSize(buf *bcir.Buf) int {
	n := 0
	for op := buf.Head; op != nil; op = op.Next() {
		n += op.FixedSize
	}
	return n
}
