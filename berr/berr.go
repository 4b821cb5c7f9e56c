// Package berr implements the accumulating error/warning channel used by
// every later compilation stage. Spin2cpp's original back end kept a
// package-global error count (gl_errors) that every pass consulted before
// doing further work; Collector is the explicit, non-global equivalent.
package berr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Pos is a source location. Line 0 means "no location available" (e.g.
// internal errors raised deep inside the encoder, far from any AST node).
type Pos struct {
	File string
	Line int
}

func (p Pos) String() string {
	if p.Line <= 0 {
		return "<internal>"
	}
	if p.File == "" {
		return fmt.Sprintf("line %d", p.Line)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

// Severity distinguishes diagnostics that keep the compiler going from
// ones that will abort it once the whole module has been scanned.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityInternal // always fatal; see spec's "internal invariant violation" tag
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityInternal:
		return "internal error"
	default:
		return "error"
	}
}

// Diagnostic is one reported error or warning.
type Diagnostic struct {
	Pos      Pos
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Pos, d.Severity, d.Message)
}

// Collector accumulates diagnostics across an entire compilation. It is
// the one piece of state every stage (lower, optimize, sizeres, encode,
// layout) is handed explicitly rather than reaching for a global.
type Collector struct {
	diags   []Diagnostic
	errors  int
	maxErrs int // compiler halts once this many real errors have piled up
}

// NewCollector returns a Collector that halts compilation after maxErrs
// real (non-warning) diagnostics. maxErrs <= 0 means "never halt early".
func NewCollector(maxErrs int) *Collector {
	return &Collector{maxErrs: maxErrs}
}

// Errorf records a source-level compile error (spec's "semantic errors
// from lowering" and "capacity limits" categories).
func (c *Collector) Errorf(pos Pos, format string, args ...any) {
	c.add(pos, SeverityError, fmt.Sprintf(format, args...))
}

// Warnf records a non-fatal warning.
func (c *Collector) Warnf(pos Pos, format string, args ...any) {
	c.add(pos, SeverityWarning, fmt.Sprintf(format, args...))
}

// Fatal records an internal invariant violation. These are always
// counted as errors regardless of maxErrs, since the compiler cannot
// usefully continue once one has fired.
func (c *Collector) Fatal(pos Pos, format string, args ...any) {
	c.add(pos, SeverityInternal, fmt.Sprintf(format, args...))
}

func (c *Collector) add(pos Pos, sev Severity, msg string) {
	c.diags = append(c.diags, Diagnostic{Pos: pos, Severity: sev, Message: msg})
	if sev != SeverityWarning {
		c.errors++
	}
}

// Count returns the number of non-warning diagnostics recorded so far —
// the gl_errors analogue every downstream stage checks before doing more
// work that would otherwise propagate garbage from an already-broken
// lowering.
func (c *Collector) Count() int { return c.errors }

// ShouldHalt reports whether the compiler has accumulated enough errors
// to stop early.
func (c *Collector) ShouldHalt() bool {
	return c.maxErrs > 0 && c.errors >= c.maxErrs
}

// Diagnostics returns every diagnostic recorded, in report order.
func (c *Collector) Diagnostics() []Diagnostic { return c.diags }

// Err turns the collected diagnostics into a single wrapped error
// suitable for returning from a top-level compile entry point, or nil if
// nothing was recorded. The pkg/errors wrap preserves a stack for the
// first diagnostic, useful when an "internal error" needs a trace.
func (c *Collector) Err() error {
	if len(c.diags) == 0 {
		return nil
	}
	first := c.diags[0]
	return errors.Wrapf(fmt.Errorf("%s", first.Message), "%s: %s", first.Pos, first.Severity)
}

// ExitCode maps the collector's state onto the CLI exit codes from
// spec.md §6: 0 success, 1 compiler errors.
func (c *Collector) ExitCode() int {
	if c.errors > 0 {
		return 1
	}
	return 0
}
