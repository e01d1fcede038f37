package compiler

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

var (
	ErrUndefinedLabel    = errors.New("label never defined")
	ErrBranchRange       = errors.New("branch target out of range")
	ErrStackImbalance    = errors.New("statement is not stack-neutral")
	ErrEnclosingMismatch = errors.New("enclosing statement stack mismatch")
)

// Severity classifies a diagnostic.
type Severity int

const (
	SevWarning Severity = iota
	SevError
)

// String implements the Stringer interface.
func (s Severity) String() string {
	if s == SevWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is a message attached to a source position. Error diagnostics
// double as Go errors.
type Diagnostic struct {
	Severity Severity
	Pos      Position
	Msg      string
}

// Error implements the error interface.
func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%d:%d:%d: %s: %s", d.Pos.File, d.Pos.Line, d.Pos.Column, d.Severity, d.Msg)
}

// InternalError reports a violated generator invariant. Site names the
// code body or object being generated.
type InternalError struct {
	Site string
	Err  error
	Msg  string
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Err != nil && e.Msg != "" {
		return fmt.Sprintf("internal error in %s: %s: %v", e.Site, e.Msg, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("internal error in %s: %v", e.Site, e.Err)
	}
	return fmt.Sprintf("internal error in %s: %s", e.Site, e.Msg)
}

// Unwrap returns the underlying sentinel, if any.
func (e *InternalError) Unwrap() error { return e.Err }

// errorf builds an error diagnostic at the start of node n.
func errorf(n Node, format string, args ...interface{}) error {
	var pos Position
	if n != nil {
		pos = n.Span().Start
	}
	return &Diagnostic{Severity: SevError, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
