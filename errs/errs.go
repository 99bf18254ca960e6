// Package errs defines the shared error/warning vocabulary used across the
// ISA model loader, parser, assembler, disassembler, and sandbox.
package errs

import (
	"fmt"
	"strings"
)

// Position locates a token in source text.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	if p.File == "" && p.Line == 0 {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Kind categorizes an error per spec §7. No type-name leakage: callers
// switch on Kind, never on a Go type assertion against a concrete error.
type Kind int

const (
	KindISALoad Kind = iota
	KindValidation
	KindParse
	KindSymbol
	KindEncoding
	KindDecoding
	KindSandbox
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindISALoad:
		return "isa-load"
	case KindValidation:
		return "validation"
	case KindParse:
		return "parse"
	case KindSymbol:
		return "symbol"
	case KindEncoding:
		return "encoding"
	case KindDecoding:
		return "decoding"
	case KindSandbox:
		return "sandbox"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a positioned, kinded error with an optional actionable
// suggestion and source context line.
type Error struct {
	Pos        Position
	Kind       Kind
	Message    string
	Context    string
	Suggestion string
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s error: %s", e.Pos, e.Kind, e.Message)
	if e.Suggestion != "" {
		fmt.Fprintf(&sb, " (%s)", e.Suggestion)
	}
	if e.Context != "" {
		fmt.Fprintf(&sb, "\n    %s", e.Context)
	}
	return sb.String()
}

// New creates an Error with no source context or suggestion.
func New(pos Position, kind Kind, message string) *Error {
	return &Error{Pos: pos, Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(pos Position, kind Kind, format string, args ...any) *Error {
	return New(pos, kind, fmt.Sprintf(format, args...))
}

// WithSuggestion returns a copy of e carrying an actionable suggestion, e.g.
// "legal range -64..63".
func (e *Error) WithSuggestion(suggestion string) *Error {
	c := *e
	c.Suggestion = suggestion
	return &c
}

// WithContext returns a copy of e carrying the offending source line.
func (e *Error) WithContext(context string) *Error {
	c := *e
	c.Context = context
	return &c
}

// Warning is a non-fatal diagnostic.
type Warning struct {
	Pos     Position
	Message string
}

func (w *Warning) String() string {
	return fmt.Sprintf("%s: warning: %s", w.Pos, w.Message)
}

// Reporter accumulates errors and warnings up to a configurable limit,
// eliding the remainder behind a summary count (spec §5/§7). The first
// error collected always keeps its full context.
type Reporter struct {
	MaxErrors int

	errorsList []*Error
	warnings   []*Warning
	elided     int
}

// NewReporter creates a Reporter with the given error limit. A non-positive
// limit means unlimited.
func NewReporter(maxErrors int) *Reporter {
	return &Reporter{MaxErrors: maxErrors}
}

// Add records an error, subject to the max-error limit.
func (r *Reporter) Add(err *Error) {
	if r.MaxErrors > 0 && len(r.errorsList) >= r.MaxErrors {
		r.elided++
		return
	}
	r.errorsList = append(r.errorsList, err)
}

// Warn records a warning; warnings are never elided.
func (r *Reporter) Warn(w *Warning) {
	r.warnings = append(r.warnings, w)
}

// HasErrors reports whether any error was recorded.
func (r *Reporter) HasErrors() bool {
	return len(r.errorsList) > 0
}

// Errors returns the recorded errors in order.
func (r *Reporter) Errors() []*Error {
	return r.errorsList
}

// Warnings returns the recorded warnings in order.
func (r *Reporter) Warnings() []*Warning {
	return r.warnings
}

// Elided returns how many errors were dropped past the limit.
func (r *Reporter) Elided() int {
	return r.elided
}

// Error implements the error interface, joining all recorded errors and a
// summary line if any were elided.
func (r *Reporter) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var sb strings.Builder
	for _, e := range r.errorsList {
		sb.WriteString(e.Error())
		sb.WriteString("\n")
	}
	if r.elided > 0 {
		fmt.Fprintf(&sb, "... %d more error(s) elided\n", r.elided)
	}
	return sb.String()
}
