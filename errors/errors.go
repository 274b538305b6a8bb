// Package errors defines the structured error taxonomy shared by the
// training, evaluation and export pipelines. Every fatal error carries a
// Kind, the offending field or artifact, and a remediation hint, and each
// Kind maps to a distinct process exit code so callers can distinguish
// error categories without parsing message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigValidation
	KindUnknownBackbone
	KindInvalidFreezeDepth
	KindCheckpointVersion
	KindCheckpointCorrupt
	KindCheckpointLocked
	KindStorage
	KindExportEquivalence
	KindUnsupportedExportTarget
	KindSplitEmpty
)

// String returns the canonical name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindConfigValidation:
		return "ConfigValidationError"
	case KindUnknownBackbone:
		return "UnknownBackboneError"
	case KindInvalidFreezeDepth:
		return "InvalidFreezeDepthError"
	case KindCheckpointVersion:
		return "CheckpointVersionError"
	case KindCheckpointCorrupt:
		return "CheckpointCorruptError"
	case KindCheckpointLocked:
		return "CheckpointLockedError"
	case KindStorage:
		return "StorageError"
	case KindExportEquivalence:
		return "ExportEquivalenceError"
	case KindUnsupportedExportTarget:
		return "UnsupportedExportTargetError"
	case KindSplitEmpty:
		return "SplitEmptyError"
	default:
		return "UnknownError"
	}
}

// ExitCode returns the process exit status for this error kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfigValidation:
		return 2
	case KindUnknownBackbone:
		return 3
	case KindInvalidFreezeDepth:
		return 4
	case KindCheckpointVersion:
		return 5
	case KindCheckpointCorrupt:
		return 6
	case KindCheckpointLocked:
		return 7
	case KindStorage:
		return 8
	case KindExportEquivalence:
		return 9
	case KindUnsupportedExportTarget:
		return 10
	case KindSplitEmpty:
		return 11
	default:
		return 1
	}
}

// FieldError names one invalid or missing configuration field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Reason)
}

// Error is the structured error surfaced at pipeline boundaries.
// Configuration validation populates Fields with every offending field,
// not just the first one encountered.
type Error struct {
	Kind     Kind
	Message  string
	Artifact string
	Fields   []FieldError
	Hint     string
	Err      error
}

// Error formats the error as "Kind: message (artifact) [fields] (hint: ...)".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Artifact != "" {
		fmt.Fprintf(&b, " (artifact: %s)", e.Artifact)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, which lets
// callers match categories with stderrors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConfigValidation        = &Error{Kind: KindConfigValidation}
	ErrUnknownBackbone         = &Error{Kind: KindUnknownBackbone}
	ErrInvalidFreezeDepth      = &Error{Kind: KindInvalidFreezeDepth}
	ErrCheckpointVersion       = &Error{Kind: KindCheckpointVersion}
	ErrCheckpointCorrupt       = &Error{Kind: KindCheckpointCorrupt}
	ErrCheckpointLocked        = &Error{Kind: KindCheckpointLocked}
	ErrStorage                 = &Error{Kind: KindStorage}
	ErrExportEquivalence       = &Error{Kind: KindExportEquivalence}
	ErrUnsupportedExportTarget = &Error{Kind: KindUnsupportedExportTarget}
	ErrSplitEmpty              = &Error{Kind: KindSplitEmpty}
)

// New creates an empty error of the given kind for builder-style chaining.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) WithMessage(message string) *Error {
	e.Message = message
	return e
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithArtifact(artifact string) *Error {
	e.Artifact = artifact
	return e
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func (e *Error) WithError(err error) *Error {
	e.Err = err
	return e
}

// WithField appends one offending field. Validation keeps appending so the
// final error reports every problem in a single pass.
func (e *Error) WithField(field, reason string) *Error {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
	return e
}

// KindOf extracts the Kind from anywhere in err's chain. Errors that do not
// carry a structured kind report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains a structured error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// ExitCode maps any error to its process exit status. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
