package splitter

import (
	"errors"
	"fmt"
)

// Kind classifies split failures.
type Kind int

const (
	KindRangeParse Kind = iota + 1
	KindValidation
	KindDocumentRead
	KindCancelled
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindRangeParse:
		return "RANGE_PARSE"
	case KindValidation:
		return "VALIDATION"
	case KindDocumentRead:
		return "DOCUMENT_READ"
	case KindCancelled:
		return "CANCELLED"
	case KindIO:
		return "IO"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by every operation in this package.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Written lists outputs already on disk when an IO failure stopped the run.
	Written []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrRangeParse   = &Error{Kind: KindRangeParse, Message: "invalid page ranges"}
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrDocumentRead = &Error{Kind: KindDocumentRead, Message: "unable to read document"}
	ErrCancelled    = &Error{Kind: KindCancelled, Message: "split cancelled"}
	ErrIO           = &Error{Kind: KindIO, Message: "write failed"}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// RangeParseError reports malformed range text.
func RangeParseError(format string, args ...any) *Error {
	return newError(KindRangeParse, format, args...)
}

// ValidationError reports bad input paths or missing strategy parameters.
func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// DocumentReadError wraps a failure to parse the source document.
func DocumentReadError(err error, format string, args ...any) *Error {
	return wrapError(KindDocumentRead, err, format, args...)
}

func cancelled() *Error {
	return newError(KindCancelled, "split cancelled")
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// WrittenBefore returns the outputs written before err stopped the run.
func WrittenBefore(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Written
	}
	return nil
}
