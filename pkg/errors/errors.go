package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeParsing     ErrorType = "parsing"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeStall       ErrorType = "stall"
	ErrorTypeStorage     ErrorType = "storage"
	ErrorTypeIntegrity   ErrorType = "integrity"
	ErrorTypeInvalid     ErrorType = "invalid"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Class says what a caller may do with an error.
type Class string

const (
	// Transient errors are retried with bounded backoff.
	Transient Class = "transient"
	// Fatal errors abort the current run.
	Fatal Class = "fatal"
)

// Operations named in error messages.
const (
	OpFetch    = "fetch"
	OpPaginate = "paginate"
	OpWrite    = "write"
	OpCommit   = "commit"
	OpLoad     = "load"
	OpLookup   = "lookup"
	OpDownload = "download"
	OpValidate = "validate"
	OpInternal = "internal"
)

// Error is a classified failure. Everything that leaves a fetcher, writer or
// downloader is one of these.
type Error struct {
	Type    ErrorType
	Class   Class
	Op      string
	Context string
	Code    int
	Message string
	// RetryAfter is the delay the server asked for, zero when none was given.
	RetryAfter time.Duration
	// Resumable is set on fatal crawl errors when the checkpoint is consistent.
	Resumable bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Context != "" {
		fmt.Fprintf(&b, " [%s]", e.Context)
	}
	fmt.Fprintf(&b, ": %s %s error", e.Class, e.Type)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Class == Fatal {
		if e.Resumable {
			b.WriteString(" (resumable)")
		} else {
			b.WriteString(" (not resumable)")
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error may succeed on retry.
func (e *Error) IsTransient() bool {
	return e.Class == Transient
}

// WithContext returns a copy of e with the given context prepended to any
// context it already carries.
func (e *Error) WithContext(format string, args ...interface{}) *Error {
	cp := *e
	ctx := fmt.Sprintf(format, args...)
	if cp.Context != "" {
		ctx += ", " + cp.Context
	}
	cp.Context = ctx
	return &cp
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 408, 429:
		return true
	case 401, 403, 404, 410:
		return false
	default:
		return statusCode >= 500
	}
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(statusCode int, op string, retryAfter time.Duration) *Error {
	e := &Error{Op: op, Code: statusCode, RetryAfter: retryAfter}
	switch {
	case statusCode == 429:
		e.Type, e.Message = ErrorTypeRateLimit, "rate limit exceeded"
	case statusCode == 401 || statusCode == 403:
		e.Type, e.Message = ErrorTypeAuth, "access denied"
	case statusCode == 404 || statusCode == 410:
		e.Type, e.Message = ErrorTypeNotFound, "resource not found"
	case statusCode == 408:
		e.Type, e.Message = ErrorTypeNetwork, "request timeout"
	case statusCode >= 500:
		e.Type, e.Message = ErrorTypeServerError, "server error"
	default:
		e.Type, e.Message = ErrorTypeUnknown, fmt.Sprintf("unexpected status code: %d", statusCode)
	}
	if IsRetryableStatusCode(statusCode) {
		e.Class = Transient
	} else {
		e.Class = Fatal
	}
	return e
}

// FromNetwork classifies a transport-level failure. Context cancellation is
// returned unchanged so callers can tell an interrupt from a failure.
func FromNetwork(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	e := &Error{Type: ErrorTypeNetwork, Class: Transient, Op: op, Err: err}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		e.Message = "timeout"
	}
	return e
}

// Fatalf builds a fatal error of the given type.
func Fatalf(t ErrorType, op string, format string, args ...interface{}) *Error {
	return &Error{Type: t, Class: Fatal, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a local I/O failure. Storage failures are always fatal.
func Storage(op string, err error) *Error {
	return &Error{Type: ErrorTypeStorage, Class: Fatal, Op: op, Err: err}
}

// Escalate turns an exhausted transient error into a fatal one.
func Escalate(err error, attempts int) error {
	var e *Error
	if !stderrors.As(err, &e) {
		return &Error{
			Type:    ErrorTypeUnknown,
			Class:   Fatal,
			Op:      OpInternal,
			Message: fmt.Sprintf("gave up after %d attempts", attempts),
			Err:     err,
		}
	}
	cp := *e
	cp.Class = Fatal
	cp.Message = fmt.Sprintf("gave up after %d attempts", attempts)
	if e.Message != "" {
		cp.Message = e.Message + "; " + cp.Message
	}
	return &cp
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient reports whether err is a classified transient error.
func IsTransient(err error) bool {
	e, ok := As(err)
	return ok && e.Class == Transient
}

// IsFatal reports whether err is a classified fatal error.
func IsFatal(err error) bool {
	e, ok := As(err)
	return ok && e.Class == Fatal
}

// Classify guarantees a classified error. Unclassified errors become fatal
// internal errors; cancellation passes through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Type: ErrorTypeUnknown, Class: Fatal, Op: OpInternal, Err: err}
}
