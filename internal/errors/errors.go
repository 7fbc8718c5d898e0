package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a class of pipeline failure.
type Code string

const (
	CodeTransientDecode    Code = "transient_decode"
	CodeTerminalDecode     Code = "terminal_decode"
	CodeDecoderClosed      Code = "decoder_closed"
	CodeDecoderLeak        Code = "decoder_leak"
	CodeChunkQueueOverflow Code = "chunk_queue_overflow"
	CodeHistoryUnderflow   Code = "history_underflow"
	CodeEmptySegment       Code = "empty_segment"
	CodeDetectorFailure    Code = "detector_failure"
	CodeConnectionClosed   Code = "connection_closed"
	CodeConnectionLimit    Code = "connection_limit"
	CodeProtocolViolation  Code = "protocol_violation"
)

// AppError is the base error type with a taxonomy code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Metadata[k])
		}
		b.WriteString("}")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// Is reports a match against another AppError by code, so sentinels such as
// ErrDecoderClosed work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithMetadata adds a key/value pair to the error.
func (e *AppError) WithMetadata(key string, value any) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = fmt.Sprint(value)
	return e
}

// New creates a new AppError.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps err with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode checks whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsRecoverable reports whether the pipeline keeps running after err.
// Decoder termination and teardown failures escalate to the connection.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case CodeTransientDecode, CodeChunkQueueOverflow, CodeHistoryUnderflow,
		CodeEmptySegment, CodeDetectorFailure:
		return true
	default:
		return false
	}
}
