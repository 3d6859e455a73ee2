package http

import (
	"errors"
	"fmt"
)

// ErrIncomplete means the buffer does not yet hold a full request.
// Parser.Stage reports which part is still pending.
var ErrIncomplete = errors.New("http: incomplete request")

// Framing errors. Each one reaches callers wrapped in a *ParseError that
// carries the response status.
var (
	ErrInvalidRequestLine  = errors.New("http: invalid request line")
	ErrInvalidMethod       = errors.New("http: invalid method")
	ErrUnknownMethod       = errors.New("http: method not implemented")
	ErrInvalidTarget       = errors.New("http: invalid request target")
	ErrInvalidVersion      = errors.New("http: malformed HTTP version")
	ErrUnsupportedVersion  = errors.New("http: unsupported HTTP version")
	ErrInvalidHeader       = errors.New("http: invalid header line")
	ErrHeaderFolding       = errors.New("http: obsolete header line folding")
	ErrHeadersTooLarge     = errors.New("http: header section too large")
	ErrInvalidLength       = errors.New("http: invalid Content-Length")
	ErrDuplicateLength     = errors.New("http: conflicting Content-Length values")
	ErrConflictingFraming  = errors.New("http: both Content-Length and Transfer-Encoding present")
	ErrUnsupportedEncoding = errors.New("http: unsupported Transfer-Encoding")
	ErrInvalidChunk        = errors.New("http: invalid chunked encoding")
	ErrBodyTooLarge        = errors.New("http: request body too large")
)

// ParseError is a fatal framing error. The connection answers with Status
// and closes, since the stream position can no longer be trusted.
type ParseError struct {
	Status int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.Err, e.Status)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusCode implements StatusCoder.
func (e *ParseError) StatusCode() int { return e.Status }

func parseErr(status int, err error) error {
	return &ParseError{Status: status, Err: err}
}

// StatusCoder is implemented by errors that map onto a response status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError lets a handler fail with a client-visible status instead of
// the default 500.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

// NewStatusError returns a StatusError with the given status and message.
func NewStatusError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) StatusCode() int { return e.Status }
