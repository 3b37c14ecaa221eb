package unpack

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why a parse attempt or a job did not succeed.
type Kind int

const (
	// KindNone means no failure.
	KindNone Kind = iota
	// KindParseError is an expected mismatch: the region is not this format.
	KindParseError
	// KindParserBug is a protocol violation by the parser.
	KindParserBug
	// KindTimeout is a parse that exceeded its wall-clock budget.
	KindTimeout
	// KindResourceLimit is a depth or size cap that stopped extraction.
	KindResourceLimit
	// KindIO is a storage failure.
	KindIO
)

// String returns the stable name used in logs, records and statistics.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindParseError:
		return "parse_error"
	case KindParserBug:
		return "parser_bug"
	case KindTimeout:
		return "timeout"
	case KindResourceLimit:
		return "resource_limit"
	case KindIO:
		return "io_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrParserBug marks errors produced by a misbehaving parser.
	ErrParserBug = errors.New("parser bug")
	// ErrTimeout marks parse attempts that ran out of time.
	ErrTimeout = errors.New("parse timeout")
	// ErrResourceLimit marks extraction stopped by a configured limit.
	ErrResourceLimit = errors.New("resource limit exceeded")
	// ErrStorage marks durable storage failures. These abort a scan.
	ErrStorage = errors.New("storage failure")
)

// ParseError reports that a region does not match a format. It is the only
// failure a parser is expected to return.
type ParseError struct {
	Parser string
	Offset int64
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Parser != "" {
		return fmt.Sprintf("%s at offset %d: %s", e.Parser, e.Offset, msg)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Failf returns a *ParseError with a formatted reason.
func Failf(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Fail wraps err, usually an I/O error from reading a truncated structure, as
// a *ParseError.
func Fail(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &ParseError{Reason: reason, Err: err}
}

// BugReport describes a single parser protocol violation.
type BugReport struct {
	Parser string `json:"parser" cbor:"parser"`
	Buffer string `json:"buffer" cbor:"buffer"`
	Offset int64  `json:"offset" cbor:"offset"`
	Reason string `json:"reason" cbor:"reason"`
	Stack  string `json:"stack,omitempty" cbor:"stack,omitempty"`
}

func (b *BugReport) Error() string {
	return fmt.Sprintf("parser bug in %s at %s+%d: %s", b.Parser, b.Buffer, b.Offset, b.Reason)
}

func (b *BugReport) Unwrap() error { return ErrParserBug }

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *ParseError
	switch {
	case errors.Is(err, ErrStorage):
		return KindIO
	case errors.Is(err, ErrParserBug):
		return KindParserBug
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrResourceLimit):
		return KindResourceLimit
	case errors.As(err, &pe):
		return KindParseError
	default:
		return KindParserBug
	}
}
