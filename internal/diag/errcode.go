package diag

import (
	"context"
	"errors"
	"io/fs"

	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/pkg/unpack"
)

// Code is a stable error category for logs and summaries.
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeParse     Code = "parse_error"
	CodeBug       Code = "parser_bug"
	CodeTimeout   Code = "timeout"
	CodeLimit     Code = "resource_limit"
	CodeStorage   Code = "storage"
	CodeIO        Code = "io_error"
	CodeCancel    Code = "cancel"
	CodeInvariant Code = "invariant"
	CodeCrash     Code = "crash"
)

// ErrWorkerCrashed marks jobs lost with their worker process.
var ErrWorkerCrashed = errors.New("worker crashed")

// Classify maps err to a Code using sentinels and error types only.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var pe *fs.PathError
	var parse *unpack.ParseError
	switch {
	case errors.Is(err, unpack.ErrStorage):
		return CodeStorage
	case errors.Is(err, ErrWorkerCrashed):
		return CodeCrash
	case errors.Is(err, context.Canceled):
		return CodeCancel
	case errors.Is(err, unpack.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, unpack.ErrResourceLimit):
		return CodeLimit
	case errors.Is(err, unpack.ErrParserBug):
		return CodeBug
	case errors.Is(err, metadir.ErrParentNotClosed), errors.Is(err, metadir.ErrInvalidTransition):
		return CodeInvariant
	case errors.As(err, &parse):
		return CodeParse
	case errors.As(err, &pe):
		return CodeIO
	default:
		return CodeUnknown
	}
}
