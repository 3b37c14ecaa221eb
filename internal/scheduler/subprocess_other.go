//go:build !unix

package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/twinfer/bang/internal/wire"
)

// Subprocess is unavailable on this platform; use InProcess.
func Subprocess(Command, *slog.Logger) ExecutorFactory {
	return func(context.Context, int, wire.Init) (Executor, error) {
		return nil, errors.New("worker processes are not supported on this platform")
	}
}
