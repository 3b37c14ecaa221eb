package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/internal/worker"
	"github.com/twinfer/bang/pkg/unpack"
)

// Executor runs jobs one at a time.
type Executor interface {
	// Run processes req, taking unpacked bytes from budget. A cancelled
	// ctx stops the scan, not the job: the job runs to its end, bounded by
	// its parse timeout and grace. An error means the executor lost the
	// job; the scheduler records the job as failed-by-crash and keeps using
	// the executor, which must recover on its own.
	Run(ctx context.Context, req wire.Request, budget worker.Budget) (wire.Response, error)
	Close() error
}

// ExecutorFactory creates the executor for pool slot i.
type ExecutorFactory func(ctx context.Context, i int, hello wire.Init) (Executor, error)

// InProcess returns a factory of executors that call a worker.Processor
// directly. A wedged parser leaves a goroutine behind instead of a process.
// The registry is built once and shared by all executors.
func InProcess(build worker.RegistryFunc, logger *slog.Logger) ExecutorFactory {
	var (
		once sync.Once
		reg  *unpack.Registry
		err  error
	)
	return func(_ context.Context, _ int, hello wire.Init) (Executor, error) {
		once.Do(func() { reg, err = build(hello.GrammarDirs) })
		if err != nil {
			return nil, fmt.Errorf("building registry: %w", err)
		}
		store, err := metadir.Open(hello.Workspace)
		if err != nil {
			return nil, err
		}
		return &inProcess{proc: worker.NewProcessor(worker.Config{
			Registry:     reg,
			Store:        store,
			MaxDepth:     hello.MaxDepth,
			ParseTimeout: hello.ParseTimeout,
			ParseGrace:   hello.ParseGrace,
			Logger:       logger,
			Verbose:      hello.Verbose,
		})}, nil
	}
}

type inProcess struct {
	proc *worker.Processor
}

func (e *inProcess) Run(ctx context.Context, req wire.Request, budget worker.Budget) (wire.Response, error) {
	return e.proc.Process(context.WithoutCancel(ctx), req, budget), nil
}

func (e *inProcess) Close() error { return nil }

// Command describes how to start a worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// SelfCommand re-executes the running binary with the worker subcommand.
func SelfCommand(args ...string) (Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return Command{}, fmt.Errorf("locating executable: %w", err)
	}
	return Command{Path: exe, Args: args}, nil
}
