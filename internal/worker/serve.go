package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/pkg/unpack"
)

// RegistryFunc builds the parser registry of a worker process from the
// grammar directories named in its Init message.
type RegistryFunc func(grammarDirs []string) (*unpack.Registry, error)

// Serve runs the worker side of the process protocol: it reads an Init,
// then answers Requests until stdin is closed, ctx is done, or a job leaves
// the process unusable. Unpacked bytes are reserved with the scheduler
// through Reserve and Grant messages while a job runs.
//
// newLogger receives the Init so the worker logs at the scheduler's level.
func Serve(ctx context.Context, r io.Reader, w io.Writer, build RegistryFunc, newLogger func(wire.Init) *slog.Logger) error {
	dec := wire.NewDecoder(r)
	enc := wire.NewEncoder(w)

	var hello wire.Init
	if err := dec.Decode(&hello); err != nil {
		return fmt.Errorf("reading init: %w", err)
	}
	logger := newLogger(hello)

	if hello.MemoryLimit > 0 {
		if err := limitMemory(hello.MemoryLimit); err != nil {
			logger.WarnContext(ctx, "memory limit not applied", "limit", hello.MemoryLimit, "error", err)
		}
	}

	reg, err := build(hello.GrammarDirs)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}
	store, err := metadir.Open(hello.Workspace)
	if err != nil {
		return err
	}
	proc := NewProcessor(Config{
		Registry:     reg,
		Store:        store,
		MaxDepth:     hello.MaxDepth,
		ParseTimeout: hello.ParseTimeout,
		ParseGrace:   hello.ParseGrace,
		Logger:       logger,
		Verbose:      hello.Verbose,
	})
	logger.DebugContext(ctx, "worker ready", "parsers", reg.Len())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req wire.Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		budget := &remoteBudget{seq: req.Seq, enc: enc, dec: dec}
		resp := proc.Process(ctx, req, budget)
		if budget.err != nil {
			return budget.err
		}
		if err := enc.Encode(wire.Reply{Response: &resp}); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		switch resp.Outcome {
		case wire.OutcomeCrashed:
			return fmt.Errorf("job %s: %s", resp.NodeID, resp.Error)
		case wire.OutcomeFatal:
			return fmt.Errorf("job %s: %w: %s", resp.NodeID, unpack.ErrStorage, resp.Error)
		}
	}
}
