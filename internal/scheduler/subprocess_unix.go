//go:build unix

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/internal/worker"
)

// stopSlack covers reading the job's bytes and writing its records, which
// the parse timeout does not.
const stopSlack = 2 * time.Second

// Subprocess returns a factory of executors backed by worker processes.
func Subprocess(cmd Command, logger *slog.Logger) ExecutorFactory {
	return func(ctx context.Context, i int, hello wire.Init) (Executor, error) {
		e := &subprocess{cmd: cmd, hello: hello, slot: i, logger: logger}
		if err := e.start(ctx); err != nil {
			return nil, err
		}
		return e, nil
	}
}

type subprocess struct {
	cmd    Command
	hello  wire.Init
	slot   int
	logger *slog.Logger

	mu       sync.Mutex
	proc     *exec.Cmd
	stdin    io.WriteCloser
	enc      *wire.Encoder
	dec      *wire.Decoder
	restarts int
}

func (e *subprocess) start(ctx context.Context) error {
	c := exec.Command(e.cmd.Path, e.cmd.Args...)
	c.Env = append(os.Environ(), e.cmd.Env...)
	c.Stderr = os.Stderr
	// Own process group, so a worker and anything it spawned can be
	// killed together.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := c.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	e.proc = c
	e.stdin = stdin
	e.enc = wire.NewEncoder(stdin)
	e.dec = wire.NewDecoder(stdout)
	if err := e.enc.Encode(e.hello); err != nil {
		e.kill()
		return fmt.Errorf("sending init: %w", err)
	}
	e.logger.DebugContext(ctx, "worker started", "slot", e.slot, "pid", c.Process.Pid)
	return nil
}

// kill terminates the process group and reaps the worker.
func (e *subprocess) kill() {
	if e.proc == nil || e.proc.Process == nil {
		return
	}
	_ = syscall.Kill(-e.proc.Process.Pid, syscall.SIGKILL)
	_ = e.stdin.Close()
	_ = e.proc.Wait()
	e.proc = nil
}

// restart replaces a dead or wedged worker.
func (e *subprocess) restart(ctx context.Context) error {
	e.kill()
	e.restarts++
	return e.start(ctx)
}

func (e *subprocess) Run(ctx context.Context, req wire.Request, budget worker.Budget) (wire.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.proc == nil {
		if err := e.restart(ctx); err != nil {
			return wire.Response{}, err
		}
	}

	// A stopped scan lets the job finish; a worker that outlives the
	// parse timeout and grace is killed.
	finished := make(chan struct{})
	defer close(finished)
	go e.killAfterStop(ctx, finished, e.proc.Process.Pid)

	resp, err := e.exchange(req, budget)
	if err != nil {
		lost := fmt.Errorf("%w: %s: %w", diag.ErrWorkerCrashed, req.Job.NodeID, err)
		e.logger.WarnContext(ctx, "worker lost job", "slot", e.slot, "node", req.Job.NodeID, "error", err)
		e.kill()
		if ctx.Err() == nil {
			if rerr := e.restart(ctx); rerr != nil {
				return wire.Response{}, errors.Join(lost, rerr)
			}
		}
		return wire.Response{}, lost
	}

	if resp.Outcome == wire.OutcomeCrashed {
		// The worker exits after reporting a wedged parser.
		e.logger.WarnContext(ctx, "restarting wedged worker", "slot", e.slot, "node", req.Job.NodeID)
		e.kill()
		if ctx.Err() == nil {
			if err := e.restart(ctx); err != nil {
				return resp, err
			}
		}
	}
	return resp, nil
}

// exchange sends req and answers the worker's reservations until its
// Response arrives.
func (e *subprocess) exchange(req wire.Request, budget worker.Budget) (wire.Response, error) {
	if err := e.enc.Encode(req); err != nil {
		return wire.Response{}, err
	}
	for {
		var reply wire.Reply
		if err := e.dec.Decode(&reply); err != nil {
			return wire.Response{}, err
		}
		switch {
		case reply.Reserve != nil:
			if reply.Reserve.Seq != req.Seq {
				return wire.Response{}, fmt.Errorf("reserve for request %d, want %d", reply.Reserve.Seq, req.Seq)
			}
			ok := budget == nil || budget.Take(reply.Reserve.Bytes)
			if err := e.enc.Encode(wire.Grant{Seq: req.Seq, OK: ok}); err != nil {
				return wire.Response{}, err
			}
		case reply.Response != nil:
			if reply.Response.Seq != req.Seq {
				return wire.Response{}, fmt.Errorf("response for request %d, want %d", reply.Response.Seq, req.Seq)
			}
			return *reply.Response, nil
		default:
			return wire.Response{}, errors.New("empty reply")
		}
	}
}

// killAfterStop waits for the scan to stop and then gives the running job
// its parse timeout plus grace before killing the worker's process group.
func (e *subprocess) killAfterStop(ctx context.Context, finished <-chan struct{}, pid int) {
	select {
	case <-finished:
		return
	case <-ctx.Done():
	}
	t := time.NewTimer(e.hello.ParseTimeout + e.hello.ParseGrace + stopSlack)
	defer t.Stop()
	select {
	case <-finished:
	case <-t.C:
		e.logger.Warn("killing worker after stop", "slot", e.slot, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (e *subprocess) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return nil
	}
	// Closing stdin makes the worker return from Serve.
	_ = e.stdin.Close()
	done := make(chan error, 1)
	proc := e.proc
	go func() { done <- proc.Wait() }()
	select {
	case err := <-done:
		e.proc = nil
		if err != nil {
			return fmt.Errorf("worker %d: %w", e.slot, err)
		}
		return nil
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
		<-done
		e.proc = nil
		return fmt.Errorf("worker %d did not exit, killed", e.slot)
	}
}
