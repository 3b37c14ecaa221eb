// Package scheduler drives a scan to completion: it owns the job queue,
// a fixed pool of executors, the extracted-bytes budget, and the
// bookkeeping that keeps children from being queued before their parent's
// record is closed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/twinfer/bang/internal/bytesource"
	"github.com/twinfer/bang/internal/carve"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/stats"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/pkg/unpack"
)

// Config holds the scan limits and pool settings.
type Config struct {
	// Workspace is the directory that receives md/ and the summaries. It
	// must exist.
	Workspace string
	// Jobs is the pool size; 0 means one executor per CPU.
	Jobs          int
	MaxDepth      int
	MaxBytes      int64
	QueueCapacity int
	ParseTimeout  time.Duration
	ParseGrace    time.Duration
	// PollInterval bounds how long an idle executor waits for a job
	// before checking for completion again.
	PollInterval time.Duration
	GrammarDirs  []string
	LogLevel     string
	LogFormat    string
	Verbose      bool
	MemoryLimit  int64
}

// JobFailure is one job that did not complete normally.
type JobFailure struct {
	Node  string `json:"node"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Summary describes a finished scan.
type Summary struct {
	RunID     string        `json:"run_id"`
	Input     string        `json:"input"`
	Workspace string        `json:"workspace"`
	RootID    string        `json:"root_id"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration_ns"`
	Executors int           `json:"executors"`

	Jobs         int `json:"jobs"`
	Nodes        int `json:"nodes"`
	Classified   int `json:"classified"`
	Unclassified int `json:"unclassified"`
	Truncated    int `json:"truncated"`
	Failed       int `json:"failed"`

	ExtractedBytes int64        `json:"extracted_bytes"`
	PeakQueue      int          `json:"peak_queue"`
	Failures       []JobFailure `json:"failures,omitempty"`
}

// Scheduler runs scans.
type Scheduler struct {
	cfg     Config
	factory ExecutorFactory
	logger  *slog.Logger
	stats   *stats.Table
}

// New returns a scheduler creating executors with factory.
func New(cfg Config, factory ExecutorFactory, logger *slog.Logger) *Scheduler {
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, factory: factory, logger: logger, stats: stats.New()}
}

// Stats returns the per-parser counters merged from all jobs.
func (s *Scheduler) Stats() *stats.Table { return s.stats }

// run is the state of one Run call.
type run struct {
	*Scheduler
	store    *metadir.Store
	queue    *Queue
	budget   *budget
	hello    wire.Init
	inflight atomic.Int64
	seq      atomic.Uint64
	jobs     atomic.Int64

	mu       sync.Mutex
	failures []JobFailure
}

// Run scans the file at input and blocks until every reachable node has
// been processed, ctx is cancelled, or a fatal error occurs. Fatal errors
// are storage failures and broken scheduling invariants.
func (s *Scheduler) Run(ctx context.Context, input string) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Input:     input,
		Workspace: s.cfg.Workspace,
		Started:   time.Now().UTC(),
		Executors: s.cfg.Jobs,
	}
	logger := s.logger.With("run", sum.RunID)

	store, err := metadir.Open(s.cfg.Workspace)
	if err != nil {
		return nil, err
	}
	src, err := bytesource.File(input)
	if err != nil {
		return nil, err
	}
	content, err := bytesource.Open(src)
	if err != nil {
		return nil, err
	}
	sum.RootID = metadir.RootID(content.Bytes())
	content.Close()

	r := &run{
		Scheduler: s,
		store:     store,
		queue:     NewQueue(s.cfg.QueueCapacity, s.cfg.Jobs),
		budget:    newBudget(s.cfg.MaxBytes),
		hello: wire.Init{
			Workspace:    s.cfg.Workspace,
			ParseTimeout: s.cfg.ParseTimeout,
			ParseGrace:   s.cfg.ParseGrace,
			MaxDepth:     s.cfg.MaxDepth,
			GrammarDirs:  s.cfg.GrammarDirs,
			LogLevel:     s.cfg.LogLevel,
			LogFormat:    s.cfg.LogFormat,
			Verbose:      s.cfg.Verbose,
			MemoryLimit:  s.cfg.MemoryLimit,
		},
	}

	root := wire.Job{
		NodeID: sum.RootID,
		Source: src,
		Depth:  0,
		Name:   filepath.Base(input),
		Range:  carve.Range{Offset: 0, Length: src.Length},
	}
	r.inflight.Store(1)
	if err := r.queue.Push(ctx, root); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "scan started", "input", input, "root", sum.RootID, "executors", s.cfg.Jobs)

	g, gctx := errgroup.WithContext(ctx)
	for i := range s.cfg.Jobs {
		g.Go(func() error { return r.drive(gctx, i, logger) })
	}
	runErr := g.Wait()
	r.queue.Close()

	sum.Finished = time.Now().UTC()
	sum.Duration = sum.Finished.Sub(sum.Started)
	sum.Jobs = int(r.jobs.Load())
	sum.ExtractedBytes = r.budget.extracted()
	sum.PeakQueue = r.queue.Peak()
	r.mu.Lock()
	sum.Failures = r.failures
	r.mu.Unlock()

	if runErr != nil {
		logger.ErrorContext(ctx, "scan aborted", "error", runErr, "code", diag.Classify(runErr))
		return sum, runErr
	}
	if err := r.count(sum); err != nil {
		return sum, err
	}
	logger.InfoContext(ctx, "scan finished",
		"nodes", sum.Nodes, "classified", sum.Classified, "unclassified", sum.Unclassified,
		"truncated", sum.Truncated, "failed", sum.Failed, "duration", sum.Duration)
	return sum, nil
}

// drive is the loop of one pool slot.
func (r *run) drive(ctx context.Context, slot int, logger *slog.Logger) error {
	exe, err := r.factory(ctx, slot, r.hello)
	if err != nil {
		return fmt.Errorf("executor %d: %w", slot, err)
	}
	defer func() {
		if err := exe.Close(); err != nil {
			logger.WarnContext(ctx, "closing executor", "slot", slot, "error", err)
		}
	}()

	for {
		j, err := r.queue.Pop(ctx, r.cfg.PollInterval)
		switch {
		case errors.Is(err, ErrQueueEmpty):
			if r.inflight.Load() == 0 {
				r.queue.Close()
			}
			continue
		case errors.Is(err, ErrQueueClosed):
			return nil
		case err != nil:
			return err
		}

		if err := r.handle(ctx, exe, j, logger); err != nil {
			return err
		}
		if r.inflight.Add(-1) == 0 {
			r.queue.Close()
		}
	}
}

// handle runs one job and queues its children.
func (r *run) handle(ctx context.Context, exe Executor, j wire.Job, logger *slog.Logger) error {
	req := wire.Request{Seq: r.seq.Add(1), Job: j}
	r.jobs.Add(1)

	resp, err := exe.Run(ctx, req, r.budget)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.lost(ctx, j, err, logger)
	}
	r.stats.Merge(resp.Stats)

	if resp.Outcome == wire.OutcomeFatal {
		return fmt.Errorf("node %s: %w: %s", j.NodeID, unpack.ErrStorage, resp.Error)
	}
	// Stopping: the job ran to its end, but nothing new is queued.
	if err := ctx.Err(); err != nil {
		return err
	}
	switch resp.Outcome {
	case wire.OutcomeFailed, wire.OutcomeCrashed:
		r.fail(j.NodeID, resp.Kind, resp.Error)
		logger.WarnContext(ctx, "job failed", "node", j.NodeID, "outcome", resp.Outcome, "kind", resp.Kind, "error", resp.Error)
	}

	for _, child := range resp.Jobs {
		if err := r.store.CheckEnqueue(child.ParentID); err != nil {
			return fmt.Errorf("enqueue %s: %w", child.NodeID, err)
		}
		r.inflight.Add(1)
		if err := r.queue.Push(ctx, child); err != nil {
			r.inflight.Add(-1)
			return err
		}
	}
	for _, id := range resp.Closed {
		if err := r.store.MarkConsumed(id); err != nil {
			return err
		}
	}
	return nil
}

// lost records a job whose executor died. If the worker managed to close
// the record before dying, it is left alone.
func (r *run) lost(ctx context.Context, j wire.Job, cause error, logger *slog.Logger) error {
	r.fail(j.NodeID, string(diag.CodeCrash), cause.Error())
	logger.WarnContext(ctx, "job lost", "node", j.NodeID, "error", cause)

	md, err := r.store.Create(j.NodeID)
	if errors.Is(err, metadir.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := md.Open(); err != nil {
		return err
	}
	rec := md.Record()
	rec.ParentID = j.ParentID
	rec.Depth = j.Depth
	rec.Name = j.Name
	rec.Range = j.Range
	rec.Source = j.Source
	rec.Size = j.Source.Length
	rec.Labels = j.Labels
	rec.Status = metadir.StatusFailed
	rec.Failure = &metadir.Failure{Kind: string(wire.OutcomeCrashed), Error: cause.Error()}
	rec.Timings.Finished = time.Now()
	if err := md.Close(); err != nil {
		return err
	}
	return r.store.MarkConsumed(j.NodeID)
}

func (r *run) fail(node, kind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, JobFailure{Node: node, Kind: kind, Error: msg})
}

// count fills in the node totals from the closed records.
func (r *run) count(sum *Summary) error {
	ids, err := r.store.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := r.store.Load(id)
		if errors.Is(err, metadir.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		sum.Nodes++
		switch {
		case rec.Status == metadir.StatusFailed:
			sum.Failed++
		case len(rec.Labels) > 0:
			sum.Classified++
		default:
			sum.Unclassified++
		}
		if rec.Truncated {
			sum.Truncated++
		}
	}
	return nil
}

// budget meters the bytes a scan extracts. Executors take from it once per
// unpacked child, so a child is refused only when it would carry the
// total past the limit, whatever the pool size.
type budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

func newBudget(limit int64) *budget {
	return &budget{limit: limit}
}

// Take implements worker.Budget. A limit of 0 means unlimited.
func (b *budget) Take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

func (b *budget) extracted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
