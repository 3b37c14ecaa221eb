package bang

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/twinfer/bang/formats"
	"github.com/twinfer/bang/internal/config"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/fsutil"
	"github.com/twinfer/bang/internal/index"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/scheduler"
	"github.com/twinfer/bang/internal/stats"
	"github.com/twinfer/bang/internal/worker"
)

const (
	// SummaryFile is the run summary inside a workspace.
	SummaryFile = "scan.json"
	// StatsFile holds the per-parser counters.
	StatsFile = "stats.json"
)

type (
	// Config is the complete set of scan settings.
	Config = config.Config
	// Node is the record of one scanned node.
	Node = metadir.Record
	// Summary describes a finished scan.
	Summary = scheduler.Summary
	// ParserStats are the counters of one parser.
	ParserStats = stats.Counters
	// WorkerCommand starts a worker process.
	WorkerCommand = scheduler.Command
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config { return config.Defaults() }

// LoadConfig reads a YAML or JSON config file layered over DefaultConfig.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

type options struct {
	cfg      Config
	logger   *slog.Logger
	registry worker.RegistryFunc
	command  *WorkerCommand
}

// Option configures a Scanner.
type Option func(*options)

// WithConfig replaces the settings. Unset fields are not filled from the
// defaults; start from DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger. Scans are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry replaces the recognizer set. The function is called once
// per scan, and once per worker process when WithWorkerCommand is used
// (in which case the worker must be built with the same function).
func WithRegistry(fn worker.RegistryFunc) Option {
	return func(o *options) {
		o.registry = fn
	}
}

// WithWorkerCommand runs parsers in worker processes started with cmd.
func WithWorkerCommand(cmd WorkerCommand) Option {
	return func(o *options) {
		o.command = &cmd
	}
}

// Scanner runs scans with fixed settings. It is safe for concurrent use;
// every scan gets its own workspace.
type Scanner struct {
	opts options
}

// New returns a scanner.
func New(opts ...Option) *Scanner {
	o := options{
		cfg:      config.Defaults(),
		logger:   diag.Discard(),
		registry: formats.Registry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scanner{opts: o}
}

// Scan runs a scan with a scanner built from opts.
func Scan(ctx context.Context, input string, opts ...Option) (*Result, error) {
	return New(opts...).Scan(ctx, input)
}

// Result is a finished scan.
type Result struct {
	Workspace string
	Summary   *Summary
	Stats     map[string]ParserStats
	// IndexPath is set when an index was written.
	IndexPath string

	store *metadir.Store
}

// Scan scans the file at input in a new workspace under the configured
// tempdir. On a fatal error the returned Result, if not nil, describes
// the partial scan.
func (s *Scanner) Scan(ctx context.Context, input string) (*Result, error) {
	cfg, logger := s.opts.cfg, s.opts.logger
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tempdir: %w", err)
	}
	ws, err := os.MkdirTemp(cfg.TempDir, "bang-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	store, err := metadir.Open(ws)
	if err != nil {
		return nil, err
	}

	factory := scheduler.InProcess(s.opts.registry, logger)
	if s.opts.command != nil {
		factory = scheduler.Subprocess(*s.opts.command, logger)
	}
	sched := scheduler.New(scheduler.Config{
		Workspace:     ws,
		Jobs:          cfg.Jobs,
		MaxDepth:      cfg.MaxDepth,
		MaxBytes:      int64(cfg.MaxBytes),
		QueueCapacity: cfg.QueueCapacity,
		ParseTimeout:  cfg.ParseTimeout,
		ParseGrace:    cfg.ParseGrace,
		GrammarDirs:   cfg.GrammarDirs,
		LogLevel:      cfg.LogLevel,
		LogFormat:     cfg.LogFormat,
		Verbose:       cfg.Verbose,
		MemoryLimit:   int64(cfg.WorkerMemoryLimit),
	}, factory, logger)

	sum, runErr := sched.Run(ctx, input)
	res := &Result{Workspace: ws, Summary: sum, Stats: sched.Stats().Snapshot(), store: store}
	if sum == nil {
		return nil, runErr
	}

	// The summaries are written even for aborted scans; they describe what
	// is on disk.
	errs := []error{runErr}
	errs = append(errs, sched.Stats().WriteFile(filepath.Join(ws, StatsFile)))
	errs = append(errs, fsutil.WriteJSON(filepath.Join(ws, SummaryFile), sum))
	if runErr != nil {
		return res, errors.Join(errs...)
	}

	if cfg.Index {
		path, err := writeIndex(ctx, store, sum.RootID, ws, logger)
		if err != nil {
			errs = append(errs, err)
		}
		res.IndexPath = path
	}
	if cfg.RemoveScanData {
		freed, err := store.RemoveData()
		errs = append(errs, err)
		logger.InfoContext(ctx, "scan data removed", "bytes", freed)
	}
	return res, errors.Join(errs...)
}

func writeIndex(ctx context.Context, store *metadir.Store, rootID, ws string, logger *slog.Logger) (string, error) {
	path := filepath.Join(ws, index.FileName)
	ix, err := index.Open(path, logger)
	if err != nil {
		return "", err
	}
	n, err := ix.Build(ctx, store, rootID)
	if cerr := ix.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing index: %w", err)
	}
	logger.InfoContext(ctx, "index written", "path", path, "nodes", n)
	return path, nil
}

// Walk visits the scanned tree depth first, parents before children.
func (r *Result) Walk(fn func(*Node) error) error {
	return r.store.Walk(r.Summary.RootID, fn)
}

// Nodes loads the whole tree in Walk order.
func (r *Result) Nodes() ([]*Node, error) {
	var out []*Node
	err := r.Walk(func(n *Node) error {
		out = append(out, n)
		return nil
	})
	return out, err
}

// Node loads a single record.
func (r *Result) Node(id string) (*Node, error) {
	return r.store.Load(id)
}

// DataPath returns the file holding the unpacked bytes of id. The file
// exists only for nodes that are not plain slices of their parent, and
// not at all after RemoveScanData.
func (r *Result) DataPath(id string) string {
	return r.store.DataPath(id)
}

// Remove deletes the workspace.
func (r *Result) Remove() error {
	return os.RemoveAll(r.Workspace)
}
