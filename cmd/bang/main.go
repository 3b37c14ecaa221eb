// Command bang recursively unpacks a file: every format found inside is
// carved out or decompressed and scanned again, and the resulting tree is
// written to a workspace directory.
//
// Usage:
//
//	bang [flags] <input>
//
// The scan fans out over worker processes started from this same binary
// (the hidden "worker" subcommand). --in-process runs parsers on
// goroutines instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/twinfer/bang/formats"
	"github.com/twinfer/bang/internal/config"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/scheduler"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/internal/worker"
	"github.com/twinfer/bang/pkg/bang"
)

// version is overridden at link time.
var version = "dev"

const workerCommand = "worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bang: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == workerCommand {
		return worker.Serve(ctx, os.Stdin, os.Stdout, formats.Registry, func(init wire.Init) *slog.Logger {
			return workerLogger(stderr, init)
		})
	}

	var (
		configPath  string
		jobs        int
		verbose     bool
		tempdir     string
		maxDepth    int
		maxBytes    config.ByteSize
		removeData  bool
		inProcess   bool
		showVersion bool
	)
	flags := pflag.NewFlagSet("bang", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	flags.IntVarP(&jobs, "jobs", "j", 0, "parallel workers (0 = one per CPU)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging with one timing record per job")
	flags.StringVar(&tempdir, "tempdir", "", "directory receiving the scan workspace")
	flags.IntVar(&maxDepth, "max-depth", 0, "maximum nesting depth")
	flags.Var(&maxBytes, "max-bytes", "cap on decompressed bytes, e.g. \"16 GiB\" (0 = unlimited)")
	flags.BoolVar(&removeData, "remove-scan-data", false, "delete extracted data after the scan, keeping records")
	flags.BoolVar(&inProcess, "in-process", false, "run parsers in this process instead of worker processes")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: bang [flags] <input>\n\nFlags:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "bang %s\n", version)
		return nil
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("expected exactly one input, got %d", flags.NArg())
	}

	cfg := config.Defaults()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if flags.Changed("jobs") {
		cfg.Jobs = jobs
	}
	if flags.Changed("tempdir") {
		cfg.TempDir = tempdir
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = maxDepth
	}
	if flags.Changed("max-bytes") {
		cfg.MaxBytes = maxBytes
	}
	cfg = config.Merge(cfg, config.Config{RemoveScanData: removeData, Verbose: verbose})
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := diag.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := diag.NewLogger(stderr, level, cfg.LogFormat)

	opts := []bang.Option{bang.WithConfig(cfg), bang.WithLogger(logger)}
	if !inProcess {
		cmd, err := scheduler.SelfCommand(workerCommand)
		if err != nil {
			return err
		}
		opts = append(opts, bang.WithWorkerCommand(cmd))
	}

	res, err := bang.Scan(ctx, flags.Arg(0), opts...)
	if err != nil {
		if res != nil {
			logger.Error("scan aborted", "workspace", res.Workspace, "error", err)
		}
		return err
	}
	printSummary(stdout, res)
	return nil
}

func printSummary(w io.Writer, res *bang.Result) {
	s := res.Summary
	fmt.Fprintf(w, "workspace:  %s\n", res.Workspace)
	fmt.Fprintf(w, "root:       %s\n", s.RootID)
	fmt.Fprintf(w, "nodes:      %d (classified %d, unclassified %d, truncated %d, failed %d)\n",
		s.Nodes, s.Classified, s.Unclassified, s.Truncated, s.Failed)
	fmt.Fprintf(w, "extracted:  %s\n", humanize.IBytes(uint64(max(s.ExtractedBytes, 0))))
	fmt.Fprintf(w, "duration:   %s\n", s.Duration.Round(time.Millisecond))
	if res.IndexPath != "" {
		fmt.Fprintf(w, "index:      %s\n", res.IndexPath)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "failed:     %s %s: %s\n", f.Node, f.Kind, f.Error)
	}
}

func workerLogger(w io.Writer, init wire.Init) *slog.Logger {
	level, err := diag.ParseLevel(init.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if init.Verbose {
		level = slog.LevelDebug
	}
	return diag.NewLogger(w, level, init.LogFormat)
}
