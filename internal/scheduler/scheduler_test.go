package scheduler

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/internal/worker"
	"github.com/twinfer/bang/pkg/unpack"
	"github.com/twinfer/bang/pkg/unpack/unpacktest"
)

const (
	workerEnv = "BANG_SCHEDULER_TEST_WORKER"
	markerEnv = "BANG_SCHEDULER_TEST_MARKER"
)

// TestMain doubles as the worker process for the subprocess executor tests.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		err := worker.Serve(context.Background(), os.Stdin, os.Stdout, testRegistry,
			func(wire.Init) *slog.Logger { return diag.Discard() })
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// nest wraps a payload: "NEST", big-endian u32 length, payload. The payload
// is reported as unpacked data, like a decompressor would.
func nest(payload []byte) []byte {
	out := []byte("NEST")
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func nestParser() unpack.Parser {
	return &unpacktest.Parser{ID: "nest", Sigs: unpacktest.Magic("NEST"), Func: func(_ context.Context, v unpack.View) (*unpack.Outcome, error) {
		b := v.Bytes()
		if len(b) < 8 {
			return nil, unpack.Failf("short header")
		}
		n := int64(binary.BigEndian.Uint32(b[4:8]))
		if 8+n > int64(len(b)) {
			return nil, unpack.Failf("truncated payload")
		}
		return &unpack.Outcome{
			Length:   8 + n,
			Labels:   []string{"nest"},
			Children: []unpack.ChildExtent{{Offset: 8, Length: n, Data: bytes.Clone(b[8 : 8+n])}},
		}, nil
	}}
}

// leaf recognizes "LEAF" followed by four bytes.
func leafParser() unpack.Parser {
	return &unpacktest.Parser{ID: "leaf", Sigs: unpacktest.Magic("LEAF"), Func: unpacktest.Fixed(8, "leaf")}
}

// dieParser kills the process it runs in.
func dieParser() unpack.Parser {
	return &unpacktest.Parser{ID: "die", Sigs: unpacktest.Magic("DIE!"), Func: func(context.Context, unpack.View) (*unpack.Outcome, error) {
		os.Exit(3)
		return nil, nil
	}}
}

// napParser sleeps through a parse, then leaves a marker file behind.
func napParser() unpack.Parser {
	return &unpacktest.Parser{ID: "nap", Sigs: unpacktest.Magic("NAP!"), Func: func(context.Context, unpack.View) (*unpack.Outcome, error) {
		time.Sleep(300 * time.Millisecond)
		if err := os.WriteFile(os.Getenv(markerEnv), []byte("done"), 0o644); err != nil {
			return nil, err
		}
		return nil, unpack.Failf("rested")
	}}
}

func testRegistry([]string) (*unpack.Registry, error) {
	return unpack.NewRegistry(nestParser(), leafParser(), dieParser(), napParser())
}

func inProcessRegistry([]string) (*unpack.Registry, error) {
	boom := &unpacktest.Parser{ID: "boom", Sigs: unpacktest.Magic("BOOM"), Func: unpacktest.Panic("boom")}
	return unpack.NewRegistry(nestParser(), leafParser(), boom)
}

func writeInput(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func baseConfig(t *testing.T) Config {
	return Config{
		Workspace:     t.TempDir(),
		Jobs:          3,
		MaxDepth:      16,
		QueueCapacity: 2,
		ParseTimeout:  time.Second,
		ParseGrace:    time.Second,
		PollInterval:  10 * time.Millisecond,
	}
}

func TestInProcessScanNested(t *testing.T) {
	input := nest(append(nest([]byte("LEAF1234")), []byte("LEAF5678pad")...))
	cfg := baseConfig(t)
	s := New(cfg, InProcess(inProcessRegistry, diag.Discard()), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, input))
	require.NoError(t, err)
	assert.Equal(t, metadir.RootID(input), sum.RootID)
	assert.NotEmpty(t, sum.RunID)
	assert.Empty(t, sum.Failures)
	// root(nest) -> payload(nest outer of first + carved leaf) ...
	assert.Equal(t, 0, sum.Failed)
	assert.Greater(t, sum.Classified, 3)

	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	var parsers []string
	require.NoError(t, store.Walk(sum.RootID, func(r *metadir.Record) error {
		assert.Equal(t, metadir.StateConsumed, r.State, r.ID)
		if r.Parser != "" {
			parsers = append(parsers, r.Parser)
		}
		return nil
	}))
	assert.Contains(t, parsers, "nest")
	assert.Contains(t, parsers, "leaf")

	snap := s.Stats().Snapshot()
	assert.Positive(t, snap["nest"].Successes)
	assert.Positive(t, snap["leaf"].Successes)
}

func TestDepthLimit(t *testing.T) {
	const depth = 4
	input := []byte("LEAF0000")
	for range depth + 1 {
		input = nest(input)
	}
	cfg := baseConfig(t)
	cfg.MaxDepth = depth
	s := New(cfg, InProcess(inProcessRegistry, diag.Discard()), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, input))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Truncated)

	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	deepest := -1
	var deepestTruncated bool
	require.NoError(t, store.Walk(sum.RootID, func(r *metadir.Record) error {
		if r.Depth > deepest {
			deepest = r.Depth
			deepestTruncated = r.Truncated
		}
		return nil
	}))
	assert.Equal(t, depth, deepest)
	assert.True(t, deepestTruncated)
}

func TestByteBudget(t *testing.T) {
	tests := []struct {
		name          string
		input         []byte
		maxBytes      int64
		wantExtracted int64
		wantTruncated int
	}{
		{
			name:          "well under the limit",
			input:         nest(bytes.Repeat([]byte{'x'}, 1000)),
			maxBytes:      3000,
			wantExtracted: 1000,
		},
		{
			// The outer payload (1008 bytes) fits, the inner one does not.
			name:          "inner payload over the limit",
			input:         nest(nest(bytes.Repeat([]byte{'x'}, 1000))),
			maxBytes:      1100,
			wantExtracted: 1008,
			wantTruncated: 1,
		},
		{
			name:          "exactly the limit",
			input:         nest(nest(bytes.Repeat([]byte{'x'}, 1000))),
			maxBytes:      2008,
			wantExtracted: 2008,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, jobs := range []int{1, 4} {
				cfg := baseConfig(t)
				cfg.Jobs = jobs
				cfg.MaxBytes = tt.maxBytes
				s := New(cfg, InProcess(inProcessRegistry, diag.Discard()), diag.Discard())

				sum, err := s.Run(context.Background(), writeInput(t, tt.input))
				require.NoError(t, err)
				assert.Equal(t, tt.wantExtracted, sum.ExtractedBytes, "jobs=%d", jobs)
				assert.Equal(t, tt.wantTruncated, sum.Truncated, "jobs=%d", jobs)
			}
		})
	}
}

func TestByteBudgetWithWorkerProcesses(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Jobs = 4
	cfg.MaxBytes = 1100
	s := New(cfg, subprocessFactory(t), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, nest(nest(bytes.Repeat([]byte{'x'}, 1000)))))
	require.NoError(t, err)
	assert.Equal(t, int64(1008), sum.ExtractedBytes)
	assert.Equal(t, 1, sum.Truncated)
}

func TestFaultIsolationInProcess(t *testing.T) {
	input := append([]byte("BOOM...."), []byte("LEAFabcd")...)
	cfg := baseConfig(t)
	s := New(cfg, InProcess(inProcessRegistry, diag.Discard()), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, input))
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Stats().Snapshot()["boom"].Bugs)

	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	root, err := store.Load(sum.RootID)
	require.NoError(t, err)
	require.Len(t, root.Bugs, 1)
	require.Len(t, root.Children, 1)
	leaf, err := store.Load(root.Children[0])
	require.NoError(t, err)
	assert.Equal(t, "leaf", leaf.Parser)
}

func TestStopLetsRunningParseFinish(t *testing.T) {
	cfg := baseConfig(t)
	block := func([]string) (*unpack.Registry, error) {
		return unpack.NewRegistry(&unpacktest.Parser{ID: "slow", Sigs: unpacktest.Magic("SLOW"), Func: unpacktest.Block()})
	}
	cfg.ParseTimeout = 200 * time.Millisecond
	cfg.ParseGrace = 100 * time.Millisecond
	s := New(cfg, InProcess(block, diag.Discard()), diag.Discard())
	input := []byte("SLOW")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Run(ctx, writeInput(t, input))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The parse ran into its own timeout; the node was published but its
	// children were never queued.
	assert.Equal(t, int64(1), s.Stats().Snapshot()["slow"].Timeouts)
	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	st, err := store.State(metadir.RootID(input))
	require.NoError(t, err)
	assert.Equal(t, metadir.StateClosed, st)
}

func subprocessFactory(t *testing.T, env ...string) ExecutorFactory {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return Subprocess(Command{Path: exe, Env: append([]string{workerEnv + "=1"}, env...)}, diag.Discard())
}

func TestSubprocessScan(t *testing.T) {
	input := nest(append(nest([]byte("LEAF1234")), []byte("LEAF5678")...))
	cfg := baseConfig(t)
	cfg.Jobs = 2
	s := New(cfg, subprocessFactory(t), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, input))
	require.NoError(t, err)
	assert.Empty(t, sum.Failures)
	assert.Positive(t, s.Stats().Snapshot()["leaf"].Successes)
}

func TestSubprocessCrashIsolated(t *testing.T) {
	// The first payload kills its worker; the sibling must still be scanned.
	input := append(nest([]byte("DIE!")), nest([]byte("LEAFabcd"))...)
	cfg := baseConfig(t)
	cfg.Jobs = 1
	s := New(cfg, subprocessFactory(t), diag.Discard())

	sum, err := s.Run(context.Background(), writeInput(t, input))
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, string(diag.CodeCrash), sum.Failures[0].Kind)
	assert.Equal(t, 1, sum.Failed)

	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	rec, err := store.Load(sum.Failures[0].Node)
	require.NoError(t, err)
	assert.Equal(t, metadir.StatusFailed, rec.Status)
	assert.Equal(t, string(wire.OutcomeCrashed), rec.Failure.Kind)

	var leaves int
	require.NoError(t, store.Walk(sum.RootID, func(r *metadir.Record) error {
		if r.Parser == "leaf" {
			leaves++
		}
		return nil
	}))
	assert.Equal(t, 1, leaves)
}

func TestSubprocessStopLetsRunningParseFinish(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "parsed")
	cfg := baseConfig(t)
	cfg.Jobs = 1
	s := New(cfg, subprocessFactory(t, markerEnv+"="+marker), diag.Discard())
	input := []byte("NAP!")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := s.Run(ctx, writeInput(t, input))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(marker)
	assert.NoError(t, err, "the running parse was cut short")
	store, err := metadir.Open(cfg.Workspace)
	require.NoError(t, err)
	st, err := store.State(metadir.RootID(input))
	require.NoError(t, err)
	assert.Equal(t, metadir.StateClosed, st)
}
