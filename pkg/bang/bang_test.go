package bang_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/formats"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/index"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/internal/worker"
	"github.com/twinfer/bang/pkg/bang"
	"github.com/twinfer/bang/testutil"
)

const workerEnv = "BANG_FACADE_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		err := worker.Serve(context.Background(), os.Stdin, os.Stdout, formats.Registry,
			func(wire.Init) *slog.Logger { return diag.Discard() })
		if err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T) bang.Config {
	cfg := bang.DefaultConfig()
	cfg.TempDir = t.TempDir()
	cfg.Jobs = 2
	return cfg
}

var firmwareFiles = []testutil.File{
	{Name: "img/a.png"}, {Name: "img/b.png"}, {Name: "img/c.png"}, {Name: "bin/init"},
}

// memberOffsets returns where the data of each member of a ustar archive
// starts, given the member sizes.
func memberOffsets(sizes ...int) []int64 {
	var out []int64
	off := int64(512)
	for _, n := range sizes {
		out = append(out, off)
		off += (int64(n)+511)/512*512 + 512
	}
	return out
}

func firmwareShapes(t *testing.T, input []byte) []testutil.Shape {
	t.Helper()
	a, b, c := testutil.PNG(t, 4, 4, 1), testutil.PNG(t, 8, 3, 2), testutil.PNG(t, 2, 9, 3)
	elf := testutil.ELF(t, []byte{0x31, 0xc0, 0xc3})
	offs := memberOffsets(len(a), len(b), len(c), len(elf))
	const gzipHeader = 10 + len("firmware.tar") + 1
	return []testutil.Shape{
		{Depth: 0, Parser: "gzip", Labels: "gzip,compressed", Name: "firmware.bin", Offset: 0, Length: int64(len(input)), Children: 1},
		{Depth: 1, Parser: "tar", Labels: "tar,archive", Name: "firmware.tar", Offset: int64(gzipHeader), Length: int64(len(input) - gzipHeader - 8), Children: 4},
		{Depth: 2, Parser: "png", Labels: "png,image", Name: "img/a.png", Offset: offs[0], Length: int64(len(a))},
		{Depth: 2, Parser: "png", Labels: "png,image", Name: "img/b.png", Offset: offs[1], Length: int64(len(b))},
		{Depth: 2, Parser: "png", Labels: "png,image", Name: "img/c.png", Offset: offs[2], Length: int64(len(c))},
		{Depth: 2, Parser: "elf", Labels: "elf,executable", Name: "bin/init", Offset: offs[3], Length: int64(len(elf))},
	}
}

func TestScanFirmware(t *testing.T) {
	input := testutil.Firmware(t)
	path := testutil.WriteFile(t, "firmware.bin", input)

	res, err := bang.Scan(context.Background(), path, bang.WithConfig(testConfig(t)))
	require.NoError(t, err)

	nodes, err := res.Nodes()
	require.NoError(t, err)
	if diff := cmp.Diff(firmwareShapes(t, input), testutil.Shapes(nodes)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	sum := res.Summary
	assert.Equal(t, 6, sum.Nodes)
	assert.Equal(t, 6, sum.Classified)
	assert.Zero(t, sum.Unclassified)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Truncated)
	assert.Empty(t, sum.Failures)
	assert.Equal(t, metadir.RootID(input), sum.RootID)
	assert.Equal(t, int64(3), res.Stats["png"].Successes)
	assert.Equal(t, int64(1), res.Stats["elf"].Successes)

	for _, n := range nodes {
		assert.Equal(t, metadir.StatusOK, n.Status, n.ID)
		assert.Equal(t, n.Size, n.Source.Length, n.ID)
	}
	// The tar node is the only one with bytes of its own. Its record
	// padding belongs to the archive, not to a carved trailer.
	tarNode := testutil.ByParser(nodes, "tar")[0]
	data, err := os.ReadFile(res.DataPath(tarNode.ID))
	require.NoError(t, err)
	assert.Len(t, data, 10240)
	assert.Empty(t, tarNode.Unclassified)
	assert.Equal(t, metadir.HashContent(data), tarNode.Hashes)
}

func TestScanWritesSummaries(t *testing.T) {
	path := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))
	res, err := bang.Scan(context.Background(), path, bang.WithConfig(testConfig(t)))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(res.Workspace, bang.SummaryFile))
	require.NoError(t, err)
	var sum bang.Summary
	require.NoError(t, json.Unmarshal(raw, &sum))
	assert.Equal(t, res.Summary.RunID, sum.RunID)
	assert.Equal(t, 6, sum.Nodes)

	raw, err = os.ReadFile(filepath.Join(res.Workspace, bang.StatsFile))
	require.NoError(t, err)
	var counters map[string]bang.ParserStats
	require.NoError(t, json.Unmarshal(raw, &counters))
	assert.Equal(t, int64(3), counters["png"].Successes)
}

func TestScanIsIdempotent(t *testing.T) {
	path := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))

	var trees [2][]*bang.Node
	for i := range trees {
		cfg := testConfig(t)
		cfg.Jobs = i + 1
		res, err := bang.Scan(context.Background(), path, bang.WithConfig(cfg))
		require.NoError(t, err)
		trees[i], err = res.Nodes()
		require.NoError(t, err)
	}
	require.NotEmpty(t, trees[0])
	if diff := cmp.Diff(trees[0], trees[1], testutil.StableRecord); diff != "" {
		t.Errorf("rescan differs (-first +second):\n%s", diff)
	}
}

func TestChildrenNeverOutliveParents(t *testing.T) {
	path := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))
	res, err := bang.Scan(context.Background(), path, bang.WithConfig(testConfig(t)))
	require.NoError(t, err)

	nodes, err := res.Nodes()
	require.NoError(t, err)
	byID := map[string]*bang.Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		assert.Equal(t, metadir.StateConsumed, n.State, n.ID)
		if n.ParentID == "" {
			continue
		}
		parent, ok := byID[n.ParentID]
		require.True(t, ok, "parent of %s not published", n.ID)
		assert.Contains(t, parent.Children, n.ID)
		assert.Equal(t, parent.Depth+1, n.Depth)
		assert.LessOrEqual(t, n.Range.End(), parent.Size, n.ID)
	}
}

func TestScanDepthLimit(t *testing.T) {
	path := testutil.WriteFile(t, "nested.gz", testutil.NestedGzip(t, 6, []byte("core")))
	cfg := testConfig(t)
	cfg.MaxDepth = 3
	res, err := bang.Scan(context.Background(), path, bang.WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Truncated)
	assert.Equal(t, 4, res.Summary.Nodes)

	nodes, err := res.Nodes()
	require.NoError(t, err)
	last := nodes[len(nodes)-1]
	assert.Equal(t, 3, last.Depth)
	assert.True(t, last.Truncated)
}

func TestScanIndexAndRemoveData(t *testing.T) {
	path := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))
	cfg := testConfig(t)
	cfg.Index = true
	cfg.RemoveScanData = true

	res, err := bang.Scan(context.Background(), path, bang.WithConfig(cfg))
	require.NoError(t, err)
	require.NotEmpty(t, res.IndexPath)

	ix, err := index.Open(res.IndexPath, diag.Discard())
	require.NoError(t, err)
	defer ix.Close()
	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	pngs, err := ix.Labelled(context.Background(), "png")
	require.NoError(t, err)
	assert.Len(t, pngs, 3)

	// Records survive, data files do not.
	nodes, err := res.Nodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 6)
	tarNode := testutil.ByParser(nodes, "tar")[0]
	_, err = os.Stat(res.DataPath(tarNode.ID))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestScanRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	_, err := bang.Scan(context.Background(), filepath.Join(t.TempDir(), "missing"), bang.WithConfig(cfg))
	assert.Error(t, err)

	cfg.LogFormat = "xml"
	path := testutil.WriteFile(t, "x.bin", []byte("x"))
	_, err = bang.Scan(context.Background(), path, bang.WithConfig(cfg))
	assert.ErrorContains(t, err, "invalid config")
}

func TestScanUnknownBytes(t *testing.T) {
	path := testutil.WriteFile(t, "noise.bin", []byte("nothing to see here"))
	res, err := bang.Scan(context.Background(), path, bang.WithConfig(testConfig(t)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Nodes)
	assert.Equal(t, 1, res.Summary.Unclassified)

	root, err := res.Node(res.Summary.RootID)
	require.NoError(t, err)
	assert.Empty(t, root.Parser)
	require.Len(t, root.Unclassified, 1)
	assert.Equal(t, int64(len("nothing to see here")), root.Unclassified[0].Length)
}

func TestScanWithWorkerProcesses(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	input := testutil.Firmware(t)
	path := testutil.WriteFile(t, "firmware.bin", input)

	res, err := bang.Scan(context.Background(), path,
		bang.WithConfig(testConfig(t)),
		bang.WithWorkerCommand(bang.WorkerCommand{Path: exe, Env: []string{workerEnv + "=1"}}))
	require.NoError(t, err)

	nodes, err := res.Nodes()
	require.NoError(t, err)
	if diff := cmp.Diff(firmwareShapes(t, input), testutil.Shapes(nodes)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(3), res.Stats["png"].Successes)
}
