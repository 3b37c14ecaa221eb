package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/internal/bytesource"
	"github.com/twinfer/bang/internal/carve"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/pkg/unpack"
	"github.com/twinfer/bang/pkg/unpack/unpacktest"
)

type fixture struct {
	store *metadir.Store
	proc  *Processor
	dir   string
}

func newFixture(t *testing.T, maxDepth int, parsers ...unpack.Parser) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := metadir.Open(dir)
	require.NoError(t, err)
	reg, err := unpack.NewRegistry(parsers...)
	require.NoError(t, err)
	return &fixture{
		store: store,
		dir:   dir,
		proc: NewProcessor(Config{
			Registry:     reg,
			Store:        store,
			MaxDepth:     maxDepth,
			ParseTimeout: time.Second,
			ParseGrace:   time.Second,
			Logger:       diag.Discard(),
		}),
	}
}

func (f *fixture) rootRequest(t *testing.T, data []byte) wire.Request {
	t.Helper()
	path := filepath.Join(f.dir, "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	src, err := bytesource.File(path)
	require.NoError(t, err)
	return wire.Request{Seq: 1, Job: wire.Job{
		NodeID: metadir.RootID(data),
		Source: src,
		Range:  carve.Range{Offset: 0, Length: src.Length},
	}}
}

// box is a toy container: "BOX" + 1 byte payload length + payload, with the
// payload reported as an unpacked child.
func box() *unpacktest.Parser {
	return &unpacktest.Parser{ID: "box", Sigs: unpacktest.Magic("BOX"), Func: func(_ context.Context, v unpack.View) (*unpack.Outcome, error) {
		b := v.Bytes()
		if len(b) < 4 || int(b[3])+4 > len(b) {
			return nil, unpack.Failf("truncated box")
		}
		n := int64(b[3])
		payload := bytes.ToUpper(b[4 : 4+n])
		return &unpack.Outcome{
			Length:   4 + n,
			Labels:   []string{"box"},
			Children: []unpack.ChildExtent{{Offset: 4, Length: n, NameHint: "payload", Data: payload}},
			Metadata: map[string]any{"payload_length": n},
		}, nil
	}}
}

func TestWholeNodeWithUnpackedChild(t *testing.T) {
	f := newFixture(t, 8, box())
	req := f.rootRequest(t, []byte("BOX\x03abc"))

	resp := f.proc.Process(context.Background(), req, nil)
	require.Equal(t, wire.OutcomeOK, resp.Outcome, resp.Error)
	assert.Equal(t, []string{req.Job.NodeID}, resp.Closed)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, int64(3), resp.Extracted)
	assert.Equal(t, int64(1), resp.Stats["box"].Successes)

	child := resp.Jobs[0]
	assert.Equal(t, req.Job.NodeID, child.ParentID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "payload", child.Name)
	assert.Equal(t, carve.Range{Offset: 4, Length: 3}, child.Range)
	data, err := bytesource.ReadAll(child.Source)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), data)

	rec, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "box", rec.Parser)
	assert.Equal(t, []string{"box"}, rec.Labels)
	assert.Equal(t, []string{child.NodeID}, rec.Children)
	assert.Empty(t, rec.Unclassified)
	assert.Equal(t, metadir.HashContent([]byte("BOX\x03abc")), rec.Hashes)
	assert.Equal(t, float64(3), rec.Metadata["payload_length"])
}

func TestCarvedRegionBecomesClosedChild(t *testing.T) {
	f := newFixture(t, 8, box())
	input := []byte("junkBOX\x02hi--")
	req := f.rootRequest(t, input)

	resp := f.proc.Process(context.Background(), req, nil)
	require.Equal(t, wire.OutcomeOK, resp.Outcome, resp.Error)
	require.Len(t, resp.Closed, 2)
	carvedID := resp.Closed[0]
	assert.Equal(t, req.Job.NodeID, resp.Closed[1])

	carved, err := f.store.Load(carvedID)
	require.NoError(t, err)
	assert.Equal(t, req.Job.NodeID, carved.ParentID)
	assert.Equal(t, 1, carved.Depth)
	assert.Equal(t, "box", carved.Parser)
	assert.Equal(t, carve.Range{Offset: 4, Length: 6}, carved.Range)
	assert.Equal(t, metadir.HashContent(input[4:10]), carved.Hashes)

	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, carvedID, resp.Jobs[0].ParentID)
	assert.Equal(t, 2, resp.Jobs[0].Depth)
	assert.Equal(t, carve.Range{Offset: 4, Length: 2}, resp.Jobs[0].Range)

	root, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.Empty(t, root.Parser)
	assert.Equal(t, []string{carvedID}, root.Children)
	assert.Equal(t, []carve.Range{{Offset: 0, Length: 4}, {Offset: 10, Length: 2}}, root.Unclassified)
}

func TestDepthLimitTruncates(t *testing.T) {
	f := newFixture(t, 0, box())
	req := f.rootRequest(t, []byte("BOX\x01a"))

	resp := f.proc.Process(context.Background(), req, nil)
	require.Equal(t, wire.OutcomeOK, resp.Outcome)
	assert.True(t, resp.Truncated)
	assert.Empty(t, resp.Jobs)

	rec, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.True(t, rec.Truncated)
	assert.Equal(t, "box", rec.Parser)
}

// allowance is a Budget of a fixed number of bytes.
type allowance struct{ left int64 }

func (a *allowance) Take(n int64) bool {
	if n > a.left {
		return false
	}
	a.left -= n
	return true
}

func TestBudgetRefusalTruncates(t *testing.T) {
	f := newFixture(t, 8, box())
	req := f.rootRequest(t, []byte("BOX\x05abcde"))

	resp := f.proc.Process(context.Background(), req, &allowance{left: 4})
	require.Equal(t, wire.OutcomeOK, resp.Outcome)
	assert.True(t, resp.Truncated)
	assert.Empty(t, resp.Jobs)
	assert.Zero(t, resp.Extracted)
}

func TestBudgetTakenPerChild(t *testing.T) {
	f := newFixture(t, 8, box())
	req := f.rootRequest(t, []byte("BOX\x05abcde"))
	budget := &allowance{left: 5}

	resp := f.proc.Process(context.Background(), req, budget)
	require.Equal(t, wire.OutcomeOK, resp.Outcome)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Jobs, 1)
	assert.Equal(t, int64(5), resp.Extracted)
	assert.Zero(t, budget.left)
}

func TestChildCollisionClosesNodeAsFailed(t *testing.T) {
	f := newFixture(t, 8, box())
	input := []byte("junkBOX\x02hi--")
	req := f.rootRequest(t, input)

	// A record for the carved region already exists.
	carvedID := metadir.ChildID(req.Job.NodeID, 4, 6, "box")
	md, err := f.store.Create(carvedID)
	require.NoError(t, err)
	require.NoError(t, md.Open())
	require.NoError(t, md.Close())

	resp := f.proc.Process(context.Background(), req, nil)
	assert.Equal(t, wire.OutcomeFailed, resp.Outcome)
	assert.Empty(t, resp.Jobs)
	assert.Equal(t, []string{req.Job.NodeID}, resp.Closed)

	root, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.Equal(t, metadir.StatusFailed, root.Status)
	assert.Empty(t, root.Children)
	require.NoError(t, f.store.Walk(req.Job.NodeID, func(*metadir.Record) error { return nil }))
}

func TestFailedExtractKeepsOnlyClosedChildren(t *testing.T) {
	// The first box is carved and closed, the second collides.
	f := newFixture(t, 8, box())
	input := []byte("--BOX\x01a--BOX\x01b")
	req := f.rootRequest(t, input)
	second := metadir.ChildID(req.Job.NodeID, 9, 5, "box")
	md, err := f.store.Create(second)
	require.NoError(t, err)
	require.NoError(t, md.Open())
	require.NoError(t, md.Close())

	resp := f.proc.Process(context.Background(), req, nil)
	assert.Equal(t, wire.OutcomeFailed, resp.Outcome)

	root, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.Equal(t, metadir.StatusFailed, root.Status)
	first := metadir.ChildID(req.Job.NodeID, 2, 5, "box")
	assert.Equal(t, []string{first}, root.Children)
	assert.Equal(t, []string{first, req.Job.NodeID}, resp.Closed)

	// The closed box still hands its payload on.
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, first, resp.Jobs[0].ParentID)
	carved, err := f.store.Load(first)
	require.NoError(t, err)
	assert.Equal(t, []string{resp.Jobs[0].NodeID}, carved.Children)
}

func TestServeReservesUnpackedBytes(t *testing.T) {
	dir := t.TempDir()
	data := []byte("BOX\x03abc")
	input := filepath.Join(dir, "input.bin")
	require.NoError(t, os.WriteFile(input, data, 0o644))
	src, err := bytesource.File(input)
	require.NoError(t, err)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		build := func([]string) (*unpack.Registry, error) { return unpack.NewRegistry(box()) }
		done <- Serve(context.Background(), inR, outW, build, func(wire.Init) *slog.Logger { return diag.Discard() })
		outW.Close()
	}()
	enc := wire.NewEncoder(inW)
	dec := wire.NewDecoder(outR)

	require.NoError(t, enc.Encode(wire.Init{Workspace: dir, MaxDepth: 8, ParseTimeout: time.Second, ParseGrace: time.Second}))
	require.NoError(t, enc.Encode(wire.Request{Seq: 3, Job: wire.Job{
		NodeID: metadir.RootID(data),
		Source: src,
		Range:  carve.Range{Offset: 0, Length: src.Length},
	}}))

	var reply wire.Reply
	require.NoError(t, dec.Decode(&reply))
	require.NotNil(t, reply.Reserve)
	assert.Equal(t, wire.Reserve{Seq: 3, Bytes: 3}, *reply.Reserve)
	require.NoError(t, enc.Encode(wire.Grant{Seq: 3, OK: false}))

	reply = wire.Reply{}
	require.NoError(t, dec.Decode(&reply))
	require.NotNil(t, reply.Response)
	assert.Equal(t, wire.OutcomeOK, reply.Response.Outcome)
	assert.True(t, reply.Response.Truncated)
	assert.Empty(t, reply.Response.Jobs)

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
}

func TestUnreadableSourceFailsJob(t *testing.T) {
	f := newFixture(t, 8, box())
	req := wire.Request{Seq: 7, Job: wire.Job{
		NodeID: "ff00",
		Source: bytesource.Source{Path: filepath.Join(f.dir, "missing"), Length: 10},
	}}

	resp := f.proc.Process(context.Background(), req, nil)
	assert.Equal(t, wire.OutcomeFailed, resp.Outcome)
	assert.Equal(t, uint64(7), resp.Seq)
	assert.Equal(t, string(diag.CodeIO), resp.Kind)

	rec, err := f.store.Load("ff00")
	require.NoError(t, err)
	assert.Equal(t, metadir.StatusFailed, rec.Status)
	assert.Equal(t, "io_error", rec.Failure.Kind)
}

func TestPanickingParserDoesNotFailJob(t *testing.T) {
	boom := &unpacktest.Parser{ID: "boom", Sigs: unpacktest.Magic("BOOM"), Func: unpacktest.Panic("bad")}
	f := newFixture(t, 8, boom, box())
	req := f.rootRequest(t, []byte("BOOM"))

	resp := f.proc.Process(context.Background(), req, nil)
	require.Equal(t, wire.OutcomeOK, resp.Outcome)

	rec, err := f.store.Load(req.Job.NodeID)
	require.NoError(t, err)
	require.Len(t, rec.Bugs, 1)
	assert.Equal(t, "boom", rec.Bugs[0].Parser)
	assert.Equal(t, int64(1), resp.Stats["boom"].Bugs)
}

func TestWedgedParserCrashesJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &unpacktest.Parser{ID: "stuck", Sigs: unpacktest.Magic("STUCK"), Func: func(context.Context, unpack.View) (*unpack.Outcome, error) {
		<-release
		return nil, unpack.Failf("late")
	}}
	dir := t.TempDir()
	store, err := metadir.Open(dir)
	require.NoError(t, err)
	reg, err := unpack.NewRegistry(stuck)
	require.NoError(t, err)
	proc := NewProcessor(Config{
		Registry: reg, Store: store, MaxDepth: 1,
		ParseTimeout: 10 * time.Millisecond, ParseGrace: 10 * time.Millisecond,
		Logger: diag.Discard(),
	})
	f := &fixture{store: store, proc: proc, dir: dir}
	req := f.rootRequest(t, []byte("STUCK"))

	resp := proc.Process(context.Background(), req, nil)
	assert.Equal(t, wire.OutcomeCrashed, resp.Outcome)

	rec, err := store.Load(req.Job.NodeID)
	require.NoError(t, err)
	assert.Equal(t, metadir.StatusFailed, rec.Status)
	assert.Equal(t, "timeout", rec.Failure.Kind)
}
