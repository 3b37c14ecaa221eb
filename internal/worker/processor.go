// Package worker processes scan jobs: it loads a node's bytes, carves them,
// writes and closes the MetaDirectories of everything found, and returns
// the child jobs. It is used both inside worker processes and in-process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/twinfer/bang/internal/bytesource"
	"github.com/twinfer/bang/internal/carve"
	"github.com/twinfer/bang/internal/diag"
	"github.com/twinfer/bang/internal/metadir"
	"github.com/twinfer/bang/internal/stats"
	"github.com/twinfer/bang/internal/wire"
	"github.com/twinfer/bang/pkg/unpack"
)

// Processor handles jobs. It is safe for concurrent use as long as no two
// calls process the same node.
type Processor struct {
	store    *metadir.Store
	carver   *carve.Carver
	stats    *stats.Table
	maxDepth int
	logger   *slog.Logger
	verbose  bool
}

// Config holds the Processor settings.
type Config struct {
	Registry     *unpack.Registry
	Store        *metadir.Store
	MaxDepth     int
	ParseTimeout time.Duration
	ParseGrace   time.Duration
	Logger       *slog.Logger
	// Verbose emits one timing line per job.
	Verbose bool
}

// NewProcessor builds a Processor. Parser statistics are collected per
// job and returned with each Response.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := stats.New()
	return &Processor{
		store: cfg.Store,
		carver: carve.New(cfg.Registry,
			carve.WithTimeout(cfg.ParseTimeout),
			carve.WithGrace(cfg.ParseGrace),
			carve.WithLogger(logger),
			carve.WithObserver(table),
		),
		stats:    table,
		maxDepth: cfg.MaxDepth,
		logger:   logger,
		verbose:  cfg.Verbose,
	}
}

// job is the bookkeeping of one Process call.
type job struct {
	req       wire.Request
	budget    Budget
	buf       []byte
	closed    []string
	children  []wire.Job
	extracted int64
	truncated bool
}

// Process runs one job, taking the size of every unpacked child from
// budget. Failures are reported in the Response; the only outcome that
// should stop the caller is OutcomeFatal, and OutcomeCrashed asks for the
// worker to be replaced.
func (p *Processor) Process(ctx context.Context, req wire.Request, budget Budget) wire.Response {
	j := &job{req: req, budget: budget}
	timer := diag.StartJob(p.logger, p.verbose, req.Job.NodeID, req.Job.Depth)
	resp := wire.Response{Seq: req.Seq, NodeID: req.Job.NodeID}

	labels, err := p.process(ctx, j, timer)
	resp.Closed = j.closed
	resp.Jobs = j.children
	resp.Extracted = j.extracted
	resp.Truncated = j.truncated
	resp.Labels = labels
	resp.Stats = p.stats.Drain()
	resp.Outcome = wire.OutcomeOK

	switch {
	case err == nil:
	case errors.Is(err, unpack.ErrStorage):
		resp.Outcome = wire.OutcomeFatal
	case errors.Is(err, carve.ErrWedged):
		resp.Outcome = wire.OutcomeCrashed
	default:
		resp.Outcome = wire.OutcomeFailed
	}
	if err != nil {
		resp.Kind = string(diag.Classify(err))
		resp.Error = err.Error()
		// A failed node's own children were dropped by fail; past a fatal
		// or wedged job nothing may be enqueued.
		if resp.Outcome == wire.OutcomeFatal || resp.Outcome == wire.OutcomeCrashed {
			resp.Jobs = nil
		}
	}
	resp.Timings.Total = timer.Finish(ctx, string(resp.Outcome),
		slog.Int("children", len(resp.Jobs)), slog.Int64("size", req.Job.Source.Length))
	return resp
}

func (p *Processor) process(ctx context.Context, j *job, timer *diag.JobTimer) ([]string, error) {
	started := time.Now()
	in := j.req.Job

	md, err := p.store.Create(in.NodeID)
	if err != nil {
		return nil, err
	}
	if err := md.Open(); err != nil {
		return nil, err
	}
	rec := md.Record()
	rec.ParentID = in.ParentID
	rec.Depth = in.Depth
	rec.Name = in.Name
	rec.Range = in.Range
	rec.Source = in.Source
	rec.Size = in.Source.Length
	rec.Labels = slices.Clone(in.Labels)
	rec.Timings.Started = started

	buf, err := bytesource.Open(in.Source)
	rec.Timings.Read = timer.Mark("read")
	if err != nil {
		return nil, p.fail(ctx, j, md, unpack.KindIO, fmt.Errorf("loading bytes: %w", err))
	}
	defer buf.Close()
	j.buf = buf.Bytes()
	rec.Hashes = metadir.HashContent(j.buf)

	res, err := p.carver.Carve(ctx, in.NodeID, j.buf)
	rec.Timings.Carve = timer.Mark("carve")
	if err != nil {
		kind := unpack.KindTimeout
		if !errors.Is(err, carve.ErrWedged) {
			kind = unpack.KindOf(err)
		}
		return nil, p.fail(ctx, j, md, kind, err)
	}
	rec.Unclassified = res.Gaps
	for _, b := range res.Bugs() {
		rec.Bugs = append(rec.Bugs, *b)
	}

	size := int64(len(j.buf))
	for _, region := range res.Regions {
		if region.Range.Offset == 0 && region.Range.Length == size {
			// The parser describes the node itself.
			p.describe(ctx, rec, region)
			if err := p.extract(ctx, j, rec, region, region.Range.Offset, in.Depth); err != nil {
				return nil, p.abort(ctx, j, md, err)
			}
			continue
		}
		if err := p.carveChild(ctx, j, rec, region); err != nil {
			return nil, p.abort(ctx, j, md, err)
		}
	}

	rec.Timings.Finished = time.Now()
	if err := md.Close(); err != nil {
		return nil, err
	}
	j.closed = append(j.closed, in.NodeID)
	return rec.Labels, nil
}

// fail closes the node as failed. The returned error is cause, unless
// closing itself failed.
func (p *Processor) fail(ctx context.Context, j *job, md *metadir.MetaDirectory, kind unpack.Kind, cause error) error {
	rec := md.Record()
	rec.Status = metadir.StatusFailed
	rec.Failure = &metadir.Failure{Kind: kind.String(), Error: cause.Error()}
	// The node's own pending children are dropped and only its closed
	// ones stay listed. Carved children already closed keep their jobs.
	rec.Children = slices.DeleteFunc(rec.Children, func(id string) bool {
		return !slices.Contains(j.closed, id)
	})
	j.children = slices.DeleteFunc(j.children, func(c wire.Job) bool {
		return c.ParentID == rec.ID
	})
	rec.Timings.Finished = time.Now()
	p.logger.WarnContext(ctx, "job failed", "node", rec.ID, "kind", kind.String(), "error", cause)
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		// Stopping: leave the node unpublished.
		j.children = nil
		return cause
	}
	if err := md.Close(); err != nil {
		return err
	}
	j.closed = append(j.closed, rec.ID)
	return cause
}

// abort ends a job that broke off while writing children. Storage errors
// are fatal and left as they are; anything else closes the node as failed.
func (p *Processor) abort(ctx context.Context, j *job, md *metadir.MetaDirectory, err error) error {
	if errors.Is(err, unpack.ErrStorage) {
		return err
	}
	return p.fail(ctx, j, md, unpack.KindOf(err), err)
}

// describe copies what a parser learned about a whole node into its record.
func (p *Processor) describe(ctx context.Context, rec *metadir.Record, region carve.Region) {
	rec.Parser = region.Parser
	rec.Labels = mergeLabels(rec.Labels, region.Outcome.Labels)
	if md := region.Outcome.Metadata; len(md) > 0 {
		if _, err := json.Marshal(md); err != nil {
			rec.Bugs = append(rec.Bugs, unpack.BugReport{
				Parser: region.Parser, Buffer: rec.ID, Offset: region.Range.Offset,
				Reason: "metadata not serializable: " + err.Error(),
			})
			p.logger.WarnContext(ctx, "dropping metadata", "node", rec.ID, "parser", region.Parser, "error", err)
			return
		}
		rec.Metadata = md
	}
}

// carveChild publishes a region that covers only part of the node as a
// node of its own, closed by this worker, and extracts its children.
func (p *Processor) carveChild(ctx context.Context, j *job, parent *metadir.Record, region carve.Region) error {
	depth := j.req.Job.Depth + 1
	if depth > p.maxDepth {
		parent.Truncated = true
		j.truncated = true
		p.logger.DebugContext(ctx, "depth limit", "node", parent.ID, "offset", region.Range.Offset, "depth", depth)
		return nil
	}

	id := metadir.ChildID(parent.ID, region.Range.Offset, region.Range.Length, region.Parser)
	src, err := j.req.Job.Source.Slice(region.Range.Offset, region.Range.Length)
	if err != nil {
		return fmt.Errorf("%w: %w", unpack.ErrParserBug, err)
	}
	md, err := p.store.Create(id)
	if err != nil {
		return err
	}
	if err := md.Open(); err != nil {
		return err
	}
	rec := md.Record()
	rec.ParentID = parent.ID
	rec.Depth = depth
	rec.Range = region.Range
	rec.Source = src
	rec.Size = region.Range.Length
	rec.Hashes = metadir.HashContent(j.buf[region.Range.Offset:region.Range.End()])
	rec.Timings.Started = time.Now()
	p.describe(ctx, rec, region)

	if err := p.extract(ctx, j, rec, region, region.Range.Offset, depth); err != nil {
		return err
	}
	rec.Timings.Finished = time.Now()
	if err := md.Close(); err != nil {
		return err
	}
	j.closed = append(j.closed, id)
	parent.Children = append(parent.Children, id)
	return nil
}

// extract turns the children of a parsed region into jobs. base is the
// region's offset in the job buffer; owner is the record that becomes the
// children's parent and depth is its depth.
func (p *Processor) extract(ctx context.Context, j *job, owner *metadir.Record, region carve.Region, base int64, depth int) error {
	for i, ch := range region.Outcome.Children {
		if depth+1 > p.maxDepth {
			owner.Truncated = true
			j.truncated = true
			p.logger.DebugContext(ctx, "depth limit", "node", owner.ID, "child", i, "depth", depth+1)
			return nil
		}
		if ch.Data != nil && j.budget != nil && !j.budget.Take(int64(len(ch.Data))) {
			owner.Truncated = true
			j.truncated = true
			p.logger.DebugContext(ctx, "byte limit", "node", owner.ID, "child", i,
				"size", len(ch.Data), "extracted", j.extracted)
			continue
		}

		// Offsets in the owner's coordinates. For the node itself base is 0.
		rng := carve.Range{Offset: ch.Offset, Length: ch.Length}
		if owner.ID == j.req.Job.NodeID {
			rng.Offset += base
		}
		id := metadir.ChildID(owner.ID, rng.Offset, rng.Length, fmt.Sprintf("%d:%s", i, ch.NameHint))

		var src bytesource.Source
		if ch.Data != nil {
			if err := p.store.WriteData(id, ch.Data); err != nil {
				return err
			}
			j.extracted += int64(len(ch.Data))
			src = bytesource.Source{Path: p.store.DataPath(id), Offset: 0, Length: int64(len(ch.Data))}
		} else {
			var err error
			src, err = j.req.Job.Source.Slice(base+ch.Offset, ch.Length)
			if err != nil {
				return fmt.Errorf("%w: %w", unpack.ErrParserBug, err)
			}
		}

		owner.Children = append(owner.Children, id)
		j.children = append(j.children, wire.Job{
			NodeID:   id,
			ParentID: owner.ID,
			Source:   src,
			Depth:    depth + 1,
			Name:     ch.NameHint,
			Labels:   slices.Clone(ch.Labels),
			Range:    rng,
		})
	}
	return nil
}

func mergeLabels(a, b []string) []string {
	out := slices.Clone(a)
	for _, l := range b {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}
