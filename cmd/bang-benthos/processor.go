package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/bang/internal/config"
	"github.com/twinfer/bang/pkg/bang"
)

// BangProcessor scans the content of each message and replaces it with a
// description of what was found inside.
type BangProcessor struct {
	cfg            bang.Config
	splitNodes     bool
	keepWorkspaces bool

	logger   *service.Logger
	mScans   *service.MetricCounter
	mNodes   *service.MetricCounter
	mErrors  *service.MetricCounter
	mLatency *service.MetricTimer
}

func init() {
	err := service.RegisterProcessor(
		"bang",
		bangProcessorConfig(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Processor, error) {
			return newBangProcessorFromConfig(conf, mgr)
		},
	)
	if err != nil {
		panic(err)
	}
}

// bangProcessorConfig returns the config spec of the bang processor.
func bangProcessorConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Recursively unpacks binary messages and reports every embedded format found.").
		Description("Each message is written to a scratch workspace and scanned in-process. The output is a structured summary of the scan, or one message per node when split_nodes is set.").
		Field(service.NewStringField("tempdir").
			Description("Directory receiving the scan workspaces. Defaults to the system temporary directory.").
			Default("")).
		Field(service.NewIntField("jobs").
			Description("Parallel executors per scan; 0 means one per CPU.").
			Default(0)).
		Field(service.NewIntField("max_depth").
			Description("Maximum nesting depth of extracted nodes.").
			Default(25)).
		Field(service.NewStringField("max_bytes").
			Description("Cap on the bytes decompressed per scan, such as \"512 MiB\". Empty means unlimited.").
			Example("1 GiB").
			Default("")).
		Field(service.NewDurationField("parse_timeout").
			Description("Wall-clock budget of a single parse attempt.").
			Default("30s")).
		Field(service.NewStringListField("grammar_dirs").
			Description("Directories of additional .ksy recognizers.").
			Default([]any{})).
		Field(service.NewBoolField("split_nodes").
			Description("Emit one message per scanned node instead of a single summary.").
			Default(false)).
		Field(service.NewBoolField("keep_workspaces").
			Description("Keep scan workspaces on disk instead of deleting them after each message.").
			Default(false)).
		Version("0.1.0")
}

// newBangProcessorFromConfig creates a BangProcessor from a parsed config.
func newBangProcessorFromConfig(conf *service.ParsedConfig, mgr *service.Resources) (*BangProcessor, error) {
	cfg := bang.DefaultConfig()
	var err error

	tempdir, err := conf.FieldString("tempdir")
	if err != nil {
		return nil, err
	}
	if tempdir != "" {
		cfg.TempDir = tempdir
	}
	if cfg.Jobs, err = conf.FieldInt("jobs"); err != nil {
		return nil, err
	}
	if cfg.MaxDepth, err = conf.FieldInt("max_depth"); err != nil {
		return nil, err
	}
	maxBytes, err := conf.FieldString("max_bytes")
	if err != nil {
		return nil, err
	}
	if maxBytes != "" {
		if cfg.MaxBytes, err = config.ParseByteSize(maxBytes); err != nil {
			return nil, fmt.Errorf("max_bytes: %w", err)
		}
	}
	if cfg.ParseTimeout, err = conf.FieldDuration("parse_timeout"); err != nil {
		return nil, err
	}
	if cfg.GrammarDirs, err = conf.FieldStringList("grammar_dirs"); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &BangProcessor{cfg: cfg, logger: mgr.Logger()}
	if p.splitNodes, err = conf.FieldBool("split_nodes"); err != nil {
		return nil, err
	}
	if p.keepWorkspaces, err = conf.FieldBool("keep_workspaces"); err != nil {
		return nil, err
	}
	metrics := mgr.Metrics()
	p.mScans = metrics.NewCounter("bang_scans")
	p.mNodes = metrics.NewCounter("bang_nodes")
	p.mErrors = metrics.NewCounter("bang_scan_errors")
	p.mLatency = metrics.NewTimer("bang_scan_latency_ns")
	return p, nil
}

// Process scans one message.
func (b *BangProcessor) Process(ctx context.Context, msg *service.Message) (service.MessageBatch, error) {
	data, err := msg.AsBytes()
	if err != nil {
		return b.reject(msg, fmt.Errorf("reading message: %w", err))
	}
	if len(data) == 0 {
		return b.reject(msg, fmt.Errorf("empty message"))
	}

	scratch, err := os.MkdirTemp(b.cfg.TempDir, "bang-msg-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)
	input := filepath.Join(scratch, "input")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing scan input: %w", err)
	}

	start := time.Now()
	res, err := bang.Scan(ctx, input, bang.WithConfig(b.cfg))
	b.mLatency.Timing(time.Since(start).Nanoseconds())
	if err != nil {
		if res != nil && !b.keepWorkspaces {
			_ = res.Remove()
		}
		return b.reject(msg, fmt.Errorf("scan failed: %w", err))
	}
	if !b.keepWorkspaces {
		defer func() {
			if err := res.Remove(); err != nil {
				b.logger.Warnf("Failed to remove workspace %s: %v", res.Workspace, err)
			}
		}()
	}

	nodes, err := res.Nodes()
	if err != nil {
		return b.reject(msg, fmt.Errorf("loading scan tree: %w", err))
	}
	b.mScans.Incr(1)
	b.mNodes.Incr(int64(len(nodes)))
	b.logger.Debugf("Scanned %d bytes into %d nodes", len(data), len(nodes))

	if b.splitNodes {
		batch := make(service.MessageBatch, 0, len(nodes))
		for _, n := range nodes {
			out := msg.Copy()
			out.SetStructured(nodeFields(n))
			out.MetaSetMut("bang_run_id", res.Summary.RunID)
			out.MetaSetMut("bang_root_id", res.Summary.RootID)
			batch = append(batch, out)
		}
		return batch, nil
	}

	list := make([]any, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, nodeFields(n))
	}
	out := msg.Copy()
	out.SetStructured(map[string]any{
		"run_id":       res.Summary.RunID,
		"root_id":      res.Summary.RootID,
		"nodes":        list,
		"classified":   res.Summary.Classified,
		"unclassified": res.Summary.Unclassified,
		"truncated":    res.Summary.Truncated,
		"failed":       res.Summary.Failed,
	})
	out.MetaSetMut("bang_run_id", res.Summary.RunID)
	if b.keepWorkspaces {
		out.MetaSetMut("bang_workspace", res.Workspace)
	}
	return service.MessageBatch{out}, nil
}

func (b *BangProcessor) reject(msg *service.Message, err error) (service.MessageBatch, error) {
	b.logger.Errorf("%v", err)
	b.mErrors.Incr(1)
	msg.SetError(err)
	return service.MessageBatch{msg}, nil
}

// nodeFields flattens a record into plain values.
func nodeFields(n *bang.Node) map[string]any {
	labels := make([]any, 0, len(n.Labels))
	for _, l := range n.Labels {
		labels = append(labels, l)
	}
	out := map[string]any{
		"id":     n.ID,
		"depth":  n.Depth,
		"labels": labels,
		"offset": n.Range.Offset,
		"length": n.Range.Length,
		"size":   n.Size,
		"sha256": n.Hashes.SHA256,
		"status": string(n.Status),
	}
	if n.ParentID != "" {
		out["parent_id"] = n.ParentID
	}
	if n.Name != "" {
		out["name"] = n.Name
	}
	if n.Parser != "" {
		out["parser"] = n.Parser
	}
	if n.Truncated {
		out["truncated"] = true
	}
	if n.Failure != nil {
		out["failure"] = n.Failure.Error
	}
	return out
}

// Close implements service.Processor.
func (b *BangProcessor) Close(ctx context.Context) error {
	return nil
}
