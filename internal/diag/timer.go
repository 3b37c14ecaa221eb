package diag

import (
	"context"
	"log/slog"
	"time"
)

// JobTimer emits the per-job timing line consumed by performance tooling.
// A nil logger or a disabled timer makes every call a no-op.
type JobTimer struct {
	logger  *slog.Logger
	enabled bool
	node    string
	depth   int
	start   time.Time
	marks   []slog.Attr
	last    time.Time
}

// StartJob starts timing node.
func StartJob(logger *slog.Logger, enabled bool, node string, depth int) *JobTimer {
	now := time.Now()
	return &JobTimer{logger: logger, enabled: enabled && logger != nil, node: node, depth: depth, start: now, last: now}
}

// Mark records the time since the previous mark under name and returns it.
func (t *JobTimer) Mark(name string) time.Duration {
	now := time.Now()
	d := now.Sub(t.last)
	t.last = now
	if t.enabled {
		t.marks = append(t.marks, slog.Int64(name+"_us", d.Microseconds()))
	}
	return d
}

// Elapsed returns the time since the job started.
func (t *JobTimer) Elapsed() time.Duration { return time.Since(t.start) }

// Finish writes one record with every mark and the job outcome.
func (t *JobTimer) Finish(ctx context.Context, outcome string, attrs ...slog.Attr) time.Duration {
	total := t.Elapsed()
	if !t.enabled {
		return total
	}
	all := make([]slog.Attr, 0, len(t.marks)+len(attrs)+4)
	all = append(all,
		slog.String("node", t.node),
		slog.Int("depth", t.depth),
		slog.String("outcome", outcome),
		slog.Int64("total_us", total.Microseconds()),
	)
	all = append(all, t.marks...)
	all = append(all, attrs...)
	t.logger.LogAttrs(ctx, slog.LevelInfo, "job timing", all...)
	return total
}
