package wire

import (
	"time"

	"github.com/twinfer/bang/internal/bytesource"
	"github.com/twinfer/bang/internal/carve"
	"github.com/twinfer/bang/internal/stats"
)

// Init configures a worker process. It is the first item on its stdin.
type Init struct {
	Workspace    string        `cbor:"workspace"`
	ParseTimeout time.Duration `cbor:"parse_timeout"`
	ParseGrace   time.Duration `cbor:"parse_grace"`
	MaxDepth     int           `cbor:"max_depth"`
	GrammarDirs  []string      `cbor:"grammar_dirs,omitempty"`
	LogLevel     string        `cbor:"log_level"`
	LogFormat    string        `cbor:"log_format"`
	Verbose      bool          `cbor:"verbose"`
	MemoryLimit  int64         `cbor:"memory_limit,omitempty"`
}

// Job is one node waiting to be scanned.
type Job struct {
	NodeID   string            `cbor:"node_id"`
	ParentID string            `cbor:"parent_id,omitempty"`
	Source   bytesource.Source `cbor:"source"`
	Depth    int               `cbor:"depth"`
	Name     string            `cbor:"name,omitempty"`
	Labels   []string          `cbor:"labels,omitempty"`
	// Range is the node's extent inside its parent.
	Range carve.Range `cbor:"range"`
}

// Request asks a worker to process one job.
type Request struct {
	Seq uint64 `cbor:"seq"`
	Job Job    `cbor:"job"`
}

// Reserve asks the scheduler for room to write an unpacked child of the
// job in flight. The scheduler answers with a Grant.
type Reserve struct {
	Seq   uint64 `cbor:"seq"`
	Bytes int64  `cbor:"bytes"`
}

// Grant answers a Reserve. OK is false when the bytes would take the scan
// past max_bytes.
type Grant struct {
	Seq uint64 `cbor:"seq"`
	OK  bool   `cbor:"ok"`
}

// Reply is one item a worker writes: a Reserve while a job runs, then the
// job's Response. Exactly one field is set.
type Reply struct {
	Reserve  *Reserve  `cbor:"reserve,omitempty"`
	Response *Response `cbor:"response,omitempty"`
}

// Outcome of a job.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
	// OutcomeCrashed: the worker could not finish and must be replaced.
	OutcomeCrashed Outcome = "failed-by-crash"
	// OutcomeFatal: durable storage failed; the scan must abort.
	OutcomeFatal Outcome = "fatal"
)

// Timings of one job.
type Timings struct {
	Read  time.Duration `cbor:"read"`
	Carve time.Duration `cbor:"carve"`
	Total time.Duration `cbor:"total"`
}

// Response reports the result of a Request.
type Response struct {
	Seq     uint64  `cbor:"seq"`
	NodeID  string  `cbor:"node_id"`
	Outcome Outcome `cbor:"outcome"`
	Kind    string  `cbor:"kind,omitempty"`
	Error   string  `cbor:"error,omitempty"`
	// Closed lists the records closed while processing, in close order.
	Closed []string `cbor:"closed,omitempty"`
	// Jobs are the children to enqueue. Every parent they name is in Closed.
	Jobs []Job `cbor:"jobs,omitempty"`
	// Extracted is the size of the unpacked children written.
	Extracted int64                     `cbor:"extracted"`
	Truncated bool                      `cbor:"truncated,omitempty"`
	Labels    []string                  `cbor:"labels,omitempty"`
	Stats     map[string]stats.Counters `cbor:"stats,omitempty"`
	Timings   Timings                   `cbor:"timings"`
}
