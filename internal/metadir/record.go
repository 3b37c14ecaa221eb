package metadir

import (
	"time"

	"github.com/twinfer/bang/internal/bytesource"
	"github.com/twinfer/bang/internal/carve"
	"github.com/twinfer/bang/pkg/unpack"
)

// State is the lifecycle stage of a MetaDirectory.
type State string

const (
	// StateCreated: the directory exists, nothing is written yet.
	StateCreated State = "created"
	// StateOpen: the owning worker is filling in the record.
	StateOpen State = "open"
	// StateClosed: the record is durable and immutable.
	StateClosed State = "closed"
	// StateConsumed: the node's children have been handed to the scheduler.
	StateConsumed State = "consumed"
)

// Status summarizes how processing of a node ended.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Failure explains a failed node.
type Failure struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Timings of the job that produced the record.
type Timings struct {
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Read     time.Duration `json:"read_ns"`
	Carve    time.Duration `json:"carve_ns"`
}

// Record is the content of a MetaDirectory.
type Record struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	State    State  `json:"state"`
	Depth    int    `json:"depth"`
	Name     string `json:"name,omitempty"`

	// Parser is the parser that described the node as a whole, if any.
	Parser string   `json:"parser,omitempty"`
	Labels []string `json:"labels"`

	// Range is the node's extent inside the parent's bytes.
	Range  carve.Range       `json:"range"`
	Size   int64             `json:"size"`
	Hashes Hashes            `json:"hashes"`
	Source bytesource.Source `json:"source"`

	Children     []string      `json:"children,omitempty"`
	Unclassified []carve.Range `json:"unclassified,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`

	Status   Status             `json:"status"`
	Failure  *Failure           `json:"failure,omitempty"`
	Bugs     []unpack.BugReport `json:"bugs,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
	Timings  Timings            `json:"timings"`
}
