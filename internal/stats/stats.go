// Package stats accumulates per-parser counters over a scan.
package stats

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/twinfer/bang/internal/fsutil"
	"github.com/twinfer/bang/pkg/unpack"
)

// Counters describes every Parse call made to one parser.
type Counters struct {
	Tries     int64         `json:"tries" cbor:"tries"`
	Successes int64         `json:"successes" cbor:"successes"`
	Failures  int64         `json:"failures" cbor:"failures"`
	Bugs      int64         `json:"bugs" cbor:"bugs"`
	Timeouts  int64         `json:"timeouts" cbor:"timeouts"`
	Duration  time.Duration `json:"duration_ns" cbor:"duration_ns"`
}

func (c *Counters) add(o Counters) {
	c.Tries += o.Tries
	c.Successes += o.Successes
	c.Failures += o.Failures
	c.Bugs += o.Bugs
	c.Timeouts += o.Timeouts
	c.Duration += o.Duration
}

// Table is a goroutine-safe set of counters keyed by parser name.
type Table struct {
	mu sync.Mutex
	m  map[string]*Counters
}

// New returns an empty table.
func New() *Table {
	return &Table{m: make(map[string]*Counters)}
}

// Observe records one parse attempt and its outcome.
func (t *Table) Observe(parser string, d time.Duration, kind unpack.Kind) {
	c := Counters{Tries: 1, Duration: d}
	switch kind {
	case unpack.KindNone:
		c.Successes = 1
	case unpack.KindParseError:
		c.Failures = 1
	case unpack.KindTimeout:
		c.Timeouts = 1
	default:
		c.Bugs = 1
	}
	t.Merge(map[string]Counters{parser: c})
}

// Merge adds counters gathered elsewhere, typically by a worker process.
func (t *Table) Merge(other map[string]Counters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, o := range other {
		c, ok := t.m[name]
		if !ok {
			c = &Counters{}
			t.m[name] = c
		}
		c.add(o)
	}
}

// Snapshot copies the current counters.
func (t *Table) Snapshot() map[string]Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Counters, len(t.m))
	for name, c := range t.m {
		out[name] = *c
	}
	return out
}

// Drain returns the current counters and resets the table.
func (t *Table) Drain() map[string]Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Counters, len(t.m))
	for name, c := range t.m {
		out[name] = *c
	}
	clear(t.m)
	return out
}

// Names returns the parser names with at least one attempt, sorted.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.m))
}

// WriteFile persists the counters as JSON.
func (t *Table) WriteFile(path string) error {
	return fsutil.WriteJSON(path, t.Snapshot())
}
