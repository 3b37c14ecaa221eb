package testutil

import (
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/twinfer/bang/internal/metadir"
)

// StableRecord ignores the fields of a record that legitimately differ
// between two scans of the same input: timings, file locations and the
// lifecycle state at the moment of loading.
var StableRecord = cmp.Options{
	cmpopts.IgnoreFields(metadir.Record{}, "Timings", "Source", "State"),
	cmpopts.EquateEmpty(),
}

// Shape is a compact, comparable view of one node.
type Shape struct {
	Depth    int
	Parser   string
	Labels   string
	Name     string
	Offset   int64
	Length   int64
	Children int
}

// Shapes summarizes records in order.
func Shapes(records []*metadir.Record) []Shape {
	out := make([]Shape, 0, len(records))
	for _, r := range records {
		out = append(out, Shape{
			Depth:    r.Depth,
			Parser:   r.Parser,
			Labels:   strings.Join(r.Labels, ","),
			Name:     r.Name,
			Offset:   r.Range.Offset,
			Length:   r.Range.Length,
			Children: len(r.Children),
		})
	}
	return out
}

// ByParser returns the records produced by parser.
func ByParser(records []*metadir.Record, parser string) []*metadir.Record {
	var out []*metadir.Record
	for _, r := range records {
		if r.Parser == parser {
			out = append(out, r)
		}
	}
	return out
}

// Labelled returns the records carrying label.
func Labelled(records []*metadir.Record, label string) []*metadir.Record {
	var out []*metadir.Record
	for _, r := range records {
		if slices.Contains(r.Labels, label) {
			out = append(out, r)
		}
	}
	return out
}
