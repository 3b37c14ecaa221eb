package carve

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOverlap is returned when inserting a range that intersects the set.
var ErrOverlap = errors.New("range overlaps a consumed range")

// Range is the half-open interval [Offset, Offset+Length).
type Range struct {
	Offset int64 `json:"offset" cbor:"offset"`
	Length int64 `json:"length" cbor:"length"`
}

// End returns the first offset past the range.
func (r Range) End() int64 { return r.Offset + r.Length }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Offset, r.End()) }

// RangeSet is a sorted set of non-overlapping, non-empty ranges.
type RangeSet struct {
	ranges []Range
}

// search returns the index of the first range ending after off.
func (s *RangeSet) search(off int64) int {
	return sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End() > off })
}

// Contains reports whether off lies inside a range of the set.
func (s *RangeSet) Contains(off int64) bool {
	i := s.search(off)
	return i < len(s.ranges) && s.ranges[i].Offset <= off
}

// Insert adds r. Empty ranges and ranges intersecting the set are refused.
func (s *RangeSet) Insert(r Range) error {
	if r.Length <= 0 || r.Offset < 0 {
		return fmt.Errorf("invalid range %s", r)
	}
	i := s.search(r.Offset)
	if i < len(s.ranges) && s.ranges[i].Offset < r.End() {
		return fmt.Errorf("%w: %s intersects %s", ErrOverlap, r, s.ranges[i])
	}
	s.ranges = append(s.ranges, Range{})
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = r
	return nil
}

// Ranges returns the ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Covered returns the total number of bytes in the set.
func (s *RangeSet) Covered() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.Length
	}
	return n
}

// Gaps returns the parts of [0, size) not covered by the set.
func (s *RangeSet) Gaps(size int64) []Range {
	var gaps []Range
	var pos int64
	for _, r := range s.ranges {
		if r.Offset >= size {
			break
		}
		if r.Offset > pos {
			gaps = append(gaps, Range{Offset: pos, Length: r.Offset - pos})
		}
		pos = r.End()
	}
	if pos < size {
		gaps = append(gaps, Range{Offset: pos, Length: size - pos})
	}
	return gaps
}
