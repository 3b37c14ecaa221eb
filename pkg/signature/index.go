// Package signature implements the multi-pattern matcher used to find
// candidate structures inside a buffer.
//
// An Index is an Aho–Corasick automaton with a fully expanded transition
// table, so scanning n bytes costs O(n + matches) regardless of how many
// patterns are registered. Scanning yields candidate start offsets (pattern
// position minus the pattern's offset inside its structure) in ascending
// order, ties broken by rank.
package signature

import (
	"errors"
	"fmt"
)

// Entry is one pattern registered in the index.
type Entry struct {
	// Pattern is the literal byte sequence. It must not be empty.
	Pattern []byte
	// PatternOffset is the distance between the structure start and the
	// pattern.
	PatternOffset int
	// AtStart only accepts candidates that start at offset 0.
	AtStart bool
	// MinLength is the minimum number of bytes needed from the candidate
	// start to the end of the buffer.
	MinLength int
	// Rank identifies the owning parser. Lower ranks sort first among
	// candidates that share an offset.
	Rank int
}

// Match is a candidate structure start.
type Match struct {
	Offset int64
	Rank   int
}

const alphabet = 256

// Index is an immutable, goroutine-safe Aho–Corasick automaton.
type Index struct {
	entries []Entry
	// delta is the complete transition table, alphabet entries per state.
	delta []int32
	// out lists the entries recognized when entering a state, including
	// those inherited through failure links.
	out [][]int32
	// maxSpan is the largest PatternOffset+len(Pattern) of any entry.
	maxSpan int
}

// Build compiles the entries into an index.
func Build(entries []Entry) (*Index, error) {
	ix := &Index{entries: make([]Entry, len(entries))}
	copy(ix.entries, entries)

	var errs []error
	for i, e := range ix.entries {
		if len(e.Pattern) == 0 {
			errs = append(errs, fmt.Errorf("entry %d (rank %d): empty pattern", i, e.Rank))
			continue
		}
		if e.PatternOffset < 0 {
			errs = append(errs, fmt.Errorf("entry %d (rank %d): negative pattern offset %d", i, e.Rank, e.PatternOffset))
			continue
		}
		span := e.PatternOffset + len(e.Pattern)
		if span > ix.maxSpan {
			ix.maxSpan = span
		}
		if ix.entries[i].MinLength < span {
			ix.entries[i].MinLength = span
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Trie construction. State 0 is the root.
	ix.delta = newStates(1)
	ix.out = [][]int32{nil}
	for i, e := range ix.entries {
		state := int32(0)
		for _, b := range e.Pattern {
			next := ix.delta[int(state)*alphabet+int(b)]
			if next < 0 {
				next = int32(len(ix.out))
				ix.delta = append(ix.delta, newStates(1)...)
				ix.out = append(ix.out, nil)
				ix.delta[int(state)*alphabet+int(b)] = next
			}
			state = next
		}
		ix.out[state] = append(ix.out[state], int32(i))
	}

	// Breadth-first failure links, folded directly into the transition
	// table so that scanning never follows a failure link.
	fail := make([]int32, len(ix.out))
	queue := make([]int32, 0, len(ix.out))
	for b := 0; b < alphabet; b++ {
		next := ix.delta[b]
		if next < 0 {
			ix.delta[b] = 0
			continue
		}
		fail[next] = 0
		queue = append(queue, next)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		ix.out[state] = append(ix.out[state], ix.out[fail[state]]...)
		for b := 0; b < alphabet; b++ {
			slot := int(state)*alphabet + b
			next := ix.delta[slot]
			target := ix.delta[int(fail[state])*alphabet+b]
			if next < 0 {
				ix.delta[slot] = target
				continue
			}
			fail[next] = target
			queue = append(queue, next)
		}
	}
	return ix, nil
}

func newStates(n int) []int32 {
	s := make([]int32, n*alphabet)
	for i := range s {
		s[i] = -1
	}
	return s
}

// Len returns the number of registered entries.
func (ix *Index) Len() int { return len(ix.entries) }

// MaxSpan returns the longest distance between a candidate start and the end
// of its pattern.
func (ix *Index) MaxSpan() int { return ix.maxSpan }

// Scan returns a single-use scanner over buf.
func (ix *Index) Scan(buf []byte) *Scanner {
	return &Scanner{ix: ix, buf: buf, last: Match{Offset: -1, Rank: -1}}
}

// Matches drains a scan of buf into a slice.
func (ix *Index) Matches(buf []byte) []Match {
	var all []Match
	for m := range ix.Scan(buf).All() {
		all = append(all, m)
	}
	return all
}
