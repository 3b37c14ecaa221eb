package signature

import (
	"container/heap"
	"iter"
)

// Scanner walks one buffer through an Index. It produces matches lazily and
// cannot be restarted; once Next reports false it stays exhausted.
//
// The automaton reports patterns by end position, but callers want candidates
// ordered by start. Pending candidates are held in a heap and released once
// the scan has advanced far enough that no later pattern can start earlier.
type Scanner struct {
	ix      *Index
	buf     []byte
	pos     int
	state   int32
	pending matchHeap
	last    Match
	done    bool
}

// Next returns the next candidate in (Offset, Rank) order.
func (s *Scanner) Next() (Match, bool) {
	for {
		if s.pending.Len() > 0 && (s.pos >= len(s.buf) || s.pending[0].Offset < s.horizon()) {
			m := heap.Pop(&s.pending).(Match)
			if m == s.last {
				// Several signatures of one parser at one offset.
				continue
			}
			s.last = m
			return m, true
		}
		if s.pos >= len(s.buf) {
			s.done = true
			return Match{}, false
		}
		s.step()
	}
}

// All returns an iterator that drains the scanner.
func (s *Scanner) All() iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for {
			m, ok := s.Next()
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// horizon is the smallest start offset any not yet discovered match can have.
func (s *Scanner) horizon() int64 {
	return int64(s.pos + 1 - s.ix.maxSpan)
}

// step feeds one byte to the automaton and queues the candidates it completes.
func (s *Scanner) step() {
	b := s.buf[s.pos]
	s.state = s.ix.delta[int(s.state)*alphabet+int(b)]
	end := s.pos + 1
	s.pos++
	for _, id := range s.ix.out[s.state] {
		e := &s.ix.entries[id]
		start := end - len(e.Pattern) - e.PatternOffset
		if start < 0 {
			continue
		}
		if e.AtStart && start != 0 {
			continue
		}
		if len(s.buf)-start < e.MinLength {
			continue
		}
		heap.Push(&s.pending, Match{Offset: int64(start), Rank: e.Rank})
	}
}

type matchHeap []Match

func (h matchHeap) Len() int { return len(h) }

func (h matchHeap) Less(i, j int) bool {
	if h[i].Offset != h[j].Offset {
		return h[i].Offset < h[j].Offset
	}
	return h[i].Rank < h[j].Rank
}

func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x any) { *h = append(*h, x.(Match)) }

func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
