package unpack

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/twinfer/bang/pkg/signature"
)

// Registry is the immutable table of parsers a scan uses. Parsers are kept in
// priority order: ascending Priority, ties broken by Name. A parser's position
// in that order is its rank, which is what the signature index reports.
type Registry struct {
	parsers []Parser
	byName  map[string]int
	index   *signature.Index
}

// NewRegistry validates the parsers and builds the signature index over all
// of their signatures. The order of the arguments does not matter.
func NewRegistry(parsers ...Parser) (*Registry, error) {
	r := &Registry{
		parsers: slices.Clone(parsers),
		byName:  make(map[string]int, len(parsers)),
	}

	var errs []error
	for _, p := range r.parsers {
		if p == nil {
			errs = append(errs, errors.New("nil parser"))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	slices.SortStableFunc(r.parsers, func(a, b Parser) int {
		return cmp.Or(cmp.Compare(a.Priority(), b.Priority()), cmp.Compare(a.Name(), b.Name()))
	})

	var entries []signature.Entry
	for rank, p := range r.parsers {
		name := p.Name()
		if name == "" {
			errs = append(errs, fmt.Errorf("parser at rank %d has no name", rank))
			continue
		}
		if _, dup := r.byName[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate parser name %q", name))
			continue
		}
		r.byName[name] = rank

		sigs := p.Signatures()
		if len(sigs) == 0 {
			errs = append(errs, fmt.Errorf("parser %q has no signatures", name))
			continue
		}
		for i, s := range sigs {
			if len(s.Pattern) == 0 {
				errs = append(errs, fmt.Errorf("parser %q signature %d: empty pattern", name, i))
				continue
			}
			if s.PatternOffset < 0 {
				errs = append(errs, fmt.Errorf("parser %q signature %d: negative pattern offset", name, i))
				continue
			}
			entries = append(entries, signature.Entry{
				Pattern:       slices.Clone(s.Pattern),
				PatternOffset: s.PatternOffset,
				AtStart:       s.Anchor == AnchorStart,
				MinLength:     max(s.MinLength, s.span()),
				Rank:          rank,
			})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	ix, err := signature.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("building signature index: %w", err)
	}
	r.index = ix
	return r, nil
}

// Index returns the signature index. Match ranks are indices into ByRank.
func (r *Registry) Index() *signature.Index { return r.index }

// ByRank returns the parser at the given rank.
func (r *Registry) ByRank(rank int) Parser { return r.parsers[rank] }

// Lookup finds a parser by name.
func (r *Registry) Lookup(name string) (Parser, bool) {
	rank, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.parsers[rank], true
}

// Parsers returns all parsers in priority order.
func (r *Registry) Parsers() []Parser { return slices.Clone(r.parsers) }

// Len returns the number of registered parsers.
func (r *Registry) Len() int { return len(r.parsers) }
