// Package unpacktest provides configurable parsers for tests of code that
// drives unpack.Parser implementations.
package unpacktest

import (
	"context"
	"slices"
	"sync"

	"github.com/twinfer/bang/pkg/unpack"
)

// Parser is an unpack.Parser whose behaviour is supplied by Func.
type Parser struct {
	ID   string
	Sigs []unpack.Signature
	Prio int
	Func func(ctx context.Context, v unpack.View) (*unpack.Outcome, error)

	mu    sync.Mutex
	calls []int64
}

var _ unpack.Parser = (*Parser)(nil)

func (p *Parser) Name() string                   { return p.ID }
func (p *Parser) Signatures() []unpack.Signature { return p.Sigs }
func (p *Parser) Priority() int                  { return p.Prio }

// Parse records the view offset and calls Func. A nil Func rejects everything.
func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, v.Offset())
	p.mu.Unlock()
	if p.Func == nil {
		return nil, unpack.Failf("no parse func")
	}
	return p.Func(ctx, v)
}

// Calls returns the view offsets Parse was called with.
func (p *Parser) Calls() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Magic returns a single unanchored signature.
func Magic(pattern string) []unpack.Signature {
	return []unpack.Signature{{Pattern: []byte(pattern)}}
}

// Fixed returns a parse func that consumes n bytes and reports labels.
func Fixed(n int64, labels ...string) func(context.Context, unpack.View) (*unpack.Outcome, error) {
	return func(_ context.Context, v unpack.View) (*unpack.Outcome, error) {
		if int64(v.Len()) < n {
			return nil, unpack.Failf("need %d bytes, have %d", n, v.Len())
		}
		return &unpack.Outcome{Length: n, Labels: labels}, nil
	}
}

// Reject returns a parse func that never matches.
func Reject() func(context.Context, unpack.View) (*unpack.Outcome, error) {
	return func(context.Context, unpack.View) (*unpack.Outcome, error) {
		return nil, unpack.Failf("not this format")
	}
}

// Panic returns a parse func that panics with msg.
func Panic(msg string) func(context.Context, unpack.View) (*unpack.Outcome, error) {
	return func(context.Context, unpack.View) (*unpack.Outcome, error) {
		panic(msg)
	}
}

// Block returns a parse func that waits for ctx and then reports its error.
func Block() func(context.Context, unpack.View) (*unpack.Outcome, error) {
	return func(ctx context.Context, _ unpack.View) (*unpack.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}
