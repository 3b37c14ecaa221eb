// Package carve resolves signature matches in one buffer into a set of
// non-overlapping parsed regions.
//
// Candidates are visited in ascending offset order. A candidate inside an
// already consumed region is skipped, otherwise its parser is called on the
// rest of the buffer. Successful parses consume their bytes; failed ones are
// forgotten and the next candidate is tried. Whatever no parser claims is
// reported as unclassified gaps.
//
// This package is the only place that calls unpack.Parser.Parse, and the only
// place that recovers from a parser panic.
package carve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/twinfer/bang/pkg/unpack"
)

// ErrWedged is returned when a parser keeps running past its deadline plus
// the grace period. The goroutine running it is abandoned, so the caller
// should stop using the process (or at least the worker) after this.
var ErrWedged = errors.New("parser ignored its deadline")

// Region is a successfully parsed part of the buffer.
type Region struct {
	Parser  string
	Range   Range
	Outcome *unpack.Outcome
}

// Failure is a parse attempt that ended as a bug or a timeout. Plain parse
// errors are expected and not kept.
type Failure struct {
	Parser string
	Offset int64
	Kind   unpack.Kind
	Err    error
}

// Result is everything learned about one buffer.
type Result struct {
	Regions  []Region
	Gaps     []Range
	Failures []Failure
	// Attempts counts Parse calls.
	Attempts int
}

// Bugs returns the bug reports among the failures.
func (r *Result) Bugs() []*unpack.BugReport {
	var out []*unpack.BugReport
	for _, f := range r.Failures {
		var b *unpack.BugReport
		if errors.As(f.Err, &b) {
			out = append(out, b)
		}
	}
	return out
}

// Observer receives one call per parse attempt.
type Observer interface {
	Observe(parser string, d time.Duration, kind unpack.Kind)
}

// Carver runs the parsers of a registry over buffers. It is safe for
// concurrent use.
type Carver struct {
	reg      *unpack.Registry
	timeout  time.Duration
	grace    time.Duration
	logger   *slog.Logger
	observer Observer
}

type options struct {
	timeout  time.Duration
	grace    time.Duration
	logger   *slog.Logger
	observer Observer
}

// Option configures a Carver.
type Option func(*options)

// WithTimeout sets the deadline given to every Parse call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithGrace sets how long a parser may keep running after its deadline
// before it is considered wedged.
func WithGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver reports every parse attempt to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New returns a carver for the parsers of reg.
func New(reg *unpack.Registry, opts ...Option) *Carver {
	o := options{
		timeout: 30 * time.Second,
		grace:   5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Carver{
		reg:      reg,
		timeout:  o.timeout,
		grace:    o.grace,
		logger:   o.logger,
		observer: o.observer,
	}
}

// Carve scans buf. bufID names the buffer in bug reports and logs.
//
// The returned error is non-nil only when ctx is cancelled or a parser wedged
// (ErrWedged). Parser failures of any kind are part of the Result.
func (c *Carver) Carve(ctx context.Context, bufID string, buf []byte) (*Result, error) {
	var (
		consumed RangeSet
		res      = &Result{}
		size     = int64(len(buf))
	)

	for m := range c.reg.Index().Scan(buf).All() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if consumed.Contains(m.Offset) {
			continue
		}

		p := c.reg.ByRank(m.Rank)
		view := unpack.NewView(buf[m.Offset:], m.Offset)
		res.Attempts++

		start := time.Now()
		out, err := c.invoke(ctx, p, view)
		elapsed := time.Since(start)
		if errors.Is(err, ErrWedged) {
			c.observe(p.Name(), elapsed, unpack.KindTimeout)
			return nil, fmt.Errorf("%s at %s+%d: %w", p.Name(), bufID, m.Offset, err)
		}
		if err == nil {
			err = validate(out, view)
		}
		if err == nil {
			r := Range{Offset: m.Offset, Length: out.Length}
			if ierr := consumed.Insert(r); ierr != nil {
				err = ierr
			} else {
				c.observe(p.Name(), elapsed, unpack.KindNone)
				c.logger.DebugContext(ctx, "parsed region",
					"buffer", bufID, "parser", p.Name(), "offset", r.Offset, "length", r.Length,
					"children", len(out.Children))
				res.Regions = append(res.Regions, Region{Parser: p.Name(), Range: r, Outcome: out})
				continue
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := classify(err)
		c.observe(p.Name(), elapsed, kind)
		switch kind {
		case unpack.KindParseError:
			c.logger.DebugContext(ctx, "parse rejected",
				"buffer", bufID, "parser", p.Name(), "offset", m.Offset, "reason", err)
			continue
		case unpack.KindTimeout:
			err = fmt.Errorf("%s at %s+%d: %w", p.Name(), bufID, m.Offset, unpack.ErrTimeout)
		default:
			err = bugReport(p.Name(), bufID, m.Offset, err)
		}
		c.logger.WarnContext(ctx, "parser failure",
			"buffer", bufID, "parser", p.Name(), "offset", m.Offset, "kind", kind.String(), "error", err)
		res.Failures = append(res.Failures, Failure{Parser: p.Name(), Offset: m.Offset, Kind: kind, Err: err})
	}

	res.Gaps = consumed.Gaps(size)
	return res, nil
}

func (c *Carver) observe(parser string, d time.Duration, kind unpack.Kind) {
	if c.observer != nil {
		c.observer.Observe(parser, d, kind)
	}
}

// panicError carries a recovered panic out of the parser goroutine.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// timeoutError marks a result produced after the parse deadline.
type timeoutError struct{ err error }

func (e *timeoutError) Error() string { return "deadline exceeded: " + e.err.Error() }
func (e *timeoutError) Unwrap() error { return unpack.ErrTimeout }

type parseResult struct {
	out *unpack.Outcome
	err error
}

// invoke calls p.Parse on its own goroutine so that a parser ignoring its
// context can be abandoned.
func (c *Carver) invoke(ctx context.Context, p unpack.Parser, view unpack.View) (*unpack.Outcome, error) {
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	done := make(chan parseResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- parseResult{err: &panicError{value: v, stack: debug.Stack()}}
			}
		}()
		out, err := p.Parse(pctx, view)
		done <- parseResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if pctx.Err() != nil && r.err == nil {
			// Finished, but only after the deadline.
			return nil, &timeoutError{err: pctx.Err()}
		}
		return r.out, r.err
	case <-pctx.Done():
	}

	grace := time.NewTimer(c.grace)
	defer grace.Stop()
	select {
	case r := <-done:
		if r.err == nil {
			return nil, &timeoutError{err: pctx.Err()}
		}
		return r.out, r.err
	case <-grace.C:
		return nil, ErrWedged
	}
}

// classify reduces whatever came out of Parse to the three outcomes a parser
// can have: mismatch, timeout or bug.
func classify(err error) unpack.Kind {
	var pe *unpack.ParseError
	var pan *panicError
	switch {
	case errors.As(err, &pan):
		return unpack.KindParserBug
	case errors.Is(err, unpack.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return unpack.KindTimeout
	case errors.Is(err, unpack.ErrParserBug), errors.Is(err, ErrOverlap):
		return unpack.KindParserBug
	case errors.As(err, &pe):
		return unpack.KindParseError
	default:
		return unpack.KindParserBug
	}
}

func bugReport(parser, bufID string, off int64, err error) *unpack.BugReport {
	b := &unpack.BugReport{Parser: parser, Buffer: bufID, Offset: off, Reason: err.Error()}
	var pan *panicError
	if errors.As(err, &pan) {
		b.Stack = string(pan.stack)
	}
	return b
}

// validate checks an outcome against the protocol.
func validate(out *unpack.Outcome, view unpack.View) error {
	if out == nil {
		return fmt.Errorf("%w: nil outcome without error", unpack.ErrParserBug)
	}
	if out.Length <= 0 || out.Length > int64(view.Len()) {
		return fmt.Errorf("%w: consumed length %d outside (0, %d]", unpack.ErrParserBug, out.Length, view.Len())
	}
	var children RangeSet
	for i, ch := range out.Children {
		if ch.Offset < 0 || ch.Length < 0 || ch.Offset+ch.Length > out.Length {
			return fmt.Errorf("%w: child %d extent [%d,+%d) outside parsed length %d",
				unpack.ErrParserBug, i, ch.Offset, ch.Length, out.Length)
		}
		if ch.Data == nil && ch.Length == 0 {
			return fmt.Errorf("%w: child %d is empty", unpack.ErrParserBug, i)
		}
		if ch.Length == 0 {
			continue
		}
		if err := children.Insert(Range{Offset: ch.Offset, Length: ch.Length}); err != nil {
			return fmt.Errorf("%w: child %d: %v", unpack.ErrParserBug, i, err)
		}
	}
	return nil
}
