package grammar

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"github.com/twinfer/bang/internal/expr"
	"github.com/twinfer/bang/pkg/unpack"
)

const (
	// maxRepeat bounds the number of items of a repeated field.
	maxRepeat = 1 << 20
	// maxNesting bounds user type recursion.
	maxNesting = 64
	// maxHexMetadata is the largest byte field reported as metadata.
	maxHexMetadata = 32
)

// stream is the current IO. Integers are read through the kaitai stream;
// byte blocks are sliced from buf without copying.
type stream struct {
	*kaitai.Stream
	buf []byte
	// base is the absolute offset of buf in the parsed view, or -1 for
	// buffers produced by a process.
	base int64
}

func newStream(buf []byte, base int64) *stream {
	return &stream{Stream: kaitai.NewStream(bytes.NewReader(buf)), buf: buf, base: base}
}

func (s *stream) pos() int64 {
	p, _ := s.Pos()
	return p
}

func (s *stream) remaining() int64 { return int64(len(s.buf)) - s.pos() }

// take returns the next n bytes and advances past them.
func (s *stream) take(n int64) ([]byte, error) {
	p := s.pos()
	if n < 0 {
		return nil, fmt.Errorf("negative size %d", n)
	}
	if n > int64(len(s.buf))-p {
		return nil, fmt.Errorf("need %d bytes at %d, have %d: %w", n, p, int64(len(s.buf))-p, io.ErrUnexpectedEOF)
	}
	if _, err := s.Seek(p+n, io.SeekStart); err != nil {
		return nil, err
	}
	return s.buf[p : p+n], nil
}

func (s *stream) info() map[string]any {
	p := s.pos()
	return map[string]any{"size": int64(len(s.buf)), "pos": p, "eof": p >= int64(len(s.buf))}
}

func (s *stream) readInt(f *compiledField) (int64, error) {
	le := f.order == binary.LittleEndian
	switch {
	case f.width == 1 && f.signed:
		v, err := s.ReadS1()
		return int64(v), err
	case f.width == 1:
		v, err := s.ReadU1()
		return int64(v), err
	case f.width == 2 && f.signed && le:
		v, err := s.ReadS2le()
		return int64(v), err
	case f.width == 2 && f.signed:
		v, err := s.ReadS2be()
		return int64(v), err
	case f.width == 2 && le:
		v, err := s.ReadU2le()
		return int64(v), err
	case f.width == 2:
		v, err := s.ReadU2be()
		return int64(v), err
	case f.width == 4 && f.signed && le:
		v, err := s.ReadS4le()
		return int64(v), err
	case f.width == 4 && f.signed:
		v, err := s.ReadS4be()
		return int64(v), err
	case f.width == 4 && le:
		v, err := s.ReadU4le()
		return int64(v), err
	case f.width == 4:
		v, err := s.ReadU4be()
		return int64(v), err
	case f.width == 8 && f.signed && le:
		return s.ReadS8le()
	case f.width == 8 && f.signed:
		return s.ReadS8be()
	case f.width == 8 && le:
		// Values past MaxInt64 wrap; expressions only ever see int64.
		v, err := s.ReadU8le()
		return int64(v), err
	default:
		v, err := s.ReadU8be()
		return int64(v), err
	}
}

func (s *stream) readFloat(f *compiledField) (float64, error) {
	le := f.order == binary.LittleEndian
	switch {
	case f.width == 4 && le:
		v, err := s.ReadF4le()
		return float64(v), err
	case f.width == 4:
		v, err := s.ReadF4be()
		return float64(v), err
	case le:
		return s.ReadF8le()
	default:
		return s.ReadF8be()
	}
}

// ParseContext is one struct being parsed.
type ParseContext struct {
	fields map[string]any
	parent *ParseContext
	root   *ParseContext
	io     *stream
}

// vars builds the expression scope: the struct's own fields, _root,
// _parent, _io and any extra bindings.
func (pc *ParseContext) vars(extra map[string]any) map[string]any {
	v := make(map[string]any, len(pc.fields)+len(extra)+3)
	maps.Copy(v, pc.fields)
	v["_root"] = pc.root.fields
	if pc.parent != nil {
		v["_parent"] = pc.parent.fields
	}
	v["_io"] = pc.io.info()
	maps.Copy(v, extra)
	return v
}

type interpreter struct {
	ctx context.Context
	g   *Grammar
}

// Parse implements unpack.Parser.
func (g *Grammar) Parse(ctx context.Context, view unpack.View) (*unpack.Outcome, error) {
	in := &interpreter{ctx: ctx, g: g}
	pc := &ParseContext{fields: map[string]any{}, io: newStream(view.Bytes(), 0)}
	pc.root = pc
	if err := in.parseType(g.root, pc, 0); err != nil {
		return nil, err
	}

	length := pc.io.pos()
	if g.size != nil {
		n, err := g.size.EvalInt(pc.vars(nil))
		if err != nil {
			return nil, unpack.Fail(err, "size")
		}
		length = n
	}
	if length <= 0 || length > int64(view.Len()) {
		return nil, unpack.Failf("length %d outside the %d available bytes", length, view.Len())
	}

	children, err := in.children(pc, length)
	if err != nil {
		return nil, err
	}
	return &unpack.Outcome{
		Length:   length,
		Children: children,
		Labels:   slices.Clone(g.labels),
		Metadata: g.metadataOf(pc),
	}, nil
}

func (in *interpreter) fail(f *compiledField, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	name := f.id
	if name == "" {
		name = "<anonymous>"
	}
	return unpack.Fail(err, name)
}

func (in *interpreter) parseType(ct *compiledType, pc *ParseContext, depth int) error {
	if depth > maxNesting {
		return unpack.Failf("types nested deeper than %d", maxNesting)
	}
	start := pc.io.pos()
	if pc.io.base >= 0 {
		pc.fields["_offset"] = pc.io.base + start
	}
	for _, f := range ct.fields {
		if err := in.ctx.Err(); err != nil {
			return err
		}
		if err := in.parseField(f, pc, depth); err != nil {
			return err
		}
	}
	pc.fields["_size"] = pc.io.pos() - start
	return in.instances(ct, pc)
}

// instances evaluates value instances until none is left, so they may
// refer to each other in any order.
func (in *interpreter) instances(ct *compiledType, pc *ParseContext) error {
	pending := ct.instances
	for len(pending) > 0 {
		var (
			next    []compiledInstance
			lastErr error
		)
		for _, inst := range pending {
			v, err := inst.value.Eval(pc.vars(nil))
			if err != nil {
				next = append(next, inst)
				lastErr = err
				continue
			}
			pc.fields[inst.id] = normalize(v)
		}
		if len(next) == len(pending) {
			return unpack.Fail(lastErr, "instance "+next[0].id)
		}
		pending = next
	}
	return nil
}

func (in *interpreter) parseField(f *compiledField, pc *ParseContext, depth int) error {
	if f.cond != nil {
		ok, err := f.cond.EvalBool(pc.vars(nil))
		if err != nil {
			return in.fail(f, err)
		}
		if !ok {
			return nil
		}
	}
	if f.repeat == "" {
		v, err := in.parseValue(f, pc, depth, -1)
		if err != nil {
			return err
		}
		if f.id != "" {
			pc.fields[f.id] = v
		}
		return nil
	}

	var count int64 = -1
	if f.repeatExpr != nil {
		n, err := f.repeatExpr.EvalInt(pc.vars(nil))
		if err != nil {
			return in.fail(f, err)
		}
		if n < 0 || n > maxRepeat {
			return in.fail(f, fmt.Errorf("repeat count %d out of range", n))
		}
		count = n
	}
	items := []any{}
	for i := int64(0); ; i++ {
		if i >= maxRepeat {
			return in.fail(f, fmt.Errorf("more than %d items", maxRepeat))
		}
		if i%256 == 0 {
			if err := in.ctx.Err(); err != nil {
				return err
			}
		}
		if count >= 0 && i >= count {
			break
		}
		before := pc.io.pos()
		if f.repeat == "eos" && pc.io.remaining() <= 0 {
			break
		}
		v, err := in.parseValue(f, pc, depth, i)
		if err != nil {
			return err
		}
		items = append(items, v)
		if f.repeat == "eos" && pc.io.pos() == before {
			return in.fail(f, errors.New("repeated item consumed no bytes"))
		}
		if f.repeatUntil != nil {
			done, err := f.repeatUntil.EvalBool(pc.vars(map[string]any{"_": v, "_index": i}))
			if err != nil {
				return in.fail(f, err)
			}
			if done {
				break
			}
		}
	}
	if f.id != "" {
		pc.fields[f.id] = items
	}
	return nil
}

func (in *interpreter) parseValue(f *compiledField, pc *ParseContext, depth int, index int64) (any, error) {
	var extra map[string]any
	if index >= 0 {
		extra = map[string]any{"_index": index}
	}

	var v any
	switch f.kind {
	case kindInt:
		n, err := pc.io.readInt(f)
		if err != nil {
			return nil, in.fail(f, err)
		}
		v = n
	case kindFloat:
		x, err := pc.io.readFloat(f)
		if err != nil {
			return nil, in.fail(f, err)
		}
		v = x
	default:
		var err error
		if v, err = in.parseBlock(f, pc, depth, extra); err != nil {
			return nil, err
		}
	}
	if f.valid != nil {
		if err := in.validate(f, pc, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// parseBlock reads byte, string and user type fields.
func (in *interpreter) parseBlock(f *compiledField, pc *ParseContext, depth int, extra map[string]any) (any, error) {
	start := pc.io.pos()
	sub := pc.io
	var raw []byte
	bounded := true

	switch {
	case f.contents != nil:
		b, err := pc.io.take(int64(len(f.contents)))
		if err != nil {
			return nil, in.fail(f, err)
		}
		if !bytes.Equal(b, f.contents) {
			return nil, unpack.Failf("%s: expected % x, found % x", f.id, f.contents, b)
		}
		return b, nil
	case f.size != nil:
		n, err := f.size.EvalInt(pc.vars(extra))
		if err != nil {
			return nil, in.fail(f, err)
		}
		if raw, err = pc.io.take(n); err != nil {
			return nil, in.fail(f, err)
		}
	case f.sizeEOS:
		raw, _ = pc.io.take(pc.io.remaining())
	case f.terminator >= 0:
		rest := pc.io.buf[start:]
		i := bytes.IndexByte(rest, byte(f.terminator))
		if i < 0 {
			return nil, in.fail(f, fmt.Errorf("terminator 0x%02x not found", f.terminator))
		}
		raw, _ = pc.io.take(int64(i))
		if _, err := pc.io.take(1); err != nil {
			return nil, in.fail(f, err)
		}
	default:
		bounded = false
	}

	if bounded && (f.size != nil || f.sizeEOS) && f.terminator >= 0 {
		if i := bytes.IndexByte(raw, byte(f.terminator)); i >= 0 {
			raw = raw[:i]
		}
	}

	base := int64(-1)
	if pc.io.base >= 0 {
		base = pc.io.base + start
	}
	if f.proc != nil {
		out, err := f.proc.apply(raw)
		if err != nil {
			return nil, in.fail(f, err)
		}
		raw, base = out, -1
	}

	switch f.kind {
	case kindBytes:
		return raw, nil
	case kindString:
		s, err := decodeString(raw, f.enc)
		if err != nil {
			return nil, in.fail(f, err)
		}
		return s, nil
	}

	if bounded {
		sub = newStream(raw, base)
	}
	child := &ParseContext{fields: map[string]any{}, parent: pc, root: pc.root, io: sub}
	if err := in.parseType(f.user, child, depth+1); err != nil {
		if f.id != "" {
			return nil, in.fail(f, err)
		}
		return nil, err
	}
	return child.fields, nil
}

func (in *interpreter) validate(f *compiledField, pc *ParseContext, v any) error {
	vars := pc.vars(map[string]any{"_": v})
	eval := func(p *expr.Program) (any, error) {
		w, err := p.Eval(vars)
		if err != nil {
			return nil, in.fail(f, err)
		}
		return w, nil
	}
	cv := f.valid
	if cv.eq != nil {
		want, err := eval(cv.eq)
		if err != nil {
			return err
		}
		if !sameValue(v, want) {
			return unpack.Failf("%s: %v, expected %v", f.id, v, want)
		}
	}
	if cv.min != nil {
		lo, err := eval(cv.min)
		if err != nil {
			return err
		}
		if c, ok := compareNum(v, lo); !ok || c < 0 {
			return unpack.Failf("%s: %v is below %v", f.id, v, lo)
		}
	}
	if cv.max != nil {
		hi, err := eval(cv.max)
		if err != nil {
			return err
		}
		if c, ok := compareNum(v, hi); !ok || c > 0 {
			return unpack.Failf("%s: %v is above %v", f.id, v, hi)
		}
	}
	if len(cv.anyOf) > 0 {
		found := false
		for _, p := range cv.anyOf {
			w, err := eval(p)
			if err != nil {
				return err
			}
			if sameValue(v, w) {
				found = true
				break
			}
		}
		if !found {
			return unpack.Failf("%s: %v is not one of the allowed values", f.id, v)
		}
	}
	if cv.expr != nil {
		ok, err := cv.expr.EvalBool(vars)
		if err != nil {
			return in.fail(f, err)
		}
		if !ok {
			return unpack.Failf("%s: %v fails %s", f.id, v, cv.expr.Source)
		}
	}
	return nil
}

func (in *interpreter) children(pc *ParseContext, length int64) ([]unpack.ChildExtent, error) {
	var out []unpack.ChildExtent
	for i, x := range in.g.extract {
		items, each := []any{nil}, false
		if x.foreach != nil {
			v, err := x.foreach.Eval(pc.vars(nil))
			if err != nil {
				return nil, unpack.Fail(err, fmt.Sprintf("extract %d", i))
			}
			list, ok := v.([]any)
			if !ok {
				return nil, unpack.Failf("extract %d: foreach gave %T, want a list", i, v)
			}
			items, each = list, true
		}
		for j, item := range items {
			var extra map[string]any
			if each {
				extra = map[string]any{"_": item, "_index": int64(j)}
			}
			vars := pc.vars(extra)
			if x.cond != nil {
				ok, err := x.cond.EvalBool(vars)
				if err != nil {
					return nil, unpack.Fail(err, fmt.Sprintf("extract %d", i))
				}
				if !ok {
					continue
				}
			}
			off, err := x.offset.EvalInt(vars)
			if err != nil {
				return nil, unpack.Fail(err, fmt.Sprintf("extract %d offset", i))
			}
			size, err := x.size.EvalInt(vars)
			if err != nil {
				return nil, unpack.Fail(err, fmt.Sprintf("extract %d size", i))
			}
			if off < 0 || size < 0 || off > length || size > length-off {
				return nil, unpack.Failf("extract %d: [%d, +%d) outside the %d byte structure", i, off, size, length)
			}
			if size == 0 {
				continue
			}
			c := unpack.ChildExtent{Offset: off, Length: size, Labels: slices.Clone(x.labels)}
			if x.name != nil {
				if v, err := x.name.Eval(vars); err == nil {
					if s, ok := v.(string); ok {
						c.NameHint = strings.TrimRight(s, "\x00")
					}
				}
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// metadataOf reports the root's scalar fields. Byte fields are reported in
// hex when short; enums by name when the value is known.
func (g *Grammar) metadataOf(pc *ParseContext) map[string]any {
	enums := map[string]EnumDef{}
	var order []string
	for _, f := range g.root.fields {
		if f.id == "" || f.contents != nil {
			continue
		}
		order = append(order, f.id)
		if f.enum != nil {
			enums[f.id] = f.enum
		}
	}
	for _, inst := range g.root.instances {
		order = append(order, inst.id)
	}
	if len(g.metadata) > 0 {
		order = g.metadata
	}

	out := map[string]any{}
	for _, name := range order {
		v, ok := pc.fields[name]
		if !ok || strings.HasPrefix(name, "_") {
			continue
		}
		switch x := v.(type) {
		case int64:
			if def, ok := enums[name]; ok {
				if n, known := def[x]; known {
					out[name] = n
					continue
				}
			}
			out[name] = x
		case float64, bool, string:
			out[name] = x
		case []byte:
			if len(x) <= maxHexMetadata {
				out[name] = hex.EncodeToString(x)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalize keeps integers as int64 so later expressions never mix int
// and uint operands.
func normalize(v any) any {
	switch x := v.(type) {
	case uint64:
		return int64(x)
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	}
	return v
}

func sameValue(a, b any) bool {
	if ai, ok := expr.AsInt(a); ok {
		bi, ok := expr.AsInt(b)
		return ok && ai == bi
	}
	if ab, ok := a.([]byte); ok {
		switch bb := b.(type) {
		case []byte:
			return bytes.Equal(ab, bb)
		case string:
			return string(ab) == bb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareNum(a, b any) (int, bool) {
	if ai, ok := expr.AsInt(a); ok {
		if bi, ok := expr.AsInt(b); ok {
			switch {
			case ai < bi:
				return -1, true
			case ai > bi:
				return 1, true
			}
			return 0, true
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
