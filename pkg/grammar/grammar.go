// Package grammar turns declarative format descriptions into recognizers.
//
// A grammar is a Kaitai Struct .ksy document restricted to a practical
// subset (sequences of fixed-width integers, strings, byte blocks and
// user types, with repeats, conditions, enums, validation and value
// instances) plus a meta.bang section telling the engine which magic to
// search for, how long the structure is and which parts to extract:
//
//	meta:
//	  id: uimage
//	  endian: be
//	  bang:
//	    labels: [uimage, firmware]
//	    priority: 30
//	    signatures:
//	      - magic: [0x27, 0x05, 0x19, 0x56]
//	        min-length: 64
//	    size: 64 + len_image
//	    extract:
//	      - offset: 64
//	        size: len_image
//	        name: name
//
// Expressions use the Kaitai syntax and are evaluated with CEL (see
// internal/expr). Every struct additionally exposes _offset, its absolute
// position in the parsed region, and _size, the number of bytes it spans.
package grammar

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/encoding"

	"github.com/twinfer/bang/internal/expr"
	"github.com/twinfer/bang/pkg/unpack"
)

// DefaultPriority is used when meta.bang.priority is absent.
const DefaultPriority = 50

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type fieldKind int

const (
	kindInt fieldKind = iota
	kindFloat
	kindBytes
	kindString
	kindUser
)

// Grammar is a compiled schema. It implements unpack.Parser and is safe
// for concurrent use.
type Grammar struct {
	schema   *Schema
	name     string
	priority int
	labels   []string
	sigs     []unpack.Signature

	pool     *expr.Pool
	root     *compiledType
	types    map[string]*compiledType
	size     *expr.Program
	extract  []compiledExtract
	metadata []string
}

var _ unpack.Parser = (*Grammar)(nil)

type compiledType struct {
	name      string
	fields    []*compiledField
	instances []compiledInstance
}

type compiledInstance struct {
	id    string
	value *expr.Program
}

type compiledField struct {
	id   string
	kind fieldKind

	width  int
	signed bool
	order  binary.ByteOrder

	user     *compiledType
	userName string

	size       *expr.Program
	sizeEOS    bool
	terminator int // -1 when absent
	contents   []byte
	enc        encoding.Encoding

	repeat      string
	repeatExpr  *expr.Program
	repeatUntil *expr.Program
	cond        *expr.Program

	enum  EnumDef
	proc  *process
	valid *compiledValid
}

type compiledValid struct {
	eq, min, max, expr *expr.Program
	anyOf              []*expr.Program
}

type compiledExtract struct {
	foreach, cond, offset, size, name *expr.Program
	labels                            []string
}

// Compile parses and checks a .ksy document.
func Compile(data []byte) (*Grammar, error) {
	s, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("decoding grammar: %w", err)
	}
	return CompileSchema(s)
}

// CompileSchema checks s and precompiles all of its expressions.
func CompileSchema(s *Schema) (*Grammar, error) {
	if s.Meta.ID == "" {
		return nil, errors.New("grammar has no meta.id")
	}
	if !identRe.MatchString(s.Meta.ID) {
		return nil, fmt.Errorf("grammar %s: meta.id must be a lower-case identifier", s.Meta.ID)
	}
	if s.Meta.Bang == nil {
		return nil, fmt.Errorf("grammar %s: missing meta.bang section", s.Meta.ID)
	}
	if len(s.Seq) == 0 {
		return nil, fmt.Errorf("grammar %s: empty seq", s.Meta.ID)
	}

	pool, err := expr.NewPool(enumResolver(s.Enums))
	if err != nil {
		return nil, err
	}
	g := &Grammar{
		schema:   s,
		name:     s.Meta.ID,
		priority: cmp.Or(s.Meta.Bang.Priority, DefaultPriority),
		labels:   slices.Clone(s.Meta.Bang.Labels),
		pool:     pool,
		types:    make(map[string]*compiledType, len(s.Types)),
		metadata: slices.Clone(s.Meta.Bang.Metadata),
	}
	if len(g.labels) == 0 {
		g.labels = []string{g.name}
	}

	c := &compiler{g: g, schema: s}
	if err := c.signatures(); err != nil {
		return nil, fmt.Errorf("grammar %s: %w", g.name, err)
	}

	// Types are declared first so fields can refer to them in any order.
	for name := range s.Types {
		g.types[name] = &compiledType{name: name}
	}
	for name, t := range s.Types {
		if t == nil {
			return nil, fmt.Errorf("grammar %s: type %s is empty", g.name, name)
		}
		if err := c.fillType(g.types[name], t.Seq, t.Instances); err != nil {
			return nil, fmt.Errorf("grammar %s: type %s: %w", g.name, name, err)
		}
	}
	g.root = &compiledType{name: g.name}
	if err := c.fillType(g.root, s.Seq, s.Instances); err != nil {
		return nil, fmt.Errorf("grammar %s: %w", g.name, err)
	}

	b := s.Meta.Bang
	if g.size, err = c.optional(b.Size); err != nil {
		return nil, fmt.Errorf("grammar %s: size: %w", g.name, err)
	}
	for i, x := range b.Extract {
		ce, err := c.extract(x)
		if err != nil {
			return nil, fmt.Errorf("grammar %s: extract[%d]: %w", g.name, i, err)
		}
		g.extract = append(g.extract, ce)
	}
	return g, nil
}

// Name implements unpack.Parser.
func (g *Grammar) Name() string { return g.name }

// Priority implements unpack.Parser.
func (g *Grammar) Priority() int { return g.priority }

// Signatures implements unpack.Parser.
func (g *Grammar) Signatures() []unpack.Signature { return slices.Clone(g.sigs) }

// Schema returns the decoded document.
func (g *Grammar) Schema() *Schema { return g.schema }

func enumResolver(enums map[string]EnumDef) expr.EnumResolver {
	return func(enum, name string) (int64, bool) {
		for v, n := range enums[enum] {
			if n == name {
				return v, true
			}
		}
		return 0, false
	}
}

type compiler struct {
	g      *Grammar
	schema *Schema
}

func (c *compiler) signatures() error {
	defs := c.schema.Meta.Bang.Signatures
	if len(defs) == 0 {
		return errors.New("meta.bang needs at least one signature")
	}
	for i, d := range defs {
		if len(d.Magic) == 0 {
			return fmt.Errorf("signature %d: empty magic", i)
		}
		anchor, ok := unpack.ParseAnchor(d.Anchor)
		if !ok {
			return fmt.Errorf("signature %d: unknown anchor %q", i, d.Anchor)
		}
		if d.Offset < 0 || d.MinLength < 0 {
			return fmt.Errorf("signature %d: negative offset or min-length", i)
		}
		c.g.sigs = append(c.g.sigs, unpack.Signature{
			Pattern:       []byte(d.Magic),
			Anchor:        anchor,
			PatternOffset: d.Offset,
			MinLength:     d.MinLength,
		})
	}
	return nil
}

func (c *compiler) optional(e Expr) (*expr.Program, error) {
	if strings.TrimSpace(string(e)) == "" {
		return nil, nil
	}
	return c.g.pool.Compile(string(e))
}

func (c *compiler) fillType(ct *compiledType, seq []Field, instances map[string]Instance) error {
	seen := map[string]bool{}
	for i := range seq {
		f := &seq[i]
		cf, err := c.field(f)
		if err != nil {
			if f.ID != "" {
				return fmt.Errorf("field %s: %w", f.ID, err)
			}
			return fmt.Errorf("field %d: %w", i, err)
		}
		if cf.id != "" {
			if seen[cf.id] {
				return fmt.Errorf("duplicate field %s", cf.id)
			}
			seen[cf.id] = true
		}
		ct.fields = append(ct.fields, cf)
	}

	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("instance %s shadows a field", name)
		}
		inst := instances[name]
		if strings.TrimSpace(string(inst.Value)) == "" {
			return fmt.Errorf("instance %s: only value instances are supported", name)
		}
		prog, err := c.g.pool.Compile(string(inst.Value))
		if err != nil {
			return fmt.Errorf("instance %s: %w", name, err)
		}
		ct.instances = append(ct.instances, compiledInstance{id: name, value: prog})
	}
	return nil
}

func (c *compiler) field(f *Field) (*compiledField, error) {
	if f.ID != "" && !identRe.MatchString(f.ID) {
		return nil, fmt.Errorf("invalid id %q", f.ID)
	}
	cf := &compiledField{id: f.ID, terminator: -1, repeat: f.Repeat}
	var err error

	switch {
	case len(f.Contents) > 0:
		if f.Type != "" {
			return nil, errors.New("contents cannot have a type")
		}
		cf.kind = kindBytes
		cf.contents = []byte(f.Contents)
	case f.Type == "" || f.Type == "str" || f.Type == "strz":
		cf.kind = kindBytes
		if f.Type != "" {
			cf.kind = kindString
			if cf.enc, err = lookupEncoding(cmp.Or(f.Encoding, c.schema.Meta.Encoding)); err != nil {
				return nil, err
			}
		}
		if f.Type == "strz" {
			cf.terminator = 0
		}
		if f.Terminator != nil {
			if *f.Terminator < 0 || *f.Terminator > 0xff {
				return nil, fmt.Errorf("terminator %d is not a byte", *f.Terminator)
			}
			cf.terminator = *f.Terminator
		}
	default:
		if ok, err := c.builtin(cf, f.Type); err != nil {
			return nil, err
		} else if !ok {
			user, found := c.g.types[f.Type]
			if !found {
				return nil, fmt.Errorf("unknown type %q", f.Type)
			}
			cf.kind = kindUser
			cf.user = user
			cf.userName = f.Type
		}
	}

	if cf.size, err = c.optional(f.Size); err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	cf.sizeEOS = f.SizeEOS
	if cf.size != nil && cf.sizeEOS {
		return nil, errors.New("size and size-eos are exclusive")
	}
	switch cf.kind {
	case kindBytes, kindString:
		if cf.contents == nil && cf.size == nil && !cf.sizeEOS && cf.terminator < 0 {
			return nil, errors.New("byte fields need size, size-eos or a terminator")
		}
	case kindInt, kindFloat:
		if cf.size != nil || cf.sizeEOS {
			return nil, fmt.Errorf("type %s has a fixed size", f.Type)
		}
	}

	switch f.Repeat {
	case "":
	case "eos":
	case "expr":
		if cf.repeatExpr, err = c.optional(f.RepeatExpr); err != nil || cf.repeatExpr == nil {
			return nil, fmt.Errorf("repeat-expr: %w", cmp.Or(err, errors.New("missing")))
		}
	case "until":
		if cf.repeatUntil, err = c.optional(f.RepeatUntil); err != nil || cf.repeatUntil == nil {
			return nil, fmt.Errorf("repeat-until: %w", cmp.Or(err, errors.New("missing")))
		}
	default:
		return nil, fmt.Errorf("unknown repeat %q", f.Repeat)
	}

	if cf.cond, err = c.optional(f.If); err != nil {
		return nil, fmt.Errorf("if: %w", err)
	}
	if f.Enum != "" {
		if cf.kind != kindInt {
			return nil, errors.New("enum needs an integer type")
		}
		def, ok := c.schema.Enums[f.Enum]
		if !ok {
			return nil, fmt.Errorf("unknown enum %q", f.Enum)
		}
		cf.enum = def
	}
	if f.Process != "" {
		if cf.kind != kindBytes && cf.kind != kindUser {
			return nil, errors.New("process needs a byte or user type field")
		}
		if cf.size == nil && !cf.sizeEOS && cf.terminator < 0 {
			return nil, errors.New("process needs a bounded field")
		}
		if cf.proc, err = parseProcess(f.Process); err != nil {
			return nil, err
		}
	}
	if f.Valid != nil {
		if cf.valid, err = c.valid(f.Valid); err != nil {
			return nil, fmt.Errorf("valid: %w", err)
		}
	}
	return cf, nil
}

// builtin recognizes u1, s2le, u4be, f8 and friends.
func (c *compiler) builtin(cf *compiledField, typ string) (bool, error) {
	if len(typ) < 2 || !strings.ContainsRune("usf", rune(typ[0])) {
		return false, nil
	}
	rest, suffix := typ[1:], ""
	if strings.HasSuffix(rest, "le") || strings.HasSuffix(rest, "be") {
		rest, suffix = rest[:len(rest)-2], rest[len(rest)-2:]
	}
	var width int
	switch rest {
	case "1":
		width = 1
	case "2":
		width = 2
	case "4":
		width = 4
	case "8":
		width = 8
	default:
		return false, nil
	}
	cf.width = width
	cf.kind = kindInt
	cf.signed = typ[0] == 's'
	if typ[0] == 'f' {
		if width != 4 && width != 8 {
			return false, nil
		}
		cf.kind = kindFloat
	}
	if width == 1 {
		if suffix != "" {
			return false, fmt.Errorf("type %s: single bytes have no byte order", typ)
		}
		return true, nil
	}
	switch cmp.Or(suffix, c.schema.Meta.Endian) {
	case "le":
		cf.order = binary.LittleEndian
	case "be":
		cf.order = binary.BigEndian
	default:
		return false, fmt.Errorf("type %s needs an endianness (meta.endian or a le/be suffix)", typ)
	}
	return true, nil
}

func (c *compiler) valid(v *Valid) (*compiledValid, error) {
	out := &compiledValid{}
	var err error
	for _, p := range []struct {
		dst **expr.Program
		src Expr
	}{{&out.eq, v.Eq}, {&out.min, v.Min}, {&out.max, v.Max}, {&out.expr, v.Expr}} {
		if *p.dst, err = c.optional(p.src); err != nil {
			return nil, err
		}
	}
	for _, a := range v.AnyOf {
		prog, err := c.g.pool.Compile(string(a))
		if err != nil {
			return nil, err
		}
		out.anyOf = append(out.anyOf, prog)
	}
	return out, nil
}

func (c *compiler) extract(x Extract) (compiledExtract, error) {
	var (
		ce  = compiledExtract{labels: slices.Clone(x.Labels)}
		err error
	)
	if ce.offset, err = c.optional(x.Offset); err != nil {
		return ce, fmt.Errorf("offset: %w", err)
	}
	if ce.size, err = c.optional(x.Size); err != nil {
		return ce, fmt.Errorf("size: %w", err)
	}
	if ce.offset == nil || ce.size == nil {
		return ce, errors.New("offset and size are required")
	}
	if ce.foreach, err = c.optional(x.Foreach); err != nil {
		return ce, fmt.Errorf("foreach: %w", err)
	}
	if ce.cond, err = c.optional(x.If); err != nil {
		return ce, fmt.Errorf("if: %w", err)
	}
	if ce.name, err = c.optional(x.Name); err != nil {
		return ce, fmt.Errorf("name: %w", err)
	}
	return ce, nil
}
