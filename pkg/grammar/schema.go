package grammar

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Schema is the supported subset of a Kaitai Struct .ksy document, plus the
// meta.bang section that turns it into a recognizer.
type Schema struct {
	Meta      Meta                `yaml:"meta"`
	Doc       string              `yaml:"doc"`
	Seq       []Field             `yaml:"seq"`
	Types     map[string]*Type    `yaml:"types"`
	Instances map[string]Instance `yaml:"instances"`
	Enums     map[string]EnumDef  `yaml:"enums"`
}

// Meta is the meta section.
type Meta struct {
	ID       string      `yaml:"id"`
	Title    string      `yaml:"title"`
	FileExt  []string    `yaml:"file-ext"`
	License  string      `yaml:"license"`
	Endian   string      `yaml:"endian"`
	Encoding string      `yaml:"encoding"`
	Bang     *Recognizer `yaml:"bang"`
}

// Recognizer describes how the engine should use the grammar.
type Recognizer struct {
	Labels     []string       `yaml:"labels"`
	Priority   int            `yaml:"priority"`
	Signatures []SignatureDef `yaml:"signatures"`
	// Size is the length of the structure. When empty, the structure ends
	// where the root sequence ends.
	Size    Expr      `yaml:"size"`
	Extract []Extract `yaml:"extract"`
	// Metadata lists root fields copied into the node record. Empty means
	// every scalar field.
	Metadata []string `yaml:"metadata"`
}

// SignatureDef is a magic pattern.
type SignatureDef struct {
	Magic     Bytes  `yaml:"magic"`
	Offset    int    `yaml:"offset"`
	Anchor    string `yaml:"anchor"`
	MinLength int    `yaml:"min-length"`
}

// Extract turns parts of the parsed structure into child extents.
type Extract struct {
	// Foreach evaluates to a list; the other expressions see each element
	// as _ and its position as _index.
	Foreach Expr     `yaml:"foreach"`
	If      Expr     `yaml:"if"`
	Offset  Expr     `yaml:"offset"`
	Size    Expr     `yaml:"size"`
	Name    Expr     `yaml:"name"`
	Labels  []string `yaml:"labels"`
}

// Field is one entry of a seq.
type Field struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Size        Expr   `yaml:"size"`
	SizeEOS     bool   `yaml:"size-eos"`
	Contents    Bytes  `yaml:"contents"`
	Encoding    string `yaml:"encoding"`
	Terminator  *int   `yaml:"terminator"`
	Repeat      string `yaml:"repeat"`
	RepeatExpr  Expr   `yaml:"repeat-expr"`
	RepeatUntil Expr   `yaml:"repeat-until"`
	If          Expr   `yaml:"if"`
	Enum        string `yaml:"enum"`
	Process     string `yaml:"process"`
	Valid       *Valid `yaml:"valid"`
	Doc         string `yaml:"doc"`
}

// Type is a user-defined type.
type Type struct {
	Seq       []Field             `yaml:"seq"`
	Instances map[string]Instance `yaml:"instances"`
	Doc       string              `yaml:"doc"`
}

// Instance is a computed value.
type Instance struct {
	Value Expr   `yaml:"value"`
	Doc   string `yaml:"doc"`
}

// EnumDef maps integer values to names.
type EnumDef map[int64]string

// Valid constrains a parsed value.
type Valid struct {
	Eq    Expr   `yaml:"eq"`
	Min   Expr   `yaml:"min"`
	Max   Expr   `yaml:"max"`
	AnyOf []Expr `yaml:"any-of"`
	Expr  Expr   `yaml:"expr"`
}

// UnmarshalYAML accepts the short form "valid: 123" as well as a mapping.
func (v *Valid) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Eq = Expr(node.Value)
		return nil
	}
	type plain Valid
	return node.Decode((*plain)(v))
}

// Expr is an expression. Scalars of any YAML type are kept as written, so
// "size: 0x40" and "size: len_body" both work.
type Expr string

func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expression must be a scalar", node.Line)
	}
	*e = Expr(node.Value)
	return nil
}

// Bytes is a byte string written as a string, an integer, or a list of
// either, as in Kaitai contents.
type Bytes []byte

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	var out []byte
	var add func(n *yaml.Node) error
	add = func(n *yaml.Node) error {
		switch n.Kind {
		case yaml.SequenceNode:
			for _, c := range n.Content {
				if err := add(c); err != nil {
					return err
				}
			}
			return nil
		case yaml.ScalarNode:
			if n.Tag == "!!int" {
				v, err := strconv.ParseUint(n.Value, 0, 8)
				if err != nil {
					return fmt.Errorf("line %d: byte value %s: %w", n.Line, n.Value, err)
				}
				out = append(out, byte(v))
				return nil
			}
			out = append(out, n.Value...)
			return nil
		default:
			return fmt.Errorf("line %d: bytes must be a string, an integer or a list", n.Line)
		}
	}
	if err := add(node); err != nil {
		return err
	}
	*b = out
	return nil
}

// ParseSchema decodes a .ksy document. Keys outside the supported subset are
// ignored; Compile rejects constructs it cannot honour.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
