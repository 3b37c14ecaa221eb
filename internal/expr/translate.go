package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// EnumResolver looks up enum::name references. It returns false for
// unknown names.
type EnumResolver func(enum, name string) (int64, bool)

// Translation is a Kaitai-style expression rewritten as CEL.
type Translation struct {
	CEL string
	// Vars are the free identifiers, in order of first use.
	Vars []string
}

type precedence int

const (
	precLowest precedence = iota
	precTernary
	precOr
	precAnd
	precNot
	precCompare
	precBitOr
	precBitXor
	precBitAnd
	precShift
	precSum
	precProduct
	precUnary
)

var binaryPrec = map[string]precedence{
	"?":  precTernary,
	"or": precOr, "||": precOr,
	"and": precAnd, "&&": precAnd,
	"==": precCompare, "!=": precCompare, "<": precCompare, "<=": precCompare, ">": precCompare, ">=": precCompare,
	"|":  precBitOr,
	"^":  precBitXor,
	"&":  precBitAnd,
	"<<": precShift, ">>": precShift,
	"+": precSum, "-": precSum,
	"*": precProduct, "/": precProduct, "%": precProduct,
}

var bitwise = map[string]string{
	"&":  "bitAnd",
	"|":  "bitOr",
	"^":  "bitXor",
	"<<": "shl",
	">>": "shr",
}

// celReserved cannot be used as CEL identifiers.
var celReserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "in": true,
	"let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// Translate rewrites src. Word operators (and, or, not) become their CEL
// symbols, bitwise operators become calls into the functions registered by
// NewEnvironment, and the .length, .size, .to_i, .to_s, .first and .last
// properties become CEL calls or indexing.
func Translate(src string, enums EnumResolver) (Translation, error) {
	toks, err := lex(src)
	if err != nil {
		return Translation{}, err
	}
	t := &translator{toks: toks, enums: enums, seen: map[string]bool{}}
	out, err := t.parse(precLowest)
	if err != nil {
		return Translation{}, err
	}
	if tok := t.peek(); tok.kind != tokEOF {
		return Translation{}, fmt.Errorf("offset %d: unexpected %q", tok.pos, tok.text)
	}
	return Translation{CEL: out, Vars: t.vars}, nil
}

type translator struct {
	toks  []token
	i     int
	enums EnumResolver
	seen  map[string]bool
	vars  []string
}

func (t *translator) peek() token { return t.toks[t.i] }

func (t *translator) next() token {
	tok := t.toks[t.i]
	if tok.kind != tokEOF {
		t.i++
	}
	return tok
}

func (t *translator) expect(op string) error {
	tok := t.next()
	if tok.kind != tokOp || tok.text != op {
		return fmt.Errorf("offset %d: expected %q, found %q", tok.pos, op, tok.text)
	}
	return nil
}

func (t *translator) infix() (string, precedence, bool) {
	tok := t.peek()
	if tok.kind != tokOp && tok.kind != tokIdent {
		return "", 0, false
	}
	p, ok := binaryPrec[tok.text]
	return tok.text, p, ok
}

func (t *translator) parse(floor precedence) (string, error) {
	left, err := t.prefix()
	if err != nil {
		return "", err
	}
	for {
		op, p, ok := t.infix()
		if !ok || p <= floor {
			return left, nil
		}
		t.next()
		if op == "?" {
			a, err := t.parse(precLowest)
			if err != nil {
				return "", err
			}
			if err := t.expect(":"); err != nil {
				return "", err
			}
			b, err := t.parse(precLowest)
			if err != nil {
				return "", err
			}
			left = "(" + left + " ? " + a + " : " + b + ")"
			continue
		}
		right, err := t.parse(p)
		if err != nil {
			return "", err
		}
		switch {
		case op == "or":
			left = "(" + left + " || " + right + ")"
		case op == "and":
			left = "(" + left + " && " + right + ")"
		case bitwise[op] != "":
			left = bitwise[op] + "(" + left + ", " + right + ")"
		default:
			left = "(" + left + " " + op + " " + right + ")"
		}
	}
}

func (t *translator) prefix() (string, error) {
	tok := t.next()
	var out string
	switch {
	case tok.kind == tokInt:
		out = strconv.FormatInt(tok.ival, 10)
	case tok.kind == tokFloat:
		out = tok.text
	case tok.kind == tokString:
		out = strconv.Quote(tok.sval)
	case tok.kind == tokIdent && (tok.text == "not"):
		x, err := t.parse(precNot)
		if err != nil {
			return "", err
		}
		return "!(" + x + ")", nil
	case tok.kind == tokIdent && (tok.text == "true" || tok.text == "false" || tok.text == "null"):
		out = tok.text
	case tok.kind == tokIdent:
		if nt := t.peek(); nt.kind == tokOp && nt.text == "::" {
			t.next()
			name := t.next()
			if name.kind != tokIdent {
				return "", fmt.Errorf("offset %d: expected enum value name", name.pos)
			}
			if t.enums == nil {
				return "", fmt.Errorf("offset %d: no enums in scope", tok.pos)
			}
			v, ok := t.enums(tok.text, name.text)
			if !ok {
				return "", fmt.Errorf("offset %d: unknown enum value %s::%s", tok.pos, tok.text, name.text)
			}
			out = strconv.FormatInt(v, 10)
			break
		}
		if celReserved[tok.text] {
			return "", fmt.Errorf("offset %d: %q cannot be used as a name", tok.pos, tok.text)
		}
		if !t.seen[tok.text] {
			t.seen[tok.text] = true
			t.vars = append(t.vars, tok.text)
		}
		out = tok.text
	case tok.kind == tokOp && tok.text == "!":
		x, err := t.parse(precNot)
		if err != nil {
			return "", err
		}
		return "!(" + x + ")", nil
	case tok.kind == tokOp && tok.text == "-":
		x, err := t.parse(precUnary)
		if err != nil {
			return "", err
		}
		return "-(" + x + ")", nil
	case tok.kind == tokOp && tok.text == "~":
		x, err := t.parse(precUnary)
		if err != nil {
			return "", err
		}
		return "bitNot(" + x + ")", nil
	case tok.kind == tokOp && tok.text == "(":
		x, err := t.parse(precLowest)
		if err != nil {
			return "", err
		}
		if err := t.expect(")"); err != nil {
			return "", err
		}
		out = "(" + x + ")"
	case tok.kind == tokOp && tok.text == "[":
		var elems []string
		for {
			if nt := t.peek(); nt.kind == tokOp && nt.text == "]" {
				t.next()
				break
			}
			x, err := t.parse(precLowest)
			if err != nil {
				return "", err
			}
			elems = append(elems, x)
			if nt := t.peek(); nt.kind == tokOp && nt.text == "," {
				t.next()
			}
		}
		out = "[" + strings.Join(elems, ", ") + "]"
	default:
		return "", fmt.Errorf("offset %d: unexpected %q", tok.pos, tok.text)
	}
	return t.postfix(out)
}

func (t *translator) postfix(x string) (string, error) {
	for {
		tok := t.peek()
		if tok.kind != tokOp {
			return x, nil
		}
		switch tok.text {
		case ".":
			t.next()
			name := t.next()
			if name.kind != tokIdent {
				return "", fmt.Errorf("offset %d: expected a name after '.'", name.pos)
			}
			if nt := t.peek(); nt.kind == tokOp && nt.text == "(" {
				return "", fmt.Errorf("offset %d: method %q is not supported", name.pos, name.text)
			}
			switch name.text {
			case "length":
				x = "size(" + x + ")"
			case "size":
				// Either a field called size or the size of a value.
				x = "sizeOf(" + x + ")"
			case "to_i":
				x = "int(" + x + ")"
			case "to_s":
				x = "string(" + x + ")"
			case "first":
				x = x + "[0]"
			case "last":
				x = x + "[size(" + x + ") - 1]"
			default:
				if celReserved[name.text] {
					x = x + "[" + strconv.Quote(name.text) + "]"
				} else {
					x = x + "." + name.text
				}
			}
		case "[":
			t.next()
			idx, err := t.parse(precLowest)
			if err != nil {
				return "", err
			}
			if err := t.expect("]"); err != nil {
				return "", err
			}
			x = x + "[" + idx + "]"
		default:
			return x, nil
		}
	}
}
