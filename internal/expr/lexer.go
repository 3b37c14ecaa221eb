package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	// value holds the decoded literal for tokInt and tokString.
	ival int64
	sval string
	pos  int
}

// operators, longest first so that "<<" wins over "<".
var operators = []string{
	"::", "<<", ">>", "<=", ">=", "==", "!=", "&&", "||",
	"+", "-", "*", "/", "%", "<", ">", "&", "|", "^", "~", "!",
	"?", ":", "(", ")", "[", "]", ".", ",",
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		case c >= '0' && c <= '9':
			t, n, err := lexNumber(src[i:])
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			t.pos = i
			toks = append(toks, t)
			i += n
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' && c == '"' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("offset %d: unterminated string", i)
			}
			raw := src[i : j+1]
			var s string
			if c == '"' {
				var err error
				if s, err = strconv.Unquote(raw); err != nil {
					return nil, fmt.Errorf("offset %d: %w", i, err)
				}
			} else {
				// Single quoted strings have no escapes.
				s = raw[1 : len(raw)-1]
			}
			toks = append(toks, token{kind: tokString, text: raw, sval: s, pos: i})
			i = j + 1
		default:
			op := ""
			for _, o := range operators {
				if strings.HasPrefix(src[i:], o) {
					op = o
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("offset %d: unexpected character %q", i, c)
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexNumber(s string) (token, int, error) {
	j := 0
	for j < len(s) && (isIdentPart(s[j]) || s[j] == '.') {
		// A dot followed by a letter is a method call on an integer.
		if s[j] == '.' && (j+1 >= len(s) || !(s[j+1] >= '0' && s[j+1] <= '9')) {
			break
		}
		j++
	}
	raw := s[:j]
	clean := strings.ReplaceAll(raw, "_", "")
	if strings.ContainsAny(clean, ".eE") && !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		if _, err := strconv.ParseFloat(clean, 64); err != nil {
			return token{}, 0, fmt.Errorf("bad number %q", raw)
		}
		return token{kind: tokFloat, text: clean}, j, nil
	}
	// ParseInt with base 0 understands 0x, 0o and 0b prefixes.
	v, err := strconv.ParseInt(clean, 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(clean, 0, 64)
		if uerr != nil {
			return token{}, 0, fmt.Errorf("bad number %q", raw)
		}
		v = int64(u)
	}
	return token{kind: tokInt, text: raw, ival: v}, j, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
