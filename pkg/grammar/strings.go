package grammar

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// lookupEncoding resolves a Kaitai encoding name. A nil encoding with a nil
// error means the bytes are used as they are.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "-")) {
	case "", "UTF-8", "UTF8", "ASCII", "US-ASCII":
		return nil, nil
	case "UTF-16LE":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case "UTF-16BE":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), nil
	case "UTF-32LE":
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), nil
	case "UTF-32BE":
		return utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), nil
	case "CP437", "IBM437":
		return charmap.CodePage437, nil
	case "SHIFT-JIS", "SJIS":
		return japanese.ShiftJIS, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	if enc == nil {
		return nil, fmt.Errorf("encoding %q is registered but not implemented", name)
	}
	return enc, nil
}

// decodeString converts raw field bytes. Invalid UTF-8 in pass-through
// encodings is replaced rather than rejected.
func decodeString(data []byte, enc encoding.Encoding) (string, error) {
	if enc == nil {
		if utf8.Valid(data) {
			return string(data), nil
		}
		return strings.ToValidUTF8(string(data), "�"), nil
	}
	s, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(s), nil
}
