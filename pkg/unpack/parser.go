// Package unpack defines the contract between the scan engine and the format
// recognizers it drives.
//
// A recognizer implements Parser. The engine only ever calls Parse at offsets
// where one of the parser's signatures matched, hands it a read-only View of
// the candidate region, and interprets the returned Outcome: how many bytes
// were consumed, which child extents should be scanned next, and which labels
// describe the region.
//
// Recognizers report "this is not my format" with a *ParseError (see Failf).
// Anything else escaping Parse, including panics, is treated by the engine as
// a parser bug and never aborts a scan.
package unpack

import (
	"bytes"
	"context"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"
)

// Anchor constrains where a signature is allowed to match.
type Anchor int

const (
	// AnchorAnywhere lets the signature match at any offset of a buffer.
	AnchorAnywhere Anchor = iota
	// AnchorStart only accepts a match whose structure starts at offset 0.
	AnchorStart
)

// String returns the configuration name of the anchor.
func (a Anchor) String() string {
	switch a {
	case AnchorStart:
		return "start"
	default:
		return "anywhere"
	}
}

// ParseAnchor converts a configuration name into an Anchor.
func ParseAnchor(name string) (Anchor, bool) {
	switch name {
	case "", "anywhere":
		return AnchorAnywhere, true
	case "start", "offset-zero":
		return AnchorStart, true
	default:
		return AnchorAnywhere, false
	}
}

// Signature is a magic byte pattern owned by a parser.
type Signature struct {
	// Pattern is the literal byte sequence to search for.
	Pattern []byte
	// Anchor restricts the candidate start offset.
	Anchor Anchor
	// PatternOffset is the distance between the start of the structure
	// and the first byte of Pattern. A pattern found at position p yields
	// a candidate at p-PatternOffset.
	PatternOffset int
	// MinLength is the smallest region, measured from the candidate start,
	// that can possibly hold the structure. Shorter tails are never offered
	// to the parser. Values below PatternOffset+len(Pattern) are raised to it.
	MinLength int
}

// span is the number of bytes from the candidate start to the end of the pattern.
func (s Signature) span() int {
	return s.PatternOffset + len(s.Pattern)
}

// View is the read-only window a parser receives. It starts at the candidate
// offset and extends to the end of the unconsumed part of the buffer.
type View struct {
	data   []byte
	offset int64
}

// NewView wraps data located at offset inside its parent buffer.
func NewView(data []byte, offset int64) View {
	return View{data: data, offset: offset}
}

// Bytes returns the viewed bytes. Callers must not modify them.
func (v View) Bytes() []byte { return v.data }

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.data) }

// Offset returns the absolute position of the view inside its parent buffer.
func (v View) Offset() int64 { return v.offset }

// Stream returns a fresh kaitai stream positioned at the start of the view.
func (v View) Stream() *kaitai.Stream {
	return kaitai.NewStream(bytes.NewReader(v.data))
}

// ChildExtent is one piece of the parsed region that should be scanned as a
// node of its own.
type ChildExtent struct {
	// Offset and Length locate the child's source bytes relative to the
	// start of the view.
	Offset int64
	Length int64
	// NameHint is the name the container gives the child (tar member name,
	// gzip original file name). Optional.
	NameHint string
	// Labels are hints the container knows about the child.
	Labels []string
	// Data carries unpacked bytes when the child is not a plain slice of
	// the parent (decompressed payloads). When nil the child is the extent
	// [Offset, Offset+Length) of the view.
	Data []byte
}

// Size returns the size of the child's own bytes.
func (c ChildExtent) Size() int64 {
	if c.Data != nil {
		return int64(len(c.Data))
	}
	return c.Length
}

// Outcome is a successful parse.
type Outcome struct {
	// Length is the number of bytes of the view the structure occupies.
	Length int64
	// Children are scanned recursively, in order.
	Children []ChildExtent
	// Labels describe the parsed region.
	Labels []string
	// Metadata is parser specific and opaque to the engine. It is stored
	// with the node record and must be serializable.
	Metadata map[string]any
}

// Parser is a format recognizer.
type Parser interface {
	// Name is the unique identifier of the parser. It doubles as the
	// tie-breaker of the priority order.
	Name() string
	// Signatures lists the magic patterns that make Parse worth trying.
	Signatures() []Signature
	// Priority orders parsers whose candidates start at the same offset.
	// Lower values are tried first.
	Priority() int
	// Parse inspects the view. It must be deterministic, free of side
	// effects and return promptly once ctx is done.
	Parse(ctx context.Context, view View) (*Outcome, error)
}
