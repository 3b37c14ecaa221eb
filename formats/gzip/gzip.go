// Package gzip recognizes single gzip members and unpacks their payload.
package gzip

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/twinfer/bang/formats/internal/limited"
	"github.com/twinfer/bang/pkg/unpack"
)

const (
	flagHCRC    = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

// Parser decodes one gzip member per candidate. Concatenated members are
// separate candidates.
type Parser struct {
	maxOutput int64
}

// New returns a parser that rejects members inflating to more than
// maxOutput bytes.
func New(maxOutput int64) *Parser {
	return &Parser{maxOutput: maxOutput}
}

func (*Parser) Name() string  { return "gzip" }
func (*Parser) Priority() int { return 10 }

func (*Parser) Signatures() []unpack.Signature {
	// Header, empty deflate stream and trailer.
	return []unpack.Signature{{Pattern: []byte{0x1f, 0x8b, 0x08}, MinLength: 20}}
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	hdr, err := headerLen(v.Bytes())
	if err != nil {
		return nil, err
	}
	br := bytes.NewReader(v.Bytes())
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, unpack.Fail(err, "gzip header")
	}
	zr.Multistream(false)
	data, err := limited.ReadAll(ctx, zr, p.maxOutput)
	if err != nil {
		return nil, err
	}
	consumed := int64(v.Len() - br.Len())

	meta := map[string]any{
		"compressed_size": consumed,
		"size":            len(data),
		"os":              int(zr.OS),
	}
	if zr.Name != "" {
		meta["name"] = zr.Name
	}
	if zr.Comment != "" {
		meta["comment"] = zr.Comment
	}
	if !zr.ModTime.IsZero() {
		meta["mtime"] = zr.ModTime.UTC().Format(time.RFC3339)
	}
	return &unpack.Outcome{
		Length: consumed,
		Labels: []string{"gzip", "compressed"},
		Children: []unpack.ChildExtent{{
			Offset:   hdr,
			Length:   consumed - hdr - 8,
			NameHint: zr.Name,
			Data:     data,
		}},
		Metadata: meta,
	}, nil
}

// headerLen walks the optional header fields to find where the deflate
// stream starts.
func headerLen(b []byte) (int64, error) {
	if len(b) < 10 {
		return 0, unpack.Failf("short gzip header")
	}
	flags := b[3]
	if flags&0xe0 != 0 {
		return 0, unpack.Failf("reserved gzip flags set: %#x", flags)
	}
	n := 10
	if flags&flagExtra != 0 {
		if len(b) < n+2 {
			return 0, unpack.Failf("short gzip extra field")
		}
		n += 2 + int(binary.LittleEndian.Uint16(b[n:]))
	}
	for _, f := range []byte{flagName, flagComment} {
		if flags&f == 0 {
			continue
		}
		i := bytes.IndexByte(b[min(n, len(b)):], 0)
		if i < 0 {
			return 0, unpack.Failf("unterminated gzip header string")
		}
		n += i + 1
	}
	if flags&flagHCRC != 0 {
		n += 2
	}
	if n > len(b) {
		return 0, unpack.Failf("gzip header overruns the buffer")
	}
	return int64(n), nil
}
