// Package zlib recognizes zlib streams (RFC 1950).
package zlib

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"

	"github.com/twinfer/bang/formats/internal/limited"
	"github.com/twinfer/bang/pkg/unpack"
)

// Parser decodes a zlib stream. The two byte header is a weak signature,
// so zlib runs after every other parser matching at the same offset.
type Parser struct {
	maxOutput int64
}

func New(maxOutput int64) *Parser {
	return &Parser{maxOutput: maxOutput}
}

func (*Parser) Name() string  { return "zlib" }
func (*Parser) Priority() int { return 90 }

func (*Parser) Signatures() []unpack.Signature {
	var sigs []unpack.Signature
	for _, level := range []byte{0x01, 0x5e, 0x9c, 0xda} {
		sigs = append(sigs, unpack.Signature{Pattern: []byte{0x78, level}, MinLength: 8})
	}
	return sigs
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	b := v.Bytes()
	if len(b) < 2 || binary.BigEndian.Uint16(b)%31 != 0 {
		return nil, unpack.Failf("bad zlib header check")
	}
	if b[1]&0x20 != 0 {
		return nil, unpack.Failf("preset dictionaries are not supported")
	}
	br := bytes.NewReader(b)
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, unpack.Fail(err, "zlib header")
	}
	defer zr.Close()
	data, err := limited.ReadAll(ctx, zr, p.maxOutput)
	if err != nil {
		return nil, err
	}
	consumed := int64(v.Len() - br.Len())
	return &unpack.Outcome{
		Length:   consumed,
		Labels:   []string{"zlib", "compressed"},
		Children: []unpack.ChildExtent{{Offset: 2, Length: consumed - 6, Data: data}},
		Metadata: map[string]any{"compressed_size": consumed, "size": len(data)},
	}, nil
}
