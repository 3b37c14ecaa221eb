// Package lz4 recognizes LZ4 frames.
package lz4

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"github.com/twinfer/bang/formats/internal/limited"
	"github.com/twinfer/bang/pkg/unpack"
)

const frameMagic = 0x184d2204

const (
	flagDictID          = 1 << 0
	flagContentChecksum = 1 << 2
	flagContentSize     = 1 << 3
	flagBlockChecksum   = 1 << 4
)

// Parser decodes one LZ4 frame per candidate.
type Parser struct {
	maxOutput int64
}

func New(maxOutput int64) *Parser {
	return &Parser{maxOutput: maxOutput}
}

func (*Parser) Name() string  { return "lz4" }
func (*Parser) Priority() int { return 10 }

func (*Parser) Signatures() []unpack.Signature {
	// Magic, descriptor and end mark.
	return []unpack.Signature{{Pattern: []byte{0x04, 0x22, 0x4d, 0x18}, MinLength: 11}}
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	header, length, err := frameLayout(v.Bytes())
	if err != nil {
		return nil, err
	}
	zr := lz4.NewReader(bytes.NewReader(v.Bytes()[:length]))
	data, err := limited.ReadAll(ctx, zr, p.maxOutput)
	if err != nil {
		return nil, err
	}
	return &unpack.Outcome{
		Length:   length,
		Labels:   []string{"lz4", "compressed"},
		Children: []unpack.ChildExtent{{Offset: header, Length: length - header, Data: data}},
		Metadata: map[string]any{"compressed_size": length, "size": len(data)},
	}, nil
}

// frameLayout returns the size of the frame descriptor and of the whole
// frame, found by walking the block size fields.
func frameLayout(b []byte) (header, length int64, err error) {
	if len(b) < 7 || binary.LittleEndian.Uint32(b) != frameMagic {
		return 0, 0, unpack.Failf("not an lz4 frame")
	}
	flg := b[4]
	if flg>>6 != 1 {
		return 0, 0, unpack.Failf("unsupported frame version %d", flg>>6)
	}
	if flg&0x02 != 0 || b[5]&0x8f != 0 {
		return 0, 0, unpack.Failf("reserved descriptor bits set")
	}
	if bs := b[5] >> 4 & 0x7; bs < 4 {
		return 0, 0, unpack.Failf("invalid block size code %d", bs)
	}
	n := 6
	if flg&flagContentSize != 0 {
		n += 8
	}
	if flg&flagDictID != 0 {
		n += 4
	}
	n++ // header checksum
	header = int64(n)

	for {
		if len(b) < n+4 {
			return 0, 0, unpack.Failf("truncated block header at %d", n)
		}
		size := binary.LittleEndian.Uint32(b[n:])
		n += 4
		if size == 0 {
			break
		}
		n += int(size & 0x7fffffff)
		if flg&flagBlockChecksum != 0 {
			n += 4
		}
		if n > len(b) {
			return 0, 0, unpack.Failf("truncated block")
		}
	}
	if flg&flagContentChecksum != 0 {
		n += 4
		if n > len(b) {
			return 0, 0, unpack.Failf("truncated content checksum")
		}
	}
	return header, int64(n), nil
}
