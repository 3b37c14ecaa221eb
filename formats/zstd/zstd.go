// Package zstd recognizes Zstandard frames.
package zstd

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/twinfer/bang/formats/internal/limited"
	"github.com/twinfer/bang/pkg/unpack"
)

const frameMagic = 0xfd2fb528

// Parser decodes one zstd frame per candidate.
type Parser struct {
	maxOutput int64
}

func New(maxOutput int64) *Parser {
	return &Parser{maxOutput: maxOutput}
}

func (*Parser) Name() string  { return "zstd" }
func (*Parser) Priority() int { return 10 }

func (*Parser) Signatures() []unpack.Signature {
	// Magic, frame header descriptor and one empty last block.
	return []unpack.Signature{{Pattern: []byte{0x28, 0xb5, 0x2f, 0xfd}, MinLength: 8}}
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	f, err := frameLayout(v.Bytes())
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(bytes.NewReader(v.Bytes()[:f.length]),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(p.maxOutput)),
	)
	if err != nil {
		return nil, unpack.Fail(err, "zstd frame")
	}
	defer dec.Close()
	data, err := limited.ReadAll(ctx, dec, p.maxOutput)
	if err != nil {
		return nil, err
	}
	if f.contentSize >= 0 && int64(len(data)) != f.contentSize {
		return nil, unpack.Failf("frame declares %d bytes, decoded %d", f.contentSize, len(data))
	}
	return &unpack.Outcome{
		Length:   f.length,
		Labels:   []string{"zstd", "compressed"},
		Children: []unpack.ChildExtent{{Offset: f.header, Length: f.length - f.header, Data: data}},
		Metadata: map[string]any{
			"compressed_size": f.length,
			"size":            len(data),
			"checksum":        f.checksum,
		},
	}, nil
}

type frame struct {
	header      int64
	length      int64
	contentSize int64
	checksum    bool
}

// frameLayout walks the frame header and block headers to find the end of
// the frame without decoding it.
func frameLayout(b []byte) (frame, error) {
	if len(b) < 6 || binary.LittleEndian.Uint32(b) != frameMagic {
		return frame{}, unpack.Failf("not a zstd frame")
	}
	fhd := b[4]
	if fhd&0x08 != 0 {
		return frame{}, unpack.Failf("reserved frame header bit set")
	}
	singleSegment := fhd&0x20 != 0
	f := frame{checksum: fhd&0x04 != 0, contentSize: -1}

	n := 5
	if !singleSegment {
		n++
	}
	n += [4]int{0, 1, 2, 4}[fhd&0x03]
	fcsSize := [4]int{0, 2, 4, 8}[fhd>>6]
	if fhd>>6 == 0 && singleSegment {
		fcsSize = 1
	}
	if len(b) < n+fcsSize {
		return frame{}, unpack.Failf("short frame header")
	}
	switch fcsSize {
	case 1:
		f.contentSize = int64(b[n])
	case 2:
		f.contentSize = int64(binary.LittleEndian.Uint16(b[n:])) + 256
	case 4:
		f.contentSize = int64(binary.LittleEndian.Uint32(b[n:]))
	case 8:
		f.contentSize = int64(binary.LittleEndian.Uint64(b[n:]))
	}
	n += fcsSize
	f.header = int64(n)

	for {
		if len(b) < n+3 {
			return frame{}, unpack.Failf("truncated block header at %d", n)
		}
		h := uint32(b[n]) | uint32(b[n+1])<<8 | uint32(b[n+2])<<16
		n += 3
		size := int(h >> 3)
		switch (h >> 1) & 3 {
		case 0, 2:
			n += size
		case 1:
			n++
		default:
			return frame{}, unpack.Failf("reserved block type at %d", n-3)
		}
		if n > len(b) {
			return frame{}, unpack.Failf("truncated block at %d", n)
		}
		if h&1 != 0 {
			break
		}
	}
	if f.checksum {
		n += 4
		if n > len(b) {
			return frame{}, unpack.Failf("truncated frame checksum")
		}
	}
	f.length = int64(n)
	return f, nil
}
