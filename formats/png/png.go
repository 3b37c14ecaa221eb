// Package png recognizes PNG images by walking their chunk list.
package png

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/twinfer/bang/pkg/unpack"
)

var magic = []byte("\x89PNG\r\n\x1a\n")

// maxChunk bounds a single chunk; the format allows 2^31-1.
const maxChunk = 1<<31 - 1

var colorTypes = map[byte]string{
	0: "grayscale",
	2: "truecolor",
	3: "indexed",
	4: "grayscale_alpha",
	6: "truecolor_alpha",
}

type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Name() string  { return "png" }
func (*Parser) Priority() int { return 10 }

func (*Parser) Signatures() []unpack.Signature {
	// Magic, IHDR and IEND.
	return []unpack.Signature{{Pattern: magic, MinLength: 8 + 25 + 12}}
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	ks := v.Stream()
	if _, err := ks.ReadBytes(len(magic)); err != nil {
		return nil, unpack.Fail(err, "png magic")
	}

	meta := map[string]any{}
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size, err := ks.ReadU4be()
		if err != nil {
			return nil, unpack.Fail(err, "chunk length")
		}
		pos, err := ks.Pos()
		if err != nil {
			return nil, unpack.Fail(err, "stream position")
		}
		if size > maxChunk || int64(size)+8 > int64(v.Len())-pos {
			return nil, unpack.Failf("chunk length %d out of range", size)
		}
		typ, err := ks.ReadBytes(4)
		if err != nil {
			return nil, unpack.Fail(err, "chunk type")
		}
		body, err := ks.ReadBytes(int(size))
		if err != nil {
			return nil, unpack.Fail(err, "chunk body")
		}
		sum, err := ks.ReadU4be()
		if err != nil {
			return nil, unpack.Fail(err, "chunk crc")
		}
		crc := crc32.NewIEEE()
		crc.Write(typ)
		crc.Write(body)
		if crc.Sum32() != sum {
			return nil, unpack.Failf("bad crc in %q chunk %d", typ, chunks)
		}

		name := string(typ)
		if chunks == 0 {
			if name != "IHDR" || size != 13 {
				return nil, unpack.Failf("first chunk is %q, not IHDR", name)
			}
			meta["width"] = binary.BigEndian.Uint32(body[0:4])
			meta["height"] = binary.BigEndian.Uint32(body[4:8])
			meta["bit_depth"] = body[8]
			if ct, ok := colorTypes[body[9]]; ok {
				meta["color_type"] = ct
			}
			meta["interlaced"] = body[12] == 1
		}
		chunks++
		if name == "IEND" {
			break
		}
	}
	meta["chunks"] = chunks

	end, err := ks.Pos()
	if err != nil {
		return nil, unpack.Fail(err, "stream position")
	}
	return &unpack.Outcome{
		Length:   end,
		Labels:   []string{"png", "image"},
		Metadata: meta,
	}, nil
}
