// Package tar recognizes ustar, pax and GNU tar archives.
package tar

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/twinfer/bang/pkg/unpack"
)

const (
	blockSize  = 512
	recordSize = 20 * blockSize
)

// Parser lists the archive members. Regular files become children; their
// bytes are slices of the archive.
type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Name() string  { return "tar" }
func (*Parser) Priority() int { return 20 }

func (*Parser) Signatures() []unpack.Signature {
	return []unpack.Signature{{Pattern: []byte("ustar"), PatternOffset: 257, MinLength: 2 * blockSize}}
}

// counter tracks how far the tar reader has read. It deliberately hides
// io.Seeker so skipped member data is counted too.
type counter struct {
	r io.Reader
	n int64
}

func (c *counter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (p *Parser) Parse(ctx context.Context, v unpack.View) (*unpack.Outcome, error) {
	cr := &counter{r: bytes.NewReader(v.Bytes())}
	tr := tar.NewReader(cr)

	var (
		children []unpack.ChildExtent
		members  []map[string]any
		complete bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			complete = true
			break
		}
		if err != nil {
			if len(members) == 0 {
				return nil, unpack.Fail(err, "tar header")
			}
			// Archives cut short still describe the members read so far.
			break
		}
		members = append(members, map[string]any{
			"name": hdr.Name,
			"type": string(hdr.Typeflag),
			"size": hdr.Size,
			"mode": hdr.Mode,
		})
		if hdr.Typeflag != tar.TypeReg || hdr.Size == 0 {
			continue
		}
		start := cr.n
		if start+hdr.Size > int64(v.Len()) {
			return nil, unpack.Failf("member %q overruns the archive", hdr.Name)
		}
		children = append(children, unpack.ChildExtent{
			Offset:   start,
			Length:   hdr.Size,
			NameHint: hdr.Name,
		})
	}
	length := roundUp(cr.n)
	if length > int64(v.Len()) {
		length = int64(v.Len())
	}
	if len(members) == 0 {
		return nil, unpack.Failf("empty archive")
	}
	if complete {
		length = padding(v.Bytes(), length)
	}
	return &unpack.Outcome{
		Length:   length,
		Labels:   []string{"tar", "archive"},
		Children: children,
		Metadata: map[string]any{"members": members},
	}, nil
}

// padding extends end over the zero blocks GNU tar writes to fill the last
// record. It stops at the first block holding any data.
func padding(data []byte, end int64) int64 {
	limit := (end + recordSize - 1) / recordSize * recordSize
	if limit > int64(len(data)) {
		limit = int64(len(data))
	}
	for end+blockSize <= limit && isZero(data[end:end+blockSize]) {
		end += blockSize
	}
	return end
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func roundUp(n int64) int64 {
	return (n + blockSize - 1) / blockSize * blockSize
}
