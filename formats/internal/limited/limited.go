// Package limited reads decompressor output under a size cap.
package limited

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/twinfer/bang/pkg/unpack"
)

const chunk = 64 << 10

// ReadAll reads r to EOF. More than limit bytes of output is a rejection
// wrapping unpack.ErrResourceLimit; a corrupt stream is a plain rejection.
// ctx is checked between chunks.
func ReadAll(ctx context.Context, r io.Reader, limit int64) ([]byte, error) {
	var out []byte
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if int64(len(out))+int64(n) > limit {
			return nil, unpack.Fail(unpack.ErrResourceLimit, fmt.Sprintf("output exceeds %d bytes", limit))
		}
		out = append(out, buf[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			return out, nil
		case err != nil:
			return nil, unpack.Fail(err, "corrupt stream")
		}
	}
}
