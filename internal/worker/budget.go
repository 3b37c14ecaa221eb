package worker

import (
	"fmt"

	"github.com/twinfer/bang/internal/wire"
)

// Budget meters the bytes a whole scan may extract. Take is called once per
// unpacked child, before its data is written, and reports whether the
// child still fits. A nil Budget never refuses.
type Budget interface {
	Take(n int64) bool
}

// remoteBudget asks the scheduler on the other end of a worker's pipes.
type remoteBudget struct {
	seq uint64
	enc *wire.Encoder
	dec *wire.Decoder
	err error
}

func (b *remoteBudget) Take(n int64) bool {
	if b.err != nil {
		return false
	}
	if err := b.enc.Encode(wire.Reply{Reserve: &wire.Reserve{Seq: b.seq, Bytes: n}}); err != nil {
		b.err = fmt.Errorf("sending reserve: %w", err)
		return false
	}
	var g wire.Grant
	if err := b.dec.Decode(&g); err != nil {
		b.err = fmt.Errorf("reading grant: %w", err)
		return false
	}
	if g.Seq != b.seq {
		b.err = fmt.Errorf("grant for request %d, want %d", g.Seq, b.seq)
		return false
	}
	return g.OK
}
