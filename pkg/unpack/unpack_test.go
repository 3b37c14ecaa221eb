package unpack_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/pkg/signature"
	"github.com/twinfer/bang/pkg/unpack"
	"github.com/twinfer/bang/pkg/unpack/unpacktest"
)

func TestRegistryPriorityOrder(t *testing.T) {
	// Registration order must not matter.
	a := &unpacktest.Parser{ID: "zeta", Prio: 10, Sigs: unpacktest.Magic("Z")}
	b := &unpacktest.Parser{ID: "alpha", Prio: 10, Sigs: unpacktest.Magic("A")}
	c := &unpacktest.Parser{ID: "omega", Prio: 1, Sigs: unpacktest.Magic("O")}

	for _, order := range [][]unpack.Parser{{a, b, c}, {c, b, a}, {b, c, a}} {
		r, err := unpack.NewRegistry(order...)
		require.NoError(t, err)
		var names []string
		for _, p := range r.Parsers() {
			names = append(names, p.Name())
		}
		assert.Equal(t, []string{"omega", "alpha", "zeta"}, names)
		assert.Equal(t, "alpha", r.ByRank(1).Name())
	}
}

func TestRegistryRejectsDuplicatesAndBadSignatures(t *testing.T) {
	_, err := unpack.NewRegistry(
		&unpacktest.Parser{ID: "x", Sigs: unpacktest.Magic("X")},
		&unpacktest.Parser{ID: "x", Sigs: unpacktest.Magic("Y")},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate parser name "x"`)

	_, err = unpack.NewRegistry(&unpacktest.Parser{ID: "empty", Sigs: []unpack.Signature{{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty pattern")

	_, err = unpack.NewRegistry(&unpacktest.Parser{ID: "nosig"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signatures")

	_, err = unpack.NewRegistry(&unpacktest.Parser{Sigs: unpacktest.Magic("N")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestRegistryIndexRanks(t *testing.T) {
	tarLike := &unpacktest.Parser{ID: "tar", Sigs: []unpack.Signature{{Pattern: []byte("ustar"), PatternOffset: 257}}}
	mz := &unpacktest.Parser{ID: "mz", Prio: -1, Sigs: []unpack.Signature{{Pattern: []byte("MZ"), Anchor: unpack.AnchorStart}}}
	r, err := unpack.NewRegistry(tarLike, mz)
	require.NoError(t, err)

	buf := make([]byte, 600)
	copy(buf, "MZ")
	copy(buf[300:], "MZ")
	copy(buf[257:], "ustar")

	got := r.Index().Matches(buf)
	assert.Equal(t, []signature.Match{{Offset: 0, Rank: 0}, {Offset: 0, Rank: 1}}, got)

	p, ok := r.Lookup("tar")
	require.True(t, ok)
	assert.Same(t, tarLike, p)
	_, ok = r.Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want unpack.Kind
	}{
		{"nil", nil, unpack.KindNone},
		{"parse error", unpack.Failf("bad magic"), unpack.KindParseError},
		{"wrapped parse error", fmt.Errorf("gzip: %w", unpack.Fail(io.ErrUnexpectedEOF, "header")), unpack.KindParseError},
		{"bug report", &unpack.BugReport{Parser: "p", Reason: "panic"}, unpack.KindParserBug},
		{"deadline", context.DeadlineExceeded, unpack.KindTimeout},
		{"timeout", fmt.Errorf("x: %w", unpack.ErrTimeout), unpack.KindTimeout},
		{"limit", unpack.ErrResourceLimit, unpack.KindResourceLimit},
		{"storage", fmt.Errorf("close: %w", unpack.ErrStorage), unpack.KindIO},
		{"unexpected", errors.New("boom"), unpack.KindParserBug},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unpack.KindOf(tt.err))
		})
	}
}

func TestParseErrorMessage(t *testing.T) {
	err := &unpack.ParseError{Parser: "png", Offset: 12, Reason: "crc mismatch"}
	assert.Equal(t, "png at offset 12: crc mismatch", err.Error())

	wrapped := unpack.Fail(io.ErrUnexpectedEOF, "reading header")
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Nil(t, unpack.Fail(nil, "ignored"))
}

func TestAnchorNames(t *testing.T) {
	a, ok := unpack.ParseAnchor("offset-zero")
	require.True(t, ok)
	assert.Equal(t, unpack.AnchorStart, a)
	assert.Equal(t, "start", a.String())

	_, ok = unpack.ParseAnchor("middle")
	assert.False(t, ok)
}

func TestViewStream(t *testing.T) {
	v := unpack.NewView([]byte{0x01, 0x02, 0x03, 0x04}, 100)
	assert.Equal(t, int64(100), v.Offset())
	assert.Equal(t, 4, v.Len())

	u, err := v.Stream().ReadU2be()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), u)

	child := unpack.ChildExtent{Offset: 0, Length: 4, Data: make([]byte, 10)}
	assert.Equal(t, int64(10), child.Size())
}
