package zstd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/pkg/unpack"
)

func encode(t *testing.T, payload []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(payload, nil)
}

func TestParseFrame(t *testing.T) {
	payload := bytes.Repeat([]byte("zstandard "), 10_000)
	fr := encode(t, payload)
	buf := append(bytes.Clone(fr), encode(t, []byte("next frame"))...)

	out, err := New(1<<20).Parse(context.Background(), unpack.NewView(buf, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(len(fr)), out.Length)
	require.Len(t, out.Children, 1)
	assert.Equal(t, payload, out.Children[0].Data)
	assert.Equal(t, true, out.Metadata["checksum"])
}

func TestFrameLayoutStreaming(t *testing.T) {
	// Streaming writes carry no content size.
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(bytes.Repeat([]byte{1, 2, 3}, 100_000))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	f, err := frameLayout(append(buf.Bytes(), 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), f.length)
}

func TestParseRejects(t *testing.T) {
	fr := encode(t, bytes.Repeat([]byte("a"), 5000))
	for name, buf := range map[string][]byte{
		"truncated": fr[:len(fr)-2],
		"reserved":  {0x28, 0xb5, 0x2f, 0xfd, 0x08, 0, 0, 0},
		"short":     {0x28, 0xb5, 0x2f, 0xfd},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(1<<20).Parse(context.Background(), unpack.NewView(buf, 0))
			var pe *unpack.ParseError
			assert.True(t, errors.As(err, &pe), "got %v", err)
		})
	}
}

func TestParseOutputLimit(t *testing.T) {
	fr := encode(t, make([]byte, 100_000))
	_, err := New(1000).Parse(context.Background(), unpack.NewView(fr, 0))
	var pe *unpack.ParseError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}
