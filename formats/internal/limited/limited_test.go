package limited

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/pkg/unpack"
)

func TestReadAll(t *testing.T) {
	data := bytes.Repeat([]byte("ab"), 100_000)
	got, err := ReadAll(context.Background(), bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadAllOverLimit(t *testing.T) {
	_, err := ReadAll(context.Background(), bytes.NewReader(make([]byte, 100)), 99)
	assert.ErrorIs(t, err, unpack.ErrResourceLimit)
	var pe *unpack.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestReadAllCorrupt(t *testing.T) {
	r := io.MultiReader(bytes.NewReader([]byte("abc")), iotest{})
	_, err := ReadAll(context.Background(), r, 1<<20)
	var pe *unpack.ParseError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadAll(ctx, bytes.NewReader([]byte("x")), 10)
	assert.ErrorIs(t, err, context.Canceled)
}

type iotest struct{}

func (iotest) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
