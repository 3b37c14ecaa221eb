package bytesource

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenSmallRegion(t *testing.T) {
	path := writeTemp(t, []byte("0123456789"))
	src, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.Length)

	sub, err := src.Slice(2, 5)
	require.NoError(t, err)
	b, err := Open(sub)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, []byte("23456"), b.Bytes())
}

func TestOpenMappedUnalignedRegion(t *testing.T) {
	data := make([]byte, 3*mapThreshold)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeTemp(t, data)

	src := Source{Path: path, Offset: 12345, Length: 2 * mapThreshold}
	b, err := Open(src)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[12345:12345+2*mapThreshold], b.Bytes()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestSliceBounds(t *testing.T) {
	src := Source{Path: "x", Offset: 100, Length: 10}
	_, err := src.Slice(5, 6)
	assert.Error(t, err)

	sub, err := src.Slice(4, 6)
	require.NoError(t, err)
	assert.Equal(t, Source{Path: "x", Offset: 104, Length: 6}, sub)
}

func TestOpenPastEOF(t *testing.T) {
	path := writeTemp(t, []byte("short"))
	_, err := Open(Source{Path: path, Offset: 2, Length: 10})
	assert.ErrorContains(t, err, "past end of file")
}

func TestOpenEmptyAndReadAll(t *testing.T) {
	path := writeTemp(t, []byte("abc"))
	b, err := Open(Source{Path: path, Offset: 3, Length: 0})
	require.NoError(t, err)
	assert.Empty(t, b.Bytes())

	all, err := ReadAll(Source{Path: path, Length: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), all)
}

func TestFileRejectsDirectory(t *testing.T) {
	_, err := File(t.TempDir())
	assert.ErrorContains(t, err, "not a regular file")
}
