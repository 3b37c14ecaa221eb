package formats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/internal/worker"
)

var _ worker.RegistryFunc = Registry

func TestRegistry(t *testing.T) {
	reg, err := Registry(nil)
	require.NoError(t, err)

	var names []string
	for _, p := range reg.Parsers() {
		names = append(names, p.Name())
	}
	assert.ElementsMatch(t, []string{
		"gzip", "zlib", "zstd", "lz4", "tar", "png", "elf",
		"bmp", "riff", "uimage",
	}, names)

	// Strong magics are tried before weak ones.
	first, _ := reg.Lookup("gzip")
	last, _ := reg.Lookup("zlib")
	assert.Less(t, first.Priority(), last.Priority())
}

const extra = `
meta:
  id: tagged
  bang:
    signatures:
      - magic: TAG!
seq:
  - id: magic
    contents: TAG!
  - id: body
    size: 4
`

func TestRegistryGrammarDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tagged.ksy"), []byte(extra), 0o644))

	reg, err := Registry([]string{dir})
	require.NoError(t, err)
	_, ok := reg.Lookup("tagged")
	assert.True(t, ok)

	// Redefining a builtin is rejected.
	dup := filepath.Join(t.TempDir(), "bmp.ksy")
	require.NoError(t, os.WriteFile(dup, []byte(`
meta:
  id: bmp
  bang:
    signatures:
      - magic: BM
seq:
  - id: magic
    contents: BM
`), 0o644))
	_, err = Registry([]string{filepath.Dir(dup)})
	assert.Error(t, err)

	_, err = Registry([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
