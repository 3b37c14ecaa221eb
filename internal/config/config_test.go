package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bang.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tempdir: /var/tmp
jobs: 4
max_bytes: 16 GiB
removescandata: true
parse_timeout: 2s
grammar_dirs: [a, b]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Defaults()
	want.TempDir = "/var/tmp"
	want.Jobs = 4
	want.MaxBytes = 16 << 30
	want.RemoveScanData = true
	want.ParseTimeout = 2 * time.Second
	want.GrammarDirs = []string{"a", "b"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bang.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // scan settings
  "max_depth": 3,
  "max_bytes": 1048576,
  "log_format": "text",
}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Equal(t, ByteSize(1<<20), cfg.MaxBytes)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("max_dept: 3\n"), ".yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_dept")
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil, ".yaml")
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestMerge(t *testing.T) {
	base := Defaults()
	over := Config{Jobs: 2, Verbose: true, LogLevel: " debug "}
	got := Merge(base, over)
	assert.Equal(t, 2, got.Jobs)
	assert.True(t, got.Verbose)
	assert.Equal(t, "debug", got.LogLevel)
	assert.Equal(t, base.MaxDepth, got.MaxDepth)
	assert.Equal(t, base.ParseTimeout, got.ParseTimeout)
}

func TestValidateJoinsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Jobs = -1
	cfg.MaxDepth = 0
	cfg.LogFormat = "xml"
	cfg.GrammarDirs = []string{filepath.Join(t.TempDir(), "missing")}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"jobs", "max_depth", "log_format", "grammar_dirs"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"0", 0},
		{"4096", 4096},
		{"1 KiB", 1024},
		{"16GB", 16_000_000_000},
		{"2MiB", 2 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseByteSize("lots")
	assert.Error(t, err)

	var b ByteSize
	require.NoError(t, b.Set("1 MiB"))
	assert.Equal(t, "1.0 MiB", b.String())
	assert.Equal(t, "bytes", b.Type())
}
