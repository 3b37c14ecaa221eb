// Package formats assembles the recognizers shipped with bang: the native
// parsers of this module tree and the embedded declarative grammars.
package formats

import (
	"fmt"

	"github.com/twinfer/bang/formats/elf"
	"github.com/twinfer/bang/formats/gzip"
	"github.com/twinfer/bang/formats/lz4"
	"github.com/twinfer/bang/formats/png"
	"github.com/twinfer/bang/formats/tar"
	"github.com/twinfer/bang/formats/zlib"
	"github.com/twinfer/bang/formats/zstd"
	"github.com/twinfer/bang/pkg/grammar"
	"github.com/twinfer/bang/pkg/unpack"
)

// DefaultMaxOutput caps the bytes a single decompressor may produce.
const DefaultMaxOutput = 1 << 30

// Native returns the compiled-in recognizers.
func Native() []unpack.Parser {
	return []unpack.Parser{
		gzip.New(DefaultMaxOutput),
		zlib.New(DefaultMaxOutput),
		zstd.New(DefaultMaxOutput),
		lz4.New(DefaultMaxOutput),
		tar.New(),
		png.New(),
		elf.New(),
	}
}

// Descriptors returns the static recognizer list: the native parsers
// followed by the builtin grammars.
func Descriptors() ([]unpack.Parser, error) {
	out := Native()
	gs, err := grammar.Builtins()
	if err != nil {
		return nil, fmt.Errorf("builtin grammars: %w", err)
	}
	for _, g := range gs {
		out = append(out, g)
	}
	return out, nil
}

// Registry builds the registry every worker uses: the descriptors plus the
// grammars found in grammarDirs. A grammar whose id is already taken is an
// error. It satisfies worker.RegistryFunc.
func Registry(grammarDirs []string) (*unpack.Registry, error) {
	parsers, err := Descriptors()
	if err != nil {
		return nil, err
	}
	for _, dir := range grammarDirs {
		gs, err := grammar.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, g := range gs {
			parsers = append(parsers, g)
		}
	}
	return unpack.NewRegistry(parsers...)
}
