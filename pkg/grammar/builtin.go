package grammar

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Ext is the file extension of grammar documents.
const Ext = ".ksy"

//go:embed ksy/*.ksy
var builtinFS embed.FS

var (
	builtinOnce sync.Once
	builtins    []*Grammar
	builtinErr  error
)

// Builtins returns the grammars shipped with the binary, sorted by name.
// They are compiled once per process.
func Builtins() ([]*Grammar, error) {
	builtinOnce.Do(func() {
		builtins, builtinErr = loadFS(builtinFS, "ksy")
	})
	return builtins, builtinErr
}

// LoadDir compiles every .ksy file in dir, sorted by file name.
func LoadDir(dir string) ([]*Grammar, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("grammar directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("grammar directory %s is not a directory", dir)
	}
	gs, err := loadFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Clean(dir), err)
	}
	return gs, nil
}

func loadFS(fsys fs.FS, dir string) ([]*Grammar, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var out []*Grammar
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		g, err := Compile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *Grammar) int { return strings.Compare(a.Name(), b.Name()) })
	return out, nil
}
