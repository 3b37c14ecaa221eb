// Package bytesource resolves the byte-source descriptors carried by jobs
// into readable buffers.
//
// A descriptor is a region of a file: the scan input itself, the data file
// of a MetaDirectory holding unpacked bytes, or a slice of either. Regions
// are mapped read-only where the platform allows it so that carving a large
// input does not copy it onto the heap.
package bytesource

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Source locates a node's bytes.
type Source struct {
	// Path is the file holding the bytes.
	Path string `json:"path" cbor:"path"`
	// Offset and Length select the region of the file.
	Offset int64 `json:"offset" cbor:"offset"`
	Length int64 `json:"length" cbor:"length"`
}

// File describes the whole of the file at path.
func File(path string) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat input: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return Source{}, fmt.Errorf("%s is not a regular file", path)
	}
	return Source{Path: path, Offset: 0, Length: fi.Size()}, nil
}

// Slice returns the sub-region [off, off+n) of s.
func (s Source) Slice(off, n int64) (Source, error) {
	if off < 0 || n < 0 || off+n > s.Length {
		return Source{}, fmt.Errorf("slice [%d,+%d) outside source of length %d", off, n, s.Length)
	}
	return Source{Path: s.Path, Offset: s.Offset + off, Length: n}, nil
}

func (s Source) String() string {
	return fmt.Sprintf("%s[%d:+%d]", s.Path, s.Offset, s.Length)
}

// Buffer is an opened source. Its bytes stay valid until Close.
type Buffer struct {
	data    []byte
	release func() error
}

// Bytes returns the contents. They must not be modified.
func (b *Buffer) Bytes() []byte { return b.data }

// Close releases the mapping, if any.
func (b *Buffer) Close() error {
	if b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	b.data = nil
	return release()
}

// mapThreshold is the region size below which a plain read is cheaper than
// setting up a mapping.
const mapThreshold = 64 << 10

// Open reads or maps the region described by s.
func Open(s Source) (*Buffer, error) {
	if s.Offset < 0 || s.Length < 0 {
		return nil, fmt.Errorf("invalid source %s", s)
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if s.Offset+s.Length > fi.Size() {
		return nil, fmt.Errorf("source %s extends past end of file (%d bytes)", s, fi.Size())
	}
	if s.Length == 0 {
		return &Buffer{data: []byte{}}, nil
	}

	if s.Length >= mapThreshold {
		b, err := mapRegion(f, s.Offset, s.Length)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, errMapUnsupported) {
			return nil, err
		}
	}

	data := make([]byte, s.Length)
	if _, err := f.ReadAt(data, s.Offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading source %s: %w", s, err)
	}
	return &Buffer{data: data}, nil
}

// ReadAll returns a heap copy of the region.
func ReadAll(s Source) ([]byte, error) {
	b, err := Open(s)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	out := make([]byte, len(b.Bytes()))
	copy(out, b.Bytes())
	return out, nil
}

var errMapUnsupported = errors.New("memory mapping not supported")
