package testutil

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// PNG encodes a w×h gradient image. seed varies the pixels so that images of
// the same size hash differently.
func PNG(t testing.TB, w, h int, seed byte) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: byte(x) + seed, G: byte(y), B: seed, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// ELF returns a little-endian x86-64 executable with a .text section
// holding text and a section name table. There are no program headers.
func ELF(t testing.TB, text []byte) []byte {
	t.Helper()
	const (
		headerSize  = 64
		sectionSize = 64
	)
	names := []byte("\x00.text\x00.shstrtab\x00")
	textOff := uint64(headerSize)
	namesOff := textOff + uint64(len(text))
	shoff := (namesOff + uint64(len(names)) + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x401000,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: 56,
		Shentsize: sectionSize,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: 0x401000, Off: textOff, Size: uint64(len(text)), Addralign: 1,
		},
		{Name: 7, Type: uint32(elf.SHT_STRTAB), Off: namesOff, Size: uint64(len(names)), Addralign: 1},
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	buf.Write(text)
	buf.Write(names)
	buf.Write(make([]byte, int(shoff)-buf.Len()))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, sections))
	return buf.Bytes()
}

// File is one tar member.
type File struct {
	Name string
	Data []byte
}

// Tar builds a ustar archive of files.
func Tar(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.Name,
			Mode:     0o644,
			Size:     int64(len(f.Data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}))
		_, err := tw.Write(f.Data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// GNUTar is Tar padded with zero blocks to a whole 10240 byte record, the
// way GNU tar writes archives with its default blocking factor.
func GNUTar(t testing.TB, files ...File) []byte {
	t.Helper()
	const record = 10240
	data := Tar(t, files...)
	pad := (record - len(data)%record) % record
	return append(data, make([]byte, pad)...)
}

// Gzip compresses data into a single member named name.
func Gzip(t testing.TB, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = name
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// NestedGzip wraps data in depth layers of gzip.
func NestedGzip(t testing.TB, depth int, data []byte) []byte {
	t.Helper()
	for range depth {
		data = Gzip(t, "", data)
	}
	return data
}

// Firmware is the canonical mixed input: a gzip'd tar holding three PNG
// images and one ELF executable.
func Firmware(t testing.TB) []byte {
	t.Helper()
	return Gzip(t, "firmware.tar", GNUTar(t,
		File{Name: "img/a.png", Data: PNG(t, 4, 4, 1)},
		File{Name: "img/b.png", Data: PNG(t, 8, 3, 2)},
		File{Name: "img/c.png", Data: PNG(t, 2, 9, 3)},
		File{Name: "bin/init", Data: ELF(t, []byte{0x31, 0xc0, 0xc3})},
	))
}

// WriteFile stores data in a fresh temporary directory and returns its path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
