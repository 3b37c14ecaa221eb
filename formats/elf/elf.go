// Package elf recognizes ELF objects and measures how many bytes they span.
package elf

import (
	"bytes"
	"context"
	"debug/elf"

	"github.com/twinfer/bang/pkg/unpack"
)

var typeLabels = map[elf.Type]string{
	elf.ET_REL:  "relocatable",
	elf.ET_EXEC: "executable",
	elf.ET_DYN:  "shared_object",
	elf.ET_CORE: "core",
}

type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Name() string  { return "elf" }
func (*Parser) Priority() int { return 10 }

func (*Parser) Signatures() []unpack.Signature {
	return []unpack.Signature{{Pattern: []byte(elf.ELFMAG), MinLength: 52}}
}

func (p *Parser) Parse(_ context.Context, v unpack.View) (*unpack.Outcome, error) {
	b := v.Bytes()
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, unpack.Fail(err, "elf header")
	}
	defer f.Close()

	t, err := tables(b, f)
	if err != nil {
		return nil, err
	}
	end := max(t.ehsize, t.shoff+t.shnum*t.shentsize, t.phoff+t.phnum*t.phentsize)
	var names []string
	for _, s := range f.Sections {
		if s.Name != "" {
			names = append(names, s.Name)
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			end = max(end, int64(s.Offset+s.FileSize))
		}
	}
	for _, prog := range f.Progs {
		end = max(end, int64(prog.Off+prog.Filesz))
	}
	if end <= 0 || end > int64(len(b)) {
		return nil, unpack.Failf("elf extends to %d, past the end of the buffer", end)
	}

	labels := []string{"elf"}
	if l, ok := typeLabels[f.Type]; ok {
		labels = append(labels, l)
	}
	meta := map[string]any{
		"class":   f.Class.String(),
		"data":    f.Data.String(),
		"machine": f.Machine.String(),
		"type":    f.Type.String(),
		"osabi":   f.OSABI.String(),
		"entry":   f.Entry,
	}
	if len(names) > 0 {
		meta["sections"] = names
	}
	return &unpack.Outcome{Length: end, Labels: labels, Metadata: meta}, nil
}

type tableInfo struct {
	ehsize                  int64
	phoff, phentsize, phnum int64
	shoff, shentsize, shnum int64
}

// tables reads the header table locations that elf.File does not expose.
func tables(b []byte, f *elf.File) (tableInfo, error) {
	bo := f.ByteOrder
	var t tableInfo
	switch f.Class {
	case elf.ELFCLASS32:
		if len(b) < 52 {
			return t, unpack.Failf("short elf32 header")
		}
		t.phoff = int64(bo.Uint32(b[0x1c:]))
		t.shoff = int64(bo.Uint32(b[0x20:]))
		t.ehsize = int64(bo.Uint16(b[0x28:]))
		t.phentsize = int64(bo.Uint16(b[0x2a:]))
		t.phnum = int64(bo.Uint16(b[0x2c:]))
		t.shentsize = int64(bo.Uint16(b[0x2e:]))
		t.shnum = int64(bo.Uint16(b[0x30:]))
	case elf.ELFCLASS64:
		if len(b) < 64 {
			return t, unpack.Failf("short elf64 header")
		}
		t.phoff = int64(bo.Uint64(b[0x20:]))
		t.shoff = int64(bo.Uint64(b[0x28:]))
		t.ehsize = int64(bo.Uint16(b[0x34:]))
		t.phentsize = int64(bo.Uint16(b[0x36:]))
		t.phnum = int64(bo.Uint16(b[0x38:]))
		t.shentsize = int64(bo.Uint16(b[0x3a:]))
		t.shnum = int64(bo.Uint16(b[0x3c:]))
	default:
		return t, unpack.Failf("unknown elf class %v", f.Class)
	}
	if t.phoff < 0 || t.shoff < 0 {
		return t, unpack.Failf("table offset out of range")
	}
	if t.phnum == 0 {
		t.phoff, t.phentsize = 0, 0
	}
	if t.shnum == 0 {
		t.shoff, t.shentsize = 0, 0
	}
	return t, nil
}
