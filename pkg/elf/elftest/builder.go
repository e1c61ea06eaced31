// Package elftest writes small, well-formed ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type Section struct {
	Name  string
	Type  elf.SectionType // SHT_PROGBITS when zero
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
	Size  uint64 // only for SHT_NOBITS
	Align uint64
}

type Prog struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Memsz uint64
	Align uint64
}

type Builder struct {
	Type     elf.Type
	Machine  elf.Machine
	Progs    []Prog
	Sections []Section
}

// Library returns the layout of a small shared library linked at bias with
// .text, .rodata, .data and .bss. A nil buildID omits the build id note.
func Library(buildID []byte, bias uint64) *Builder {
	b := &Builder{
		Type:    elf.ET_DYN,
		Machine: elf.EM_X86_64,
		Progs: []Prog{
			{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: bias, Memsz: 0x1000, Align: 0x1000},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: bias + 0x28000, Memsz: 0x1000, Align: 0x1000},
		},
	}
	if buildID != nil {
		b.WithBuildID(buildID, bias+0x2e0)
	}
	b.Sections = append(b.Sections,
		Section{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: bias + 0x28700, Data: bytes.Repeat([]byte{0xc3}, 0x40), Align: 16},
		Section{Name: ".rodata", Flags: elf.SHF_ALLOC, Addr: bias + 0x1c1000, Data: []byte("rodata\x00"), Align: 16},
		Section{Name: ".data", Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: bias + 0x1e9000, Data: make([]byte, 0x10), Align: 8},
		Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: bias + 0x1ea000, Size: 0x400, Align: 32},
	)
	return b
}

// WithBuildID appends a .note.gnu.build-id section carrying id.
func (b *Builder) WithBuildID(id []byte, addr uint64) *Builder {
	b.Sections = append(b.Sections, Section{
		Name:  ".note.gnu.build-id",
		Type:  elf.SHT_NOTE,
		Flags: elf.SHF_ALLOC,
		Addr:  addr,
		Data:  Note("GNU", 3, id),
		Align: 4,
	})
	return b
}

// WithDebugLink appends a .gnu_debuglink section naming file.
func (b *Builder) WithDebugLink(file string, content []byte) *Builder {
	data := append([]byte(file), 0)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	data = binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(content))
	b.Sections = append(b.Sections, Section{Name: ".gnu_debuglink", Data: data, Align: 4})
	return b
}

// Without drops the named sections.
func (b *Builder) Without(names ...string) *Builder {
	kept := b.Sections[:0]
	for _, s := range b.Sections {
		drop := false
		for _, n := range names {
			if s.Name == n {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	b.Sections = kept
	return b
}

// Note encodes a single 4-byte aligned ELF note.
func Note(owner string, typ uint32, desc []byte) []byte {
	name := append([]byte(owner), 0)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	_ = binary.Write(&buf, binary.LittleEndian, typ)
	buf.Write(name)
	pad(&buf, 4)
	buf.Write(desc)
	pad(&buf, 4)
	return buf.Bytes()
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}

func (b *Builder) Bytes() []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
	)
	shstrtab := []byte{0}
	nameIdx := make([]uint32, len(b.Sections))
	for i, s := range b.Sections {
		nameIdx[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabIdx := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)

	var body bytes.Buffer
	body.Write(make([]byte, ehsize+phentsize*len(b.Progs)))

	headers := []elf.Section64{{}}
	for i, s := range b.Sections {
		typ := s.Type
		if typ == 0 {
			typ = elf.SHT_PROGBITS
		}
		align := s.Align
		if align == 0 {
			align = 1
		}
		pad(&body, int(align))
		hdr := elf.Section64{
			Name:      nameIdx[i],
			Type:      uint32(typ),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       uint64(body.Len()),
			Addralign: align,
		}
		if typ == elf.SHT_NOBITS {
			hdr.Size = s.Size
		} else {
			hdr.Size = uint64(len(s.Data))
			body.Write(s.Data)
		}
		headers = append(headers, hdr)
	}
	headers = append(headers, elf.Section64{
		Name:      shstrtabIdx,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint64(body.Len()),
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})
	body.Write(shstrtab)
	pad(&body, 8)
	shoff := body.Len()
	for i := range headers {
		_ = binary.Write(&body, binary.LittleEndian, &headers[i])
	}

	out := body.Bytes()
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(b.Type),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Ehsize:    ehsize,
		Shoff:     uint64(shoff),
		Shentsize: shentsize,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(len(headers) - 1),
	}
	if len(b.Progs) > 0 {
		hdr.Phoff = ehsize
		hdr.Phentsize = phentsize
		hdr.Phnum = uint16(len(b.Progs))
	}
	var head bytes.Buffer
	_ = binary.Write(&head, binary.LittleEndian, &hdr)
	for _, p := range b.Progs {
		_ = binary.Write(&head, binary.LittleEndian, &elf.Prog64{
			Type:  uint32(p.Type),
			Flags: uint32(p.Flags),
			Vaddr: p.Vaddr,
			Paddr: p.Vaddr,
			Memsz: p.Memsz,
			Align: p.Align,
		})
	}
	copy(out, head.Bytes())
	return out
}

// Write stores the image under dir/name, creating parent directories, and
// returns the full path.
func (b *Builder) Write(t testing.TB, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, b.Bytes(), 0o644))
	return p
}
