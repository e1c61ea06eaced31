package elf

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// headerFile keeps the headers of an ELF image and reads section payloads
// lazily from the underlying reader.
type headerFile struct {
	elf.FileHeader
	Sections []elf.SectionHeader
	Progs    []elf.ProgHeader

	reader io.ReaderAt
	size   uint64
}

// newHeaderFile parses the headers of the size bytes readable from r.
// Payload reads never go past size.
func newHeaderFile(r io.ReaderAt, size int64) (*headerFile, error) {
	if size < 0 {
		return nil, errors.Errorf("negative file size %d", size)
	}
	res := &headerFile{
		reader: io.NewSectionReader(r, 0, size),
		size:   uint64(size),
	}
	elfFile, err := elf.NewFile(res.reader)
	if err != nil {
		return nil, err
	}
	progs := make([]elf.ProgHeader, 0, len(elfFile.Progs))
	sections := make([]elf.SectionHeader, 0, len(elfFile.Sections))
	for i := range elfFile.Progs {
		progs = append(progs, elfFile.Progs[i].ProgHeader)
	}
	for i := range elfFile.Sections {
		sections = append(sections, elfFile.Sections[i].SectionHeader)
	}
	res.FileHeader = elfFile.FileHeader
	res.Progs = progs
	res.Sections = sections
	return res, nil
}

func (f *headerFile) Section(name string) *elf.SectionHeader {
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (f *headerFile) sectionsByType(typ elf.SectionType) []*elf.SectionHeader {
	var res []*elf.SectionHeader
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type == typ {
			res = append(res, s)
		}
	}
	return res
}

func (f *headerFile) SectionData(s *elf.SectionHeader) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	return f.readRange(s.Offset, s.FileSize)
}

func (f *headerFile) progData(p *elf.ProgHeader) ([]byte, error) {
	return f.readRange(p.Off, p.Filesz)
}

// readRange reads n bytes at off. Ranges outside the file are rejected
// before anything is allocated.
func (f *headerFile) readRange(off, n uint64) ([]byte, error) {
	if off > f.size || n > f.size-off {
		return nil, errors.Errorf("range [%#x, +%#x) extends past end of file (%#x bytes)", off, n, f.size)
	}
	res := make([]byte, n)
	if _, err := f.reader.ReadAt(res, int64(off)); err != nil {
		return nil, err
	}
	return res, nil
}

// firstLoad returns the first PT_LOAD program header in header order.
func (f *headerFile) firstLoad() *elf.ProgHeader {
	for i := range f.Progs {
		if f.Progs[i].Type == elf.PT_LOAD {
			return &f.Progs[i]
		}
	}
	return nil
}
