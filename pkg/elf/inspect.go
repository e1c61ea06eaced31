// Package elf reads the parts of an ELF image needed to relocate a separate
// debug file: section headers, the first loadable segment, the GNU build id
// and the debug link.
package elf

import (
	"debug/elf"
	"io"
	"os"
	"sort"

	"github.com/samber/lo"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

// DefaultSections are the sections placed when a debug file is loaded.
var DefaultSections = []string{".text", ".rodata", ".data", ".bss"}

// Section is one section header of interest.
type Section struct {
	Name   string
	Type   elf.SectionType
	Offset uint64
	Addr   uint64
	Size   uint64
}

// Sections maps a section name to its record.
type Sections map[string]Section

// Names returns the section names in ascending address order.
func (s Sections) Names() []string {
	names := lo.Keys(s)
	sort.Slice(names, func(i, j int) bool {
		a, b := s[names[i]], s[names[j]]
		if a.Addr == b.Addr {
			return a.Name < b.Name
		}
		return a.Addr < b.Addr
	})
	return names
}

// File is the result of inspecting one ELF image.
type File struct {
	Path    string
	Type    elf.Type
	Machine elf.Machine
	Class   elf.Class

	Sections    Sections
	AllSections []Section

	BuildID   BuildID // nil when the file has no GNU build id note
	DebugLink *DebugLink

	// LoadBias is the virtual address of the first PT_LOAD segment.
	LoadBias uint64
	HasLoad  bool
}

type InspectOptions struct {
	// Sections selects the sections recorded in File.Sections.
	// DefaultSections is used when empty.
	Sections []string
}

func Inspect(path string) (*File, error) {
	return InspectWithOptions(path, InspectOptions{})
}

func InspectWithOptions(path string, opts InspectOptions) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &fetcherr.NotFoundError{Kind: "file", Name: path, Err: err}
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, &fetcherr.NotFoundError{Kind: "file", Name: path, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, &fetcherr.NotFoundError{Kind: "file", Name: path, Reason: "not a regular file"}
	}
	return InspectReader(path, f, fi.Size(), opts)
}

// InspectReader inspects an image of size bytes already opened by the
// caller. path is only used for reporting.
func InspectReader(path string, r io.ReaderAt, size int64, opts InspectOptions) (*File, error) {
	hf, err := newHeaderFile(r, size)
	if err != nil {
		return nil, &fetcherr.FormatError{Path: path, Err: err}
	}
	wanted := opts.Sections
	if len(wanted) == 0 {
		wanted = DefaultSections
	}

	res := &File{
		Path:        path,
		Type:        hf.Type,
		Machine:     hf.Machine,
		Class:       hf.Class,
		Sections:    make(Sections, len(wanted)),
		AllSections: make([]Section, 0, len(hf.Sections)),
	}
	for i := range hf.Sections {
		s := &hf.Sections[i]
		if s.Type == elf.SHT_NULL {
			continue
		}
		rec := Section{
			Name:   s.Name,
			Type:   s.Type,
			Offset: s.Offset,
			Addr:   s.Addr,
			Size:   s.Size,
		}
		res.AllSections = append(res.AllSections, rec)
		if lo.Contains(wanted, s.Name) {
			if _, dup := res.Sections[s.Name]; !dup {
				res.Sections[s.Name] = rec
			}
		}
	}

	if res.BuildID, err = hf.buildID(); err != nil {
		return nil, &fetcherr.FormatError{Path: path, Err: err}
	}
	if res.DebugLink, err = hf.debugLink(); err != nil {
		return nil, &fetcherr.FormatError{Path: path, Err: err}
	}
	if load := hf.firstLoad(); load != nil {
		res.LoadBias = load.Vaddr
		res.HasLoad = true
	}
	return res, nil
}
