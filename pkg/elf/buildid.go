package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// BuildID is the raw descriptor of an NT_GNU_BUILD_ID note.
type BuildID []byte

func (b BuildID) Empty() bool {
	return len(b) == 0
}

func (b BuildID) String() string {
	return hex.EncodeToString(b)
}

func (b BuildID) Equal(other BuildID) bool {
	return bytes.Equal(b, other)
}

// ParseBuildID decodes the hex form printed by readelf -n or file(1).
func ParseBuildID(s string) (BuildID, error) {
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid build ID %q", s)
	}
	return id, nil
}

const ntGNUBuildID = 3

var gnuNoteOwner = []byte("GNU")

// buildID returns the GNU build id of f, or nil when the file carries none.
// The dedicated section is tried first, then every note section, then the
// PT_NOTE segments of files whose section headers were stripped.
func (f *headerFile) buildID() (BuildID, error) {
	if s := f.Section(".note.gnu.build-id"); s != nil && s.Type != elf.SHT_NOBITS {
		data, err := f.SectionData(s)
		if err != nil {
			return nil, errors.Wrap(err, "reading .note.gnu.build-id")
		}
		if id := findGNUBuildID(data, f.ByteOrder, noteAlign(s.Addralign)); id != nil {
			return id, nil
		}
	}
	for _, s := range f.sectionsByType(elf.SHT_NOTE) {
		data, err := f.SectionData(s)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", s.Name)
		}
		if id := findGNUBuildID(data, f.ByteOrder, noteAlign(s.Addralign)); id != nil {
			return id, nil
		}
	}
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != elf.PT_NOTE {
			continue
		}
		data, err := f.progData(p)
		if err != nil {
			return nil, errors.Wrap(err, "reading PT_NOTE segment")
		}
		if id := findGNUBuildID(data, f.ByteOrder, noteAlign(p.Align)); id != nil {
			return id, nil
		}
	}
	return nil, nil
}

func noteAlign(a uint64) uint64 {
	if a == 8 {
		return 8
	}
	return 4
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// findGNUBuildID walks a note table: namesz, descsz, type, then the padded
// name and descriptor.
func findGNUBuildID(data []byte, order binary.ByteOrder, align uint64) BuildID {
	const hdrSize = 12
	for uint64(len(data)) >= hdrSize {
		namesz := uint64(order.Uint32(data[0:4]))
		descsz := uint64(order.Uint32(data[4:8]))
		typ := order.Uint32(data[8:12])

		descOff := alignUp(hdrSize+namesz, align)
		if descOff+descsz > uint64(len(data)) {
			return nil
		}
		name := bytes.TrimRight(data[hdrSize:hdrSize+namesz], "\x00")
		if typ == ntGNUBuildID && bytes.Equal(name, gnuNoteOwner) && descsz > 0 {
			id := make(BuildID, descsz)
			copy(id, data[descOff:descOff+descsz])
			return id
		}
		next := alignUp(descOff+descsz, align)
		if next > uint64(len(data)) {
			return nil
		}
		data = data[next:]
	}
	return nil
}
