package elf

import (
	"bytes"

	"github.com/pkg/errors"
)

// DebugLink is the content of a .gnu_debuglink section: the name of the
// separate debug file and the CRC32 of its content.
type DebugLink struct {
	Name string
	CRC  uint32
}

func (f *headerFile) debugLink() (*DebugLink, error) {
	s := f.Section(".gnu_debuglink")
	if s == nil {
		return nil, nil
	}
	data, err := f.SectionData(s)
	if err != nil {
		return nil, errors.Wrap(err, "reading .gnu_debuglink")
	}
	if len(data) < 6 {
		return nil, nil
	}
	name := cString(data)
	if name == "" {
		return nil, nil
	}
	return &DebugLink{
		Name: name,
		CRC:  f.ByteOrder.Uint32(data[len(data)-4:]),
	}, nil
}

func cString(bs []byte) string {
	if i := bytes.IndexByte(bs, 0); i >= 0 {
		return string(bs[:i])
	}
	return string(bs)
}
