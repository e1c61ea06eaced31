package procmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Mapping is one line of a process memory map.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  string
	Inode  uint64
	Path   string
}

func (m Mapping) Executable() bool {
	return len(m.Perms) > 2 && m.Perms[2] == 'x'
}

// ParseMaps reads either the /proc/<pid>/maps format
//
//	7f1c2a000000-7f1c2a028000 r--p 00000000 08:01 1234   /usr/lib/libc.so.6
//
// or the table printed by gdb's "info proc mappings"
//
//	0x7ffff7d86000     0x7ffff7dae000    0x28000        0x0  r--p   /usr/lib/libc.so.6
//
// Lines in neither format (headers, banners) are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var res []Mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := bytes.Fields(sc.Bytes())
		if len(fields) == 0 {
			continue
		}
		var (
			m   Mapping
			ok  bool
			err error
		)
		if bytes.HasPrefix(fields[0], []byte("0x")) {
			m, ok, err = parseGDBLine(fields)
		} else {
			m, ok, err = parseProcLine(fields)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func parseProcLine(parts [][]byte) (Mapping, bool, error) {
	if len(parts) < 5 {
		return Mapping{}, false, nil
	}
	addrs := bytes.Split(parts[0], []byte("-"))
	if len(addrs) != 2 {
		return Mapping{}, false, nil
	}
	start, err := strconv.ParseUint(string(addrs[0]), 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parsing start address: %w", err)
	}
	end, err := strconv.ParseUint(string(addrs[1]), 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parsing end address: %w", err)
	}
	offset, err := strconv.ParseUint(string(parts[2]), 16, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parsing file offset: %w", err)
	}
	inode, err := strconv.ParseUint(string(parts[4]), 10, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parsing inode: %w", err)
	}
	return Mapping{
		Start:  start,
		End:    end,
		Offset: offset,
		Perms:  string(parts[1]),
		Inode:  inode,
		Path:   joinPath(parts[5:]),
	}, true, nil
}

func parseGDBLine(parts [][]byte) (Mapping, bool, error) {
	if len(parts) < 4 {
		return Mapping{}, false, nil
	}
	var nums [4]uint64
	for i := range nums {
		v, err := strconv.ParseUint(strings.TrimPrefix(string(parts[i]), "0x"), 16, 64)
		if err != nil {
			return Mapping{}, false, fmt.Errorf("parsing mapping column %d: %w", i, err)
		}
		nums[i] = v
	}
	rest := parts[4:]
	m := Mapping{
		Start:  nums[0],
		End:    nums[1],
		Offset: nums[3],
	}
	if len(rest) > 0 && isPerms(rest[0]) {
		m.Perms = string(rest[0])
		rest = rest[1:]
	}
	m.Path = joinPath(rest)
	return m, true, nil
}

func isPerms(b []byte) bool {
	if len(b) != 4 {
		return false
	}
	return (b[0] == 'r' || b[0] == '-') &&
		(b[1] == 'w' || b[1] == '-') &&
		(b[2] == 'x' || b[2] == '-') &&
		(b[3] == 'p' || b[3] == 's')
}

func joinPath(parts [][]byte) string {
	if len(parts) == 0 {
		return ""
	}
	return string(bytes.Join(parts, []byte(" ")))
}
