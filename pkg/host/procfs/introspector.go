// Package procfs implements the host collaborators on top of /proc.
package procfs

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"go.uber.org/atomic"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
)

// Introspector reads /proc/<pid>/maps of the current process. The current
// process changes on every attach event it receives.
type Introspector struct {
	fs  procfs.FS
	pid *atomic.Int64
}

// NewIntrospector uses the proc filesystem mounted at mountPoint, or the
// default one when empty.
func NewIntrospector(mountPoint string, pid int) (*Introspector, error) {
	fs, err := newFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Introspector{fs: fs, pid: atomic.NewInt64(int64(pid))}, nil
}

func newFS(mountPoint string) (procfs.FS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return procfs.FS{}, errors.Wrapf(err, "opening %s", mountPoint)
	}
	return fs, nil
}

func (i *Introspector) PID() int {
	return int(i.pid.Load())
}

// OnAttach makes ev.PID the current process. It must be subscribed before
// any listener that reads mappings.
func (i *Introspector) OnAttach(_ context.Context, ev host.AttachEvent) {
	i.pid.Store(int64(ev.PID))
}

var _ host.AttachListener = (*Introspector)(nil)

func (i *Introspector) Mappings(_ context.Context) ([]procmap.Mapping, error) {
	pid := i.PID()
	if pid <= 0 {
		return nil, procmap.ErrNotAttached
	}
	p, err := i.fs.Proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(procmap.ErrNotAttached, "process %d is gone", pid)
		}
		return nil, errors.Wrapf(err, "reading process %d", pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(procmap.ErrNotAttached, "process %d is gone", pid)
		}
		return nil, errors.Wrapf(err, "reading maps of process %d", pid)
	}
	res := make([]procmap.Mapping, 0, len(maps))
	for _, m := range maps {
		res = append(res, procmap.Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Perms:  perms(m.Perms),
			Inode:  m.Inode,
			Path:   m.Pathname,
		})
	}
	return res, nil
}

func perms(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return ""
	}
	b := []byte("----")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	switch {
	case p.Shared:
		b[3] = 's'
	case p.Private:
		b[3] = 'p'
	}
	return string(b)
}
