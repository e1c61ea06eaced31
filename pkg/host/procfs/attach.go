package procfs

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/prometheus/procfs"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
)

type AttachWatcherOptions struct {
	// PID selects a single process; Comm selects processes by command name.
	PID      int
	Comm     *regexp.Regexp
	Interval time.Duration
	// IncludeExisting reports processes already running at the first scan.
	// A process selected by PID is always reported.
	IncludeExisting bool
	// MountPoint of the proc filesystem, procfs.DefaultMountPoint when empty.
	MountPoint string
}

// AttachWatcher polls /proc and notifies listeners once for every new
// process matching the options. Listeners are called from the polling
// goroutine, one event at a time.
type AttachWatcher struct {
	opts   AttachWatcherOptions
	fs     procfs.FS
	logger log.Logger

	mu        sync.Mutex
	listeners []host.AttachListener
	seen      map[int]struct{}
	primed    bool
}

func NewAttachWatcher(logger log.Logger, opts AttachWatcherOptions) (*AttachWatcher, error) {
	fs, err := newFS(opts.MountPoint)
	if err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &AttachWatcher{
		opts:   opts,
		fs:     fs,
		logger: logger,
		seen:   make(map[int]struct{}),
	}, nil
}

func (w *AttachWatcher) Subscribe(l host.AttachListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Run polls until ctx is done.
func (w *AttachWatcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.opts.Interval)
	defer t.Stop()
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll scans the process table once and dispatches events for processes
// not seen in the previous scan. Unless IncludeExisting is set, the first
// scan of a command name watch only records what is already running.
func (w *AttachWatcher) Poll(ctx context.Context) {
	events, err := w.scan()
	if err != nil {
		level.Warn(w.logger).Log("msg", "scanning processes", "err", err)
		return
	}
	w.mu.Lock()
	listeners := append([]host.AttachListener(nil), w.listeners...)
	w.mu.Unlock()
	for _, ev := range events {
		level.Info(w.logger).Log("msg", "process attached", "pid", ev.PID, "comm", ev.Comm, "exe", ev.Exe)
		for _, l := range listeners {
			if ctx.Err() != nil {
				return
			}
			l.OnAttach(ctx, ev)
		}
	}
}

func (w *AttachWatcher) scan() ([]host.AttachEvent, error) {
	var procs []procfs.Proc
	if w.opts.PID > 0 {
		p, err := w.fs.Proc(w.opts.PID)
		if err == nil {
			procs = append(procs, p)
		}
	} else {
		all, err := w.fs.AllProcs()
		if err != nil {
			return nil, err
		}
		procs = all
	}

	quiet := !w.primed && w.opts.PID <= 0 && !w.opts.IncludeExisting
	w.primed = true

	alive := make(map[int]struct{}, len(procs))
	var events []host.AttachEvent
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			continue
		}
		if w.opts.Comm != nil && !w.opts.Comm.MatchString(comm) {
			continue
		}
		alive[p.PID] = struct{}{}
		if _, ok := w.seen[p.PID]; ok || quiet {
			continue
		}
		exe, _ := p.Executable()
		events = append(events, host.AttachEvent{PID: p.PID, Comm: comm, Exe: exe})
	}
	w.seen = alive
	return events, nil
}
