//go:build linux

package procfs

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grafana/regexp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestIntrospectorSelf(t *testing.T) {
	i, err := NewIntrospector("", os.Getpid())
	require.NoError(t, err)
	ms, err := i.Mappings(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	exe, err := os.Executable()
	require.NoError(t, err)
	modules := procmap.Modules(ms)
	var found bool
	for _, m := range modules {
		if m.Path == exe {
			found = true
			require.NotZero(t, m.Base)
		}
	}
	require.True(t, found, "test binary %s not in own maps", exe)
}

func TestIntrospectorNotAttached(t *testing.T) {
	i, err := NewIntrospector("", 0)
	require.NoError(t, err)
	_, err = i.Mappings(context.Background())
	require.ErrorIs(t, err, procmap.ErrNotAttached)

	i, err = NewIntrospector("", 1<<30)
	require.NoError(t, err)
	_, err = i.Mappings(context.Background())
	require.ErrorIs(t, err, procmap.ErrNotAttached)
}

func TestIntrospectorFollowsAttach(t *testing.T) {
	i, err := NewIntrospector("", 0)
	require.NoError(t, err)
	_, err = i.Mappings(context.Background())
	require.ErrorIs(t, err, procmap.ErrNotAttached)

	i.OnAttach(context.Background(), host.AttachEvent{PID: os.Getpid()})
	require.Equal(t, os.Getpid(), i.PID())
	ms, err := i.Mappings(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, ms)
}

type recorder struct {
	mu     sync.Mutex
	events []host.AttachEvent
}

func (r *recorder) OnAttach(_ context.Context, ev host.AttachEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) get() []host.AttachEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.AttachEvent(nil), r.events...)
}

func TestAttachWatcherFiresOnce(t *testing.T) {
	w, err := NewAttachWatcher(test.NewTestingLogger(t), AttachWatcherOptions{PID: os.Getpid()})
	require.NoError(t, err)
	rec := &recorder{}
	w.Subscribe(rec)

	w.Poll(context.Background())
	w.Poll(context.Background())
	events := rec.get()
	require.Len(t, events, 1)
	require.Equal(t, os.Getpid(), events[0].PID)
	require.NotEmpty(t, events[0].Comm)
}

func TestAttachWatcherCommFilter(t *testing.T) {
	w, err := NewAttachWatcher(test.NewTestingLogger(t), AttachWatcherOptions{
		PID:  os.Getpid(),
		Comm: regexp.MustCompile(`^definitely-not-this-process$`),
	})
	require.NoError(t, err)
	rec := &recorder{}
	w.Subscribe(rec)
	w.Poll(context.Background())
	require.Empty(t, rec.get())
}

func TestAttachWatcherRunStops(t *testing.T) {
	w, err := NewAttachWatcher(test.NewTestingLogger(t), AttachWatcherOptions{PID: os.Getpid(), Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	rec := &recorder{}
	w.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, rec.get(), 1)
}

func selfComm(t *testing.T) *regexp.Regexp {
	t.Helper()
	comm, err := os.ReadFile("/proc/self/comm")
	require.NoError(t, err)
	return regexp.MustCompile("^" + regexp.QuoteMeta(strings.TrimSpace(string(comm))) + "$")
}

func TestAttachWatcherSkipsRunningProcesses(t *testing.T) {
	w, err := NewAttachWatcher(test.NewTestingLogger(t), AttachWatcherOptions{Comm: selfComm(t)})
	require.NoError(t, err)
	rec := &recorder{}
	w.Subscribe(rec)

	w.Poll(context.Background())
	w.Poll(context.Background())
	for _, ev := range rec.get() {
		require.NotEqual(t, os.Getpid(), ev.PID)
	}
}

func TestAttachWatcherIncludeExisting(t *testing.T) {
	w, err := NewAttachWatcher(test.NewTestingLogger(t), AttachWatcherOptions{Comm: selfComm(t), IncludeExisting: true})
	require.NoError(t, err)
	rec := &recorder{}
	w.Subscribe(rec)

	w.Poll(context.Background())
	var pids []int
	for _, ev := range rec.get() {
		pids = append(pids, ev.PID)
	}
	require.Contains(t, pids, os.Getpid())
}
