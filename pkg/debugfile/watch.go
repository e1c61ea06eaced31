package debugfile

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// StoreWatcher calls a function whenever debug files appear in a debug
// store. Bursts of events, such as an archive being unpacked, are collapsed
// into a single call once the store has been quiet for the debounce period.
type StoreWatcher struct {
	root     string
	debounce time.Duration
	onChange func(context.Context)
	logger   log.Logger

	w *fsnotify.Watcher
}

// NewStoreWatcher starts watching root and every directory below it.
func NewStoreWatcher(logger log.Logger, root string, debounce time.Duration, onChange func(context.Context)) (*StoreWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating debug store watcher")
	}
	sw := &StoreWatcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		w:        w,
	}
	if err := sw.addTree(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return sw, nil
}

func (sw *StoreWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return errors.Wrapf(err, "watching %s", dir)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := sw.w.Add(p); err != nil {
			return errors.Wrapf(err, "watching %s", p)
		}
		return nil
	})
}

// Run dispatches changes until ctx is done, then releases the watcher.
func (sw *StoreWatcher) Run(ctx context.Context) error {
	defer sw.w.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sw.w.Events:
			if !ok {
				return nil
			}
			if !sw.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
			} else {
				timer.Reset(sw.debounce)
			}
			pending = timer.C
		case err, ok := <-sw.w.Errors:
			if !ok {
				return nil
			}
			level.Warn(sw.logger).Log("msg", "debug store watcher", "root", sw.root, "err", err)
		case <-pending:
			pending = nil
			level.Debug(sw.logger).Log("msg", "debug store changed", "root", sw.root)
			sw.onChange(ctx)
		}
	}
}

// relevant reports whether ev may have added a debug file. New directories
// are watched too, and count since files may have been moved in with them.
func (sw *StoreWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if err := sw.addTree(ev.Name); err == nil && sw.isDir(ev.Name) {
			return true
		}
	}
	return strings.HasSuffix(ev.Name, DebugSuffix)
}

func (sw *StoreWatcher) isDir(p string) bool {
	for _, w := range sw.w.WatchList() {
		if w == p {
			return true
		}
	}
	return false
}
