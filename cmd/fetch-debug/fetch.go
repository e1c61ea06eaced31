package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/config"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/debugfile"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetchcontext"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcher"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host/gdb"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host/procfs"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
)

// Enough for the library and debug file of a few glibc versions.
const inspectCacheSize = 16

// reportedError marks a failure the console reporter already printed.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error { return e.error }

func errReported(err error) bool {
	var re reportedError
	return errors.As(err, &re)
}

type processParams struct {
	pid  int
	maps string
}

func addProcessParams(cmd *kingpin.CmdClause) *processParams {
	p := &processParams{}
	cmd.Flag("pid", "Process to read the mappings of.").Short('p').IntVar(&p.pid)
	cmd.Flag("maps", "Read the mappings from a saved /proc/<pid>/maps or 'info proc mappings' output instead.").ExistingFileVar(&p.maps)
	return p
}

func (p *processParams) source() (host.ProcessIntrospector, error) {
	if p.maps != "" {
		return procmap.FileSource{Path: p.maps}, nil
	}
	// Without --pid the introspector reports that nothing is attached.
	return procfs.NewIntrospector(cfg.procMount, p.pid)
}

type fetchParams struct {
	*processParams
	root    string
	output  string
	exec    bool
	gdb     string
	gdbArgs []string
	dryRun  bool
}

func addFetchParams(cmd *kingpin.CmdClause) *fetchParams {
	p := &fetchParams{processParams: addProcessParams(cmd)}
	cmd.Arg("path", "Debug store to search instead of $DEBUGDIR, for this invocation only.").StringVar(&p.root)
	cmd.Flag("output", "Write the gdb commands to this file instead of stdout.").Short('o').StringVar(&p.output)
	cmd.Flag("exec", "Start gdb attached to --pid with the symbols loaded.").BoolVar(&p.exec)
	cmd.Flag("gdb", "gdb binary used by --exec.").Default("gdb").StringVar(&p.gdb)
	cmd.Flag("gdb.arg", "Extra argument passed to gdb by --exec. Can be repeated.").StringsVar(&p.gdbArgs)
	cmd.Flag("dry-run", "Resolve and print the plan without emitting any gdb command.").BoolVar(&p.dryRun)
	return p
}

func fetch(ctx context.Context, params *fetchParams) error {
	logger := fetchcontext.Logger(ctx)
	session, err := loadSession(ctx)
	if err != nil {
		return err
	}
	src, err := params.source()
	if err != nil {
		return err
	}

	var loader host.SymbolLoader
	switch {
	case params.dryRun:
	case params.exec:
		if params.pid <= 0 {
			return &fetcherr.PreconditionError{Reason: "--exec needs --pid"}
		}
		loader = &gdb.ExecLoader{GDB: params.gdb, PID: params.pid, Extra: params.gdbArgs, Logger: logger}
	default:
		w, closeFn, err := scriptOutput(ctx, params.output)
		if err != nil {
			return err
		}
		defer closeFn()
		loader = gdb.NewScriptLoader(w)
	}

	reporter := fetcher.NewReporter(consoleOutput, colorDisabled())
	f := newFetcher(ctx, session, src, loader, reporter)
	if params.dryRun {
		plan, err := f.Resolve(ctx, params.root)
		if err != nil {
			reporter.Failure(err)
			return reportedError{err}
		}
		reporter.Plan(plan)
		return nil
	}
	if _, err := f.Fetch(ctx, params.root); err != nil {
		return reportedError{err}
	}
	return nil
}

type watchParams struct {
	pid      int
	comm     string
	interval time.Duration
	existing bool
	output   string
	debounce time.Duration
}

func addWatchParams(cmd *kingpin.CmdClause) *watchParams {
	p := &watchParams{}
	cmd.Flag("comm", "Only processes whose command name matches this regular expression.").StringVar(&p.comm)
	cmd.Flag("pid", "Only this process.").Short('p').IntVar(&p.pid)
	cmd.Flag("interval", "How often to scan for new processes.").Default("1s").DurationVar(&p.interval)
	cmd.Flag("existing", "Also report matching processes already running when the watch starts.").BoolVar(&p.existing)
	cmd.Flag("output", "Append the gdb commands to this file instead of stdout.").Short('o').StringVar(&p.output)
	cmd.Flag("store.debounce", "Quiet period after changes in $DEBUGDIR before a failed resolution is retried.").Default("500ms").DurationVar(&p.debounce)
	return p
}

func watch(ctx context.Context, params *watchParams) error {
	logger := fetchcontext.Logger(ctx)
	session, err := loadSession(ctx)
	if err != nil {
		return err
	}
	opts := procfs.AttachWatcherOptions{
		PID:             params.pid,
		Interval:        params.interval,
		IncludeExisting: params.existing,
		MountPoint:      cfg.procMount,
	}
	if params.comm != "" {
		if opts.Comm, err = regexp.Compile(params.comm); err != nil {
			return &fetcherr.PreconditionError{Reason: "bad --comm", Err: err}
		}
	}
	watcher, err := procfs.NewAttachWatcher(logger, opts)
	if err != nil {
		return err
	}
	introspector, err := procfs.NewIntrospector(cfg.procMount, 0)
	if err != nil {
		return err
	}
	w, closeFn, err := scriptOutput(ctx, params.output)
	if err != nil {
		return err
	}
	defer closeFn()

	reporter := fetcher.NewReporter(consoleOutput, colorDisabled())
	snap := session.Snapshot()
	if !snap.AutoLoad {
		reporter.Warnf("$%s is off, attached processes will not be resolved", config.VarAutoLoad)
	}
	f := newFetcher(ctx, session, introspector, gdb.NewScriptLoader(w), reporter)

	// The introspector must see the new pid before the fetcher reads maps.
	watcher.Subscribe(introspector)
	watcher.Subscribe(f)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	if snap.DebugDir != "" {
		store, err := debugfile.NewStoreWatcher(logger, snap.DebugDir, params.debounce, f.Retry)
		if err != nil {
			level.Warn(logger).Log("msg", "not watching debug store", "err", err)
		} else {
			g.Go(func() error { return store.Run(gctx) })
		}
	}
	level.Info(logger).Log("msg", "waiting for processes", "comm", params.comm, "pid", params.pid)
	return g.Wait()
}

func newFetcher(ctx context.Context, session *config.Session, src host.ProcessIntrospector, loader host.SymbolLoader, reporter *fetcher.Reporter) *fetcher.Fetcher {
	logger := fetchcontext.Logger(ctx)
	cache, err := elf.NewCache(inspectCacheSize)
	if err != nil {
		level.Warn(logger).Log("msg", "inspection cache disabled", "err", err)
	}
	return fetcher.New(fetcher.Options{
		Cache:    cache,
		Logger:   logger,
		Session:  session,
		Reader:   procmap.NewReader(logger, src),
		Locator:  debugfile.NewLocator(logger, nil),
		Loader:   loader,
		Reporter: reporter,
		Metrics:  fetcher.NewMetrics(fetchcontext.Registry(ctx)),
	})
}

func scriptOutput(ctx context.Context, path string) (io.Writer, func(), error) {
	if path == "" {
		return fetchcontext.Output(ctx), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening output file")
	}
	return f, func() { _ = f.Close() }, nil
}

func isNotAttached(err error) bool {
	return errors.Is(err, procmap.ErrNotAttached)
}
