// Package fetcher runs the resolution pipeline: find the target library in
// the live process, find its debug file, place the debug file sections at
// the library's run-time addresses and hand the result to the host.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/config"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/debugfile"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/sectionmap"
)

type State int32

const (
	StateIdle State = iota
	StateResolving
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// LoadPlan is what gets loaded and where. It is computed fresh on every
// pass: base addresses change when the process is restarted.
type LoadPlan struct {
	Module    procmap.Module
	BuildID   elf.BuildID
	DebugFile string
	Match     debugfile.MatchKind
	LoadBias  uint64
	Sections  sectionmap.Addresses
	Unmapped  []string
	Warnings  []string
}

type Options struct {
	Logger   log.Logger
	Session  *config.Session
	Reader   *procmap.Reader
	Locator  *debugfile.Locator
	Loader   host.SymbolLoader
	Cache    *elf.Cache // inspection results are not kept when nil
	Reporter *Reporter  // discards output when nil
	Metrics  *Metrics  // may be nil
}

type Fetcher struct {
	opts   Options
	logger log.Logger

	// mu serializes passes; the host never runs two at once but the attach
	// watcher and the debug store watcher may.
	mu    sync.Mutex
	state *atomic.Int32
	last  *LoadPlan
}

func New(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Reporter == nil {
		opts.Reporter = NewReporter(io.Discard, true)
	}
	if opts.Session == nil {
		opts.Session = config.NewSession(config.Default())
	}
	if opts.Locator == nil {
		opts.Locator = debugfile.NewLocator(opts.Logger, nil)
	}
	return &Fetcher{
		opts:   opts,
		logger: opts.Logger,
		state:  atomic.NewInt32(int32(StateIdle)),
	}
}

func (f *Fetcher) State() State {
	return State(f.state.Load())
}

// Loaded returns the plan of the last successful pass, nil if none.
func (f *Fetcher) Loaded() *LoadPlan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *Fetcher) setState(s State) {
	prev := State(f.state.Swap(int32(s)))
	level.Debug(f.logger).Log("msg", "state change", "from", prev, "to", s)
}

// Fetch resolves a plan and loads it. searchRoot, when not empty, replaces
// the configured debug directory for this pass only. Failures are reported
// and returned; the symbol state of the host is untouched on failure.
func (f *Fetcher) Fetch(ctx context.Context, searchRoot string) (*LoadPlan, error) {
	return f.fetch(ctx, searchRoot, "manual")
}

func (f *Fetcher) fetch(ctx context.Context, searchRoot, trigger string) (*LoadPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setState(StateResolving)
	start := time.Now()
	plan, err := f.resolve(ctx, searchRoot)
	if err == nil {
		f.opts.Reporter.Plan(plan)
		if f.opts.Loader == nil {
			err = stepErr(StepLoad, errors.New("no symbol loader configured"))
		} else if loadErr := f.opts.Loader.AddSymbolFile(ctx, plan.DebugFile, plan.Sections); loadErr != nil {
			err = stepErr(StepLoad, loadErr)
		}
	}
	f.observe(trigger, plan, err, time.Since(start))
	if err != nil {
		f.setState(StateFailed)
		f.opts.Reporter.Failure(err)
		level.Warn(f.logger).Log("msg", "debug symbols not loaded", "step", FailedStep(err), "kind", fetcherr.Kind(err), "err", err)
		return nil, err
	}
	f.setState(StateLoaded)
	f.last = plan
	f.opts.Reporter.Successf("Debug symbols loaded successfully!")
	level.Info(f.logger).Log("msg", "debug symbols loaded", "module", plan.Module.Path, "debug_file", plan.DebugFile, "match", plan.Match)
	return plan, nil
}

// Resolve runs the pipeline without loading anything and without changing
// the state.
func (f *Fetcher) Resolve(ctx context.Context, searchRoot string) (*LoadPlan, error) {
	return f.resolve(ctx, searchRoot)
}

// OnAttach resolves automatically when FETCH_DEFAULT is set. It never
// fails the attach: errors are only reported.
func (f *Fetcher) OnAttach(ctx context.Context, ev host.AttachEvent) {
	if !f.opts.Session.Snapshot().AutoLoad {
		level.Debug(f.logger).Log("msg", "automatic resolution disabled", "pid", ev.PID)
		return
	}
	f.opts.Reporter.Infof("Process %d (%s) attached, fetching debug symbols", ev.PID, ev.Comm)
	_, _ = f.fetch(ctx, "", "attach")
}

// Retry runs a new automatic pass if the previous one failed, for example
// after a debug file was added to the store.
func (f *Fetcher) Retry(ctx context.Context) {
	if f.State() != StateFailed || !f.opts.Session.Snapshot().AutoLoad {
		return
	}
	_, _ = f.fetch(ctx, "", "retry")
}

func (f *Fetcher) resolve(ctx context.Context, searchRoot string) (*LoadPlan, error) {
	cfg := f.opts.Session.Snapshot()
	pattern, err := cfg.ModuleRegexp()
	if err != nil {
		return nil, stepErr(StepConfig, err)
	}

	mod, err := f.opts.Reader.FindModule(ctx, pattern)
	if err != nil {
		if errors.Is(err, procmap.ErrNotAttached) {
			return nil, stepErr(StepProcessImage, &fetcherr.PreconditionError{Reason: "no process attached", Err: err})
		}
		return nil, stepErr(StepProcessImage, err)
	}
	if mod == nil {
		return nil, stepErr(StepProcessImage, &fetcherr.PreconditionError{
			Reason: fmt.Sprintf("no loaded module matches %s", pattern.String()),
		})
	}

	inspectOpts := elf.InspectOptions{Sections: cfg.Sections}
	lib, err := f.inspect(mod.Path, inspectOpts)
	if err != nil {
		return nil, stepErr(StepInspectLib, err)
	}
	if len(lib.Sections) == 0 {
		return nil, stepErr(StepInspectLib, &fetcherr.NotFoundError{
			Kind:   "section",
			Name:   fmt.Sprint(cfg.Sections),
			Reason: "none present in " + mod.Path,
		})
	}

	root := f.searchRoot(searchRoot, cfg, mod.Path)
	var link string
	if lib.DebugLink != nil {
		link = lib.DebugLink.Name
	}
	candidate, err := f.opts.Locator.Locate(root, lib.BuildID, filepath.Base(mod.Path), link)
	if err != nil {
		return nil, stepErr(StepLocate, err)
	}
	if candidate == nil {
		name := filepath.Base(mod.Path)
		if !lib.BuildID.Empty() {
			name = "build-id " + lib.BuildID.String() + " / " + name
		}
		return nil, stepErr(StepLocate, &fetcherr.NotFoundError{Kind: "debug file", Name: name, Reason: "searched " + root})
	}
	level.Debug(f.logger).Log("msg", "debug file selected", "path", candidate.Path, "match", candidate.Match, "confidence", candidate.Match.Confidence())

	dbg, err := f.inspect(candidate.Path, inspectOpts)
	if err != nil {
		return nil, stepErr(StepInspectDebug, err)
	}
	if !lib.BuildID.Empty() && !dbg.BuildID.Empty() && !lib.BuildID.Equal(dbg.BuildID) {
		return nil, stepErr(StepLocate, &fetcherr.NotFoundError{
			Kind:   "debug file",
			Name:   candidate.Path,
			Reason: fmt.Sprintf("build-id mismatch: module %s, debug file %s", lib.BuildID, dbg.BuildID),
		})
	}

	bias := dbg.LoadBias
	if !dbg.HasLoad {
		bias = lib.LoadBias
	}
	mapped := sectionmap.Reconcile(lib.Sections, dbg.Sections, mod.Base, bias)
	warnings, err := mapped.Check(mod.Path, candidate.Path, sectionmap.RequiredSections, sectionmap.ToleratedSections)
	if err != nil {
		return nil, stepErr(StepMap, err)
	}
	if _, ok := mapped.Addresses[".text"]; !ok {
		return nil, stepErr(StepMap, &fetcherr.PartialMappingError{Module: mod.Path, DebugFile: candidate.Path, Missing: []string{".text"}})
	}
	for _, w := range warnings {
		level.Warn(f.logger).Log("msg", w, "debug_file", candidate.Path)
	}

	return &LoadPlan{
		Module:    *mod,
		BuildID:   lib.BuildID,
		DebugFile: candidate.Path,
		Match:     candidate.Match,
		LoadBias:  bias,
		Sections:  mapped.Addresses,
		Unmapped:  mapped.Unmapped,
		Warnings:  warnings,
	}, nil
}

func (f *Fetcher) inspect(path string, opts elf.InspectOptions) (*elf.File, error) {
	if f.opts.Cache != nil {
		return f.opts.Cache.Inspect(path, opts)
	}
	return elf.InspectWithOptions(path, opts)
}

// searchRoot picks the explicit root, then DEBUGDIR, then <library dir>/.debug.
// A root that does not exist falls back to the library default.
func (f *Fetcher) searchRoot(explicit string, cfg config.Config, modulePath string) string {
	fallback := filepath.Join(filepath.Dir(modulePath), config.DefaultDebugSubdir)
	root := explicit
	if root == "" {
		root = cfg.DebugDir
	}
	if root == "" {
		f.opts.Reporter.Warnf("%s not set, using library path", config.VarDebugDir)
		return fallback
	}
	if !f.opts.Locator.DirExists(root) {
		f.opts.Reporter.Warnf("%s does not exist, using library path", root)
		return fallback
	}
	return root
}

func (f *Fetcher) observe(trigger string, plan *LoadPlan, err error, took time.Duration) {
	m := f.opts.Metrics
	if m == nil {
		return
	}
	m.Duration.Observe(took.Seconds())
	if err != nil {
		m.Resolutions.WithLabelValues("failed", trigger).Inc()
		m.Errors.WithLabelValues(string(FailedStep(err)), fetcherr.Kind(err)).Inc()
		return
	}
	m.Resolutions.WithLabelValues("loaded", trigger).Inc()
	m.Matches.WithLabelValues(plan.Match.String()).Inc()
}
