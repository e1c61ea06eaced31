package fetcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/config"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/debugfile"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf/elftest"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host/hostmock"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/sectionmap"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/test"
)

const liveBase = 0x7f1234500000

var testBuildID = []byte{
	0x1f, 0xcf, 0xa0, 0x68, 0xc5, 0xfd, 0xb9, 0xf3, 0x1e, 0x6d,
	0x9f, 0x3f, 0x89, 0x01, 0x9b, 0xea, 0xcb, 0x70, 0x18, 0x2d,
}

var expectedSections = sectionmap.Addresses{
	".text":   liveBase + 0x28700,
	".rodata": liveBase + 0x1c1000,
	".data":   liveBase + 0x1e9000,
	".bss":    liveBase + 0x1ea000,
}

type fixture struct {
	dir     string
	lib     string
	store   string
	session *config.Session
	loader  *hostmock.MockSymbolLoader
	out     *bytes.Buffer
	reg     *prometheus.Registry
	metrics *Metrics
	src     procmap.Source
}

func newFixture(t *testing.T, libName string, buildID []byte) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		lib:     elftest.Library(buildID, 0).Write(t, dir, filepath.Join("lib", libName)),
		store:   filepath.Join(dir, "store"),
		session: config.NewSession(config.Default()),
		loader:  &hostmock.MockSymbolLoader{},
		out:     &bytes.Buffer{},
		reg:     prometheus.NewRegistry(),
	}
	require.NoError(t, os.MkdirAll(f.store, 0o755))
	require.NoError(t, f.session.Set(config.VarDebugDir, f.store))
	f.metrics = NewMetrics(f.reg)
	f.src = procmap.StaticSource{
		{Start: 0x55d000000000, End: 0x55d000001000, Perms: "r--p", Path: "/usr/bin/cat"},
		{Start: liveBase, End: liveBase + 0x28000, Perms: "r--p", Path: f.lib},
		{Start: liveBase + 0x28000, End: liveBase + 0x1bd000, Offset: 0x28000, Perms: "r-xp", Path: f.lib},
		{Start: liveBase + 0x1e9000, End: liveBase + 0x1eb000, Offset: 0x1e8000, Perms: "rw-p", Path: f.lib},
		{Start: 0x7ffd00000000, End: 0x7ffd00021000, Perms: "rw-p", Path: "[stack]"},
	}
	return f
}

func (f *fixture) fetcher(t *testing.T) *Fetcher {
	logger := test.NewTestingLogger(t)
	return New(Options{
		Logger:   logger,
		Session:  f.session,
		Reader:   procmap.NewReader(logger, f.src),
		Locator:  debugfile.NewLocator(logger, nil),
		Loader:   f.loader,
		Reporter: NewReporter(f.out, true),
		Metrics:  f.metrics,
	})
}

func (f *fixture) writeBuildIDDebugFile(t *testing.T, b *elftest.Builder) string {
	t.Helper()
	paths := debugfile.BuildIDPaths(f.store, elf.BuildID(testBuildID))
	rel, err := filepath.Rel(f.store, paths[0])
	require.NoError(t, err)
	return b.Write(t, f.store, rel)
}

func TestFetchByBuildID(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	debugPath := f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	f.loader.On("AddSymbolFile", mock.Anything, debugPath, expectedSections).Return(nil).Once()

	ft := f.fetcher(t)
	require.Equal(t, StateIdle, ft.State())
	plan, err := ft.Fetch(context.Background(), "")
	require.NoError(t, err)
	f.loader.AssertExpectations(t)

	require.Equal(t, StateLoaded, ft.State())
	require.Equal(t, debugfile.MatchBuildID, plan.Match)
	require.Equal(t, uint64(liveBase), plan.Module.Base)
	require.Equal(t, f.lib, plan.Module.Path)
	require.Empty(t, plan.Warnings)
	require.Same(t, plan, ft.Loaded())

	out := f.out.String()
	require.Contains(t, out, "[*] Loading debug symbols from: "+debugPath)
	require.Contains(t, out, "[+] Dumping .text at 0x7f1234528700")
	require.Contains(t, out, "[+] Dumping .bss at 0x7f12346ea000")
	require.Contains(t, out, "[O] add-symbol-file "+debugPath+" 0x7f1234528700 -s .rodata 0x7f12346c1000")
	require.Contains(t, out, "[+] Debug symbols loaded successfully!")

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("loaded", "manual")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Matches.WithLabelValues("build-id")))
}

func TestFetchDebugFileLinkedAtOtherAddress(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0x400000))
	f.loader.ExpectAnyLoad(nil)

	plan, err := f.fetcher(t).Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, uint64(0x400000), plan.LoadBias)
	require.Empty(t, cmp.Diff(expectedSections, plan.Sections))
}

func TestFetchMissingBSSIsTolerated(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0).Without(".bss"))
	f.loader.ExpectAnyLoad(nil)

	plan, err := f.fetcher(t).Fetch(context.Background(), "")
	require.NoError(t, err)
	require.NotContains(t, plan.Sections, ".bss")
	require.Equal(t, []string{".bss"}, plan.Unmapped)
	require.Len(t, plan.Warnings, 1)
	require.Contains(t, f.out.String(), "[W] .bss not present in debug file")
	f.loader.AssertNumberOfCalls(t, "AddSymbolFile", 1)
}

func TestFetchMissingRequiredSection(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0).Without(".rodata"))

	ft := f.fetcher(t)
	_, err := ft.Fetch(context.Background(), "")
	require.Error(t, err)
	require.True(t, fetcherr.IsPartialMapping(err))
	require.Equal(t, StepMap, FailedStep(err))
	require.Equal(t, StateFailed, ft.State())
	f.loader.AssertNotCalled(t, "AddSymbolFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchNoCandidate(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)

	ft := f.fetcher(t)
	_, err := ft.Fetch(context.Background(), "")
	require.Error(t, err)
	require.True(t, fetcherr.IsNotFound(err))
	require.Equal(t, StepLocate, FailedStep(err))
	require.Equal(t, StateFailed, ft.State())
	require.Nil(t, ft.Loaded())
	f.loader.AssertNotCalled(t, "AddSymbolFile", mock.Anything, mock.Anything, mock.Anything)

	require.Contains(t, f.out.String(), "[E] Error during execution: locate debug file:")
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues(string(StepLocate), "NotFoundError")))
}

func TestFetchBuildIDMismatch(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	other := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}
	f.writeBuildIDDebugFile(t, elftest.Library(other, 0))

	_, err := f.fetcher(t).Fetch(context.Background(), "")
	require.Error(t, err)
	require.True(t, fetcherr.IsNotFound(err))
	require.Contains(t, err.Error(), "build-id mismatch")
	f.loader.AssertNotCalled(t, "AddSymbolFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchByNameUnderLibraryDebugDir(t *testing.T) {
	f := newFixture(t, "libtarget.so", nil)
	require.NoError(t, f.session.Set(config.VarDebugDir, ""))
	require.NoError(t, f.session.Set(config.VarModulePattern, `/libtarget\.so$`))
	debugPath := elftest.Library(nil, 0).Write(t, f.dir, filepath.Join("lib", ".debug", "libtarget.so.debug"))
	f.loader.ExpectAnyLoad(nil)

	plan, err := f.fetcher(t).Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, debugPath, plan.DebugFile)
	require.Equal(t, debugfile.MatchExact, plan.Match)
	require.Contains(t, f.out.String(), "[W] DEBUGDIR not set, using library path")
}

func TestFetchMissingRootFallsBackToLibraryDir(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	debugPath := elftest.Library(testBuildID, 0).Write(t, f.dir, filepath.Join("lib", ".debug", "libc.so.6.debug"))
	f.loader.ExpectAnyLoad(nil)

	missing := filepath.Join(f.dir, "nope")
	plan, err := f.fetcher(t).Fetch(context.Background(), missing)
	require.NoError(t, err)
	require.Equal(t, debugPath, plan.DebugFile)
	require.Contains(t, f.out.String(), "[W] "+missing+" does not exist, using library path")
}

func TestFetchExplicitRootDoesNotChangeSession(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	other := filepath.Join(f.dir, "other")
	paths := debugfile.BuildIDPaths(other, elf.BuildID(testBuildID))
	rel, err := filepath.Rel(other, paths[1])
	require.NoError(t, err)
	debugPath := elftest.Library(testBuildID, 0).Write(t, other, rel)
	f.loader.ExpectAnyLoad(nil)

	plan, err := f.fetcher(t).Fetch(context.Background(), other)
	require.NoError(t, err)
	require.Equal(t, debugPath, plan.DebugFile)

	dir, ok := f.session.Get(config.VarDebugDir)
	require.True(t, ok)
	require.Equal(t, f.store, dir)
}

func TestFetchNoMatchingModule(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	require.NoError(t, f.session.Set(config.VarModulePattern, `/libnothere\.so`))

	_, err := f.fetcher(t).Fetch(context.Background(), "")
	require.Error(t, err)
	require.True(t, fetcherr.IsPrecondition(err))
	require.Equal(t, StepProcessImage, FailedStep(err))
}

type detached struct{}

func (detached) Mappings(context.Context) ([]procmap.Mapping, error) {
	return nil, procmap.ErrNotAttached
}

func TestFetchNotAttached(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.src = detached{}

	ft := f.fetcher(t)
	_, err := ft.Fetch(context.Background(), "")
	require.Error(t, err)
	require.True(t, fetcherr.IsPrecondition(err))
	require.ErrorIs(t, err, procmap.ErrNotAttached)
	require.Equal(t, StateFailed, ft.State())
}

func TestFetchLoaderFailure(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	loadErr := os.ErrPermission
	f.loader.ExpectAnyLoad(loadErr)

	ft := f.fetcher(t)
	_, err := ft.Fetch(context.Background(), "")
	require.ErrorIs(t, err, loadErr)
	require.Equal(t, StepLoad, FailedStep(err))
	require.Equal(t, StateFailed, ft.State())
	require.Nil(t, ft.Loaded())
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	ft := f.fetcher(t)

	plan := test.RequireRepeatable(t, func() (*LoadPlan, error) {
		return ft.Resolve(context.Background(), "")
	})
	require.NotNil(t, plan)
	require.Equal(t, StateIdle, ft.State())
	f.loader.AssertNotCalled(t, "AddSymbolFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnAttach(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	f.loader.ExpectAnyLoad(nil)
	ft := f.fetcher(t)
	ev := host.AttachEvent{PID: 4242, Comm: "cat"}

	ft.OnAttach(context.Background(), ev)
	require.Equal(t, StateIdle, ft.State())
	f.loader.AssertNotCalled(t, "AddSymbolFile", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, f.session.Set(config.VarAutoLoad, "on"))
	ft.OnAttach(context.Background(), ev)
	require.Equal(t, StateLoaded, ft.State())
	f.loader.AssertNumberOfCalls(t, "AddSymbolFile", 1)
	require.True(t, strings.Contains(f.out.String(), "Process 4242 (cat) attached"))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("loaded", "attach")))
}

func TestOnAttachSwallowsErrors(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	require.NoError(t, f.session.Set(config.VarAutoLoad, "1"))
	ft := f.fetcher(t)

	require.NotPanics(t, func() {
		ft.OnAttach(context.Background(), host.AttachEvent{PID: 1})
	})
	require.Equal(t, StateFailed, ft.State())
}

func TestRetryAfterDebugFileAppears(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	require.NoError(t, f.session.Set(config.VarAutoLoad, "true"))
	f.loader.ExpectAnyLoad(nil)
	ft := f.fetcher(t)

	ft.Retry(context.Background())
	require.Equal(t, StateIdle, ft.State())

	_, err := ft.Fetch(context.Background(), "")
	require.Error(t, err)

	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	ft.Retry(context.Background())
	require.Equal(t, StateLoaded, ft.State())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("loaded", "retry")))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "State(9)", State(9).String())
}

func TestFetchReusesInspections(t *testing.T) {
	f := newFixture(t, "libc.so.6", testBuildID)
	f.writeBuildIDDebugFile(t, elftest.Library(testBuildID, 0))
	f.loader.ExpectAnyLoad(nil)
	cache, err := elf.NewCache(8)
	require.NoError(t, err)

	logger := test.NewTestingLogger(t)
	ft := New(Options{
		Logger:  logger,
		Session: f.session,
		Reader:  procmap.NewReader(logger, f.src),
		Loader:  f.loader,
		Cache:   cache,
	})
	test.RequireRepeatable(t, func() (*LoadPlan, error) {
		return ft.Fetch(context.Background(), "")
	})
	require.Equal(t, 2, cache.Len())
}
