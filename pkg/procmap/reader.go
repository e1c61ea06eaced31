// Package procmap turns the memory map of a live process into the list of
// shared objects it has loaded.
package procmap

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// DefaultModulePattern matches the C library as named by glibc releases:
// libc.so.6, libc-2.31.so.
const DefaultModulePattern = `/libc-?([0-9]\.\d{2})?\.so`

// ErrNotAttached is returned by a Source when there is no live process.
var ErrNotAttached = errors.New("no process attached")

// Source provides the mappings of the live process.
type Source interface {
	Mappings(ctx context.Context) ([]Mapping, error)
}

// Module is one file mapped into the process.
type Module struct {
	Path string
	// Base is where offset 0 of the file is mapped.
	Base     uint64
	End      uint64
	Mappings []Mapping
}

type Reader struct {
	src    Source
	logger log.Logger
}

func NewReader(logger log.Logger, src Source) *Reader {
	return &Reader{src: src, logger: logger}
}

// ListModules groups file-backed mappings by path, in order of first
// appearance in the address space.
func (r *Reader) ListModules(ctx context.Context) ([]Module, error) {
	mappings, err := r.src.Mappings(ctx)
	if err != nil {
		return nil, err
	}
	return Modules(mappings), nil
}

// FindModule returns the first module in load order whose path matches
// pattern, or nil when none does.
func (r *Reader) FindModule(ctx context.Context, pattern *regexp.Regexp) (*Module, error) {
	modules, err := r.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	for i := range modules {
		if pattern.MatchString(modules[i].Path) {
			level.Debug(r.logger).Log("msg", "module found", "path", modules[i].Path, "base", fmt.Sprintf("%#x", modules[i].Base))
			return &modules[i], nil
		}
	}
	level.Debug(r.logger).Log("msg", "no module matches", "pattern", pattern.String(), "modules", len(modules))
	return nil, nil
}

func Modules(mappings []Mapping) []Module {
	fileBacked := lo.Filter(mappings, func(m Mapping, _ int) bool {
		return isFileBacked(m.Path)
	})
	sort.SliceStable(fileBacked, func(i, j int) bool {
		return fileBacked[i].Start < fileBacked[j].Start
	})

	var res []Module
	index := make(map[string]int)
	for _, m := range fileBacked {
		i, ok := index[m.Path]
		if !ok {
			index[m.Path] = len(res)
			res = append(res, Module{
				Path: m.Path,
				Base: m.Start - m.Offset,
				End:  m.End,
			})
			i = len(res) - 1
		}
		mod := &res[i]
		mod.Mappings = append(mod.Mappings, m)
		if m.End > mod.End {
			mod.End = m.End
		}
	}
	return res
}

func isFileBacked(path string) bool {
	if path == "" || strings.HasPrefix(path, "[") {
		return false
	}
	return !strings.HasPrefix(path, "anon_inode:") && !strings.HasPrefix(path, "/memfd:")
}

// FileSource reads mappings from a saved maps file on every call.
type FileSource struct {
	Path string
}

func (s FileSource) Mappings(_ context.Context) ([]Mapping, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening maps file")
	}
	defer f.Close()
	return ParseMaps(f)
}

// StaticSource always returns the same mappings.
type StaticSource []Mapping

func (s StaticSource) Mappings(_ context.Context) ([]Mapping, error) {
	return s, nil
}
