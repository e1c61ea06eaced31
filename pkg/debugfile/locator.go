// Package debugfile finds the separate debug file of a binary under a debug
// store root.
//
// Two layouts are understood, both rooted at the search root:
//
//	.build-id/ab/cdef1234.debug   (or ab/cdef1234.debug)
//	libc-2.31.so.debug            (flat, any depth)
//
// The build id layout is authoritative. The flat layout is searched by name
// and is best-effort: among several files of the same match class the most
// recently modified wins, then the one closest to the root, then the
// lexicographically smallest path. Outside the exact names a candidate
// must carry the library stem as a whole word, so libc never matches
// libcrypt.so.1.debug.
package debugfile

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
)

const (
	DebugSuffix = ".debug"
	BuildIDDir  = ".build-id"
)

// MatchKind orders how a candidate was found. Higher is better.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchSubstring
	MatchPrefix
	MatchExact
	MatchDebugLink
	MatchBuildID
)

func (m MatchKind) String() string {
	switch m {
	case MatchSubstring:
		return "substring"
	case MatchPrefix:
		return "prefix"
	case MatchExact:
		return "exact"
	case MatchDebugLink:
		return "debuglink"
	case MatchBuildID:
		return "build-id"
	}
	return "none"
}

func (m MatchKind) Confidence() float64 {
	switch m {
	case MatchSubstring:
		return 0.3
	case MatchPrefix:
		return 0.5
	case MatchExact:
		return 0.8
	case MatchDebugLink:
		return 0.9
	case MatchBuildID:
		return 1.0
	}
	return 0
}

type Candidate struct {
	Path    string
	Match   MatchKind
	ModTime time.Time
}

type Locator struct {
	fs     afero.Fs
	logger log.Logger
}

func NewLocator(logger log.Logger, fs afero.Fs) *Locator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Locator{fs: fs, logger: logger}
}

// Locate returns the best debug file under root, or nil when there is none.
// A missing root is not an error.
func (l *Locator) Locate(root string, buildID elf.BuildID, fallbackName, debugLink string) (*Candidate, error) {
	if c := l.locateByBuildID(root, buildID); c != nil {
		return c, nil
	}
	if fallbackName == "" && debugLink == "" {
		return nil, nil
	}
	return l.locateByName(root, fallbackName, debugLink)
}

// DirExists reports whether root is an existing directory.
func (l *Locator) DirExists(root string) bool {
	ok, err := afero.DirExists(l.fs, root)
	return err == nil && ok
}

// BuildIDPaths lists the canonical locations of the debug file for id.
func BuildIDPaths(root string, id elf.BuildID) []string {
	if len(id) < 2 {
		return nil
	}
	hex := id.String()
	name := hex[2:] + DebugSuffix
	return []string{
		filepath.Join(root, BuildIDDir, hex[:2], name),
		filepath.Join(root, hex[:2], name),
	}
}

func (l *Locator) locateByBuildID(root string, id elf.BuildID) *Candidate {
	for _, p := range BuildIDPaths(root, id) {
		fi, err := l.fs.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		level.Debug(l.logger).Log("msg", "debug file found by build id", "path", p, "build_id", id.String())
		return &Candidate{Path: p, Match: MatchBuildID, ModTime: fi.ModTime()}
	}
	return nil
}

type nameMatcher struct {
	exact     []string
	debugLink string
	stem      string
}

func newNameMatcher(fallbackName, debugLink string) nameMatcher {
	m := nameMatcher{debugLink: debugLink}
	if fallbackName == "" {
		return m
	}
	base := filepath.Base(fallbackName)
	m.exact = append(m.exact, base+DebugSuffix)
	if i := strings.Index(base, ".so."); i >= 0 {
		// libc.so.6 -> libc.so.debug
		m.exact = append(m.exact, base[:i+3]+DebugSuffix)
	}
	m.stem = libraryStem(base)
	return m
}

// libraryStem strips the shared object suffix and version: libc.so.6 and
// libc-2.31.so both give libc.
func libraryStem(base string) string {
	if i := strings.Index(base, ".so"); i > 0 {
		base = base[:i]
	}
	if i := strings.IndexByte(base, '-'); i > 0 {
		base = base[:i]
	}
	return base
}

func (m nameMatcher) match(name string) MatchKind {
	if !strings.HasSuffix(name, DebugSuffix) {
		return MatchNone
	}
	if m.debugLink != "" && name == m.debugLink {
		return MatchDebugLink
	}
	for _, e := range m.exact {
		if name == e {
			return MatchExact
		}
	}
	if m.stem == "" {
		return MatchNone
	}
	switch {
	case len(name) > len(m.stem) && strings.HasPrefix(name, m.stem) && isVersionSep(name[len(m.stem)]):
		return MatchPrefix
	case containsWord(name, m.stem):
		return MatchSubstring
	}
	return MatchNone
}

// containsWord reports whether word occurs in s bounded on both sides by a
// version separator or the ends of s.
func containsWord(s, word string) bool {
	for off := 0; off+len(word) <= len(s); {
		i := strings.Index(s[off:], word)
		if i < 0 {
			return false
		}
		start, end := off+i, off+i+len(word)
		if (start == 0 || isVersionSep(s[start-1])) && (end == len(s) || isVersionSep(s[end])) {
			return true
		}
		off = start + 1
	}
	return false
}

// isVersionSep reports whether c may follow a library stem: libc-2.31,
// libc.so, libc_nonshared.
func isVersionSep(c byte) bool {
	return c == '-' || c == '.' || c == '_'
}

func (l *Locator) locateByName(root, fallbackName, debugLink string) (*Candidate, error) {
	matcher := newNameMatcher(fallbackName, debugLink)
	var found []Candidate
	err := afero.Walk(l.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			level.Debug(l.logger).Log("msg", "skipping unreadable path", "path", p, "err", err)
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		if kind := matcher.match(info.Name()); kind != MatchNone {
			found = append(found, Candidate{Path: p, Match: kind, ModTime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			level.Debug(l.logger).Log("msg", "debug search root does not exist", "root", root)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "searching %s", root)
	}
	if len(found) == 0 {
		return nil, nil
	}
	sortCandidates(root, found)
	if len(found) > 1 {
		level.Debug(l.logger).Log("msg", "several debug files match, picking best", "count", len(found), "picked", found[0].Path)
	}
	best := found[0]
	return &best, nil
}

func sortCandidates(root string, cs []Candidate) {
	depth := func(p string) int {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return strings.Count(p, string(filepath.Separator))
		}
		return strings.Count(rel, string(filepath.Separator))
	}
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Match != b.Match {
			return a.Match > b.Match
		}
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		if da, db := depth(a.Path), depth(b.Path); da != db {
			return da < db
		}
		return a.Path < b.Path
	})
}
