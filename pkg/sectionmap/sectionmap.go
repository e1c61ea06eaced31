// Package sectionmap places the sections of a separately built debug file at
// the addresses where the loader put the live library.
//
// A debug file carries the link-time addresses of the library. Only their
// distance from the first loadable segment is meaningful at run time, so
// every section lands at liveBase + (section.Addr - loadBias).
package sectionmap

import (
	"sort"

	"github.com/samber/lo"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

var (
	// RequiredSections must be placed when the live module has them.
	RequiredSections = []string{".text", ".rodata", ".data"}
	// ToleratedSections may be missing from a debug file; some debug-only
	// files omit zero-fill sections.
	ToleratedSections = []string{".bss"}
)

// Addresses maps a section name to its run-time virtual address.
type Addresses map[string]uint64

// Names returns the section names in ascending address order.
func (a Addresses) Names() []string {
	names := lo.Keys(a)
	sort.Slice(names, func(i, j int) bool {
		if a[names[i]] == a[names[j]] {
			return names[i] < names[j]
		}
		return a[names[i]] < a[names[j]]
	})
	return names
}

// Map computes the run-time address of every section.
func Map(liveBase, loadBias uint64, sections elf.Sections) Addresses {
	res := make(Addresses, len(sections))
	for name, s := range sections {
		res[name] = liveBase + (s.Addr - loadBias)
	}
	return res
}

// Result is the outcome of placing a debug file against a live module.
type Result struct {
	Addresses Addresses
	// Unmapped lists sections of the live module the debug file lacks.
	Unmapped []string
}

// Reconcile maps the debug file sections that the live module also has.
// Sections only present in the debug file are ignored.
func Reconcile(live, debug elf.Sections, liveBase, loadBias uint64) Result {
	common := lo.PickBy(debug, func(name string, _ elf.Section) bool {
		_, ok := live[name]
		return ok
	})
	unmapped := lo.Filter(live.Names(), func(name string, _ int) bool {
		_, ok := debug[name]
		return !ok
	})
	return Result{
		Addresses: Map(liveBase, loadBias, common),
		Unmapped:  unmapped,
	}
}

// Check rejects a result that misses a required section and returns one
// warning per missing tolerated section. Unmapped sections that are in
// neither list are reported as warnings too.
func (r Result) Check(module, debugFile string, required, tolerated []string) ([]string, error) {
	var (
		missing  []string
		warnings []string
	)
	for _, name := range r.Unmapped {
		switch {
		case lo.Contains(required, name):
			missing = append(missing, name)
		case lo.Contains(tolerated, name):
			warnings = append(warnings, name+" not present in debug file, leaving it unmapped")
		default:
			warnings = append(warnings, name+" not present in debug file")
		}
	}
	if len(missing) > 0 {
		return warnings, &fetcherr.PartialMappingError{
			Module:    module,
			DebugFile: debugFile,
			Missing:   missing,
		}
	}
	return warnings, nil
}
