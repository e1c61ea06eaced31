package sectionmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

func libcSections(bias uint64) elf.Sections {
	return elf.Sections{
		".text":   {Name: ".text", Addr: bias + 0x28700, Size: 0x1940},
		".rodata": {Name: ".rodata", Addr: bias + 0x1c1000, Size: 0x2000},
		".data":   {Name: ".data", Addr: bias + 0x1e9000, Size: 0x10},
		".bss":    {Name: ".bss", Addr: bias + 0x1ea000, Size: 0x400},
	}
}

func TestMap(t *testing.T) {
	addrs := Map(0x7f0000000000, 0, libcSections(0))
	require.Equal(t, Addresses{
		".text":   0x7f0000028700,
		".rodata": 0x7f00001c1000,
		".data":   0x7f00001e9000,
		".bss":    0x7f00001ea000,
	}, addrs)
	require.Equal(t, []string{".text", ".rodata", ".data", ".bss"}, addrs.Names())
}

func TestMapSubtractsLoadBias(t *testing.T) {
	addrs := Map(0x7f0000000000, 0x400000, libcSections(0x400000))
	require.Equal(t, uint64(0x7f0000028700), addrs[".text"])
}

func TestMapDifferentBasesDifferByBaseDelta(t *testing.T) {
	sections := libcSections(0x1000)
	const a, b = uint64(0x7f1111111000), uint64(0x7f2222222000)
	ma := Map(a, 0x1000, sections)
	mb := Map(b, 0x1000, sections)
	require.Len(t, mb, len(ma))
	for name := range ma {
		require.Equal(t, b-a, mb[name]-ma[name], name)
	}
}

func TestReconcile(t *testing.T) {
	live := libcSections(0)
	debug := libcSections(0)
	delete(debug, ".bss")
	debug[".debug_info"] = elf.Section{Name: ".debug_info"}

	r := Reconcile(live, debug, 0x7f0000000000, 0)
	require.Equal(t, []string{".bss"}, r.Unmapped)
	require.NotContains(t, r.Addresses, ".debug_info")
	require.Len(t, r.Addresses, 3)

	warnings, err := r.Check("libc.so.6", "libc.debug", RequiredSections, ToleratedSections)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], ".bss")
}

func TestReconcileMissingRequired(t *testing.T) {
	live := libcSections(0)
	debug := libcSections(0)
	delete(debug, ".rodata")

	r := Reconcile(live, debug, 0x7f0000000000, 0)
	_, err := r.Check("libc.so.6", "libc.debug", RequiredSections, ToleratedSections)
	require.Error(t, err)
	require.True(t, fetcherr.IsPartialMapping(err))
	var pme *fetcherr.PartialMappingError
	require.ErrorAs(t, err, &pme)
	require.Equal(t, []string{".rodata"}, pme.Missing)
}

func TestReconcileSectionAbsentFromLiveIsNotRequired(t *testing.T) {
	live := libcSections(0)
	delete(live, ".data")
	debug := libcSections(0)
	delete(debug, ".data")

	r := Reconcile(live, debug, 0x7f0000000000, 0)
	require.Empty(t, r.Unmapped)
	warnings, err := r.Check("libc.so.6", "libc.debug", RequiredSections, ToleratedSections)
	require.NoError(t, err)
	require.Empty(t, warnings)
}
