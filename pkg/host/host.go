// Package host declares what the resolution pipeline needs from the
// debugger it runs in: process introspection, attach notifications and a
// way to load a symbol file at given section addresses.
package host

import (
	"context"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/sectionmap"
)

// ProcessIntrospector lists the mappings of the attached process.
// It returns procmap.ErrNotAttached when there is none.
type ProcessIntrospector = procmap.Source

// SymbolLoader loads path into the symbol tables with every section placed
// at the given address.
type SymbolLoader interface {
	AddSymbolFile(ctx context.Context, path string, sections sectionmap.Addresses) error
}

type AttachEvent struct {
	PID  int
	Comm string
	Exe  string
}

// AttachListener is called once per newly attached process. Implementations
// must not fail the attach: errors are theirs to report.
type AttachListener interface {
	OnAttach(ctx context.Context, ev AttachEvent)
}

type AttachNotifier interface {
	Subscribe(l AttachListener)
}

// AttachListenerFunc adapts a function to AttachListener.
type AttachListenerFunc func(ctx context.Context, ev AttachEvent)

func (f AttachListenerFunc) OnAttach(ctx context.Context, ev AttachEvent) {
	f(ctx, ev)
}
