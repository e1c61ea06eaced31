package fetcher

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/host/gdb"
)

// Reporter prints the human readable progress of a resolution pass.
type Reporter struct {
	w io.Writer

	info, success, warning, err, command *color.Color
	section, offset, bold                *color.Color
}

func NewReporter(w io.Writer, noColor bool) *Reporter {
	r := &Reporter{
		w:       w,
		info:    color.New(color.Bold, color.FgBlue),
		success: color.New(color.Bold, color.FgGreen),
		warning: color.New(color.Bold, color.FgYellow),
		err:     color.New(color.Bold, color.FgRed),
		command: color.New(color.Bold, color.FgMagenta),
		section: color.New(color.Bold, color.FgCyan),
		offset:  color.New(color.Bold, color.FgYellow),
		bold:    color.New(color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{r.info, r.success, r.warning, r.err, r.command, r.section, r.offset, r.bold} {
			c.DisableColor()
		}
	}
	return r
}

func (r *Reporter) line(prefix *color.Color, tag, format string, args ...interface{}) {
	fmt.Fprintf(r.w, "%s%s\n", prefix.Sprint(tag), fmt.Sprintf(format, args...))
}

func (r *Reporter) Infof(format string, args ...interface{}) {
	r.line(r.info, "[*] ", format, args...)
}

func (r *Reporter) Successf(format string, args ...interface{}) {
	r.line(r.success, "[+] ", format, args...)
}

func (r *Reporter) Warnf(format string, args ...interface{}) {
	r.line(r.warning, "[W] ", format, args...)
}

func (r *Reporter) Errorf(format string, args ...interface{}) {
	r.line(r.err, "[E] ", format, args...)
}

func (r *Reporter) Commandf(format string, args ...interface{}) {
	r.line(r.command, "[O] ", format, args...)
}

// Plan prints the debug file, every section address and the gdb command.
func (r *Reporter) Plan(p *LoadPlan) {
	r.Infof("Loading debug symbols from: %s (%s match)", r.bold.Sprint(p.DebugFile), p.Match)
	for _, w := range p.Warnings {
		r.Warnf("%s", w)
	}
	for _, name := range p.Sections.Names() {
		r.Successf("Dumping %s at %s", r.section.Sprint(name), r.offset.Sprintf("0x%08x", p.Sections[name]))
	}
	if cmd, err := gdb.AddSymbolFile(p.DebugFile, p.Sections); err == nil {
		r.Commandf("%s", cmd)
	}
}

// Failure prints err as the single message of a failed pass.
func (r *Reporter) Failure(err error) {
	r.Errorf("Error during execution: %v", err)
}
