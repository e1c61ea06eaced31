package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/debugfile"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetchcontext"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
)

type inspectParams struct {
	files []string
	all   bool
}

func addInspectParams(cmd *kingpin.CmdClause) *inspectParams {
	p := &inspectParams{}
	cmd.Arg("file", "ELF file path").Required().ExistingFilesVar(&p.files)
	cmd.Flag("all", "List every section, not only the ones that get mapped.").BoolVar(&p.all)
	return p
}

func inspect(ctx context.Context, params *inspectParams) error {
	out := fetchcontext.Output(ctx)
	for _, path := range params.files {
		f, err := elf.Inspect(path)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "file:", f.Path)
		fmt.Fprintln(out, "\t type:", f.Type, f.Machine, f.Class)
		buildID := "(none)"
		if !f.BuildID.Empty() {
			buildID = f.BuildID.String()
		}
		fmt.Fprintln(out, "\t build id:", buildID)
		if f.DebugLink != nil {
			fmt.Fprintf(out, "\t debuglink: %s (crc %08x)\n", f.DebugLink.Name, f.DebugLink.CRC)
		}
		if f.HasLoad {
			fmt.Fprintf(out, "\t load bias: 0x%x\n", f.LoadBias)
		} else {
			fmt.Fprintln(out, "\t load bias: (no PT_LOAD)")
		}

		sections := make([]elf.Section, 0, len(f.AllSections))
		if params.all {
			sections = append(sections, f.AllSections...)
		} else {
			for _, name := range f.Sections.Names() {
				sections = append(sections, f.Sections[name])
			}
		}
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Section", "Type", "Offset", "Address", "Size"})
		for _, s := range sections {
			table.Append([]string{
				s.Name,
				s.Type.String(),
				fmt.Sprintf("0x%x", s.Offset),
				fmt.Sprintf("0x%x", s.Addr),
				humanize.IBytes(s.Size),
			})
		}
		table.Render()
	}
	return nil
}

type locateParams struct {
	root    string
	buildID string
	name    string
	link    string
}

func addLocateParams(cmd *kingpin.CmdClause) *locateParams {
	p := &locateParams{}
	cmd.Arg("root", "Debug store to search.").Required().StringVar(&p.root)
	cmd.Flag("build-id", "Build id of the library, in hex.").StringVar(&p.buildID)
	cmd.Flag("name", "File name of the library, used when no build id matches.").StringVar(&p.name)
	cmd.Flag("debuglink", "Debug link name of the library.").StringVar(&p.link)
	return p
}

func locate(ctx context.Context, params *locateParams) error {
	id, err := elf.ParseBuildID(params.buildID)
	if err != nil {
		return &fetcherr.PreconditionError{Reason: "bad --build-id", Err: err}
	}
	if id.Empty() && params.name == "" && params.link == "" {
		return &fetcherr.PreconditionError{Reason: "one of --build-id, --name or --debuglink is required"}
	}
	l := debugfile.NewLocator(fetchcontext.Logger(ctx), nil)
	c, err := l.Locate(params.root, id, params.name, params.link)
	if err != nil {
		return err
	}
	if c == nil {
		return &fetcherr.NotFoundError{Kind: "debug file", Name: locateQuery(id, params), Reason: "searched " + params.root}
	}
	out := fetchcontext.Output(ctx)
	fmt.Fprintln(out, c.Path)
	fmt.Fprintf(out, "\t match: %s (confidence %.1f)\n", c.Match, c.Match.Confidence())
	fmt.Fprintf(out, "\t modified: %s\n", humanize.Time(c.ModTime))
	return nil
}

func locateQuery(id elf.BuildID, params *locateParams) string {
	var parts []string
	if !id.Empty() {
		parts = append(parts, "build-id "+id.String())
	}
	if params.name != "" {
		parts = append(parts, filepath.Base(params.name))
	}
	if params.link != "" {
		parts = append(parts, "debuglink "+params.link)
	}
	return strings.Join(parts, " / ")
}

type modulesParams struct {
	*processParams
	all bool
}

func addModulesParams(cmd *kingpin.CmdClause) *modulesParams {
	p := &modulesParams{processParams: addProcessParams(cmd)}
	cmd.Flag("mappings", "Also list every mapping of each module.").BoolVar(&p.all)
	return p
}

func modules(ctx context.Context, params *modulesParams) error {
	session, err := loadSession(ctx)
	if err != nil {
		return err
	}
	snap := session.Snapshot()
	pattern, err := snap.ModuleRegexp()
	if err != nil {
		return err
	}
	src, err := params.source()
	if err != nil {
		return err
	}
	mods, err := procmap.NewReader(fetchcontext.Logger(ctx), src).ListModules(ctx)
	if err != nil {
		if isNotAttached(err) {
			return &fetcherr.PreconditionError{Reason: "no process attached", Err: err}
		}
		return err
	}

	// The first module matching the pattern is the one fetch resolves.
	selected := -1
	for i, m := range mods {
		if pattern.MatchString(m.Path) {
			selected = i
			break
		}
	}

	out := fetchcontext.Output(ctx)
	if params.all {
		fmt.Fprint(out, modulesTree(mods, selected))
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"", "Base", "End", "Size", "Path"})
	for i, m := range mods {
		mark := ""
		if i == selected {
			mark = "*"
		}
		table.Append([]string{mark, fmt.Sprintf("0x%x", m.Base), fmt.Sprintf("0x%x", m.End), humanize.IBytes(m.End - m.Base), m.Path})
	}
	table.Render()
	return nil
}

func modulesTree(mods []procmap.Module, selected int) string {
	tree := treeprint.New()
	for i, m := range mods {
		name := fmt.Sprintf("%s @ 0x%x", m.Path, m.Base)
		if i == selected {
			name += " (selected)"
		}
		b := tree.AddBranch(name)
		for _, mp := range m.Mappings {
			b.AddNode(fmt.Sprintf("0x%x-0x%x %s offset 0x%x", mp.Start, mp.End, mp.Perms, mp.Offset))
		}
	}
	return tree.String()
}
