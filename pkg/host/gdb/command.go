// Package gdb renders load plans as gdb commands.
package gdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/sectionmap"
)

const textSection = ".text"

// AddSymbolFile renders
//
//	add-symbol-file <path> <.text> -s <name> <addr> ...
//
// with the remaining sections in address order.
func AddSymbolFile(path string, sections sectionmap.Addresses) (string, error) {
	text, ok := sections[textSection]
	if !ok {
		return "", errors.Errorf("no %s address for %s", textSection, path)
	}
	parts := []string{"add-symbol-file", quote(path), fmt.Sprintf("0x%x", text)}
	for _, name := range sections.Names() {
		if name == textSection {
			continue
		}
		parts = append(parts, "-s", name, fmt.Sprintf("0x%x", sections[name]))
	}
	return strings.Join(parts, " "), nil
}

func quote(path string) string {
	if strings.ContainsAny(path, " \t\"'\\") {
		return strconv.Quote(path)
	}
	return path
}

// ScriptLoader writes the command to w, one per line, so the output can be
// sourced by gdb.
type ScriptLoader struct {
	w io.Writer
}

func NewScriptLoader(w io.Writer) *ScriptLoader {
	return &ScriptLoader{w: w}
}

func (l *ScriptLoader) AddSymbolFile(_ context.Context, path string, sections sectionmap.Addresses) error {
	cmd, err := AddSymbolFile(path, sections)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(l.w, cmd)
	return err
}

// ExecLoader starts an interactive gdb attached to PID with the symbol file
// already loaded. The terminal is handed over until gdb exits.
type ExecLoader struct {
	GDB    string
	PID    int
	Extra  []string
	Logger log.Logger
}

func (l *ExecLoader) AddSymbolFile(ctx context.Context, path string, sections sectionmap.Addresses) error {
	cmd, err := AddSymbolFile(path, sections)
	if err != nil {
		return err
	}
	args := l.args(cmd)
	level.Info(l.Logger).Log("msg", "starting gdb", "gdb", l.gdb(), "pid", l.PID)
	c := exec.CommandContext(ctx, l.gdb(), args...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return errors.Wrap(err, "running gdb")
	}
	return nil
}

func (l *ExecLoader) gdb() string {
	if l.GDB == "" {
		return "gdb"
	}
	return l.GDB
}

func (l *ExecLoader) args(cmd string) []string {
	args := []string{"-q", "-p", strconv.Itoa(l.PID)}
	args = append(args, l.Extra...)
	return append(args, "-ex", cmd)
}
