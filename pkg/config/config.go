// Package config holds the session settings of fetch-debug.
//
// Two of them are exposed as named session variables, mirroring gdb
// convenience variables:
//
//	DEBUGDIR       root of the debug store; empty means <dir of library>/.debug
//	FETCH_DEFAULT  resolve automatically when a process is attached
//
// Settings are read from a YAML file, then the environment, then --set
// flags, each overriding the previous one.
package config

import (
	"bytes"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/drone/envsubst"
	"github.com/grafana/regexp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/elf"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/procmap"
)

const (
	VarDebugDir      = "DEBUGDIR"
	VarAutoLoad      = "FETCH_DEFAULT"
	VarModulePattern = "FETCH_MODULE"

	// DefaultDebugSubdir is appended to the library directory when no
	// debug directory is configured.
	DefaultDebugSubdir = ".debug"
)

type Config struct {
	DebugDir      string   `yaml:"debug_dir"`
	AutoLoad      bool     `yaml:"auto_load"`
	ModulePattern string   `yaml:"module_pattern"`
	Sections      []string `yaml:"sections"`
}

func Default() Config {
	return Config{
		ModulePattern: procmap.DefaultModulePattern,
		Sections:      append([]string(nil), elf.DefaultSections...),
	}
}

// LoadFile overlays the YAML document at path on c. Unknown keys are errors.
// With expandEnv, ${VAR} references are replaced by environment values first.
func (c *Config) LoadFile(path string, expandEnv bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	if expandEnv {
		s, err := envsubst.EvalEnv(string(data))
		if err != nil {
			return errors.Wrapf(err, "expanding environment in %s", path)
		}
		data = []byte(s)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}

// ApplyEnv overlays the session variables found by lookup, usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	for _, name := range []string{VarDebugDir, VarAutoLoad, VarModulePattern} {
		if v, ok := lookup(name); ok {
			if err := c.set(name, v); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs
}

func (c *Config) Validate() error {
	var errs error
	if _, err := c.ModuleRegexp(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if len(c.Sections) == 0 {
		errs = multierror.Append(errs, errors.New("at least one section is required"))
	}
	for _, s := range c.Sections {
		if !strings.HasPrefix(s, ".") {
			errs = multierror.Append(errs, errors.Errorf("section name %q must start with a dot", s))
		}
	}
	return errs
}

func (c *Config) ModuleRegexp() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.ModulePattern)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid module pattern %q", c.ModulePattern)
	}
	return re, nil
}

func (c *Config) set(name, value string) error {
	switch normalizeName(name) {
	case VarDebugDir:
		c.DebugDir = value
	case VarAutoLoad:
		b, err := parseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s", VarAutoLoad)
		}
		c.AutoLoad = b
	case VarModulePattern:
		c.ModulePattern = value
	default:
		return errors.Errorf("unknown variable %q", name)
	}
	return nil
}

func (c *Config) get(name string) (string, bool) {
	switch normalizeName(name) {
	case VarDebugDir:
		return c.DebugDir, true
	case VarAutoLoad:
		return strconv.FormatBool(c.AutoLoad), true
	case VarModulePattern:
		return c.ModulePattern, true
	}
	return "", false
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(name), "$"))
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes", "y":
		return true, nil
	case "off", "no", "n", "":
		return false, nil
	}
	return strconv.ParseBool(v)
}

// Session is the process-wide settings store. It is safe for concurrent use;
// each resolution works on a Snapshot.
type Session struct {
	mu  sync.RWMutex
	cfg Config
}

func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg}
}

func (s *Session) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Sections = append([]string(nil), s.cfg.Sections...)
	return cfg
}

// Set assigns a session variable by name. A leading $ is accepted.
func (s *Session) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	if err := next.set(name, value); err != nil {
		return err
	}
	if normalizeName(name) == VarModulePattern {
		if _, err := next.ModuleRegexp(); err != nil {
			return err
		}
	}
	s.cfg = next
	return nil
}

func (s *Session) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.get(name)
}

// Variables returns every session variable, sorted by name.
func (s *Session) Variables() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{VarDebugDir, VarAutoLoad, VarModulePattern}
	sort.Strings(names)
	res := make([][2]string, 0, len(names))
	for _, n := range names {
		v, _ := s.cfg.get(n)
		res = append(res, [2]string{n, v})
	}
	return res
}
