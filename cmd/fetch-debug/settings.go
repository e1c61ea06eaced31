package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/config"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetchcontext"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

// loadSession builds the session settings: defaults, then the config file,
// then the environment, then --set flags.
func loadSession(ctx context.Context) (*config.Session, error) {
	c := config.Default()
	if cfg.configFile != "" {
		if err := c.LoadFile(cfg.configFile, cfg.configExpandEnv); err != nil {
			return nil, &fetcherr.PreconditionError{Reason: "bad configuration", Err: err}
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, &fetcherr.PreconditionError{Reason: "bad environment", Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, &fetcherr.PreconditionError{Reason: "bad configuration", Err: err}
	}

	session := config.NewSession(c)
	var errs error
	for _, kv := range cfg.set {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			errs = multierror.Append(errs, errors.Errorf("--set %q: expected NAME=VALUE", kv))
			continue
		}
		if err := session.Set(name, value); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "--set %s", name))
		}
	}
	if errs != nil {
		return nil, &fetcherr.PreconditionError{Reason: "bad session variable", Err: errs}
	}
	snap := session.Snapshot()
	level.Debug(fetchcontext.Logger(ctx)).Log("msg", "session loaded", "debug_dir", snap.DebugDir, "auto_load", snap.AutoLoad, "module", snap.ModulePattern)
	return session, nil
}

func vars(ctx context.Context) error {
	session, err := loadSession(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(fetchcontext.Output(ctx))
	table.SetHeader([]string{"Variable", "Value"})
	for _, v := range session.Variables() {
		value := v[1]
		if value == "" {
			value = "(unset)"
		}
		table.Append([]string{"$" + v[0], value})
	}
	table.Render()
	fmt.Fprintf(fetchcontext.Output(ctx), "sections: %s\n", strings.Join(session.Snapshot().Sections, " "))
	return nil
}
