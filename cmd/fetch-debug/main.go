package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetchcontext"
	"github.com/MuelNova/glibc-all-in-one-gdb-debug/pkg/fetcherr"
)

var cfg struct {
	verbose         bool
	noColor         bool
	configFile      string
	configExpandEnv bool
	set             []string
	metricsTextfile string
	procMount       string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Load glibc debug symbols into gdb at the addresses of the running process.").UsageWriter(os.Stdout)
	app.Version(version.Print("fetch-debug"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("no-color", "Disable colored output. Color is off anyway when stderr is not a terminal.").BoolVar(&cfg.noColor)
	app.Flag("config.file", "YAML file with the default settings.").Envar("FETCH_DEBUG_CONFIG").StringVar(&cfg.configFile)
	app.Flag("config.expand-env", "Expands ${var} in the config file according to the values of the environment variables.").Default("false").BoolVar(&cfg.configExpandEnv)
	app.Flag("set", "Set a session variable, NAME=VALUE. Can be repeated.").PlaceHolder("NAME=VALUE").StringsVar(&cfg.set)
	app.Flag("metrics.textfile", "Write resolution metrics to this file in the Prometheus text format on exit.").StringVar(&cfg.metricsTextfile)
	app.Flag("proc.mount", "Mount point of the proc filesystem.").Default("/proc").StringVar(&cfg.procMount)

	fetchCmd := app.Command("fetch", "Resolve the debug file of the C library of a process and load it.").Default()
	fetchParams := addFetchParams(fetchCmd)

	watchCmd := app.Command("watch", "Wait for processes and load debug symbols every time one starts.")
	watchParams := addWatchParams(watchCmd)

	inspectCmd := app.Command("inspect", "Show the sections, build id and load bias of ELF files.")
	inspectParams := addInspectParams(inspectCmd)

	locateCmd := app.Command("locate", "Find the debug file of a library in a debug store.")
	locateParams := addLocateParams(locateCmd)

	modulesCmd := app.Command("modules", "List the files mapped into a process.")
	modulesParams := addModulesParams(modulesCmd)

	varsCmd := app.Command("vars", "Show the session variables after applying the config file, environment and --set.")

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	reg := prometheus.NewRegistry()
	ctx := fetchcontext.WithLogger(context.Background(), logger)
	ctx = fetchcontext.WithRegistry(ctx, reg)
	ctx = fetchcontext.WithOutput(ctx, os.Stdout)

	var err error
	switch parsedCmd {
	case fetchCmd.FullCommand():
		err = fetch(ctx, fetchParams)
	case watchCmd.FullCommand():
		err = watch(ctx, watchParams)
	case inspectCmd.FullCommand():
		err = inspect(ctx, inspectParams)
	case locateCmd.FullCommand():
		err = locate(ctx, locateParams)
	case modulesCmd.FullCommand():
		err = modules(ctx, modulesParams)
	case varsCmd.FullCommand():
		err = vars(ctx)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}

	if cfg.metricsTextfile != "" {
		if werr := prometheus.WriteToTextfile(cfg.metricsTextfile, reg); werr != nil {
			level.Warn(logger).Log("msg", "writing metrics", "path", cfg.metricsTextfile, "err", werr)
		}
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errReported(err):
		// The reporter already printed the failure.
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	switch fetcherr.Kind(err) {
	case "PreconditionError":
		return 2
	case "NotFoundError":
		return 3
	}
	return 1
}

// colorDisabled reports whether the console reporter should print plain text.
func colorDisabled() bool {
	if cfg.noColor {
		return true
	}
	fd := consoleOutput.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}
