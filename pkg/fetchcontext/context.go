// Package fetchcontext carries the per-invocation logger, metrics registry
// and output writer of the command line tool.
package fetchcontext

import (
	"context"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
	outputKey
)

var defaultLogger = log.NewLogfmtLogger(os.Stderr)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

// WithRegistry stores the registry the metrics of this invocation are
// registered with, so they can be exported when it ends.
func WithRegistry(ctx context.Context, registry *prometheus.Registry) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

// Registry returns the registry of ctx, or a fresh one that nobody exports.
func Registry(ctx context.Context) *prometheus.Registry {
	if registry, ok := ctx.Value(registryKey).(*prometheus.Registry); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

// WithOutput sets where commands print their results. Progress and
// diagnostics go to the logger instead.
func WithOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, outputKey, w)
}

func Output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(outputKey).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
