// Package test holds helpers shared by the package tests.
package test

import (
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t testing.TB
}

// NewTestingLogger sends log lines to t.Log as logfmt, so they are only
// printed for failing tests or with -v.
func NewTestingLogger(t testing.TB) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(&testingLogger{t: t}))
}

func (l *testingLogger) Write(p []byte) (int, error) {
	l.t.Helper()
	l.t.Log(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		return p[:n-1]
	}
	return p
}
