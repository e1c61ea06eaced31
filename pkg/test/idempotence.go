package test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// RequireRepeatable calls run twice and fails unless both calls succeed
// with equal results. The second result is returned.
func RequireRepeatable[T any](t testing.TB, run func() (T, error), opts ...cmp.Option) T {
	t.Helper()
	first, err := run()
	require.NoError(t, err, "first run")
	second, err := run()
	require.NoError(t, err, "second run")
	if diff := cmp.Diff(first, second, opts...); diff != "" {
		t.Fatalf("results differ between runs (-first +second):\n%s", diff)
	}
	return second
}
