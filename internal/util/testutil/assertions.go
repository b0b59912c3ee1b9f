// Package testutil holds shared test helpers.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Polling defaults for eventually-style assertions. The timeout is
// generous because CI machines stall; the tick keeps tests fast
// locally.
const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// AssertEventually polls condition until it returns true or the
// standard timeout elapses.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// RequireEventually is AssertEventually but fails the test immediately
// on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}

// Receive waits for a value on ch, failing the test after the standard
// timeout.
func Receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for channel receive")
		var zero T
		return zero
	}
}
