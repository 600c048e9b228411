// Package testutil holds helpers shared by the package tests: fuzz input
// caps, bounded waits and loopback sockets.
package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzDatagram caps fuzz inputs at the largest UDP payload plus slack
	// for length-prefix overruns.
	MaxFuzzDatagram    = 64<<10 + 64
	DefaultFuzzTimeout = 100 * time.Millisecond
)

// Cap truncates b to max bytes; max <= 0 leaves it alone.
func Cap(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails the test if fn has not returned after d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("still running after %s", d)
	}
}
