// Package testutil provides helpers shared by the package tests.
package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for a test's dependencies, prefixed with
// the test name so interleaved output stays attributable.
func TestLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stdout, "[chatkit] "+t.Name()+" ", log.LstdFlags)
}
