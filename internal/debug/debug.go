// Package debug provides env-gated trace output for hot paths.
//
// Set VECGATE_DEBUG=1 to enable. Debug output goes to stderr so it never
// mixes with proxied response bodies.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("VECGATE_DEBUG") != ""
	verboseMode = false
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output regardless of the env var.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
