// Package debug gates verbose diagnostics on an environment switch so
// it works in tests that never touch the CLI flags.
package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	InitFromEnv()
}

// Enabled reports whether debug diagnostics are on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled toggles debug diagnostics.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv reads CARBON_VAULT_DEBUG=true or LOG_LEVEL=debug.
func InitFromEnv() {
	if os.Getenv("CARBON_VAULT_DEBUG") == "true" || os.Getenv("LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel applies a configured log level unless the
// environment already decided.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("CARBON_VAULT_DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
