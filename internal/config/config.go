// Package config parses vmcore's process-wide tunables from the
// environment, in the same style the rest of the ecosystem this
// module borrows its stack from uses: struct tags plus
// github.com/caarlos0/env.
package config

import "github.com/caarlos0/env/v11"

// Config holds every tunable a vmcore process reads at startup.
type Config struct {
	// NamePrefix is prepended to every mapping object name this
	// process creates, so that cross-process attach by name (or by
	// pid-scoped /proc lookup) can tell one vmcore instance's
	// mappings apart from another's sharing the same host.
	NamePrefix string `env:"VMCORE_NAME_PREFIX" envDefault:"vmcore"`

	// BlockGranularity is the size in bytes of one directory block.
	// It must be a multiple of the host's page size.
	BlockGranularity uint `env:"VMCORE_BLOCK_GRANULARITY" envDefault:"65536"`

	// LogLevel selects the minimum zap level emitted.
	LogLevel string `env:"VMCORE_LOG_LEVEL" envDefault:"info"`

	// LogDevelopment switches the logger to human-readable console
	// output instead of JSON.
	LogDevelopment bool `env:"VMCORE_LOG_DEVELOPMENT" envDefault:"false"`

	// EagerDecommitHint is parsed but not read by any package:
	// Decommit always issues MADV_DONTNEED immediately, whatever its
	// value.
	EagerDecommitHint bool `env:"VMCORE_EAGER_DECOMMIT" envDefault:"true"`

	// EventTracing turns on the page-state transition recorder, a
	// debugging aid for chasing lock-free races. Off by default: it
	// costs a mutex acquisition on every state transition once enabled.
	EventTracing bool `env:"VMCORE_EVENT_TRACING" envDefault:"false"`
}

// Parse reads Config from the process environment.
func Parse() (Config, error) {
	return env.ParseAs[Config]()
}
