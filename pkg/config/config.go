// Package config parses each cluster binary's command-line surface —
// cobra root commands with pflag shorthand flags matching the original
// storage-server/coordinator/load-balancer/admin-console argument
// conventions — plus the ambient flags every binary exposes for
// logging, metrics, and an optional static cluster manifest.
package config

import (
	"fmt"
	"strconv"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/spf13/cobra"
)

// Common holds the ambient flags every cluster binary exposes
// regardless of its domain-specific CLI surface.
type Common struct {
	LogLevel     string
	LogJSON      bool
	MetricsAddr  string
	AdminAddr    string
	ManifestPath string
}

// RegisterCommon adds the shared ambient flags to cmd and returns the
// struct they populate once cmd's flags are parsed.
func RegisterCommon(cmd *cobra.Command, defaultMetricsAddr, defaultAdminAddr string) *Common {
	c := &Common{}
	cmd.Flags().StringVar(&c.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&c.LogJSON, "log-json", false, "Output logs in JSON format")
	cmd.Flags().StringVar(&c.MetricsAddr, "metrics-addr", defaultMetricsAddr, "Address to serve Prometheus /metrics on")
	cmd.Flags().StringVar(&c.AdminAddr, "admin-addr", defaultAdminAddr, "Admin console address to push topology to at startup")
	cmd.Flags().StringVar(&c.ManifestPath, "manifest", "", "Optional static cluster manifest (YAML)")
	return c
}

// InitLogging configures the package-level pkg/clog logger from the
// parsed Common flags. Call once at the start of a command's RunE.
func (c *Common) InitLogging() {
	level := clog.InfoLevel
	switch c.LogLevel {
	case "debug":
		level = clog.DebugLevel
	case "warn":
		level = clog.WarnLevel
	case "error":
		level = clog.ErrorLevel
	}
	clog.Init(clog.Config{Level: level, JSONOutput: c.LogJSON})
}

// PositiveInt parses s as a positive integer, per the original storage
// server / coordinator CLI's digit-only validation (backend_main.cc
// and coordinator.cc's getopt handlers reject anything that isn't all
// digits and greater than zero).
func PositiveInt(flagName, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("option %q requires a positive integer argument, got %q", flagName, s)
	}
	return n, nil
}

// TabletRangeArg validates a 2-character tablet range bound (-s/-e),
// per backend_main.cc's exact-length check.
func TabletRangeArg(flagName, s string) (string, error) {
	if len(s) != 2 {
		return "", fmt.Errorf("option %q requires a 2-character argument, got %q", flagName, s)
	}
	return s, nil
}
