// Package env resolves command settings from cobra flags and the environment.
package env

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/logger"
)

// Prefix is prepended to every environment variable the binary reads.
const Prefix = "CATALOGCACHE_"

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// LogLevel resolves the --log-level flag, then CATALOGCACHE_LOG_LEVEL,
// defaulting to info. Unknown names also resolve to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	return level
}

// NewLogger returns a logger at LogLevel(cmd). The --log-format flag (or
// CATALOGCACHE_LOG_FORMAT) selects "json" output; anything else is console.
func NewLogger(cmd *cobra.Command) logger.Logger {
	log.SetFlags(0)
	level := LogLevel(cmd)
	if FlagOrEnv(cmd, "log-format", Prefix+"LOG_FORMAT", "console") == "json" {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}
