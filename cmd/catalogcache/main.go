package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/upstream"
)

var rootCmd = &cobra.Command{
	Use:           "catalogcache",
	Short:         "Cache and prefetch IPTV catalogs for offline browsing",
	Version:       upstream.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the YAML config file (CATALOGCACHE_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (CATALOGCACHE_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json (CATALOGCACHE_LOG_FORMAT)")
	rootCmd.AddCommand(runCmd, profileCmd, cacheCmd, fetchCmd, searchCmd, prefetchCmd, authCmd)
}

func main() {

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
