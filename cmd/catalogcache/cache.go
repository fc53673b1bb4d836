package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate cached content",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <pattern>",
	Short: "Remove the entries whose key matches a LIKE pattern, such as p1:epg:%",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.catalog.Invalidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("removed %d entries\n", n)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <profile>",
	Short: "Remove every entry of a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.content.ClearProfileCache(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("removed %d entries\n", n)
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove entries expired for longer than the stale retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.content.Persistent().PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("purged %d entries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheInvalidateCmd, cacheClearCmd, cachePurgeCmd)
}
