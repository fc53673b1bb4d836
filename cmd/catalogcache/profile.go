package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/env"
	"github.com/tvdeck/catalogcache/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage upstream profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		name, _ := cmd.Flags().GetString("name")
		url, _ := cmd.Flags().GetString("url")
		username, _ := cmd.Flags().GetString("username")
		password := env.FlagOrEnv(cmd, "password", env.Prefix+"PROFILE_PASSWORD", "")
		p, err := a.profiles.Save(cmd.Context(), profile.Profile{ID: args[0], Name: name, URL: url, Username: username}, password)
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		profiles, err := a.profiles.List(cmd.Context())
		if err != nil {
			return err
		}
		if profiles == nil {
			profiles = []profile.Profile{}
		}
		return printJSON(profiles)
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a profile and everything cached for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.catalog.RemoveProfile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return errors.Wrapf(profile.ErrNotFound, "profile %s", args[0])
		}
		fmt.Printf("removed profile %s\n", args[0])
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth <profile>",
	Short: "Authenticate a profile and print its server info",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := a.profiles.Credentials(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		info, err := a.sessions.Authenticate(cmd.Context(), args[0], creds)
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

func init() {
	profileAddCmd.Flags().String("name", "", "display name (defaults to the id)")
	profileAddCmd.Flags().String("url", "", "panel base URL")
	profileAddCmd.Flags().String("username", "", "panel username")
	profileAddCmd.Flags().String("password", "", "panel password (CATALOGCACHE_PROFILE_PASSWORD)")
	profileCmd.AddCommand(profileAddCmd, profileListCmd, profileRemoveCmd)
}
