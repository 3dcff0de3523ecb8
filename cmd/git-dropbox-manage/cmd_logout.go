package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/git-remote-dropbox/pkg/config"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout [username]",
		Short: "Log out from Dropbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				cfg.Default = nil
				if err := cfg.Save(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out!")
				return nil
			}
			delete(cfg.Named, args[0])
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s!\n", args[0])
			return nil
		},
	}
}
