package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/odvcencio/git-remote-dropbox/pkg/config"
)

func newShowLoginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-logins",
		Short: "Show logged-in accounts and their usernames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			deprecated := color.New(color.FgYellow).Sprint(" [deprecated long-lived token]")
			if cfg.Default != nil {
				note := ""
				if cfg.Default.Kind == config.KindLongLived {
					note = deprecated
				}
				fmt.Fprintf(out, "(default user)%s\n", note)
			}
			names := make([]string, 0, len(cfg.Named))
			for name := range cfg.Named {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				note := ""
				if cfg.Named[name].Kind == config.KindLongLived {
					note = deprecated
				}
				fmt.Fprintf(out, "%s%s\n", name, note)
			}
			return nil
		},
	}
}
