// git-dropbox-manage handles the out-of-band chores for dropbox remotes:
// logins and the remote default branch. Git also exposes it as
// `git dropbox` when installed under that name.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "3.0.0"

func main() {
	root := &cobra.Command{
		Use:           "git-dropbox-manage",
		Short:         "Manage Dropbox logins and remote settings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newShowLoginsCmd())
	root.AddCommand(newSetHeadCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "git-remote-dropbox %s\n", version)
		},
	}
}
