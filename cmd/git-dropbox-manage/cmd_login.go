package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/odvcencio/git-remote-dropbox/pkg/blobstore/dropbox"
	"github.com/odvcencio/git-remote-dropbox/pkg/config"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [username]",
		Short: "Log in to Dropbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := ""
			if len(args) > 0 {
				username = args[0]
			}

			flow, err := dropbox.NewPKCEFlow("")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Logging in to Dropbox using OAuth...")
			fmt.Fprintf(out, "1. Go to: %s\n", flow.AuthorizeURL())
			fmt.Fprintln(out, `2. Click "Allow" (you might have to log in first)`)
			fmt.Fprintln(out, "3. Copy the authorization code")
			fmt.Fprint(out, "Enter authorization code: ")

			reader := bufio.NewReader(cmd.InOrStdin())
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read authorization code: %w", err)
			}
			refresh, err := flow.Exchange(cmd.Context(), strings.TrimSpace(code))
			if err != nil {
				return fmt.Errorf("failed to log in; did you copy the code correctly? (%w)", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok := config.Token{Kind: config.KindRefresh, Value: refresh}
			if username == "" {
				cfg.Default = &tok
			} else {
				cfg.Named[username] = tok
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			example := "dropbox:///path/to/repo"
			if username != "" {
				example = fmt.Sprintf("dropbox://%s@/path/to/repo", username)
			}
			color.New(color.FgGreen).Fprintf(out, "Successfully logged in! You can now add Dropbox remotes like '%s'\n", example)
			return nil
		},
	}
}
