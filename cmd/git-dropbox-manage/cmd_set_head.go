package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/git-remote-dropbox/pkg/gitcmd"
	"github.com/odvcencio/git-remote-dropbox/pkg/helper"
	"github.com/odvcencio/git-remote-dropbox/pkg/refstore"
)

func newSetHeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-head <remote> <branch>",
		Short: "Set the default branch on the remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setHead(cmd.Context(), cmd, args[0], args[1])
		},
	}
}

// setHead moves the remote HEAD under compare-and-swap. The target branch
// is checked before and after the swap: a branch deleted concurrently with
// set-head would otherwise leave HEAD dangling.
func setHead(ctx context.Context, cmd *cobra.Command, remote, branch string) error {
	git, err := gitcmd.NewRunner()
	if err != nil {
		return err
	}
	url, err := git.RemoteURL(ctx, remote)
	if err != nil {
		return fmt.Errorf("no such remote %q", remote)
	}
	store, parsed, _, err := helper.Connect(ctx, url)
	if err != nil {
		return err
	}
	refs := refstore.New(store, parsed.Root, zap.NewNop().Sugar())

	target := "refs/heads/" + branch
	exists, err := branchExists(ctx, refs, target)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("remote has no such ref %q", target)
	}

	head, err := refs.Symbolic(ctx, "HEAD")
	if err != nil {
		return err
	}
	if head != nil && head.Target == target {
		return fmt.Errorf("remote HEAD is already %q", target)
	}
	rev := ""
	if head != nil {
		rev = head.Rev
	}
	if err := refs.SetSymbolic(ctx, "HEAD", target, rev); err != nil {
		return fmt.Errorf("concurrent modification of remote HEAD detected (try again): %w", err)
	}

	exists, err = branchExists(ctx, refs, target)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("remote ref %q was concurrently deleted: remote HEAD needs to be fixed (try again)", target)
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Updated remote HEAD to '%s'.\n", target)
	return nil
}

func branchExists(ctx context.Context, refs *refstore.Store, target string) (bool, error) {
	listed, err := refs.ListRefs(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range listed {
		if r.Name == target {
			return true, nil
		}
	}
	return false, nil
}
