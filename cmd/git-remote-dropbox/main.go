// git-remote-dropbox is the remote helper git invokes for dropbox:// URLs.
// Git finds it on PATH and drives it over stdin/stdout.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/odvcencio/git-remote-dropbox/pkg/gitcmd"
	"github.com/odvcencio/git-remote-dropbox/pkg/helper"
)

func main() {
	root := &cobra.Command{
		Use:           "git-remote-dropbox <remote> <url>",
		Short:         "Git remote helper for Dropbox-hosted repositories",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[1])
		},
	}
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url string) error {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	log := newStderrLogger(level)
	defer log.Sync()

	store, remote, settings, err := helper.Connect(ctx, url)
	if err != nil {
		return err
	}
	git, err := gitcmd.NewRunner()
	if err != nil {
		return err
	}

	session := helper.New(os.Stdin, os.Stdout, helper.Options{
		Store:    store,
		Git:      git,
		Root:     remote.Root,
		Workers:  settings.Processes,
		Log:      log,
		LogLevel: level,
		Stderr:   os.Stderr,
	})
	return session.Run(ctx)
}

// newStderrLogger builds a terse console logger suitable for the helper's
// stderr channel: git shows these lines to the user verbatim.
func newStderrLogger(level zap.AtomicLevel) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "M",
		LevelKey:         "L",
		EncodeLevel:      zapcore.LowercaseLevelEncoder,
		ConsoleSeparator: ": ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}
