package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var (
	version   = "0.1.0-dev"
	gitCommit string
)

// errIncomplete is returned when a run finished but not every chapter succeeded.
var errIncomplete = errors.New("narration incomplete")

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case config.IsConfigurationError(err):
		return 2
	default:
		return 1
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "loqa-audiobook",
		Short:         "Narrate books into per-chapter audio files",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file")
	root.AddCommand(
		newConvertCommand(),
		newPreviewCommand(),
		newHistoryCommand(),
		newVersionCommand(),
	)
	return root
}

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loqa-audiobook %s (%s)\n", formatVersion(), runtime.Version())
		},
	}
}
