package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/runstore"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var runID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, or the chapters of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return historyCmd(cmd, cfg, runID, limit)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Show the chapter outcomes of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "How many recent runs to list")
	return cmd
}

func historyCmd(cmd *cobra.Command, cfg config.Config, runID string, limit int) error {
	if cfg.RunStore.RetentionMode == "ephemeral" {
		return &config.ConfigurationError{Key: "run_store.retention_mode", Msg: "runs are not journaled in ephemeral mode (use session or persistent)"}
	}
	out := cmd.OutOrStdout()
	if _, err := os.Stat(cfg.RunStore.Path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "no runs recorded in %s\n", cfg.RunStore.Path)
		return nil
	}

	logger := newLogger(cfg.Telemetry, cmd.ErrOrStderr())
	store, err := runstore.Open(cmd.Context(), cfg.RunStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ensure(); err != nil {
		return err
	}

	if runID != "" {
		chapters, err := store.ListChapters(cmd.Context(), runID)
		if err != nil {
			return fmt.Errorf("list chapters of run %s: %w", runID, err)
		}
		if len(chapters) == 0 {
			fmt.Fprintf(out, "no chapters recorded for run %s\n", runID)
			return nil
		}
		return renderChapters(out, chapters)
	}

	runs, err := store.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "no runs recorded in %s\n", cfg.RunStore.Path)
		return nil
	}
	return renderRuns(out, runs)
}

func renderRuns(w io.Writer, runs []runstore.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN\tBOOK\tBACKEND\tSTATUS\tSTARTED\tTOOK\n")
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, truncate(r.Book, 32), r.Backend, r.Status, humanize.Time(r.StartedAt), took)
	}
	return tw.Flush()
}

func renderChapters(w io.Writer, chapters []runstore.ChapterOutcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTITLE\tSTATUS\tCHUNKS\tFAILED\tOUTPUT\n")
	for _, c := range chapters {
		output := c.Artifact
		if output == "" {
			output = truncate(c.Detail, 48)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			c.ChapterIndex, truncate(c.Title, 40), c.Status,
			humanize.Comma(int64(c.Chunks)), humanize.Comma(int64(c.FailedChunks)), output)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
