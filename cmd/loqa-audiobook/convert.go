package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/assembler"
	"github.com/loqalabs/loqa-audiobook/internal/book"
	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/narrator"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
	"github.com/loqalabs/loqa-audiobook/internal/ratelimit"
	"github.com/loqalabs/loqa-audiobook/internal/report"
	"github.com/loqalabs/loqa-audiobook/internal/retry"
	"github.com/loqalabs/loqa-audiobook/internal/runstore"
	"github.com/loqalabs/loqa-audiobook/internal/runtime"
	"github.com/loqalabs/loqa-audiobook/internal/scheduler"
	"github.com/loqalabs/loqa-audiobook/internal/textprep"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"github.com/spf13/cobra"
)

func newConvertCommand() *cobra.Command {
	var preview bool
	var reportPath string
	var flags *cliFlags

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Narrate a book into one audio file per chapter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if preview {
				return previewCmd(cmd, cfg)
			}
			return convertCmd(cmd, cfg, reportPath)
		},
	}
	flags = bindFlags(cmd)
	cmd.Flags().BoolVar(&preview, "preview", false, "Only report chapters, chunks and estimated cost")
	cmd.Flags().StringVar(&reportPath, "report", "", "Also write the run report as JSON to this file")
	return cmd
}

func newPreviewCommand() *cobra.Command {
	var flags *cliFlags
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Report chapters, chunks and estimated cost without synthesizing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return previewCmd(cmd, cfg)
		},
	}
	flags = bindFlags(cmd)
	return cmd
}

func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// session holds what both convert and preview need before any synthesis.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	book   *book.Book
	opts   narrator.Options
}

func openSession(cfg config.Config) (*session, error) {
	logger := newLogger(cfg.Telemetry, os.Stderr)

	b, err := book.Load(cfg.Book.Input)
	if err != nil {
		return nil, err
	}
	if cfg.Book.Title != "" {
		b.Title = cfg.Book.Title
	}
	if cfg.Book.Author != "" {
		b.Author = cfg.Book.Author
	}

	opts, err := narratorOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, book: b, opts: opts}, nil
}

func narratorOptions(cfg config.Config) (narrator.Options, error) {
	mode, err := chunker.ParseBoundaryMode(cfg.Chunker.NewlineMode)
	if err != nil {
		return narrator.Options{}, err
	}
	blast, err := scheduler.ParseBlastRadius(cfg.Scheduler.BlastRadius)
	if err != nil {
		return narrator.Options{}, err
	}
	rules, err := textprep.LoadRules(cfg.Book.SubstitutionsFile)
	if err != nil {
		return narrator.Options{}, &config.ConfigurationError{Key: "book.substitutions_file", Msg: err.Error(), Err: err}
	}
	return narrator.Options{
		Start:          cfg.Book.ChapterStart,
		End:            cfg.Book.ChapterEnd,
		Mode:           mode,
		MaxChars:       cfg.Chunker.MaxChars,
		Workers:        cfg.Scheduler.Workers,
		BlastRadius:    blast,
		AttemptTimeout: time.Duration(cfg.Scheduler.AttemptTimeoutMS) * time.Millisecond,
		Retry:          retry.FromConfig(cfg.Retry),
		FailFast:       cfg.Scheduler.FailFast,
		Prep: textprep.Options{
			Rules:                  rules,
			RemoveEndnotes:         cfg.Book.RemoveEndnotes,
			RemoveReferenceNumbers: cfg.Book.RemoveReferenceNumbers,
		},
		OutputText:          cfg.Book.OutputText,
		TextDir:             filepath.Join(cfg.Book.OutputDir, "text"),
		AssemblyConcurrency: cfg.Assembler.Concurrency,
	}, nil
}

func previewCmd(cmd *cobra.Command, cfg config.Config) error {
	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	// Planning needs the backend's limits and price, not a connection to it.
	provider, err := tts.Describe(providerConfig(cfg.Provider))
	if err != nil {
		return err
	}
	n, err := narrator.New(s.opts, narrator.Deps{Provider: provider, Logger: s.logger})
	if err != nil {
		return err
	}
	p, err := n.Preview(s.book)
	if err != nil {
		return err
	}
	return p.Render(cmd.OutOrStdout())
}

func convertCmd(cmd *cobra.Command, cfg config.Config, reportPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	logger := s.logger

	provider, err := tts.New(providerConfig(cfg.Provider), logger)
	if err != nil {
		return err
	}

	// The encoder is resolved before anything is synthesized.
	tool, err := assembler.NewFFmpeg(cfg.Assembler.FFmpegPath, cfg.Assembler.Bitrate, cfg.Assembler.SampleRate, logger)
	if err != nil {
		return &config.ConfigurationError{Key: "assembler.ffmpeg_path", Msg: err.Error(), Err: err}
	}
	policy, err := assembler.ParsePolicy(cfg.Assembler.PartialPolicy)
	if err != nil {
		return err
	}
	asm, err := assembler.New(assembler.Options{
		Tool:      tool,
		OutputDir: cfg.Book.OutputDir,
		Format:    cfg.Assembler.OutputFormat,
		Silence:   time.Duration(cfg.Assembler.SilenceMS) * time.Millisecond,
		Policy:    policy,
		Album:     s.book.Title,
		Artist:    s.book.Author,
		Logger:    logger,

		NormalizeVolume: cfg.Assembler.NormalizeVolume,
		Limiter:         cfg.Assembler.Limiter,
	})
	if err != nil {
		return err
	}

	tracker := progress.NewTracker(logger)
	rt := runtime.New(cfg, logger, tracker)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runtime shutdown", slog.String("error", err.Error()))
		}
	}()

	store, err := runstore.Open(ctx, cfg.RunStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ensure(); err != nil {
		return err
	}

	publisher, closeBus := connectProgress(ctx, cfg.Bus, logger)
	defer closeBus()

	n, err := narrator.New(s.opts, narrator.Deps{
		Provider:  provider,
		Voice:     providerConfig(cfg.Provider).Voice,
		Assembler: asm,
		Limiter:   ratelimit.ForProvider(provider),
		Store:     store,
		Publisher: publisher,
		Tracker:   tracker,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting narration",
		slog.String("book", s.book.Title),
		slog.String("backend", describeBackend(cfg.Provider)),
		slog.String("output_dir", cfg.Book.OutputDir))
	rt.SetReady(true)
	run, err := n.Run(ctx, s.book)
	rt.SetReady(false)
	if err != nil {
		return err
	}
	if err := run.Render(cmd.OutOrStdout()); err != nil {
		return err
	}
	if reportPath != "" {
		if err := writeReport(reportPath, run); err != nil {
			return err
		}
	}
	if !run.OK() {
		ok, partial, failed := run.Counts()
		return fmt.Errorf("%w: %d succeeded, %d partially failed, %d failed", errIncomplete, ok, partial, failed)
	}
	return nil
}

func writeReport(path string, run *report.Run) error {
	data, err := run.JSON()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// connectProgress starts the optional progress bus. A bus that cannot be reached only costs
// progress events, so failures are logged and the run continues without a publisher.
func connectProgress(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (narrator.Progress, func()) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop
	}
	embedded, err := natsserver.Start(cfg, logger)
	if err != nil {
		logger.Warn("progress bus disabled", slog.String("error", err.Error()))
		return nil, noop
	}
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}
	publisher, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		embedded.Shutdown()
		logger.Warn("progress bus disabled", slog.String("error", err.Error()))
		return nil, noop
	}
	return publisher, func() {
		publisher.Close()
		embedded.Shutdown()
	}
}
