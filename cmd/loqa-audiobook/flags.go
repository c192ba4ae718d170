package main

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"github.com/spf13/cobra"
)

// cliFlags override values from the config file. Only flags the user actually set are applied.
type cliFlags struct {
	input          string
	output         string
	backend        string
	voice          string
	model          string
	speed          float64
	workers        int
	chapterStart   int
	chapterEnd     int
	maxChars       int
	newlineMode    string
	format         string
	failFast       bool
	partialPolicy  string
	blastRadius    string
	outputText     bool
	removeEndnotes bool
	removeRefs     bool
	substitutions  string
	logLevel       string
	status         bool
}

func bindFlags(cmd *cobra.Command) *cliFlags {
	f := &cliFlags{}
	fs := cmd.Flags()
	fs.StringVarP(&f.input, "input", "i", "", "Book to narrate (.txt, .md or .json)")
	fs.StringVarP(&f.output, "output", "o", "", "Directory for chapter audio")
	fs.StringVar(&f.backend, "backend", "", "TTS backend: openai, kokoro, exec, piper or mock")
	fs.StringVar(&f.voice, "voice", "", "Voice name")
	fs.StringVar(&f.model, "model", "", "Backend model")
	fs.Float64Var(&f.speed, "speed", 0, "Speech speed multiplier")
	fs.IntVarP(&f.workers, "workers", "w", 0, "Concurrent synthesis workers")
	fs.IntVar(&f.chapterStart, "chapter-start", 0, "First chapter to narrate (1-based)")
	fs.IntVar(&f.chapterEnd, "chapter-end", 0, "Last chapter to narrate, -1 for the last one")
	fs.IntVar(&f.maxChars, "max-chars", 0, "Lower the backend's per-request character limit")
	fs.StringVar(&f.newlineMode, "newline-mode", "", "Paragraph boundaries: single, double or none")
	fs.StringVar(&f.format, "format", "", "Output audio format: mp3, aac, flac, opus or wav")
	fs.BoolVar(&f.failFast, "fail-fast", false, "Stop the whole run at the first failed chapter")
	fs.StringVar(&f.partialPolicy, "partial-policy", "", "Partially failed chapters: skip or emit")
	fs.StringVar(&f.blastRadius, "blast-radius", "", "What a fatal chunk error stops: chapter or run")
	fs.BoolVar(&f.outputText, "output-text", false, "Also write the prepared text of each chapter")
	fs.BoolVar(&f.removeEndnotes, "remove-endnotes", false, "Strip endnote digits glued to words")
	fs.BoolVar(&f.removeRefs, "remove-reference-numbers", false, "Strip bracketed reference numbers")
	fs.StringVar(&f.substitutions, "substitutions", "", "File of search==replace rules")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&f.status, "status-server", false, "Serve health, metrics and progress over HTTP")
	return f
}

// loadConfig reads the file named by --config, applies set flags and validates the result.
func loadConfig(cmd *cobra.Command, f *cliFlags) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	f.apply(cmd, &cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	if cfg.Book.Input == "" {
		return cfg, &config.ConfigurationError{Key: "book.input", Msg: "no input book given (use --input)"}
	}
	return cfg, nil
}

func (f *cliFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("input") {
		cfg.Book.Input = f.input
	}
	if set("output") {
		cfg.Book.OutputDir = f.output
	}
	if set("backend") {
		cfg.Provider.Backend = f.backend
	}
	if set("voice") {
		cfg.Provider.Voice = f.voice
	}
	if set("model") {
		cfg.Provider.Model = f.model
	}
	if set("speed") {
		cfg.Provider.Speed = f.speed
	}
	if set("workers") {
		cfg.Scheduler.Workers = f.workers
	}
	if set("chapter-start") {
		cfg.Book.ChapterStart = f.chapterStart
	}
	if set("chapter-end") {
		cfg.Book.ChapterEnd = f.chapterEnd
	}
	if set("max-chars") {
		cfg.Chunker.MaxChars = f.maxChars
	}
	if set("newline-mode") {
		cfg.Chunker.NewlineMode = f.newlineMode
	}
	if set("format") {
		cfg.Assembler.OutputFormat = f.format
	}
	if set("fail-fast") {
		cfg.Scheduler.FailFast = f.failFast
	}
	if set("partial-policy") {
		cfg.Assembler.PartialPolicy = f.partialPolicy
	}
	if set("blast-radius") {
		cfg.Scheduler.BlastRadius = f.blastRadius
	}
	if set("output-text") {
		cfg.Book.OutputText = f.outputText
	}
	if set("remove-endnotes") {
		cfg.Book.RemoveEndnotes = f.removeEndnotes
	}
	if set("remove-reference-numbers") {
		cfg.Book.RemoveReferenceNumbers = f.removeRefs
	}
	if set("substitutions") {
		cfg.Book.SubstitutionsFile = f.substitutions
	}
	if set("log-level") {
		cfg.Telemetry.LogLevel = f.logLevel
	}
	if set("status-server") {
		cfg.HTTP.Enabled = f.status
	}
}

// providerConfig converts the file-level provider section into the explicit adapter config.
func providerConfig(p config.ProviderConfig) tts.ProviderConfig {
	return tts.ProviderConfig{
		Backend: p.Backend,
		Voice: tts.VoiceConfig{
			Name:         p.Voice,
			Model:        p.Model,
			Speed:        p.Speed,
			Language:     p.Language,
			Instructions: p.Instructions,
			Format:       p.Format,
		},
		MaxChars:          p.MaxChars,
		RequestsPerMinute: p.RequestsPerMinute,
		Timeout:           time.Duration(p.TimeoutMS) * time.Millisecond,
		CacheSize:         p.CacheSize,
		OpenAI: tts.OpenAIOptions{
			APIKey:  p.OpenAI.APIKey,
			BaseURL: p.OpenAI.BaseURL,
		},
		Exec: tts.ExecOptions{
			Command:    p.Exec.Command,
			SampleRate: p.Exec.SampleRate,
			Channels:   p.Exec.Channels,
		},
		Piper: tts.PiperOptions{
			Binary:          p.Piper.Binary,
			Model:           p.Piper.Model,
			Speaker:         p.Piper.Speaker,
			LengthScale:     p.Piper.LengthScale,
			SentenceSilence: p.Piper.SentenceSilence,
			SampleRate:      p.Piper.SampleRate,
		},
		Mock: tts.MockOptions{
			Delay: time.Duration(p.Mock.DelayMS) * time.Millisecond,
		},
	}
}

func describeBackend(p config.ProviderConfig) string {
	if p.Model == "" {
		return fmt.Sprintf("%s/%s", p.Backend, p.Voice)
	}
	return fmt.Sprintf("%s/%s (%s)", p.Backend, p.Voice, p.Model)
}
