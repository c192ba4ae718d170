package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "LOQA_AUDIOBOOK_"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// HTTPConfig controls the optional status server exposing health, metrics and progress.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	RunStore    RunStoreConfig  `yaml:"run_store"`
	Book        BookConfig      `yaml:"book"`
	Chunker     ChunkerConfig   `yaml:"chunker"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Retry       RetryConfig     `yaml:"retry"`
	Assembler   AssemblerConfig `yaml:"assembler"`
	Provider    ProviderConfig  `yaml:"provider"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type RunStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BookConfig struct {
	Input                  string `yaml:"input"`
	OutputDir              string `yaml:"output_dir"`
	Title                  string `yaml:"title"`
	Author                 string `yaml:"author"`
	ChapterStart           int    `yaml:"chapter_start"`
	ChapterEnd             int    `yaml:"chapter_end"` // <= 0 means the last chapter
	OutputText             bool   `yaml:"output_text"`
	RemoveEndnotes         bool   `yaml:"remove_endnotes"`
	RemoveReferenceNumbers bool   `yaml:"remove_reference_numbers"`
	SubstitutionsFile      string `yaml:"substitutions_file"`
}

type ChunkerConfig struct {
	NewlineMode string `yaml:"newline_mode"` // single, double, none
	MaxChars    int    `yaml:"max_chars"`    // 0 uses the provider limit
}

type SchedulerConfig struct {
	Workers          int    `yaml:"workers"`
	BlastRadius      string `yaml:"blast_radius"` // chapter, run
	FailFast         bool   `yaml:"fail_fast"`
	AttemptTimeoutMS int    `yaml:"attempt_timeout_ms"`
}

type RetryConfig struct {
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	Jitter      float64 `yaml:"jitter"`
	MaxRetries  int     `yaml:"max_retries"`
}

type AssemblerConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	SilenceMS     int    `yaml:"silence_ms"`
	PartialPolicy string `yaml:"partial_policy"` // skip, emit
	OutputFormat  string `yaml:"output_format"`
	Bitrate       string `yaml:"bitrate"`
	SampleRate    int    `yaml:"sample_rate"`
	Concurrency   int    `yaml:"concurrency"`
	// NormalizeVolume levels each synthesized segment to a common loudness before concat.
	NormalizeVolume bool `yaml:"normalize_volume"`
	// Limiter compresses peaks that would otherwise clip after normalization.
	Limiter bool `yaml:"limiter"`
}

type ProviderConfig struct {
	Backend           string       `yaml:"backend"` // openai, kokoro, exec, piper, mock
	Voice             string       `yaml:"voice"`
	Model             string       `yaml:"model"`
	Speed             float64      `yaml:"speed"`
	Language          string       `yaml:"language"`
	Instructions      string       `yaml:"instructions"`
	Format            string       `yaml:"format"`
	MaxChars          int          `yaml:"max_chars"`
	RequestsPerMinute int          `yaml:"requests_per_minute"`
	TimeoutMS         int          `yaml:"timeout_ms"`
	CacheSize         int          `yaml:"cache_size"`
	OpenAI            OpenAIConfig `yaml:"openai"`
	Exec              ExecConfig   `yaml:"exec"`
	Piper             PiperConfig  `yaml:"piper"`
	Mock              MockConfig   `yaml:"mock"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type ExecConfig struct {
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type PiperConfig struct {
	Binary          string  `yaml:"binary"`
	Model           string  `yaml:"model"`
	Speaker         int     `yaml:"speaker"` // < 0 leaves the model default
	LengthScale     float64 `yaml:"length_scale"`
	SentenceSilence float64 `yaml:"sentence_silence"`
	SampleRate      int     `yaml:"sample_rate"`
}

type MockConfig struct {
	DelayMS int `yaml:"delay_ms"`
}

// ConfigurationError reports an invalid setting. It is raised before any work starts.
type ConfigurationError struct {
	Key string
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "invalid configuration: " + e.Msg
	}
	return e.Key + " " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func invalid(key, msg string) error {
	return &ConfigurationError{Key: key, Msg: msg}
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-audiobook",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "audiobook",
		},
		RunStore: RunStoreConfig{
			Path:          "./data/audiobook-runs.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Book: BookConfig{
			OutputDir:    "./output",
			ChapterStart: 1,
			ChapterEnd:   -1,
		},
		Chunker: ChunkerConfig{
			NewlineMode: "double",
		},
		Scheduler: SchedulerConfig{
			Workers:          4,
			BlastRadius:      "chapter",
			AttemptTimeoutMS: 120000,
		},
		Retry: RetryConfig{
			BaseDelayMS: 500,
			MaxDelayMS:  30000,
			Multiplier:  2.0,
			Jitter:      0.2,
			MaxRetries:  3,
		},
		Assembler: AssemblerConfig{
			FFmpegPath:      "ffmpeg",
			SilenceMS:       1250,
			PartialPolicy:   "skip",
			OutputFormat:    "mp3",
			Bitrate:         "128k",
			SampleRate:      24000,
			Concurrency:     2,
			NormalizeVolume: true,
			Limiter:         true,
		},
		Provider: ProviderConfig{
			Backend:   "openai",
			Voice:     "alloy",
			Model:     "gpt-4o-mini-tts",
			Speed:     1.0,
			Format:    "mp3",
			TimeoutMS: 120000,
			CacheSize: 256,
			Exec: ExecConfig{
				SampleRate: 22050,
				Channels:   1,
			},
			Piper: PiperConfig{
				Binary:          "piper",
				Speaker:         -1,
				LengthScale:     1.0,
				SentenceSilence: 0.2,
				SampleRate:      22050,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RUNTIME_NAME")
	overrideString(&cfg.Environment, "RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "BUS_SUBJECT_PREFIX")
	overrideString(&cfg.RunStore.Path, "RUN_STORE_PATH")
	overrideString(&cfg.RunStore.RetentionMode, "RUN_STORE_RETENTION_MODE")
	overrideInt(&cfg.RunStore.RetentionDays, "RUN_STORE_RETENTION_DAYS")
	overrideInt(&cfg.RunStore.MaxRuns, "RUN_STORE_MAX_RUNS")
	overrideBool(&cfg.RunStore.VacuumOnStart, "RUN_STORE_VACUUM_ON_START")
	overrideString(&cfg.Book.Input, "BOOK_INPUT")
	overrideString(&cfg.Book.OutputDir, "BOOK_OUTPUT_DIR")
	overrideString(&cfg.Book.Title, "BOOK_TITLE")
	overrideString(&cfg.Book.Author, "BOOK_AUTHOR")
	overrideInt(&cfg.Book.ChapterStart, "BOOK_CHAPTER_START")
	overrideInt(&cfg.Book.ChapterEnd, "BOOK_CHAPTER_END")
	overrideBool(&cfg.Book.OutputText, "BOOK_OUTPUT_TEXT")
	overrideBool(&cfg.Book.RemoveEndnotes, "BOOK_REMOVE_ENDNOTES")
	overrideBool(&cfg.Book.RemoveReferenceNumbers, "BOOK_REMOVE_REFERENCE_NUMBERS")
	overrideString(&cfg.Book.SubstitutionsFile, "BOOK_SUBSTITUTIONS_FILE")
	overrideString(&cfg.Chunker.NewlineMode, "CHUNKER_NEWLINE_MODE")
	overrideInt(&cfg.Chunker.MaxChars, "CHUNKER_MAX_CHARS")
	overrideInt(&cfg.Scheduler.Workers, "SCHEDULER_WORKERS")
	overrideString(&cfg.Scheduler.BlastRadius, "SCHEDULER_BLAST_RADIUS")
	overrideBool(&cfg.Scheduler.FailFast, "SCHEDULER_FAIL_FAST")
	overrideInt(&cfg.Scheduler.AttemptTimeoutMS, "SCHEDULER_ATTEMPT_TIMEOUT_MS")
	overrideInt(&cfg.Retry.BaseDelayMS, "RETRY_BASE_DELAY_MS")
	overrideInt(&cfg.Retry.MaxDelayMS, "RETRY_MAX_DELAY_MS")
	overrideFloat(&cfg.Retry.Multiplier, "RETRY_MULTIPLIER")
	overrideFloat(&cfg.Retry.Jitter, "RETRY_JITTER")
	overrideInt(&cfg.Retry.MaxRetries, "RETRY_MAX_RETRIES")
	overrideString(&cfg.Assembler.FFmpegPath, "ASSEMBLER_FFMPEG_PATH")
	overrideInt(&cfg.Assembler.SilenceMS, "ASSEMBLER_SILENCE_MS")
	overrideString(&cfg.Assembler.PartialPolicy, "ASSEMBLER_PARTIAL_POLICY")
	overrideString(&cfg.Assembler.OutputFormat, "ASSEMBLER_OUTPUT_FORMAT")
	overrideString(&cfg.Assembler.Bitrate, "ASSEMBLER_BITRATE")
	overrideInt(&cfg.Assembler.SampleRate, "ASSEMBLER_SAMPLE_RATE")
	overrideInt(&cfg.Assembler.Concurrency, "ASSEMBLER_CONCURRENCY")
	overrideBool(&cfg.Assembler.NormalizeVolume, "ASSEMBLER_NORMALIZE_VOLUME")
	overrideBool(&cfg.Assembler.Limiter, "ASSEMBLER_LIMITER")
	overrideString(&cfg.Provider.Backend, "PROVIDER_BACKEND")
	overrideString(&cfg.Provider.Voice, "PROVIDER_VOICE")
	overrideString(&cfg.Provider.Model, "PROVIDER_MODEL")
	overrideFloat(&cfg.Provider.Speed, "PROVIDER_SPEED")
	overrideString(&cfg.Provider.Language, "PROVIDER_LANGUAGE")
	overrideString(&cfg.Provider.Instructions, "PROVIDER_INSTRUCTIONS")
	overrideString(&cfg.Provider.Format, "PROVIDER_FORMAT")
	overrideInt(&cfg.Provider.MaxChars, "PROVIDER_MAX_CHARS")
	overrideInt(&cfg.Provider.RequestsPerMinute, "PROVIDER_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Provider.TimeoutMS, "PROVIDER_TIMEOUT_MS")
	overrideInt(&cfg.Provider.CacheSize, "PROVIDER_CACHE_SIZE")
	overrideString(&cfg.Provider.OpenAI.BaseURL, "PROVIDER_OPENAI_BASE_URL")
	overrideString(&cfg.Provider.OpenAI.APIKey, "PROVIDER_OPENAI_API_KEY")
	overrideString(&cfg.Provider.Exec.Command, "PROVIDER_EXEC_COMMAND")
	overrideInt(&cfg.Provider.Exec.SampleRate, "PROVIDER_EXEC_SAMPLE_RATE")
	overrideInt(&cfg.Provider.Exec.Channels, "PROVIDER_EXEC_CHANNELS")
	overrideString(&cfg.Provider.Piper.Binary, "PROVIDER_PIPER_BINARY")
	overrideString(&cfg.Provider.Piper.Model, "PROVIDER_PIPER_MODEL")
	overrideInt(&cfg.Provider.Piper.Speaker, "PROVIDER_PIPER_SPEAKER")
	overrideFloat(&cfg.Provider.Piper.LengthScale, "PROVIDER_PIPER_LENGTH_SCALE")
	overrideFloat(&cfg.Provider.Piper.SentenceSilence, "PROVIDER_PIPER_SENTENCE_SILENCE")
	overrideInt(&cfg.Provider.Mock.DelayMS, "PROVIDER_MOCK_DELAY_MS")

	// The conventional OpenAI variables fill in whatever the file and prefixed env left empty.
	if cfg.Provider.OpenAI.APIKey == "" {
		cfg.Provider.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.Provider.OpenAI.BaseURL == "" {
		cfg.Provider.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	}
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks cross-field constraints. CLI flag overrides are applied on top of a loaded
// config, so callers run it again after mutating a Config.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return invalid("runtime_name", "must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return invalid("http.port", "must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "json", "text":
	default:
		return invalid("telemetry.log_format", "must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return invalid("bus.port", "must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return invalid("bus.servers", "must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.RunStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return invalid("run_store.retention_mode", "must be one of ephemeral|session|persistent")
	}
	if cfg.RunStore.RetentionMode != "ephemeral" && cfg.RunStore.Path == "" {
		return invalid("run_store.path", "must not be empty unless retention_mode=ephemeral")
	}
	if cfg.RunStore.RetentionDays < 0 {
		return invalid("run_store.retention_days", "must be >= 0")
	}
	if cfg.Book.ChapterStart < 1 {
		return invalid("book.chapter_start", "must be >= 1")
	}
	if cfg.Book.ChapterEnd > 0 && cfg.Book.ChapterEnd < cfg.Book.ChapterStart {
		return invalid("book.chapter_end", "must be >= chapter_start or <= 0 for the last chapter")
	}
	switch cfg.Chunker.NewlineMode {
	case "single", "double", "none":
	default:
		return invalid("chunker.newline_mode", "must be one of single|double|none")
	}
	if cfg.Chunker.MaxChars < 0 {
		return invalid("chunker.max_chars", "must be >= 0")
	}
	if cfg.Scheduler.Workers < 1 {
		return invalid("scheduler.workers", "must be >= 1")
	}
	switch cfg.Scheduler.BlastRadius {
	case "chapter", "run":
	default:
		return invalid("scheduler.blast_radius", "must be one of chapter|run")
	}
	if cfg.Retry.MaxRetries < 0 {
		return invalid("retry.max_retries", "must be >= 0")
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		return invalid("retry.base_delay_ms", "must be positive")
	}
	if cfg.Retry.MaxDelayMS < cfg.Retry.BaseDelayMS {
		return invalid("retry.max_delay_ms", "must be >= base_delay_ms")
	}
	if cfg.Retry.Multiplier < 1 {
		return invalid("retry.multiplier", "must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return invalid("retry.jitter", "must be between 0 and 1")
	}
	switch cfg.Assembler.PartialPolicy {
	case "skip", "emit":
	default:
		return invalid("assembler.partial_policy", "must be one of skip|emit")
	}
	if cfg.Assembler.SilenceMS < 0 {
		return invalid("assembler.silence_ms", "must be >= 0")
	}
	if cfg.Assembler.OutputFormat == "" {
		return invalid("assembler.output_format", "must not be empty")
	}
	if cfg.Assembler.Concurrency < 1 {
		return invalid("assembler.concurrency", "must be >= 1")
	}
	return validateProvider(cfg.Provider)
}

func validateProvider(p ProviderConfig) error {
	switch p.Backend {
	case "openai", "kokoro":
		if p.Speed < 0.25 || p.Speed > 4.0 {
			return invalid("provider.speed", "must be between 0.25 and 4.0")
		}
	case "exec":
		if p.Exec.Command == "" {
			return invalid("provider.exec.command", "must be set when backend=exec")
		}
		if p.Exec.SampleRate <= 0 || p.Exec.Channels <= 0 {
			return invalid("provider.exec", "sample_rate and channels must be positive")
		}
	case "piper":
		if p.Piper.Model == "" {
			return invalid("provider.piper.model", "must be set when backend=piper")
		}
		if p.Piper.SampleRate <= 0 {
			return invalid("provider.piper.sample_rate", "must be positive")
		}
	case "mock":
	default:
		return invalid("provider.backend", "must be one of openai|kokoro|exec|piper|mock")
	}
	if p.MaxChars < 0 {
		return invalid("provider.max_chars", "must be >= 0")
	}
	if p.RequestsPerMinute < 0 {
		return invalid("provider.requests_per_minute", "must be >= 0")
	}
	if p.CacheSize < 0 {
		return invalid("provider.cache_size", "must be >= 0")
	}
	return nil
}

// IsConfigurationError reports whether err stems from invalid configuration.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
