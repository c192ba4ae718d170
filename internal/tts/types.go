package tts

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// VoiceConfig selects how a chunk is spoken.
type VoiceConfig struct {
	Name         string
	Model        string
	Speed        float64
	Language     string
	Instructions string
	Format       string
}

// RateLimit is a backend's request budget. A zero value means unlimited.
type RateLimit struct {
	Requests int
	Interval time.Duration
}

func (r RateLimit) Unlimited() bool { return r.Requests <= 0 || r.Interval <= 0 }

// Capability describes a backend. It is queried once per backend selection.
type Capability struct {
	MaxChars        int
	RateLimit       RateLimit
	Formats         []string
	PricePer1KChars float64
}

func (c Capability) SupportsFormat(format string) bool {
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Audio is one synthesized segment as returned by a backend.
type Audio struct {
	Data     []byte
	Format   string
	Duration time.Duration
}

// Provider is the single contract every speech backend implements. Implementations must be
// safe for concurrent use by the scheduler's workers.
type Provider interface {
	Name() string
	Capabilities() Capability
	Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error)
}

// ProviderConfig is the explicit configuration handed to a backend constructor. Credentials
// arrive here; adapters never read the environment.
type ProviderConfig struct {
	Backend           string
	Voice             VoiceConfig
	MaxChars          int
	RequestsPerMinute int
	Timeout           time.Duration
	CacheSize         int
	OpenAI            OpenAIOptions
	Exec              ExecOptions
	Piper             PiperOptions
	Mock              MockOptions
}

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
}

type ExecOptions struct {
	Command    string
	SampleRate int
	Channels   int
}

type PiperOptions struct {
	Binary          string
	Model           string
	Speaker         int
	LengthScale     float64
	SentenceSilence float64
	SampleRate      int
}

type MockOptions struct {
	Delay time.Duration
}

// ChunkTooLongError is the panic value raised when a chunk longer than the backend limit
// reaches Synthesize. That is a wiring bug, not a runtime condition.
type ChunkTooLongError struct {
	Backend string
	Length  int
	Max     int
}

func (e *ChunkTooLongError) Error() string {
	return fmt.Sprintf("%s: chunk of %d chars exceeds max_chars %d", e.Backend, e.Length, e.Max)
}

func mustFit(backend, text string, maxChars int) {
	if n := utf8.RuneCountInString(text); n > maxChars {
		panic(&ChunkTooLongError{Backend: backend, Length: n, Max: maxChars})
	}
}

func effectiveMaxChars(backendMax, override int) int {
	if override > 0 && override < backendMax {
		return override
	}
	return backendMax
}

func perMinute(requests int) RateLimit {
	if requests <= 0 {
		return RateLimit{}
	}
	return RateLimit{Requests: requests, Interval: time.Minute}
}
