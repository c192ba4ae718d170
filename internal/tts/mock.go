package tts

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"
)

const mockSampleRate = 8000

// mockProvider returns silence whose length follows the text length. It backs dry runs.
type mockProvider struct {
	delay time.Duration
}

func NewMock(delay time.Duration) Provider {
	return &mockProvider{delay: delay}
}

func newMockFromConfig(cfg ProviderConfig, _ *slog.Logger) (Provider, error) {
	return NewMock(cfg.Mock.Delay), nil
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Capabilities() Capability {
	return Capability{MaxChars: localMaxChars, Formats: localFormats}
}

func (m *mockProvider) Synthesize(ctx context.Context, text string, _ VoiceConfig) (Audio, error) {
	mustFit(m.Name(), text, m.Capabilities().MaxChars)
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, &TransientError{Backend: m.Name(), Err: ctx.Err()}
		case <-time.After(m.delay):
		}
	}
	// 20ms of silence per character.
	samples := utf8.RuneCountInString(text) * mockSampleRate / 50
	return pcmToWAV(make([]byte, samples*2), mockSampleRate, 1)
}
