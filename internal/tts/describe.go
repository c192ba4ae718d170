package tts

import (
	"context"
	"errors"
	"fmt"
)

// Process-backed and mock backends chunk at the same length and emit WAV.
const localMaxChars = 1000

var localFormats = []string{"wav"}

// ErrDescribeOnly is wrapped by Synthesize on a provider returned from Describe.
var ErrDescribeOnly = errors.New("backend described for planning only")

var describers = map[string]func(ProviderConfig) (Capability, error){
	"openai": func(cfg ProviderConfig) (Capability, error) {
		_, caps, err := describeOpenAI(cfg)
		return caps, err
	},
	"kokoro": func(cfg ProviderConfig) (Capability, error) {
		_, caps, err := describeKokoro(cfg)
		return caps, err
	},
	"exec":  func(cfg ProviderConfig) (Capability, error) { return localCapability(cfg), nil },
	"piper": func(cfg ProviderConfig) (Capability, error) { return localCapability(cfg), nil },
	"mock": func(ProviderConfig) (Capability, error) {
		return Capability{MaxChars: localMaxChars, Formats: localFormats}, nil
	},
}

func localCapability(cfg ProviderConfig) Capability {
	return Capability{MaxChars: effectiveMaxChars(localMaxChars, cfg.MaxChars), Formats: localFormats}
}

// Describe reports a backend's name and capabilities without credentials, binaries or network
// access. Voice options are still validated. The returned Provider refuses to synthesize.
func Describe(cfg ProviderConfig) (Provider, error) {
	describe, ok := describers[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("tts backend %q cannot be described offline (known: %v)", cfg.Backend, Backends())
	}
	caps, err := describe(cfg)
	if err != nil {
		return nil, fmt.Errorf("describe %s backend: %w", cfg.Backend, err)
	}
	return &described{name: cfg.Backend, caps: caps}, nil
}

type described struct {
	name string
	caps Capability
}

func (d *described) Name() string             { return d.name }
func (d *described) Capabilities() Capability { return d.caps }

func (d *described) Synthesize(context.Context, string, VoiceConfig) (Audio, error) {
	return Audio{}, &FatalError{Backend: d.name, Err: ErrDescribeOnly}
}
