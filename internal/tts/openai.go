package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	openAIMaxChars      = 1800
	openAIDefaultRPM    = 50
	kokoroDefaultURL    = "http://localhost:8880/v1"
	kokoroDefaultVoice  = "af_heart"
	kokoroDefaultModel  = "kokoro"
	kokoroDefaultMaxLen = 1000
)

var (
	openAIFormats = []string{"mp3", "opus", "aac", "flac", "wav", "pcm"}
	openAIVoices  = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer", "verse"}
	openAIPrices  = map[string]float64{
		"tts-1":           0.015,
		"tts-1-hd":        0.030,
		"gpt-4o-mini-tts": 0.003,
	}
)

// speechProvider speaks the /audio/speech dialect. It serves the hosted OpenAI API and
// OpenAI-compatible local servers such as Kokoro.
type speechProvider struct {
	name   string
	client openai.Client
	caps   Capability
	voice  VoiceConfig
	logger *slog.Logger
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	Instructions   string  `json:"instructions,omitempty"`
}

func newOpenAI(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if cfg.OpenAI.APIKey == "" && cfg.OpenAI.BaseURL == "" {
		return nil, errors.New("openai api key required")
	}
	voice, caps, err := describeOpenAI(cfg)
	if err != nil {
		return nil, err
	}
	return newSpeechProvider("openai", cfg, voice, caps, logger), nil
}

// describeOpenAI resolves voice defaults and capabilities. It needs no credentials.
func describeOpenAI(cfg ProviderConfig) (VoiceConfig, Capability, error) {
	voice := cfg.Voice
	if voice.Model == "" {
		voice.Model = "gpt-4o-mini-tts"
	}
	if voice.Name == "" {
		voice.Name = "alloy"
	}
	if voice.Format == "" {
		voice.Format = "mp3"
	}
	if voice.Speed == 0 {
		voice.Speed = 1.0
	}
	if err := validateOpenAIVoice(voice, cfg.OpenAI.BaseURL == ""); err != nil {
		return VoiceConfig{}, Capability{}, err
	}

	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = openAIDefaultRPM
	}
	caps := Capability{
		MaxChars:        effectiveMaxChars(openAIMaxChars, cfg.MaxChars),
		RateLimit:       perMinute(rpm),
		Formats:         openAIFormats,
		PricePer1KChars: openAIPrices[voice.Model],
	}
	return voice, caps, nil
}

func newKokoro(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = kokoroDefaultURL
	}
	voice, caps, err := describeKokoro(cfg)
	if err != nil {
		return nil, err
	}
	return newSpeechProvider("kokoro", cfg, voice, caps, logger), nil
}

func describeKokoro(cfg ProviderConfig) (VoiceConfig, Capability, error) {
	voice := cfg.Voice
	if voice.Name == "" || slices.Contains(openAIVoices, voice.Name) {
		voice.Name = kokoroDefaultVoice
	}
	if voice.Model == "" || openAIPrices[voice.Model] > 0 {
		voice.Model = kokoroDefaultModel
	}
	if voice.Format == "" {
		voice.Format = "mp3"
	}
	if !slices.Contains(openAIFormats, voice.Format) {
		return VoiceConfig{}, Capability{}, fmt.Errorf("kokoro: unsupported format %q", voice.Format)
	}
	voice.Instructions = ""

	caps := Capability{
		MaxChars:  effectiveMaxChars(kokoroDefaultMaxLen, cfg.MaxChars),
		RateLimit: perMinute(cfg.RequestsPerMinute),
		Formats:   openAIFormats,
	}
	return voice, caps, nil
}

func newSpeechProvider(name string, cfg ProviderConfig, voice VoiceConfig, caps Capability, logger *slog.Logger) *speechProvider {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.OpenAI.APIKey))
	} else {
		opts = append(opts, option.WithAPIKey("not-needed"))
	}
	return &speechProvider{
		name:   name,
		client: openai.NewClient(opts...),
		caps:   caps,
		voice:  voice,
		logger: logger.With(slog.String("component", "tts-"+name)),
	}
}

func validateOpenAIVoice(v VoiceConfig, hosted bool) error {
	if v.Speed < 0.25 || v.Speed > 4.0 {
		return fmt.Errorf("openai: speed %.2f outside 0.25..4.0", v.Speed)
	}
	if !slices.Contains(openAIFormats, v.Format) {
		return fmt.Errorf("openai: unsupported format %q", v.Format)
	}
	if !hosted {
		return nil
	}
	if !slices.Contains(openAIVoices, v.Name) {
		return fmt.Errorf("openai: unsupported voice %q", v.Name)
	}
	if _, ok := openAIPrices[v.Model]; !ok {
		return fmt.Errorf("openai: unsupported model %q", v.Model)
	}
	if v.Instructions != "" && v.Model != "gpt-4o-mini-tts" {
		return fmt.Errorf("openai: instructions require gpt-4o-mini-tts, got %q", v.Model)
	}
	return nil
}

func (p *speechProvider) Name() string { return p.name }

func (p *speechProvider) Capabilities() Capability { return p.caps }

// Synthesize uses the configured voice; per-call fields override it when set.
func (p *speechProvider) Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error) {
	mustFit(p.name, text, p.caps.MaxChars)

	v := p.voice
	if voice.Name != "" && p.name == "openai" {
		v.Name = voice.Name
	}
	if voice.Instructions != "" && p.name == "openai" {
		v.Instructions = voice.Instructions
	}

	req := speechRequest{
		Model:          v.Model,
		Input:          text,
		Voice:          v.Name,
		ResponseFormat: v.Format,
		Speed:          v.Speed,
		Instructions:   v.Instructions,
	}

	var data []byte
	if err := p.client.Post(ctx, "audio/speech", req, &data); err != nil {
		return Audio{}, p.classify(err)
	}
	if len(data) == 0 {
		return Audio{}, &TransientError{Backend: p.name, Err: errors.New("empty audio response")}
	}
	return Audio{Data: data, Format: v.Format}, nil
}

func (p *speechProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		p.logger.Debug("speech request rejected", slog.Int("status", apiErr.StatusCode), slog.String("message", msg))
		return StatusError(p.name, apiErr.StatusCode, retryAfter, errors.New(msg))
	}
	return transportError(p.name, err)
}
