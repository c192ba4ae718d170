package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// piperProvider drives the offline piper binary, which reads text on stdin and writes raw
// 16-bit mono PCM when given --output-raw.
type piperProvider struct {
	binary   string
	opts     PiperOptions
	maxChars int
	logger   *slog.Logger
}

func newPiper(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	binary := cfg.Piper.Binary
	if binary == "" {
		binary = "piper"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}
	if cfg.Piper.Model == "" {
		return nil, errors.New("piper model path required")
	}
	if _, err := os.Stat(cfg.Piper.Model); err != nil {
		return nil, fmt.Errorf("piper model: %w", err)
	}
	if cfg.Piper.SampleRate <= 0 {
		cfg.Piper.SampleRate = 22050
	}
	return &piperProvider{
		binary:   path,
		opts:     cfg.Piper,
		maxChars: localCapability(cfg).MaxChars,
		logger:   logger.With(slog.String("component", "tts-piper")),
	}, nil
}

func (p *piperProvider) Name() string { return "piper" }

func (p *piperProvider) Capabilities() Capability {
	return Capability{MaxChars: p.maxChars, Formats: localFormats}
}

func (p *piperProvider) args() []string {
	args := []string{"--model", p.opts.Model, "--output-raw"}
	if p.opts.Speaker >= 0 {
		args = append(args, "--speaker", strconv.Itoa(p.opts.Speaker))
	}
	if p.opts.LengthScale > 0 {
		args = append(args, "--length_scale", strconv.FormatFloat(p.opts.LengthScale, 'f', -1, 64))
	}
	if p.opts.SentenceSilence > 0 {
		args = append(args, "--sentence_silence", strconv.FormatFloat(p.opts.SentenceSilence, 'f', -1, 64))
	}
	return args
}

func (p *piperProvider) Synthesize(ctx context.Context, text string, _ VoiceConfig) (Audio, error) {
	mustFit(p.Name(), text, p.maxChars)

	cmd := exec.CommandContext(ctx, p.binary, p.args()...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Audio{}, &TransientError{Backend: p.Name(), Err: ctxErr}
		}
		return Audio{}, &TransientError{Backend: p.Name(), Err: fmt.Errorf("piper failed: %w: %s", err, strings.TrimSpace(stderr.String()))}
	}
	if stdout.Len() == 0 {
		return Audio{}, &TransientError{Backend: p.Name(), Err: errors.New("piper produced no audio")}
	}

	out, err := pcmToWAV(stdout.Bytes(), p.opts.SampleRate, 1)
	if err != nil {
		return Audio{}, &FatalError{Backend: p.Name(), Err: err}
	}
	p.logger.Debug("piper synthesis complete", slog.Duration("duration", out.Duration))
	return out, nil
}
