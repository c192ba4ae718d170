package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execProvider runs a local synthesis command per chunk. The command reads one JSON request on
// stdin and writes JSON lines carrying base64 PCM on stdout.
type execProvider struct {
	cmd        []string
	sampleRate int
	channels   int
	maxChars   int
	logger     *slog.Logger
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func newExec(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Exec.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, args[0])
	}
	return &execProvider{
		cmd:        args,
		sampleRate: cfg.Exec.SampleRate,
		channels:   cfg.Exec.Channels,
		maxChars:   localCapability(cfg).MaxChars,
		logger:     logger.With(slog.String("component", "tts-exec")),
	}, nil
}

func (e *execProvider) Name() string { return "exec" }

func (e *execProvider) Capabilities() Capability {
	return Capability{MaxChars: e.maxChars, Formats: localFormats}
}

func (e *execProvider) Synthesize(ctx context.Context, text string, voice VoiceConfig) (Audio, error) {
	mustFit(e.Name(), text, e.maxChars)

	payload, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      voice.Name,
		Language:   voice.Language,
		Speed:      voice.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, &FatalError{Backend: e.Name(), Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Audio{}, &FatalError{Backend: e.Name(), Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Audio{}, &TransientError{Backend: e.Name(), Err: ctxErr}
		}
		return Audio{}, &TransientError{Backend: e.Name(), Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	var pcm []byte
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Audio{}, &FatalError{Backend: e.Name(), Err: fmt.Errorf("decode response line: %w", err)}
		}
		if resp.Error != "" {
			if resp.Retryable {
				return Audio{}, &TransientError{Backend: e.Name(), Err: errors.New(resp.Error)}
			}
			return Audio{}, &FatalError{Backend: e.Name(), Err: errors.New(resp.Error)}
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return Audio{}, &FatalError{Backend: e.Name(), Err: fmt.Errorf("decode pcm: %w", err)}
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Audio{}, &FatalError{Backend: e.Name(), Err: err}
	}
	if len(pcm) == 0 {
		return Audio{}, &TransientError{Backend: e.Name(), Err: errors.New("command produced no audio")}
	}

	e.logger.Debug("exec synthesis complete", slog.Int("chars", len(text)), slog.Int("pcm_bytes", len(pcm)))
	out, err := pcmToWAV(pcm, e.sampleRate, e.channels)
	if err != nil {
		return Audio{}, &FatalError{Backend: e.Name(), Err: err}
	}
	return out, nil
}
