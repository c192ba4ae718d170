package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockProducesWAVScaledByText(t *testing.T) {
	p := NewMock(0)
	short, err := p.Synthesize(context.Background(), "hi", VoiceConfig{})
	require.NoError(t, err)
	long, err := p.Synthesize(context.Background(), strings.Repeat("x", 100), VoiceConfig{})
	require.NoError(t, err)

	assert.Equal(t, "wav", long.Format)
	assert.Equal(t, 40*time.Millisecond, short.Duration)
	assert.Equal(t, 2*time.Second, long.Duration)

	d, err := WAVDuration(long.Data)
	require.NoError(t, err)
	assert.InDelta(t, float64(long.Duration), float64(d), float64(10*time.Millisecond))
}

func TestMockHonoursContextDuringDelay(t *testing.T) {
	p := NewMock(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Synthesize(ctx, "hi", VoiceConfig{})
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestSynthesizePanicsOnOversizedChunk(t *testing.T) {
	p := NewMock(0)
	assert.PanicsWithError(t, "mock: chunk of 1001 chars exceeds max_chars 1000", func() {
		_, _ = p.Synthesize(context.Background(), strings.Repeat("a", 1001), VoiceConfig{})
	})
}

func TestStatusErrorClassification(t *testing.T) {
	transient := []int{408, 409, 425, 429, 500, 502, 503}
	fatal := []int{400, 401, 403, 404, 422}
	for _, status := range transient {
		var te *TransientError
		assert.ErrorAs(t, StatusError("openai", status, 0, errors.New("x")), &te, "status %d", status)
	}
	for _, status := range fatal {
		var fe *FatalError
		assert.ErrorAs(t, StatusError("openai", status, 0, errors.New("x")), &fe, "status %d", status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

type countingProvider struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingProvider) Name() string             { return "counting" }
func (c *countingProvider) Capabilities() Capability { return Capability{MaxChars: 100} }
func (c *countingProvider) Synthesize(_ context.Context, text string, _ VoiceConfig) (Audio, error) {
	c.calls.Add(1)
	if c.fail {
		return Audio{}, &TransientError{Backend: "counting", Err: errors.New("boom")}
	}
	return Audio{Data: []byte(text), Format: "wav"}, nil
}

func TestCachedReusesSuccessfulSyntheses(t *testing.T) {
	inner := &countingProvider{}
	p := Cached(inner, 8)
	voice := VoiceConfig{Name: "alloy"}

	for i := 0; i < 3; i++ {
		audio, err := p.Synthesize(context.Background(), "* * *", voice)
		require.NoError(t, err)
		assert.Equal(t, []byte("* * *"), audio.Data)
	}
	_, err := p.Synthesize(context.Background(), "* * *", VoiceConfig{Name: "nova"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, "counting", p.Name())
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	inner := &countingProvider{fail: true}
	p := Cached(inner, 8)
	for i := 0; i < 2; i++ {
		_, err := p.Synthesize(context.Background(), "x", VoiceConfig{})
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedDisabled(t *testing.T) {
	inner := &countingProvider{}
	assert.Same(t, Provider(inner), Cached(inner, 0))
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(ProviderConfig{Backend: "telepathy"}, newLogger())
	assert.ErrorContains(t, err, "unknown tts backend")
}

func TestNewMockBackend(t *testing.T) {
	p, err := New(ProviderConfig{Backend: "mock"}, newLogger())
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.Contains(t, Backends(), "piper")
}

func TestRegisterCustomBackend(t *testing.T) {
	Register("counting-test", func(ProviderConfig, *slog.Logger) (Provider, error) { return &countingProvider{}, nil })
	p, err := New(ProviderConfig{Backend: "counting-test"}, newLogger())
	require.NoError(t, err)
	assert.Equal(t, "counting", p.Name())
}

func TestEffectiveMaxChars(t *testing.T) {
	assert.Equal(t, 1800, effectiveMaxChars(1800, 0))
	assert.Equal(t, 500, effectiveMaxChars(1800, 500))
	assert.Equal(t, 1800, effectiveMaxChars(1800, 4000))
}

func newSpeechServer(t *testing.T, handler http.HandlerFunc) ProviderConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return ProviderConfig{
		Backend: "openai",
		Voice:   VoiceConfig{Name: "alloy", Model: "gpt-4o-mini-tts", Format: "mp3", Speed: 1},
		Timeout: 5 * time.Second,
		OpenAI:  OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"},
	}
}

func TestOpenAISynthesize(t *testing.T) {
	var got speechRequest
	cfg := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	})

	p, err := New(cfg, newLogger())
	require.NoError(t, err)
	assert.Equal(t, 1800, p.Capabilities().MaxChars)
	assert.Equal(t, 0.003, p.Capabilities().PricePer1KChars)

	audio, err := p.Synthesize(context.Background(), "Hello there.", cfg.Voice)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-audio"), audio.Data)
	assert.Equal(t, "mp3", audio.Format)
	assert.Equal(t, "Hello there.", got.Input)
	assert.Equal(t, "alloy", got.Voice)
	assert.Equal(t, "mp3", got.ResponseFormat)
}

func TestOpenAIClassifiesStatuses(t *testing.T) {
	var status atomic.Int32
	cfg := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status.Load() == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
	})
	p, err := New(cfg, newLogger())
	require.NoError(t, err)

	status.Store(http.StatusTooManyRequests)
	_, err = p.Synthesize(context.Background(), "x", cfg.Voice)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusTooManyRequests, transient.Status)
	assert.Equal(t, 2*time.Second, transient.RetryAfter)

	status.Store(http.StatusUnauthorized)
	_, err = p.Synthesize(context.Background(), "x", cfg.Voice)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, http.StatusUnauthorized, fatal.Status)
}

func TestOpenAIRejectsInvalidVoiceOptions(t *testing.T) {
	base := ProviderConfig{Backend: "openai", OpenAI: OpenAIOptions{APIKey: "sk"}}

	cfg := base
	cfg.Voice = VoiceConfig{Name: "alloy", Model: "tts-1", Speed: 1, Instructions: "whisper"}
	_, err := New(cfg, newLogger())
	assert.ErrorContains(t, err, "instructions require gpt-4o-mini-tts")

	cfg = base
	cfg.Voice = VoiceConfig{Name: "alloy", Speed: 9}
	_, err = New(cfg, newLogger())
	assert.ErrorContains(t, err, "speed")

	cfg = base
	cfg.Voice = VoiceConfig{Name: "robot", Speed: 1}
	_, err = New(cfg, newLogger())
	assert.ErrorContains(t, err, "unsupported voice")

	_, err = New(ProviderConfig{Backend: "openai"}, newLogger())
	assert.ErrorContains(t, err, "api key required")
}

func TestKokoroDefaults(t *testing.T) {
	p, err := New(ProviderConfig{Backend: "kokoro", Voice: VoiceConfig{Name: "alloy", Model: "gpt-4o-mini-tts"}}, newLogger())
	require.NoError(t, err)
	sp, ok := p.(*speechProvider)
	require.True(t, ok)
	assert.Equal(t, "af_heart", sp.voice.Name)
	assert.Equal(t, "kokoro", sp.voice.Model)
	assert.True(t, p.Capabilities().RateLimit.Unlimited())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "tts.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecProviderDecodesPCMLines(t *testing.T) {
	// Two frames of 16-bit PCM: "AAAA" decodes to four zero bytes.
	script := writeScript(t, `cat >/dev/null
echo '{"pcm_base64":"AAAAAA==","final":false}'
echo '{"pcm_base64":"AAAAAA==","final":true}'
`)
	p, err := New(ProviderConfig{Backend: "exec", Exec: ExecOptions{Command: script, SampleRate: 4, Channels: 1}}, newLogger())
	require.NoError(t, err)

	audio, err := p.Synthesize(context.Background(), "hello", VoiceConfig{Name: "en"})
	require.NoError(t, err)
	assert.Equal(t, "wav", audio.Format)
	assert.Equal(t, time.Second, audio.Duration)
}

func TestExecProviderErrorsAreClassified(t *testing.T) {
	failing := writeScript(t, "cat >/dev/null\necho oops >&2\nexit 3\n")
	p, err := New(ProviderConfig{Backend: "exec", Exec: ExecOptions{Command: failing, SampleRate: 16000, Channels: 1}}, newLogger())
	require.NoError(t, err)
	_, err = p.Synthesize(context.Background(), "hello", VoiceConfig{})
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Contains(t, err.Error(), "oops")

	rejecting := writeScript(t, `cat >/dev/null
echo '{"error":"voice not installed"}'
`)
	p, err = New(ProviderConfig{Backend: "exec", Exec: ExecOptions{Command: rejecting, SampleRate: 16000, Channels: 1}}, newLogger())
	require.NoError(t, err)
	_, err = p.Synthesize(context.Background(), "hello", VoiceConfig{})
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestExecProviderMissingBinary(t *testing.T) {
	_, err := New(ProviderConfig{Backend: "exec", Exec: ExecOptions{Command: "/nonexistent/tts-bin --x"}}, newLogger())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestPiperArgs(t *testing.T) {
	p := &piperProvider{opts: PiperOptions{Model: "m.onnx", Speaker: 2, LengthScale: 1.1, SentenceSilence: 0.2}}
	assert.Equal(t, []string{"--model", "m.onnx", "--output-raw", "--speaker", "2", "--length_scale", "1.1", "--sentence_silence", "0.2"}, p.args())

	p.opts.Speaker = -1
	assert.NotContains(t, p.args(), "--speaker")
}
