package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/ratelimit"
	"github.com/loqalabs/loqa-audiobook/internal/retry"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	delay   func(text string) time.Duration
	fail    func(text string, call int) error
	started chan string

	mu    sync.Mutex
	calls map[string]int
}

func newFake() *fakeProvider {
	return &fakeProvider{calls: make(map[string]int)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Capabilities() tts.Capability {
	return tts.Capability{MaxChars: 1000, Formats: []string{"raw"}}
}

func (f *fakeProvider) Synthesize(ctx context.Context, text string, _ tts.VoiceConfig) (tts.Audio, error) {
	f.mu.Lock()
	f.calls[text]++
	n := f.calls[text]
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- text:
		default:
		}
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(text)):
		case <-ctx.Done():
			return tts.Audio{}, &tts.TransientError{Backend: "fake", Err: ctx.Err()}
		}
	}
	if f.fail != nil {
		if err := f.fail(text, n); err != nil {
			return tts.Audio{}, err
		}
	}
	return tts.Audio{Data: []byte(text), Format: "raw"}, nil
}

func (f *fakeProvider) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func (f *fakeProvider) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func chunksFor(chapter, n int) []chunker.Chunk {
	out := make([]chunker.Chunk, n)
	for i := range out {
		out[i] = chunker.Chunk{ChapterIndex: chapter, Sequence: i, Text: fmt.Sprintf("c%d-s%d", chapter, i)}
	}
	return out
}

func fastRetry(t *testing.T, maxRetries int) *retry.Controller {
	t.Helper()
	ctrl, err := retry.New(retry.Policy{
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Multiplier: 2,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return ctrl
}

func newScheduler(t *testing.T, p tts.Provider, workers int, mutate ...func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Workers:  workers,
		Provider: p,
		Retry:    fastRetry(t, 3),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func collect(ch <-chan Result) map[int][]Result {
	out := make(map[int][]Result)
	for res := range ch {
		out[res.ChapterIndex] = append(out[res.ChapterIndex], res)
	}
	for _, rs := range out {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Sequence < rs[j].Sequence })
	}
	return out
}

func TestOrderingIndependentOfWorkerCount(t *testing.T) {
	var chunks []chunker.Chunk
	for ch := 1; ch <= 3; ch++ {
		chunks = append(chunks, chunksFor(ch, 20)...)
	}

	for _, workers := range []int{1, 2, 8, 32} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(workers)))
			delays := make(map[string]time.Duration, len(chunks))
			for _, c := range chunks {
				delays[c.Text] = time.Duration(rng.Intn(3000)) * time.Microsecond
			}
			fake := newFake()
			fake.delay = func(text string) time.Duration { return delays[text] }

			got := collect(newScheduler(t, fake, workers).Run(context.Background(), chunks))
			require.Len(t, got, 3)
			for ch := 1; ch <= 3; ch++ {
				rs := got[ch]
				require.Len(t, rs, 20)
				for i, res := range rs {
					assert.Equal(t, i, res.Sequence)
					assert.Equal(t, Succeeded, res.Status)
					assert.Equal(t, fmt.Sprintf("c%d-s%d", ch, i), string(res.Audio.Data))
					assert.Equal(t, 1, res.Attempts)
				}
			}
		})
	}
}

func TestAlwaysTransientInvokesMaxRetriesPlusOne(t *testing.T) {
	fake := newFake()
	fake.fail = func(string, int) error {
		return &tts.TransientError{Backend: "fake", Status: 503}
	}
	s := newScheduler(t, fake, 2, func(o *Options) { o.Retry = fastRetry(t, 3) })

	got := collect(s.Run(context.Background(), chunksFor(1, 3)))
	require.Len(t, got[1], 3)
	for _, res := range got[1] {
		assert.Equal(t, Failed, res.Status)
		assert.Equal(t, KindTransient, res.Kind)
		assert.Equal(t, 4, res.Attempts)
		assert.Equal(t, 4, fake.callsFor(fmt.Sprintf("c1-s%d", res.Sequence)))
	}
}

func TestTransientThenSuccess(t *testing.T) {
	fake := newFake()
	fake.fail = func(_ string, call int) error {
		if call <= 2 {
			return &tts.TransientError{Backend: "fake", Status: 429}
		}
		return nil
	}
	got := collect(newScheduler(t, fake, 1).Run(context.Background(), chunksFor(1, 1)))
	require.Len(t, got[1], 1)
	assert.Equal(t, Succeeded, got[1][0].Status)
	assert.Equal(t, 3, got[1][0].Attempts)
}

func TestZeroRetriesFailsOnFirstTransient(t *testing.T) {
	fake := newFake()
	fake.fail = func(string, int) error { return &tts.TransientError{Backend: "fake"} }
	s := newScheduler(t, fake, 1, func(o *Options) { o.Retry = fastRetry(t, 0) })

	got := collect(s.Run(context.Background(), chunksFor(1, 1)))
	assert.Equal(t, KindTransient, got[1][0].Kind)
	assert.Equal(t, 1, fake.callsFor("c1-s0"))
}

func TestFatalStopsChapterDispatch(t *testing.T) {
	fake := newFake()
	fake.fail = func(text string, _ int) error {
		if text == "c1-s0" {
			return &tts.FatalError{Backend: "fake", Status: 401}
		}
		return nil
	}
	chunks := append(chunksFor(1, 5), chunksFor(2, 3)...)
	got := collect(newScheduler(t, fake, 1).Run(context.Background(), chunks))

	require.Len(t, got[1], 5)
	assert.Equal(t, KindFatal, got[1][0].Kind)
	assert.Equal(t, 1, got[1][0].Attempts)
	for _, res := range got[1][1:] {
		assert.Equal(t, Failed, res.Status)
		assert.Equal(t, KindAborted, res.Kind)
		assert.ErrorIs(t, res.Err, ErrChapterAborted)
		assert.Zero(t, res.Attempts)
		assert.Zero(t, fake.callsFor(fmt.Sprintf("c1-s%d", res.Sequence)))
	}
	assert.Equal(t, 1, fake.callsFor("c1-s0"))

	require.Len(t, got[2], 3)
	for _, res := range got[2] {
		assert.Equal(t, Succeeded, res.Status)
	}
}

func TestFatalIsNeverRetried(t *testing.T) {
	fake := newFake()
	fake.fail = func(string, int) error { return &tts.FatalError{Backend: "fake", Status: 400} }
	s := newScheduler(t, fake, 4, func(o *Options) { o.Retry = fastRetry(t, 5) })

	got := collect(s.Run(context.Background(), chunksFor(1, 8)))
	require.Len(t, got[1], 8)
	for i := 0; i < 8; i++ {
		assert.LessOrEqual(t, fake.callsFor(fmt.Sprintf("c1-s%d", i)), 1)
	}
}

func TestBlastRadiusRun(t *testing.T) {
	fake := newFake()
	fake.fail = func(text string, _ int) error {
		if text == "c1-s0" {
			return &tts.FatalError{Backend: "fake"}
		}
		return nil
	}
	chunks := append(chunksFor(1, 2), chunksFor(2, 2)...)
	s := newScheduler(t, fake, 1, func(o *Options) { o.BlastRadius = BlastRun })

	got := collect(s.Run(context.Background(), chunks))
	for _, res := range got[2] {
		assert.Equal(t, KindAborted, res.Kind)
		assert.ErrorIs(t, res.Err, ErrRunAborted)
	}
	assert.Equal(t, 1, fake.totalCalls())
}

func TestCancelDrainsInFlightCalls(t *testing.T) {
	fake := newFake()
	fake.started = make(chan string, 1)
	fake.delay = func(string) time.Duration { return 50 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := newScheduler(t, fake, 2).Run(ctx, chunksFor(1, 10))

	<-fake.started
	cancel()

	got := collect(results)
	require.Len(t, got[1], 10)
	succeeded := 0
	for _, res := range got[1] {
		if res.Status == Succeeded {
			succeeded++
			continue
		}
		assert.Equal(t, KindAborted, res.Kind)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.LessOrEqual(t, succeeded, 2)
	assert.Equal(t, succeeded, fake.totalCalls())
}

func TestCancelDuringBackoffAbortsPromptly(t *testing.T) {
	fake := newFake()
	fake.fail = func(string, int) error { return &tts.TransientError{Backend: "fake"} }
	ctrl, err := retry.New(retry.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1, MaxRetries: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	results := newScheduler(t, fake, 1, func(o *Options) { o.Retry = ctrl }).Run(ctx, chunksFor(1, 1))
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan map[int][]Result)
	go func() { done <- collect(results) }()
	select {
	case got := <-done:
		require.Len(t, got[1], 1)
		assert.Equal(t, KindAborted, got[1][0].Kind)
		assert.Equal(t, 1, got[1][0].Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not drain after cancellation")
	}
}

func TestRateLimiterBoundsDispatch(t *testing.T) {
	fake := newFake()
	limiter := ratelimit.New(tts.RateLimit{Requests: 20, Interval: time.Second}, 1)
	s := newScheduler(t, fake, 8, func(o *Options) { o.Limiter = limiter })

	start := time.Now()
	got := collect(s.Run(context.Background(), chunksFor(1, 4)))
	require.Len(t, got[1], 4)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestEmptyRunClosesImmediately(t *testing.T) {
	results := newScheduler(t, newFake(), 2).Run(context.Background(), nil)
	_, ok := <-results
	assert.False(t, ok)
}

func TestNewRejectsInvalidWorkers(t *testing.T) {
	_, err := New(Options{Workers: 0, Provider: newFake()})
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "scheduler.workers", cfgErr.Key)
}

func TestNewRequiresOnlyProvider(t *testing.T) {
	_, err := New(Options{Workers: 1})
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "provider.backend", cfgErr.Key)

	s, err := New(Options{Workers: 1, Provider: newFake()})
	require.NoError(t, err)
	assert.NotNil(t, s.opts.Retry)
	assert.NotNil(t, s.opts.Limiter)
}

func TestParseBlastRadius(t *testing.T) {
	b, err := ParseBlastRadius("RUN")
	require.NoError(t, err)
	assert.Equal(t, BlastRun, b)

	b, err = ParseBlastRadius("")
	require.NoError(t, err)
	assert.Equal(t, BlastChapter, b)

	_, err = ParseBlastRadius("book")
	assert.True(t, config.IsConfigurationError(err))
}
