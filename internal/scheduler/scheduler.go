// Package scheduler fans chunks out to a speech backend over a bounded worker pool and fans the
// tagged results back in.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/ratelimit"
	"github.com/loqalabs/loqa-audiobook/internal/retry"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-audiobook/scheduler"

var (
	// ErrChapterAborted is the cause attached to chunks that were never dispatched because a
	// fatal error stopped their chapter.
	ErrChapterAborted = errors.New("chapter aborted")
	// ErrRunAborted is used when the blast radius of a fatal error is the whole run.
	ErrRunAborted = errors.New("run aborted")
)

// BlastRadius is how much work a fatal chunk error stops: its chapter or the whole run.
type BlastRadius int

const (
	BlastChapter BlastRadius = iota
	BlastRun
)

func (b BlastRadius) String() string {
	if b == BlastRun {
		return "run"
	}
	return "chapter"
}

// ParseBlastRadius maps the scheduler.blast_radius setting; empty means chapter.
func ParseBlastRadius(s string) (BlastRadius, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chapter":
		return BlastChapter, nil
	case "run":
		return BlastRun, nil
	}
	return BlastChapter, &config.ConfigurationError{Key: "scheduler.blast_radius", Msg: fmt.Sprintf("unknown value %q (want chapter or run)", s)}
}

type Status int

const (
	Succeeded Status = iota
	Failed
)

func (s Status) String() string {
	if s == Succeeded {
		return "succeeded"
	}
	return "failed"
}

// Kind classifies why a chunk failed.
type Kind string

const (
	KindNone      Kind = ""
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
	KindAborted   Kind = "aborted"
)

// Task is one chunk in flight. Attempt counts dispatches, starting at 1.
type Task struct {
	Chunk   chunker.Chunk
	Attempt int

	backoff *backoff.ExponentialBackOff
}

// Result is the terminal outcome of one chunk.
type Result struct {
	ChapterIndex int
	Sequence     int
	Audio        tts.Audio
	Status       Status
	Kind         Kind
	Err          error
	Attempts     int
}

// Options configures a Scheduler. Only Provider is required; Retry and Limiter get defaults.
type Options struct {
	Workers        int
	Provider       tts.Provider
	Voice          tts.VoiceConfig
	Limiter        *ratelimit.Limiter
	Retry          *retry.Controller
	BlastRadius    BlastRadius
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

type Scheduler struct {
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics instruments
}

type instruments struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	latency  metric.Float64Histogram
}

// New validates opts and prepares the scheduler's tracer and metrics.
func New(opts Options) (*Scheduler, error) {
	if opts.Workers < 1 {
		return nil, &config.ConfigurationError{Key: "scheduler.workers", Msg: "must be at least 1"}
	}
	if opts.Provider == nil {
		return nil, &config.ConfigurationError{Key: "provider.backend", Msg: "no provider configured"}
	}
	if opts.Retry == nil {
		ctrl, err := retry.New(retry.DefaultPolicy())
		if err != nil {
			return nil, err
		}
		opts.Retry = ctrl
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.ForProvider(opts.Provider)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		opts:   opts,
		log:    logger.With(slog.String("component", "scheduler")),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(otel.Meter(instrumentationName)); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		_ = s.initMetrics(noop.Meter{})
	}
	return s, nil
}

func (s *Scheduler) initMetrics(meter metric.Meter) error {
	var err error
	if s.metrics.requests, err = meter.Int64Counter("audiobook.synthesis.requests",
		metric.WithDescription("Synthesis calls by backend and outcome")); err != nil {
		return err
	}
	if s.metrics.retries, err = meter.Int64Counter("audiobook.synthesis.retries",
		metric.WithDescription("Chunks re-enqueued after a transient failure")); err != nil {
		return err
	}
	s.metrics.latency, err = meter.Float64Histogram("audiobook.synthesis.latency",
		metric.WithDescription("Synthesis call latency"), metric.WithUnit("ms"))
	return err
}

// Run dispatches every chunk and returns a channel that yields exactly one Result per chunk.
// The channel closes once every chunk is terminal and every worker has exited. Cancelling ctx
// stops new dispatch; calls already in flight run to completion.
func (s *Scheduler) Run(ctx context.Context, chunks []chunker.Chunk) <-chan Result {
	r := &run{
		s:       s,
		ctx:     ctx,
		queue:   make(chan *Task, len(chunks)),
		results: make(chan Result, len(chunks)),
		aborted: make(map[int]error),
	}
	r.pending.Add(len(chunks))
	for _, c := range chunks {
		r.queue <- &Task{Chunk: c, Attempt: 1}
	}

	var workers sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			r.work(id)
		}(i)
	}
	go func() {
		r.pending.Wait()
		close(r.queue)
		workers.Wait()
		close(r.results)
	}()

	s.log.Info("synthesis started",
		slog.String("backend", s.opts.Provider.Name()),
		slog.Int("chunks", len(chunks)),
		slog.Int("workers", s.opts.Workers))
	return r.results
}

type run struct {
	s       *Scheduler
	ctx     context.Context
	queue   chan *Task
	results chan Result
	pending sync.WaitGroup

	mu         sync.Mutex
	aborted    map[int]error
	runAborted atomic.Bool
}

func (r *run) work(id int) {
	for task := range r.queue {
		r.handle(id, task)
	}
}

// stopped returns the reason task's chapter may no longer be dispatched, or nil.
func (r *run) stopped(chapter int) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.runAborted.Load() {
		return ErrRunAborted
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted[chapter]
}

func (r *run) abort(chapter int, cause error) {
	if r.s.opts.BlastRadius == BlastRun {
		r.runAborted.Store(true)
	}
	r.mu.Lock()
	if _, ok := r.aborted[chapter]; !ok {
		r.aborted[chapter] = fmt.Errorf("%w: %v", ErrChapterAborted, cause)
	}
	r.mu.Unlock()
}

func (r *run) handle(worker int, task *Task) {
	c := task.Chunk
	if err := r.stopped(c.ChapterIndex); err != nil {
		r.finish(task, Result{Status: Failed, Kind: KindAborted, Err: err, Attempts: task.Attempt - 1})
		return
	}
	if err := r.s.opts.Limiter.Wait(r.ctx); err != nil {
		r.finish(task, Result{Status: Failed, Kind: KindAborted, Err: err, Attempts: task.Attempt - 1})
		return
	}
	if err := r.stopped(c.ChapterIndex); err != nil {
		r.finish(task, Result{Status: Failed, Kind: KindAborted, Err: err, Attempts: task.Attempt - 1})
		return
	}

	log := r.s.log.With(
		slog.Int("chapter", c.ChapterIndex),
		slog.Int("sequence", c.Sequence),
		slog.Int("attempt", task.Attempt),
		slog.Int("worker", worker))
	log.Debug("dispatching chunk", slog.Int("chars", len([]rune(c.Text))))

	audio, err := r.synthesize(task)
	if err == nil {
		r.finish(task, Result{Status: Succeeded, Audio: audio, Attempts: task.Attempt})
		return
	}

	decision := retry.Classify(err)
	if r.s.opts.Retry.ShouldRetry(decision, task.Attempt) {
		if task.backoff == nil {
			task.backoff = r.s.opts.Retry.NewBackOff()
		}
		delay := r.s.opts.Retry.Delay(task.backoff, decision)
		log.Warn("retrying chunk",
			slog.String("reason", decision.Reason),
			slog.Duration("delay", delay),
			slogError(err))
		r.s.metrics.retries.Add(context.WithoutCancel(r.ctx), 1,
			metric.WithAttributes(attribute.String("reason", decision.Reason)))
		task.Attempt++
		r.requeue(task, delay)
		return
	}

	kind := KindTransient
	if decision.Class == retry.Fatal {
		kind = KindFatal
		r.abort(c.ChapterIndex, err)
		log.Error("chunk failed fatally, aborting "+r.s.opts.BlastRadius.String(), slogError(err))
	} else {
		log.Error("chunk failed after retries", slogError(err))
	}
	r.finish(task, Result{Status: Failed, Kind: kind, Err: err, Attempts: task.Attempt})
}

// synthesize invokes the backend under a context that survives user cancellation so an
// in-flight call drains instead of leaving a half-written segment.
func (r *run) synthesize(task *Task) (tts.Audio, error) {
	ctx := context.WithoutCancel(r.ctx)
	if r.s.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.s.opts.AttemptTimeout)
		defer cancel()
	}
	ctx, span := r.s.tracer.Start(ctx, "synthesize", trace.WithAttributes(
		attribute.Int("chapter", task.Chunk.ChapterIndex),
		attribute.Int("sequence", task.Chunk.Sequence),
		attribute.Int("attempt", task.Attempt)))
	defer span.End()

	start := time.Now()
	audio, err := r.s.opts.Provider.Synthesize(ctx, task.Chunk.Text, r.s.opts.Voice)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	outcome := "success"
	if err != nil {
		outcome = retry.Classify(err).Class.String()
		span.RecordError(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", r.s.opts.Provider.Name()),
		attribute.String("outcome", outcome))
	r.s.metrics.requests.Add(ctx, 1, attrs)
	r.s.metrics.latency.Record(ctx, elapsed, attrs)
	return audio, err
}

// requeue puts task back on the queue after delay without holding a worker. Cancellation
// short-circuits the delay so the task is reported as aborted promptly.
func (r *run) requeue(task *Task, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.ctx.Done():
		}
		r.queue <- task
	}()
}

func (r *run) finish(task *Task, res Result) {
	res.ChapterIndex = task.Chunk.ChapterIndex
	res.Sequence = task.Chunk.Sequence
	r.results <- res
	r.pending.Done()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
