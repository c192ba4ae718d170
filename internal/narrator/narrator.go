// Package narrator runs a book through text preparation, chunking, synthesis and assembly and
// reports the outcome of every chapter.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audiobook/internal/assembler"
	"github.com/loqalabs/loqa-audiobook/internal/book"
	"github.com/loqalabs/loqa-audiobook/internal/chunker"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/loqalabs/loqa-audiobook/internal/ratelimit"
	"github.com/loqalabs/loqa-audiobook/internal/report"
	"github.com/loqalabs/loqa-audiobook/internal/retry"
	"github.com/loqalabs/loqa-audiobook/internal/runstore"
	"github.com/loqalabs/loqa-audiobook/internal/scheduler"
	"github.com/loqalabs/loqa-audiobook/internal/textprep"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"golang.org/x/sync/errgroup"
)

// ErrNoText marks a selected chapter that has nothing left to narrate after text preparation.
var ErrNoText = errors.New("chapter has no narratable text")

type Options struct {
	// Start and End select chapters, 1-based and inclusive. End <= 0 means the last chapter.
	Start int
	End   int

	Mode chunker.BoundaryMode
	// MaxChars lowers the provider's chunk limit. Zero uses the provider limit; it is never raised.
	MaxChars int

	Workers        int
	BlastRadius    scheduler.BlastRadius
	AttemptTimeout time.Duration
	Retry          retry.Policy
	FailFast       bool

	Prep       textprep.Options
	OutputText bool
	TextDir    string

	AssemblyConcurrency int
}

// Progress receives completion events. *bus.Publisher implements it.
type Progress interface {
	ChapterCompleted(protocol.ChapterCompleted) error
	RunCompleted(protocol.RunCompleted) error
}

// Deps are the collaborators a Narrator drives. Only Provider is required; Assembler is needed
// for Run but not Preview.
type Deps struct {
	Provider  tts.Provider
	Voice     tts.VoiceConfig
	Assembler *assembler.Assembler
	Limiter   *ratelimit.Limiter
	Store     *runstore.Store
	Publisher Progress
	Tracker   *progress.Tracker
	Logger    *slog.Logger
}

type Narrator struct {
	opts     Options
	deps     Deps
	retry    *retry.Controller
	maxChars int
	log      *slog.Logger
	newID    func() string
	clock    func() time.Time
}

// New validates every setting before any work starts.
func New(opts Options, deps Deps) (*Narrator, error) {
	if deps.Provider == nil {
		return nil, &config.ConfigurationError{Key: "provider.backend", Msg: "no provider configured"}
	}
	if opts.Workers < 1 {
		return nil, &config.ConfigurationError{Key: "scheduler.workers", Msg: "must be at least 1"}
	}
	if opts.MaxChars < 0 {
		return nil, &config.ConfigurationError{Key: "chunker.max_chars", Msg: "must be >= 0", Err: chunker.ErrInvalidMaxChars}
	}
	if opts.Start < 1 {
		return nil, &config.ConfigurationError{Key: "book.chapter_start", Msg: "must be >= 1"}
	}
	if opts.AssemblyConcurrency < 1 {
		opts.AssemblyConcurrency = 1
	}
	ctrl, err := retry.New(opts.Retry)
	if err != nil {
		return nil, err
	}

	maxChars := deps.Provider.Capabilities().MaxChars
	if opts.MaxChars > 0 && opts.MaxChars < maxChars {
		maxChars = opts.MaxChars
	}
	if maxChars <= 0 {
		return nil, &config.ConfigurationError{Key: "provider.max_chars", Msg: "backend reports no usable chunk limit", Err: chunker.ErrInvalidMaxChars}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Narrator{
		opts:     opts,
		deps:     deps,
		retry:    ctrl,
		maxChars: maxChars,
		log:      logger.With(slog.String("component", "narrator")),
		newID:    uuid.NewString,
		clock:    time.Now,
	}, nil
}

// MaxChars is the chunk limit in effect.
func (n *Narrator) MaxChars() int { return n.maxChars }

// prepared is a selected chapter after text preparation and chunking.
type prepared struct {
	chapter book.Chapter
	text    string
	chunks  []chunker.Chunk
	export  string
}

func (n *Narrator) selectChapters(b *book.Book) ([]book.Chapter, error) {
	chapters, err := b.Select(n.opts.Start, n.opts.End)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "book.chapter_start", Msg: err.Error(), Err: err}
	}
	return chapters, nil
}

func (n *Narrator) prepare(ch book.Chapter) (prepared, error) {
	text := strings.TrimSpace(n.opts.Prep.Apply(ch.Text))
	chunks, err := chunker.Split(ch.Index, text, n.maxChars, n.opts.Mode)
	if err != nil {
		return prepared{}, err
	}
	return prepared{chapter: ch, text: text, chunks: chunks}, nil
}

// Preview chunks the selected chapters without touching the provider.
func (n *Narrator) Preview(b *book.Book) (*report.Preview, error) {
	chapters, err := n.selectChapters(b)
	if err != nil {
		return nil, err
	}
	caps := n.deps.Provider.Capabilities()
	p := &report.Preview{
		Book:            b.Title,
		Backend:         n.deps.Provider.Name(),
		MaxChars:        n.maxChars,
		PricePer1KChars: caps.PricePer1KChars,
	}
	for _, ch := range chapters {
		text := strings.TrimSpace(n.opts.Prep.Apply(ch.Text))
		chunks, chars, err := chunker.Count(text, n.maxChars, n.opts.Mode)
		if err != nil {
			return nil, err
		}
		p.Chapters = append(p.Chapters, report.PreviewChapter{Index: ch.Index, Title: ch.Title, Chunks: chunks, Chars: chars})
	}
	return p, nil
}

// Run narrates the selected chapters. The returned report has one entry per selected chapter in
// reading order. Cancelling ctx stops new synthesis; in-flight calls and chapters whose chunks
// all finished are still written.
func (n *Narrator) Run(ctx context.Context, b *book.Book) (*report.Run, error) {
	if n.deps.Assembler == nil {
		return nil, errors.New("narrator: no assembler configured")
	}
	chapters, err := n.selectChapters(b)
	if err != nil {
		return nil, err
	}

	run := &report.Run{
		ID:        n.newID(),
		Book:      b.Title,
		Backend:   n.deps.Provider.Name(),
		StartedAt: n.clock(),
	}
	log := n.log.With(slog.String("run_id", run.ID))
	journalCtx := context.WithoutCancel(ctx)

	var (
		work     []prepared
		all      []chunker.Chunk
		plans    []progress.Plan
		outcomes = make(map[int]report.Chapter, len(chapters))
		mu       sync.Mutex
	)
	for _, ch := range chapters {
		p, err := n.prepare(ch)
		if err != nil {
			return nil, err
		}
		if n.opts.OutputText {
			base := strings.TrimSuffix(assembler.FileName(ch.Index, ch.Title, "txt"), ".txt")
			if p.export, err = textprep.ExportText(n.opts.TextDir, base, p.text); err != nil {
				log.Warn("text export failed", slog.Int("chapter", ch.Index), slog.String("error", err.Error()))
			}
		}
		plans = append(plans, progress.Plan{Index: ch.Index, Title: ch.Title, Chunks: len(p.chunks)})
		if len(p.chunks) == 0 {
			outcomes[ch.Index] = report.Chapter{
				Index:      ch.Index,
				Title:      ch.Title,
				Status:     report.Failed,
				TextExport: p.export,
				Error:      ErrNoText.Error(),
			}
			continue
		}
		work = append(work, p)
		all = append(all, p.chunks...)
	}

	if err := n.deps.Store.BeginRun(journalCtx, runstore.Run{ID: run.ID, Book: run.Book, Backend: run.Backend, StartedAt: run.StartedAt}); err != nil {
		log.Warn("run journal unavailable", slog.String("error", err.Error()))
	}
	n.deps.Tracker.Start(run.ID, plans)
	for _, out := range outcomes {
		n.completeChapter(journalCtx, log, run.ID, out)
	}

	sched, err := scheduler.New(scheduler.Options{
		Workers:        n.opts.Workers,
		Provider:       n.deps.Provider,
		Voice:          n.deps.Voice,
		Limiter:        n.deps.Limiter,
		Retry:          n.retry,
		BlastRadius:    n.opts.BlastRadius,
		AttemptTimeout: n.opts.AttemptTimeout,
		Logger:         n.log,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	barrier := assembler.NewBarrier()
	byIndex := make(map[int]prepared, len(work))
	for _, p := range work {
		barrier.Expect(p.chapter.Index, len(p.chunks))
		byIndex[p.chapter.Index] = p
	}

	log.Info("narration started",
		slog.Int("chapters", len(chapters)),
		slog.Int("chunks", len(all)),
		slog.Int("max_chars", n.maxChars))

	assembleCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(n.opts.AssemblyConcurrency)

	for res := range sched.Run(runCtx, all) {
		n.deps.Tracker.ChunkDone(res.ChapterIndex, res.Status == scheduler.Succeeded)
		if n.opts.FailFast && res.Status == scheduler.Failed && res.Kind != scheduler.KindAborted {
			log.Warn("fail-fast: stopping remaining chapters", slog.Int("chapter", res.ChapterIndex))
			cancel()
		}
		if !barrier.Add(res) {
			continue
		}
		p := byIndex[res.ChapterIndex]
		results := barrier.Take(res.ChapterIndex)
		g.Go(func() error {
			out := n.assemble(assembleCtx, p, results)
			if n.opts.FailFast && out.Status != report.Succeeded {
				cancel()
			}
			mu.Lock()
			outcomes[out.Index] = out
			mu.Unlock()
			n.completeChapter(journalCtx, log, run.ID, out)
			return nil
		})
	}
	_ = g.Wait()

	for _, ch := range chapters {
		run.Chapters = append(run.Chapters, outcomes[ch.Index])
	}
	run.FinishedAt = n.clock()
	run.Canceled = ctx.Err() != nil
	n.finishRun(journalCtx, log, run)
	return run, nil
}

func (n *Narrator) assemble(ctx context.Context, p prepared, results []scheduler.Result) report.Chapter {
	out := report.Chapter{
		Index:      p.chapter.Index,
		Title:      p.chapter.Title,
		TextExport: p.export,
		Chunks:     len(p.chunks),
		Chars:      utf8.RuneCountInString(p.text),
	}
	for _, res := range results {
		if res.Status != scheduler.Failed {
			continue
		}
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		out.Failures = append(out.Failures, report.ChunkFailure{
			Sequence: res.Sequence,
			Kind:     string(res.Kind),
			Attempts: res.Attempts,
			Message:  msg,
		})
	}
	sort.Slice(out.Failures, func(i, j int) bool { return out.Failures[i].Sequence < out.Failures[j].Sequence })

	art, status, err := n.deps.Assembler.Assemble(ctx, p.chapter, results)
	out.Status = status
	out.Artifact = art.Path
	out.Bytes = art.Bytes
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (n *Narrator) completeChapter(ctx context.Context, log *slog.Logger, runID string, out report.Chapter) {
	attrs := []any{
		slog.Int("chapter", out.Index),
		slog.String("status", out.Status.String()),
		slog.Int("failed_chunks", len(out.Failures)),
	}
	if out.Artifact != "" {
		attrs = append(attrs, slog.String("artifact", out.Artifact))
	}
	if out.Error != "" {
		attrs = append(attrs, slog.String("error", out.Error))
	}
	if out.Status == report.Succeeded {
		log.Info("chapter finished", attrs...)
	} else {
		log.Warn("chapter finished", attrs...)
	}

	n.deps.Tracker.ChapterDone(out)
	detail := out.Error
	if detail == "" && len(out.Failures) > 0 {
		f := out.Failures[0]
		detail = fmt.Sprintf("chunk %d %s: %s", f.Sequence, f.Kind, f.Message)
	}
	if err := n.deps.Store.RecordChapter(ctx, runstore.ChapterOutcome{
		RunID:        runID,
		ChapterIndex: out.Index,
		Title:        out.Title,
		Status:       out.Status.String(),
		Artifact:     out.Artifact,
		Chunks:       out.Chunks,
		FailedChunks: len(out.Failures),
		Detail:       detail,
	}); err != nil {
		log.Warn("record chapter failed", slog.String("error", err.Error()))
	}
	if n.deps.Publisher != nil {
		if err := n.deps.Publisher.ChapterCompleted(protocol.ChapterCompleted{
			RunID:        runID,
			Index:        out.Index,
			Title:        out.Title,
			Status:       out.Status.String(),
			Artifact:     out.Artifact,
			Chunks:       out.Chunks,
			FailedChunks: len(out.Failures),
			Error:        out.Error,
			Timestamp:    n.clock().UTC(),
		}); err != nil {
			log.Warn("publish chapter progress failed", slog.String("error", err.Error()))
		}
	}
}

func (n *Narrator) finishRun(ctx context.Context, log *slog.Logger, run *report.Run) {
	ok, partial, failed := run.Counts()
	status := "succeeded"
	switch {
	case run.Canceled:
		status = "canceled"
	case !run.OK():
		status = "failed"
	}
	granted, throttled := n.deps.Limiter.Stats()
	log.Info("narration finished",
		slog.String("status", status),
		slog.Int("succeeded", ok),
		slog.Int("partially_failed", partial),
		slog.Int("failed", failed),
		slog.Int64("requests", granted),
		slog.Duration("throttled", throttled),
		slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))

	if err := n.deps.Store.FinishRun(ctx, run.ID, status); err != nil {
		log.Warn("finish run journal failed", slog.String("error", err.Error()))
	}
	if n.deps.Publisher != nil {
		if err := n.deps.Publisher.RunCompleted(protocol.RunCompleted{
			RunID:           run.ID,
			Book:            run.Book,
			Backend:         run.Backend,
			Succeeded:       ok,
			PartiallyFailed: partial,
			Failed:          failed,
			Canceled:        run.Canceled,
			Timestamp:       n.clock().UTC(),
		}); err != nil {
			log.Warn("publish run progress failed", slog.String("error", err.Error()))
		}
	}
}
