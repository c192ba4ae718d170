// Package assembler turns a chapter's synthesized chunks into one encoded audio file.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/book"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/report"
	"github.com/loqalabs/loqa-audiobook/internal/scheduler"
)

// Policy decides what happens to a chapter where some, but not all, chunks failed and the
// chapter was not aborted.
type Policy int

const (
	// PolicySkip writes nothing and reports the chapter as partially failed.
	PolicySkip Policy = iota
	// PolicyEmit writes audio from the successful chunks only.
	PolicyEmit
)

func (p Policy) String() string {
	if p == PolicyEmit {
		return "emit"
	}
	return "skip"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return PolicySkip, nil
	case "emit":
		return PolicyEmit, nil
	}
	return PolicySkip, &config.ConfigurationError{Key: "assembler.partial_policy", Msg: fmt.Sprintf("unknown value %q (want skip or emit)", s)}
}

// AssemblyError reports a chapter that could not be written. Sibling chapters are unaffected.
type AssemblyError struct {
	Chapter int
	Err     error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble chapter %d: %v", e.Chapter, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Artifact is a written chapter file.
type Artifact struct {
	Path     string
	Bytes    int64
	Segments int
}

type Options struct {
	Tool      AudioTool
	OutputDir string
	Format    string
	Silence   time.Duration
	Policy    Policy
	Album     string
	Artist    string
	// NormalizeVolume and Limiter enable per-segment loudness levelling and peak limiting.
	NormalizeVolume bool
	Limiter         bool
	Logger          *slog.Logger
}

type Assembler struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) (*Assembler, error) {
	if opts.Tool == nil {
		return nil, errors.New("assembler: no audio tool configured")
	}
	if !SupportedFormat(opts.Format) {
		return nil, &config.ConfigurationError{Key: "assembler.output_format", Msg: fmt.Sprintf("unsupported format %q", opts.Format)}
	}
	if opts.Silence < 0 {
		return nil, &config.ConfigurationError{Key: "assembler.silence_ms", Msg: "must be >= 0"}
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{opts: opts, log: logger.With(slog.String("component", "assembler"))}, nil
}

// Assemble finalizes one chapter once every chunk is terminal. A nil error with a non-Succeeded
// status means the chapter's chunk failures decided the outcome; the error is reserved for
// assembly itself going wrong.
func (a *Assembler) Assemble(ctx context.Context, ch book.Chapter, results []scheduler.Result) (Artifact, report.ChapterStatus, error) {
	if len(results) == 0 {
		return Artifact{}, report.Failed, &AssemblyError{Chapter: ch.Index, Err: errors.New("no chunk results")}
	}
	sorted := append([]scheduler.Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	for i, res := range sorted {
		if res.Sequence != i {
			return Artifact{}, report.Failed, &AssemblyError{Chapter: ch.Index, Err: fmt.Errorf("missing or duplicate chunk at sequence %d", i)}
		}
	}

	var ok []scheduler.Result
	aborted := false
	for _, res := range sorted {
		switch {
		case res.Status == scheduler.Succeeded:
			ok = append(ok, res)
		case res.Kind == scheduler.KindFatal || res.Kind == scheduler.KindAborted:
			aborted = true
		}
	}

	status := report.Succeeded
	switch {
	case aborted || len(ok) == 0:
		return Artifact{}, report.Failed, nil
	case len(ok) < len(sorted):
		status = report.PartiallyFailed
		if a.opts.Policy == PolicySkip {
			a.log.Warn("skipping partially failed chapter",
				slog.Int("chapter", ch.Index),
				slog.Int("failed", len(sorted)-len(ok)))
			return Artifact{}, status, nil
		}
	}

	art, err := a.write(ctx, ch, ok)
	if err != nil {
		return Artifact{}, report.Failed, &AssemblyError{Chapter: ch.Index, Err: err}
	}
	a.log.Info("chapter written",
		slog.Int("chapter", ch.Index),
		slog.String("status", status.String()),
		slog.String("path", art.Path))
	return art, status, nil
}

func (a *Assembler) write(ctx context.Context, ch book.Chapter, results []scheduler.Result) (Artifact, error) {
	if err := os.MkdirAll(a.opts.OutputDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	work, err := os.MkdirTemp(a.opts.OutputDir, fmt.Sprintf(".chapter-%04d-", ch.Index))
	if err != nil {
		return Artifact{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	segments := make([]Segment, 0, len(results))
	for _, res := range results {
		if len(res.Audio.Data) == 0 {
			return Artifact{}, fmt.Errorf("chunk %d has no audio", res.Sequence)
		}
		format := res.Audio.Format
		if format == "" {
			format = "bin"
		}
		path := filepath.Join(work, fmt.Sprintf("%06d.%s", res.Sequence, format))
		if err := os.WriteFile(path, res.Audio.Data, 0o644); err != nil {
			return Artifact{}, fmt.Errorf("write segment %d: %w", res.Sequence, err)
		}
		segments = append(segments, Segment{Path: path, Format: format})
	}

	name := FileName(ch.Index, ch.Title, a.opts.Format)
	staged := filepath.Join(work, "out."+a.opts.Format)
	job := ConcatJob{
		Segments:  segments,
		Silence:   a.opts.Silence,
		Output:    staged,
		Format:    a.opts.Format,
		Metadata:  Metadata{Title: ch.Title, Track: ch.Index, Album: a.opts.Album, Artist: a.opts.Artist},
		Normalize: a.opts.NormalizeVolume,
		Limit:     a.opts.Limiter,
	}
	if err := a.opts.Tool.Concat(ctx, job); err != nil {
		return Artifact{}, err
	}
	info, err := os.Stat(staged)
	if err != nil {
		return Artifact{}, fmt.Errorf("audio tool produced no output: %w", err)
	}

	final := filepath.Join(a.opts.OutputDir, name)
	if err := os.Rename(staged, final); err != nil {
		return Artifact{}, fmt.Errorf("move output: %w", err)
	}
	return Artifact{Path: final, Bytes: info.Size(), Segments: len(segments)}, nil
}
