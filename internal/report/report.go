// Package report holds the per-chapter outcome of a narration run and its text rendering.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

type ChapterStatus int

const (
	Succeeded ChapterStatus = iota
	PartiallyFailed
	Failed
)

func (s ChapterStatus) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case PartiallyFailed:
		return "partially_failed"
	default:
		return "failed"
	}
}

func (s ChapterStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ChapterStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "succeeded":
		*s = Succeeded
	case "partially_failed":
		*s = PartiallyFailed
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown chapter status %q", b)
	}
	return nil
}

// ChunkFailure records one chunk that never produced audio.
type ChunkFailure struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
}

type Chapter struct {
	Index      int            `json:"index"`
	Title      string         `json:"title"`
	Status     ChapterStatus  `json:"status"`
	Artifact   string         `json:"artifact,omitempty"`
	TextExport string         `json:"text_export,omitempty"`
	Bytes      int64          `json:"bytes,omitempty"`
	Chunks     int            `json:"chunks"`
	Chars      int            `json:"chars"`
	Failures   []ChunkFailure `json:"failures,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Run is the final report of one convert invocation. Chapters are in reading order.
type Run struct {
	ID         string    `json:"id"`
	Book       string    `json:"book"`
	Backend    string    `json:"backend"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Canceled   bool      `json:"canceled,omitempty"`
	Chapters   []Chapter `json:"chapters"`
}

// OK reports whether every chapter succeeded.
func (r *Run) OK() bool {
	if r.Canceled {
		return false
	}
	for _, ch := range r.Chapters {
		if ch.Status != Succeeded {
			return false
		}
	}
	return true
}

func (r *Run) Counts() (succeeded, partial, failed int) {
	for _, ch := range r.Chapters {
		switch ch.Status {
		case Succeeded:
			succeeded++
		case PartiallyFailed:
			partial++
		default:
			failed++
		}
	}
	return succeeded, partial, failed
}

func (r *Run) Chapter(index int) (Chapter, bool) {
	for _, ch := range r.Chapters {
		if ch.Index == index {
			return ch, true
		}
	}
	return Chapter{}, false
}

func (r *Run) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Render writes a human readable summary followed by every failed chunk.
func (r *Run) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTITLE\tSTATUS\tCHUNKS\tSIZE\tOUTPUT\n")
	for _, ch := range r.Chapters {
		size := "-"
		if ch.Bytes > 0 {
			size = humanize.Bytes(uint64(ch.Bytes))
		}
		out := ch.Artifact
		if out == "" {
			out = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ch.Index, truncate(ch.Title, 40), ch.Status, humanize.Comma(int64(ch.Chunks)), size, out)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ok, partial, failed := r.Counts()
	elapsed := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "\n%d succeeded, %d partially failed, %d failed in %s", ok, partial, failed, elapsed)
	if r.Canceled {
		fmt.Fprint(w, " (canceled)")
	}
	fmt.Fprintln(w)

	for _, ch := range r.Chapters {
		if ch.Status == Succeeded {
			continue
		}
		fmt.Fprintf(w, "\nchapter %d %q: %s\n", ch.Index, ch.Title, ch.Status)
		if ch.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", ch.Error)
		}
		for _, f := range ch.Failures {
			fmt.Fprintf(w, "  chunk %d: %s after %d attempt(s): %s\n", f.Sequence, f.Kind, f.Attempts, f.Message)
		}
	}
	return nil
}

type PreviewChapter struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Chunks int    `json:"chunks"`
	Chars  int    `json:"chars"`
}

// Preview is the result of chunking without synthesis.
type Preview struct {
	Book            string           `json:"book"`
	Backend         string           `json:"backend"`
	MaxChars        int              `json:"max_chars"`
	PricePer1KChars float64          `json:"price_per_1k_chars"`
	Chapters        []PreviewChapter `json:"chapters"`
}

func (p *Preview) Totals() (chunks, chars int) {
	for _, ch := range p.Chapters {
		chunks += ch.Chunks
		chars += ch.Chars
	}
	return chunks, chars
}

// EstimatedCost is zero for backends without a per-character price.
func (p *Preview) EstimatedCost() float64 {
	_, chars := p.Totals()
	return float64(chars) / 1000 * p.PricePer1KChars
}

func (p *Preview) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTITLE\tCHARS\tCHUNKS\n")
	for _, ch := range p.Chapters {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			ch.Index, truncate(ch.Title, 40), humanize.Comma(int64(ch.Chars)), humanize.Comma(int64(ch.Chunks)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	chunks, chars := p.Totals()
	fmt.Fprintf(w, "\n%s chapters, %s characters, %s chunks (max %s chars per chunk, backend %s)\n",
		humanize.Comma(int64(len(p.Chapters))), humanize.Comma(int64(chars)),
		humanize.Comma(int64(chunks)), humanize.Comma(int64(p.MaxChars)), p.Backend)
	if p.PricePer1KChars > 0 {
		fmt.Fprintf(w, "estimated cost: $%s\n", humanize.CommafWithDigits(p.EstimatedCost(), 2))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
