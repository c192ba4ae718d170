// Package book holds the chapter model and loads already-extracted chapter lists.
package book

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chapter is one unit of output audio. Index is its 1-based reading order.
type Chapter struct {
	Index int
	Title string
	Text  string
}

type Book struct {
	Title    string
	Author   string
	Chapters []Chapter
}

// ErrNoChapters is returned when a source yields nothing to narrate.
var ErrNoChapters = errors.New("book has no chapters")

type document struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Chapters []struct {
		Title string `yaml:"title"`
		Text  string `yaml:"text"`
	} `yaml:"chapters"`
}

// Load reads a chapter list. YAML and JSON documents carry an explicit chapter array; plain text
// and markdown files start a new chapter at every "# " heading.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read book: %w", err)
	}

	var b *Book
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		b, err = parseDocument(data)
	default:
		b = parseHeadings(string(data), strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	if err != nil {
		return nil, err
	}
	if len(b.Chapters) == 0 {
		return nil, ErrNoChapters
	}
	return b, nil
}

func parseDocument(data []byte) (*Book, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse chapter list: %w", err)
	}
	b := &Book{Title: strings.TrimSpace(doc.Title), Author: strings.TrimSpace(doc.Author)}
	for i, ch := range doc.Chapters {
		b.Chapters = append(b.Chapters, Chapter{
			Index: i + 1,
			Title: titleOr(ch.Title, i+1),
			Text:  ch.Text,
		})
	}
	return b, nil
}

func parseHeadings(text, fallbackTitle string) *Book {
	b := &Book{Title: fallbackTitle}

	var (
		title   string
		body    strings.Builder
		started bool
	)
	flush := func() {
		content := strings.TrimSpace(body.String())
		if !started && content == "" {
			return
		}
		idx := len(b.Chapters) + 1
		b.Chapters = append(b.Chapters, Chapter{Index: idx, Title: titleOr(title, idx), Text: content})
		body.Reset()
	}

	// No per-line length limit: a whole chapter may sit on one line.
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if heading, ok := strings.CutPrefix(line, "# "); ok {
			flush()
			title = strings.TrimSpace(heading)
			started = true
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()

	if len(b.Chapters) == 1 && !started {
		b.Chapters[0].Title = fallbackTitle
	}
	return b
}

func titleOr(title string, index int) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fmt.Sprintf("Chapter %d", index)
}

// Select returns the chapters in the 1-based inclusive range [start, end]. An end <= 0 selects
// through the last chapter.
func (b *Book) Select(start, end int) ([]Chapter, error) {
	n := len(b.Chapters)
	if end <= 0 || end > n {
		end = n
	}
	if start < 1 || start > n {
		return nil, fmt.Errorf("chapter_start %d out of range 1..%d", start, n)
	}
	if end < start {
		return nil, fmt.Errorf("chapter_end %d before chapter_start %d", end, start)
	}
	out := make([]Chapter, 0, end-start+1)
	out = append(out, b.Chapters[start-1:end]...)
	return out, nil
}
