// Package chunker splits chapter text into ordered pieces no longer than a provider's
// per-request character limit.
//
// Cuts prefer paragraph boundaries, then sentence boundaries, then the last whitespace before
// the limit. A single token longer than the limit is cut mid-token. Whole paragraphs that fit
// are packed greedily into one chunk; a paragraph that has to be cut never shares a chunk with
// its neighbours. Lengths are counted in runes.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-audiobook/internal/config"
)

// ErrInvalidMaxChars is wrapped by the configuration error returned for a non-positive limit.
var ErrInvalidMaxChars = errors.New("max_chars must be positive")

// BoundaryMode selects how paragraph boundaries are detected.
type BoundaryMode int

const (
	// DoubleNewline treats a blank line as a paragraph break.
	DoubleNewline BoundaryMode = iota
	// SingleNewline treats every line break as a paragraph break.
	SingleNewline
	// NoParagraphs treats the whole chapter as a single paragraph.
	NoParagraphs
)

func (m BoundaryMode) String() string {
	switch m {
	case SingleNewline:
		return "single"
	case NoParagraphs:
		return "none"
	default:
		return "double"
	}
}

// ParseBoundaryMode maps the chunker.newline_mode setting to a BoundaryMode; empty means double.
func ParseBoundaryMode(s string) (BoundaryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "double", "":
		return DoubleNewline, nil
	case "single":
		return SingleNewline, nil
	case "none":
		return NoParagraphs, nil
	}
	return DoubleNewline, &config.ConfigurationError{Key: "chunker.newline_mode", Msg: fmt.Sprintf("must be one of single|double|none, got %q", s)}
}

// Chunk is a contiguous piece of one chapter. Sequence is zero-based and follows text order.
type Chunk struct {
	ChapterIndex int
	Sequence     int
	Text         string
}

// Split partitions text into chunks of at most maxChars runes. It is deterministic and performs
// no I/O. Empty or whitespace-only text yields no chunks.
func Split(chapterIndex int, text string, maxChars int, mode BoundaryMode) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, &config.ConfigurationError{
			Key: "chunker.max_chars",
			Msg: fmt.Sprintf("must be positive, got %d", maxChars),
			Err: ErrInvalidMaxChars,
		}
	}

	paras := paragraphs(text, mode)
	outer := packer{max: maxChars, sep: paragraphSeparator(mode)}
	for _, para := range paras {
		if runeLen(para) <= maxChars {
			outer.add(para)
			continue
		}
		outer.flush()
		inner := packer{max: maxChars, sep: " "}
		for _, sentence := range sentences(para) {
			if runeLen(sentence) <= maxChars {
				inner.add(sentence)
				continue
			}
			for _, piece := range hardCut(sentence, maxChars) {
				inner.add(piece)
			}
		}
		inner.flush()
		outer.out = append(outer.out, inner.out...)
	}
	outer.flush()

	chunks := make([]Chunk, 0, len(outer.out))
	for i, t := range outer.out {
		chunks = append(chunks, Chunk{ChapterIndex: chapterIndex, Sequence: i, Text: t})
	}
	return chunks, nil
}

// Count returns the number of chunks and the total rune count Split would produce, for previews.
func Count(text string, maxChars int, mode BoundaryMode) (chunks int, chars int, err error) {
	out, err := Split(0, text, maxChars, mode)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range out {
		chars += runeLen(c.Text)
	}
	return len(out), chars, nil
}

func paragraphSeparator(mode BoundaryMode) string {
	if mode == DoubleNewline {
		return "\n\n"
	}
	return "\n"
}

// paragraphs returns whitespace-normalised, non-empty paragraphs.
func paragraphs(text string, mode BoundaryMode) []string {
	var out []string
	emit := func(s string) {
		if p := strings.Join(strings.Fields(s), " "); p != "" {
			out = append(out, p)
		}
	}

	switch mode {
	case NoParagraphs:
		emit(text)
	case SingleNewline:
		for _, line := range strings.Split(text, "\n") {
			emit(line)
		}
	default:
		var cur strings.Builder
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) == "" {
				emit(cur.String())
				cur.Reset()
				continue
			}
			cur.WriteString(line)
			cur.WriteByte(' ')
		}
		emit(cur.String())
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '…', '。', '！', '？', '；':
		return true
	}
	return false
}

func isWideTerminator(r rune) bool {
	return r == '。' || r == '！' || r == '？' || r == '；'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']', '»', '」', '』':
		return true
	}
	return false
}

// sentences splits a normalised paragraph after terminal punctuation (plus any closing quotes
// or brackets) that is followed by whitespace or the end of the text.
func sentences(p string) []string {
	rs := []rune(p)
	var out []string
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminator(rs[i]) {
			continue
		}
		j := i + 1
		for j < len(rs) && isCloser(rs[j]) {
			j++
		}
		if j < len(rs) && !unicode.IsSpace(rs[j]) && !isWideTerminator(rs[i]) {
			continue
		}
		if s := strings.TrimSpace(string(rs[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}
	if s := strings.TrimSpace(string(rs[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// hardCut breaks an oversized sentence at the last whitespace within the limit, or mid-token
// when a single token is longer than the limit.
func hardCut(s string, maxChars int) []string {
	var out []string
	rs := []rune(strings.TrimSpace(s))
	for len(rs) > maxChars {
		cut := -1
		for i := maxChars; i > 0; i-- {
			if unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			out = append(out, string(rs[:maxChars]))
			rs = trimLeftSpace(rs[maxChars:])
			continue
		}
		out = append(out, strings.TrimRightFunc(string(rs[:cut]), unicode.IsSpace))
		rs = trimLeftSpace(rs[cut:])
	}
	if len(rs) > 0 {
		out = append(out, string(rs))
	}
	return out
}

func trimLeftSpace(rs []rune) []rune {
	for len(rs) > 0 && unicode.IsSpace(rs[0]) {
		rs = rs[1:]
	}
	return rs
}

type packer struct {
	max    int
	sep    string
	out    []string
	cur    strings.Builder
	curLen int
}

// add appends s, which must already fit within max, starting a new chunk when it does not fit
// alongside the current one.
func (p *packer) add(s string) {
	n := runeLen(s)
	if p.curLen > 0 && p.curLen+runeLen(p.sep)+n <= p.max {
		p.cur.WriteString(p.sep)
		p.cur.WriteString(s)
		p.curLen += runeLen(p.sep) + n
		return
	}
	p.flush()
	p.cur.WriteString(s)
	p.curLen = n
}

func (p *packer) flush() {
	if p.curLen == 0 {
		return
	}
	p.out = append(p.out, p.cur.String())
	p.cur.Reset()
	p.curLen = 0
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
