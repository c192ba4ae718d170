package book

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLChapterList(t *testing.T) {
	path := writeFile(t, "book.yaml", `
title: The Long Road
author: A. Writer
chapters:
  - title: Departure
    text: It began at dawn.
  - text: Untitled middle.
`)
	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "The Long Road", b.Title)
	assert.Equal(t, "A. Writer", b.Author)
	require.Len(t, b.Chapters, 2)
	assert.Equal(t, Chapter{Index: 1, Title: "Departure", Text: "It began at dawn."}, b.Chapters[0])
	assert.Equal(t, "Chapter 2", b.Chapters[1].Title)
}

func TestLoadJSONChapterList(t *testing.T) {
	path := writeFile(t, "book.json", `{"title":"J","chapters":[{"title":"One","text":"a"},{"title":"Two","text":"b"}]}`)
	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.Chapters, 2)
	assert.Equal(t, 2, b.Chapters[1].Index)
}

func TestLoadPlainTextHeadings(t *testing.T) {
	path := writeFile(t, "novel.txt", "Preface words.\n\n# First\nBody one.\n\nMore.\n# Second\nBody two.\n")
	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.Chapters, 3)
	assert.Equal(t, "Chapter 1", b.Chapters[0].Title)
	assert.Equal(t, "First", b.Chapters[1].Title)
	assert.Equal(t, "Body one.\n\nMore.", b.Chapters[1].Text)
	assert.Equal(t, 3, b.Chapters[2].Index)
}

func TestLoadPlainTextWithoutHeadingsIsOneChapter(t *testing.T) {
	path := writeFile(t, "essay.txt", "Just text.\n")
	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.Chapters, 1)
	assert.Equal(t, "essay", b.Chapters[0].Title)
}

func TestLoadEmpty(t *testing.T) {
	path := writeFile(t, "empty.txt", "\n\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNoChapters)
}

func TestSelectRange(t *testing.T) {
	b := &Book{}
	for i := 1; i <= 5; i++ {
		b.Chapters = append(b.Chapters, Chapter{Index: i})
	}

	got, err := b.Select(2, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.Equal(t, 3, got[1].Index)

	all, err := b.Select(1, -1)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	clamped, err := b.Select(4, 99)
	require.NoError(t, err)
	assert.Len(t, clamped, 2)

	_, err = b.Select(6, -1)
	assert.Error(t, err)
	_, err = b.Select(3, 2)
	assert.Error(t, err)
}

func TestLoadPlainTextKeepsChaptersAfterVeryLongLine(t *testing.T) {
	long := strings.Repeat("word ", 1<<20)
	path := writeFile(t, "huge.txt", "# One\n"+long+"\n# Two\nsecond\n# Three\nthird\n")
	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.Chapters, 3)
	assert.Equal(t, strings.TrimSpace(long), b.Chapters[0].Text)
	assert.Equal(t, "Two", b.Chapters[1].Title)
	assert.Equal(t, "third", b.Chapters[2].Text)
}

func TestLoadPlainTextCRLF(t *testing.T) {
	path := writeFile(t, "dos.txt", "# One\r\nfirst\r\n# Two\r\nsecond\r\n")
	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.Chapters, 2)
	assert.Equal(t, "One", b.Chapters[0].Title)
	assert.Equal(t, "second", b.Chapters[1].Text)
}
