package textprep

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRulesAppliesInOrder(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("# comment\n\nDr\\.==Doctor\nDoctor Who==the Doctor\n"))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	out := Options{Rules: rules}.Apply("Dr. Who arrived.")
	assert.Equal(t, "the Doctor arrived.", out)
}

func TestParseRulesAllowsEmptyReplacement(t *testing.T) {
	rules, err := ParseRules(strings.NewReader(`\s*\(sic\)==`))
	require.NoError(t, err)
	assert.Equal(t, "a word", Options{Rules: rules}.Apply("a word (sic)"))
}

func TestParseRulesRejectsMalformedLines(t *testing.T) {
	_, err := ParseRules(strings.NewReader("no separator here"))
	assert.ErrorContains(t, err, "line 1")

	_, err = ParseRules(strings.NewReader("ok==fine\n([==broken"))
	assert.ErrorContains(t, err, "line 2")
}

func TestRemoveReferenceNumbers(t *testing.T) {
	opts := Options{RemoveReferenceNumbers: true}
	assert.Equal(t, "Rain fell. It was cold.", opts.Apply("Rain fell.[3] It was cold.[12.1]"))
}

func TestRemoveEndnotes(t *testing.T) {
	opts := Options{RemoveEndnotes: true}
	assert.Equal(t, "It was cold. Ideas matter.", opts.Apply("It was cold.12 Ideas matter.4"))
	assert.Equal(t, "In 1999 nothing happened.", opts.Apply("In 1999 nothing happened."))
}

func TestLoadRulesEmptyPath(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestExportText(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "text")
	path, err := ExportText(dir, "0001_Intro", "hello")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "0001_Intro.txt"), path)
	assert.FileExists(t, path)
}
