// Package textprep applies user substitution rules and reference cleanup to chapter text
// before it is chunked.
package textprep

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafana/regexp"
)

// Rule is one ordered regex substitution.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

type Options struct {
	Rules                  []Rule
	RemoveEndnotes         bool
	RemoveReferenceNumbers bool
}

var (
	// A digit run glued to a letter or closing punctuation, e.g. "cold.12" or "ideas3".
	endnotePattern = regexp.MustCompile(`([\p{L}.,!?;"”)])\d+`)
	// Bracketed reference numbers such as [3] or [12.1].
	referencePattern = regexp.MustCompile(`\[\d+(?:\.\d+)*\]`)
)

// ParseRules reads "search==replace" lines. Blank lines and lines starting with # are skipped.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		search, replace, ok := strings.Cut(line, "==")
		if !ok {
			return nil, fmt.Errorf("substitution line %d: missing ==", lineNo)
		}
		if search == "" {
			return nil, fmt.Errorf("substitution line %d: empty search pattern", lineNo)
		}
		re, err := regexp.Compile(search)
		if err != nil {
			return nil, fmt.Errorf("substitution line %d: %w", lineNo, err)
		}
		rules = append(rules, Rule{Pattern: re, Replacement: replace})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read substitutions: %w", err)
	}
	return rules, nil
}

func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open substitutions: %w", err)
	}
	defer f.Close()
	return ParseRules(f)
}

// Apply returns text with the configured cleanup and rules applied, rules in file order.
func (o Options) Apply(text string) string {
	if o.RemoveReferenceNumbers {
		text = referencePattern.ReplaceAllString(text, "")
	}
	if o.RemoveEndnotes {
		text = endnotePattern.ReplaceAllString(text, "$1")
	}
	for _, rule := range o.Rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// ExportText writes prepared chapter text next to the audio, named like the audio file.
func ExportText(dir, baseName, text string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create text dir: %w", err)
	}
	path := filepath.Join(dir, baseName+".txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("write chapter text: %w", err)
	}
	return path, nil
}
