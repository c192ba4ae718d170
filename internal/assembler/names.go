package assembler

import (
	"fmt"
	"strings"
	"unicode"
)

const maxTitleRunes = 60

// SanitizeTitle makes a chapter title safe as a file name component.
func SanitizeTitle(title string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range title {
		switch {
		case unicode.IsSpace(r):
			pendingSep = b.Len() > 0
			continue
		case unicode.IsControl(r), strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}

	out := []rune(b.String())
	if len(out) > maxTitleRunes {
		out = out[:maxTitleRunes]
	}
	s := strings.Trim(string(out), "._- ")
	if s == "" {
		return "chapter"
	}
	return s
}

// FileName encodes the reading position so lexical order equals chapter order.
func FileName(index int, title, ext string) string {
	return fmt.Sprintf("%04d_%s.%s", index, SanitizeTitle(title), ext)
}
