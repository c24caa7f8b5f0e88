package text

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// punctuation maps typographic variants onto the forms the LM vocabulary
// covers. CJK sentence terminators are left alone; SplitSentences uses them.
var punctuation = strings.NewReplacer(
	"\u2018", "'",
	"\u2019", "'",
	"\u201c", "\"",
	"\u201d", "\"",
	"\u2013", "-",
	"\u2014", "-",
	"\u00a0", " ",
	"\u3000", " ",
	"\uff0c", ",",
	"\uff1a", ":",
	"\uff08", "(",
	"\uff09", ")",
	"...", "\u2026",
)

// Clean prepares raw input text for synthesis: it normalizes line endings and
// punctuation variants, collapses whitespace runs to one space, trims the
// result and rejects empty input.
func Clean(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = punctuation.Replace(s)

	var b strings.Builder
	b.Grow(len(s))

	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	if b.Len() == 0 {
		return "", ErrEmptyText
	}

	return b.String(), nil
}
