package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '…', '。', '！', '？', '；':
		return true
	}
	return false
}

// isWideTerminator reports terminators that are not followed by a space when
// sentences are rejoined.
func isWideTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '」', '』', '）':
		return true
	}
	return false
}

// SplitSentences splits text after sentence terminators (Latin and CJK),
// keeping runs of terminators and closing quotes attached to their sentence.
// A '.' between two digits does not end a sentence. Empty segments are
// dropped, so non-empty text always yields at least one sentence.
func SplitSentences(text string) []string {
	var sentences []string

	runes := []rune(text)
	start := 0

	emit := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isTerminator(r) {
			continue
		}

		if r == '.' && i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			continue
		}

		end := i + 1
		for end < len(runes) && (isTerminator(runes[end]) || isClosing(runes[end])) {
			end++
		}

		emit(end)
		i = end - 1
	}

	if start < len(runes) {
		emit(len(runes))
	}

	return sentences
}

// Chunk groups consecutive sentences into chunks of at most maxChars runes.
// A sentence longer than maxChars becomes its own chunk. If maxChars is 0 or
// negative the text is returned as a single chunk. Every returned chunk is
// non-empty; empty or whitespace-only input returns nil.
func Chunk(text string, maxChars int) []string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	if maxChars <= 0 {
		return []string{join(sentences)}
	}

	var (
		chunks  []string
		current []string
		size    int
	)

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		sep := 0
		if len(current) > 0 {
			sep = separatorLen(current[len(current)-1])
		}

		if len(current) > 0 && size+sep+n > maxChars {
			chunks = append(chunks, join(current))
			current, size, sep = nil, 0, 0
		}

		current = append(current, s)
		size += sep + n
	}

	if len(current) > 0 {
		chunks = append(chunks, join(current))
	}

	return chunks
}

func join(sentences []string) string {
	var b strings.Builder

	for i, s := range sentences {
		if i > 0 && separatorLen(sentences[i-1]) > 0 {
			b.WriteByte(' ')
		}

		b.WriteString(s)
	}

	return b.String()
}

func separatorLen(prev string) int {
	last, _ := utf8.DecodeLastRuneInString(prev)
	if isWideTerminator(last) {
		return 0
	}
	return 1
}
