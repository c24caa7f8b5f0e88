// Package tokenizer turns text into the integer ids consumed by the slow
// language model and resolves the chat and semantic special tokens.
package tokenizer

import (
	"errors"
	"strconv"
)

// ErrEmptyPath is returned when LoadHF is called with an empty path.
var ErrEmptyPath = errors.New("tokenizer path must not be empty")

// Special token spellings shared by every fish-speech checkpoint.
const (
	TokenIMStart  = "<|im_start|>"
	TokenIMEnd    = "<|im_end|>"
	TokenSemantic = "<|semantic|>"
	TokenVoice    = "<|voice|>"
)

// SemanticToken returns the spelling of the i-th semantic code token.
func SemanticToken(i int) string {
	return "<|semantic:" + strconv.Itoa(i) + "|>"
}

// Tokenizer encodes text into model token ids.
type Tokenizer interface {
	// Encode tokenizes plain text. Special tokens are not inserted.
	Encode(text string) ([]int64, error)
	// TokenID resolves a single vocabulary entry.
	TokenID(token string) (int64, bool)
}
