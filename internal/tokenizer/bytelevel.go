package tokenizer

// ByteLevel maps every UTF-8 byte to its own id and places the special tokens
// after the byte range:
//
//	0..255            raw bytes
//	256..259          <|im_start|> <|im_end|> <|semantic|> <|voice|>
//	260..260+n-1      <|semantic:0|> .. <|semantic:n-1|>
//
// It needs no vocabulary file and backs the synthetic model.
type ByteLevel struct {
	special map[string]int64
	size    int
}

const byteRange = 256

// NewByteLevel returns a byte tokenizer with semanticCount semantic tokens.
func NewByteLevel(semanticCount int) *ByteLevel {
	special := map[string]int64{
		TokenIMStart:  byteRange,
		TokenIMEnd:    byteRange + 1,
		TokenSemantic: byteRange + 2,
		TokenVoice:    byteRange + 3,
	}
	next := int64(byteRange + 4)
	for i := 0; i < semanticCount; i++ {
		special[SemanticToken(i)] = next
		next++
	}
	return &ByteLevel{special: special, size: int(next)}
}

func (b *ByteLevel) Encode(text string) ([]int64, error) {
	ids := make([]int64, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int64(text[i])
	}
	return ids, nil
}

func (b *ByteLevel) TokenID(token string) (int64, bool) {
	id, ok := b.special[token]
	return id, ok
}

// VocabSize is the number of ids the tokenizer can produce.
func (b *ByteLevel) VocabSize() int { return b.size }
