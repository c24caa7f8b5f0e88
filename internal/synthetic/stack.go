package synthetic

import (
	"fmt"

	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokenizer"
)

// SemanticTokens is the semantic vocabulary size of the byte tokenizer used
// with the synthetic model. It doubles as the codebook size.
const SemanticTokens = 64

// Stack is a matched tokenizer, encoder, model and codec for one variant.
type Stack struct {
	Tokenizer *tokenizer.ByteLevel
	Encoder   *prompt.Encoder
	Model     *Model
	Codec     *Codec
}

// NewStack wires the synthetic pieces for v. maxSeqLen of zero uses the
// model default.
func NewStack(v config.Variant, maxSeqLen int) (*Stack, error) {
	tok := tokenizer.NewByteLevel(SemanticTokens)

	enc, err := prompt.NewEncoder(tok, v)
	if err != nil {
		return nil, fmt.Errorf("synthetic: encoder: %w", err)
	}

	model, err := NewModel(ModelOptions{
		Layout:       enc.Layout(),
		VocabSize:    tok.VocabSize(),
		CodebookSize: SemanticTokens,
		MaxSeqLen:    maxSeqLen,
	})
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(CodecOptions{
		NumCodebooks: v.NumCodebooks(),
		CodebookSize: SemanticTokens,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{Tokenizer: tok, Encoder: enc, Model: model, Codec: codec}, nil
}

// NewModelFor builds another model sharing s's layout, for multi-worker pools.
func (s *Stack) NewModelFor(maxSeqLen int) (*Model, error) {
	return NewModel(ModelOptions{
		Layout:       s.Encoder.Layout(),
		VocabSize:    s.Tokenizer.VocabSize(),
		CodebookSize: SemanticTokens,
		MaxSeqLen:    maxSeqLen,
	})
}
