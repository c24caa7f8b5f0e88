package tokenizer

import (
	"fmt"

	sugartok "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer wraps a HuggingFace tokenizer.json (BPE with added tokens), the
// format fish-speech checkpoints ship.
type HFTokenizer struct {
	tk *sugartok.Tokenizer
}

// LoadHF loads tokenizer.json from path.
func LoadHF(path string) (*HFTokenizer, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %q: %w", path, err)
	}

	return &HFTokenizer{tk: tk}, nil
}

func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}

	enc, err := t.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}

	ids := make([]int64, len(enc.Ids))
	for i, id := range enc.Ids {
		ids[i] = int64(id)
	}

	return ids, nil
}

func (t *HFTokenizer) TokenID(token string) (int64, bool) {
	id, ok := t.tk.TokenToId(token)
	return int64(id), ok
}
