package prompt

import (
	"fmt"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/tokenizer"
)

// maxSemanticScan bounds the scan for <|semantic:i|> tokens.
const maxSemanticScan = 1 << 16

// Layout holds the special token ids and interleaving rule of one variant.
// Row 0 of every column carries a vocabulary id; rows 1..Codebooks carry
// codec codes (zero on text columns).
type Layout struct {
	Variant       config.Variant
	Codebooks     int
	IMStart       int64
	IMEnd         int64
	Semantic      int64
	SemanticBegin int64
	SemanticCount int
	Voice         int64
}

// ResolveLayout looks up every special token variant v needs.
func ResolveLayout(tok tokenizer.Tokenizer, v config.Variant) (Layout, error) {
	l := Layout{Variant: v, Codebooks: v.NumCodebooks(), Semantic: -1, SemanticBegin: -1, Voice: -1}

	var ok bool
	if l.IMStart, ok = tok.TokenID(tokenizer.TokenIMStart); !ok {
		return Layout{}, missing(tokenizer.TokenIMStart, v)
	}

	if l.IMEnd, ok = tok.TokenID(tokenizer.TokenIMEnd); !ok {
		return Layout{}, missing(tokenizer.TokenIMEnd, v)
	}

	if id, found := tok.TokenID(tokenizer.TokenSemantic); found {
		l.Semantic = id
	} else if !v.SemanticInRow0() {
		return Layout{}, missing(tokenizer.TokenSemantic, v)
	}

	if begin, found := tok.TokenID(tokenizer.SemanticToken(0)); found {
		l.SemanticBegin = begin
		l.SemanticCount = 1

		for i := 1; i < maxSemanticScan; i++ {
			id, found := tok.TokenID(tokenizer.SemanticToken(i))
			if !found || id != begin+int64(i) {
				break
			}

			l.SemanticCount++
		}
	} else if v.SemanticInRow0() {
		return Layout{}, missing(tokenizer.SemanticToken(0), v)
	}

	if id, found := tok.TokenID(tokenizer.TokenVoice); found {
		l.Voice = id
	} else if v.VoiceTag() {
		return Layout{}, missing(tokenizer.TokenVoice, v)
	}

	return l, nil
}

func missing(token string, v config.Variant) error {
	return apperr.Configuration("tokenizer has no %s token required by variant %s", token, v)
}

// Rows is the height of every conditioning matrix.
func (l Layout) Rows() int { return l.Codebooks + 1 }

// TextColumn returns the column for a plain vocabulary id.
func (l Layout) TextColumn(id int64) []int64 {
	col := make([]int64, l.Rows())
	col[0] = id
	return col
}

// VQColumn returns the column carrying one frame of codec codes.
func (l Layout) VQColumn(codes []int64) []int64 {
	col := make([]int64, l.Rows())

	if l.Variant.SemanticInRow0() {
		col[0] = l.SemanticBegin + codes[0]
	} else {
		col[0] = l.Semantic
	}

	off := l.Variant.CodeOffset()
	for k, c := range codes {
		col[k+1] = c + off
	}

	return col
}

// CodeFromRow0 maps a row-0 id back to its codebook-0 code for variants
// that carry semantic ids in row 0.
func (l Layout) CodeFromRow0(id int64) (int64, bool) {
	if !l.Variant.SemanticInRow0() {
		return 0, false
	}

	if id < l.SemanticBegin || id >= l.SemanticBegin+int64(l.SemanticCount) {
		return 0, false
	}

	return id - l.SemanticBegin, true
}

// Row0Allowed reports whether the slow model may emit id: the end token or
// a semantic token.
func (l Layout) Row0Allowed(id int64) bool {
	if id == l.IMEnd {
		return true
	}

	if l.Variant.SemanticInRow0() {
		_, ok := l.CodeFromRow0(id)
		return ok
	}

	return id == l.Semantic
}

// FastCodebooks is the number of codebooks the fast decoder samples after
// the row-0 token has been chosen.
func (l Layout) FastCodebooks() int {
	if l.Variant.SemanticInRow0() {
		return l.Codebooks - 1
	}

	return l.Codebooks
}

func (l Layout) checkCodes(ref int) error {
	if ref != l.Codebooks {
		return apperr.Configuration("reference has %d codebooks, variant %s expects %d", ref, l.Variant, l.Codebooks)
	}

	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("prompt.Layout(%s, %d codebooks)", l.Variant, l.Codebooks)
}
