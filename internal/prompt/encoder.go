// Package prompt builds the conditioning token matrices fed to the slow
// language model: chat turns of text columns plus VQ columns carrying
// reference codec codes.
package prompt

import (
	"fmt"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/tokenizer"
	"github.com/example/fishspeech-server/internal/tokens"
)

// DefaultSystemPrompt is used by EncodeSequence when includeSystem is set
// and no system text is given.
const DefaultSystemPrompt = "Speak out the provided text."

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sequence is the encoded form of one request. Prompts[0] starts with the
// NConditioning columns of system turn and base conditioning; later prompts
// only carry the next chunk and continue the cache.
type Sequence struct {
	NConditioning int
	Prompts       []tokens.Matrix
}

// Encoder is safe for concurrent use; it holds no mutable state.
type Encoder struct {
	tok    tokenizer.Tokenizer
	layout Layout
}

func NewEncoder(tok tokenizer.Tokenizer, v config.Variant) (*Encoder, error) {
	layout, err := ResolveLayout(tok, v)
	if err != nil {
		return nil, err
	}

	return &Encoder{tok: tok, layout: layout}, nil
}

func (e *Encoder) Layout() Layout { return e.layout }

// EncodeText returns <|im_start|>{role}\n{content}<|im_end|> as text columns.
func (e *Encoder) EncodeText(role, content string) (tokens.Matrix, error) {
	ids, err := e.tok.Encode(role + "\n" + content)
	if err != nil {
		return tokens.Matrix{}, apperr.Input("tokenize %s turn: %v", role, err)
	}

	cols := make([][]int64, 0, len(ids)+2)
	cols = append(cols, e.layout.TextColumn(e.layout.IMStart))

	for _, id := range ids {
		cols = append(cols, e.layout.TextColumn(id))
	}

	cols = append(cols, e.layout.TextColumn(e.layout.IMEnd))

	return tokens.FromColumns(e.layout.Rows(), cols)
}

// EncodeVQ lays out a codebooks x T code matrix as VQ columns.
func (e *Encoder) EncodeVQ(codes tokens.Matrix) (tokens.Matrix, error) {
	if err := e.layout.checkCodes(codes.Rows()); err != nil {
		return tokens.Matrix{}, err
	}

	cols := make([][]int64, codes.Cols())
	for t := range cols {
		cols[t] = e.layout.VQColumn(codes.Column(t))
	}

	return tokens.FromColumns(e.layout.Rows(), cols)
}

// assistantPrefix opens the assistant turn that generation continues.
func (e *Encoder) assistantPrefix() (tokens.Matrix, error) {
	ids, err := e.tok.Encode(RoleAssistant + "\n")
	if err != nil {
		return tokens.Matrix{}, apperr.Input("tokenize assistant prefix: %v", err)
	}

	cols := make([][]int64, 0, len(ids)+2)
	cols = append(cols, e.layout.TextColumn(e.layout.IMStart))

	for _, id := range ids {
		cols = append(cols, e.layout.TextColumn(id))
	}

	if e.layout.Variant.VoiceTag() {
		cols = append(cols, e.layout.TextColumn(e.layout.Voice))
	}

	return tokens.FromColumns(e.layout.Rows(), cols)
}

// EncodeConditioningPrompt builds the speaker prompt for a voice: a user turn
// with the transcript followed by an assistant turn holding the reference
// codes. An empty ref yields only the user turn.
func (e *Encoder) EncodeConditioningPrompt(text string, ref tokens.Matrix) (tokens.Matrix, error) {
	user, err := e.EncodeText(RoleUser, text)
	if err != nil {
		return tokens.Matrix{}, err
	}

	if ref.Cols() == 0 {
		return user, nil
	}

	vq, err := e.EncodeVQ(ref)
	if err != nil {
		return tokens.Matrix{}, err
	}

	prefix, err := e.assistantPrefix()
	if err != nil {
		return tokens.Matrix{}, err
	}

	end, err := tokens.FromColumns(e.layout.Rows(), [][]int64{e.layout.TextColumn(e.layout.IMEnd)})
	if err != nil {
		return tokens.Matrix{}, err
	}

	return tokens.Concat(user, prefix, vq, end)
}

// EncodeSequence turns request chunks into per-chunk prompts. base is the
// voice's conditioning prompt and may be empty.
func (e *Encoder) EncodeSequence(chunks []string, systemPrompt string, base tokens.Matrix, includeSystem bool) (Sequence, error) {
	if len(chunks) == 0 {
		return Sequence{}, apperr.Input("no text chunks to encode")
	}

	if base.Cols() > 0 && base.Rows() != e.layout.Rows() {
		return Sequence{}, apperr.Configuration(
			"conditioning prompt has %d rows, variant %s expects %d",
			base.Rows(), e.layout.Variant, e.layout.Rows(),
		)
	}

	var system tokens.Matrix

	if includeSystem {
		if systemPrompt == "" {
			systemPrompt = DefaultSystemPrompt
		}

		var err error
		if system, err = e.EncodeText(RoleSystem, systemPrompt); err != nil {
			return Sequence{}, err
		}
	}

	prefix, err := e.assistantPrefix()
	if err != nil {
		return Sequence{}, err
	}

	seq := Sequence{
		NConditioning: system.Cols() + base.Cols(),
		Prompts:       make([]tokens.Matrix, 0, len(chunks)),
	}

	for i, chunk := range chunks {
		if chunk == "" {
			return Sequence{}, apperr.Input("text chunk %d is empty", i)
		}

		user, err := e.EncodeText(RoleUser, chunk)
		if err != nil {
			return Sequence{}, err
		}

		var p tokens.Matrix
		if i == 0 {
			p, err = tokens.Concat(system, base, user, prefix)
		} else {
			p, err = tokens.Concat(user, prefix)
		}

		if err != nil {
			return Sequence{}, fmt.Errorf("compose prompt %d: %w", i, err)
		}

		seq.Prompts = append(seq.Prompts, p)
	}

	return seq, nil
}
