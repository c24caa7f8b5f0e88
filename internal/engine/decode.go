package engine

import (
	"context"
	"fmt"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokens"
)

// decoder turns per-slot model outputs into multi-codebook frames.
type decoder struct {
	model    backend.Model
	layout   prompt.Layout
	samplers []*Sampler
	// history holds each slot's row-0 ids for the current chunk. The
	// semantic placeholder and the end token are never recorded.
	history [][]int64
	// codes holds each slot's per-codebook codes for the current chunk.
	codes [][][]int64
}

func newDecoder(model backend.Model, layout prompt.Layout, args []SamplingArgs) *decoder {
	d := &decoder{
		model:    model,
		layout:   layout,
		samplers: make([]*Sampler, len(args)),
		history:  make([][]int64, len(args)),
		codes:    make([][][]int64, len(args)),
	}
	for i, a := range args {
		d.samplers[i] = NewSampler(a)
		d.codes[i] = make([][]int64, layout.Codebooks)
	}
	return d
}

func (d *decoder) resetHistory(slot int) {
	d.history[slot] = d.history[slot][:0]
	for c := range d.codes[slot] {
		d.codes[slot][c] = d.codes[slot][c][:0]
	}
}

func (d *decoder) row0Allowed(id int) bool { return d.layout.Row0Allowed(int64(id)) }

// turnEnd is a single im_end column.
func (d *decoder) turnEnd() tokens.Matrix {
	return column(d.layout.Rows(), d.layout.TextColumn(d.layout.IMEnd))
}

// sample draws one frame for every active slot. A slot that samples the end
// token reports eos and no frame. Codes are raw codebook indices with no
// variant offset applied.
func (d *decoder) sample(ctx context.Context, outs []backend.Output, active []bool) ([][]int64, []bool, error) {
	frames := make([][]int64, len(outs))
	eos := make([]bool, len(outs))

	var pending []int
	for i, out := range outs {
		if !active[i] {
			continue
		}

		id, err := d.samplers[i].Sample(out.Logits, d.row0Allowed, d.history[i])
		if err != nil {
			return nil, nil, fmt.Errorf("slot %d semantic token: %w", i, err)
		}

		if int64(id) == d.layout.IMEnd {
			eos[i] = true
			continue
		}

		codes := make([]int64, 0, d.layout.Codebooks)
		if code, ok := d.layout.CodeFromRow0(int64(id)); ok {
			d.history[i] = append(d.history[i], int64(id))
			codes = append(codes, code)
		}
		frames[i] = codes
		pending = append(pending, i)
	}

	// Every pending frame holds the same number of codes, so the fast decoder
	// runs in lockstep across slots.
	for len(pending) > 0 && len(frames[pending[0]]) < d.layout.Codebooks {
		hidden := make([][]float32, len(pending))
		prev := make([][]int64, len(pending))
		for j, i := range pending {
			hidden[j] = outs[i].Hidden
			prev[j] = frames[i]
		}

		codebook := len(prev[0])
		logits, err := d.model.CodebookLogits(ctx, hidden, prev)
		if err != nil {
			return nil, nil, fmt.Errorf("codebook %d: %w", codebook, err)
		}
		if len(logits) != len(pending) {
			return nil, nil, fmt.Errorf("codebook %d: back-end returned %d rows for %d slots", codebook, len(logits), len(pending))
		}

		for j, i := range pending {
			code, err := d.samplers[i].Sample(logits[j], nil, d.codes[i][codebook])
			if err != nil {
				return nil, nil, fmt.Errorf("slot %d codebook %d: %w", i, codebook, err)
			}
			frames[i] = append(frames[i], int64(code))
		}
	}

	for _, i := range pending {
		for c, code := range frames[i] {
			d.codes[i][c] = append(d.codes[i][c], code)
		}
	}

	return frames, eos, nil
}

// frameColumn is the next model input for one sampled frame.
func (d *decoder) frameColumn(codes []int64) []int64 {
	return d.layout.VQColumn(codes)
}

func (d *decoder) padColumn() []int64 {
	return make([]int64, d.layout.Rows())
}

func column(rows int, col []int64) tokens.Matrix {
	m, err := tokens.FromColumns(rows, [][]int64{col})
	if err != nil {
		// Columns are built from the layout and always have rows entries.
		panic(err)
	}
	return m
}

// codesMatrix stacks frames into a codebooks x frames matrix.
func codesMatrix(codebooks int, frames [][]int64) tokens.Matrix {
	if len(frames) == 0 {
		return tokens.Zeros(codebooks, 0)
	}
	m, err := tokens.FromColumns(codebooks, frames)
	if err != nil {
		panic(err)
	}
	return m
}
