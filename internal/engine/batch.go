package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokens"
)

// BatchRequest is one slot of a static batch.
type BatchRequest struct {
	Sequence prompt.Sequence
	// Args overrides the batch-wide sampling arguments for this slot.
	Args *SamplingArgs
}

// GenerateBatch decodes requests together in one fixed batch and returns,
// in input order, every request's per-chunk codes.
//
// Conditioning prefixes are left-padded to a common width C and the first
// chunk is left-padded separately, so every slot's conditioning ends at
// position C and eviction back to C is safe for all of them. Round r decodes
// chunk r; slots with fewer chunks sit fully masked. A slot stops on its own
// end token or MaxNewTokens but keeps receiving masked columns until the
// whole round is done. Any back-end failure fails the whole batch.
func GenerateBatch(ctx context.Context, model backend.Model, layout prompt.Layout, requests []BatchRequest, args SamplingArgs) ([][]tokens.Matrix, error) {
	g, err := newBatch(model, layout, requests, args)
	if err != nil {
		return nil, err
	}
	return g.run(ctx)
}

type batch struct {
	model  backend.Model
	layout prompt.Layout
	reqs   []BatchRequest
	args   []SamplingArgs
	dec    *decoder
	pos    int
	cond   int
	rounds int
	logger *slog.Logger
}

func newBatch(model backend.Model, layout prompt.Layout, requests []BatchRequest, args SamplingArgs) (*batch, error) {
	if len(requests) == 0 {
		return nil, apperr.Input("batch has no requests")
	}
	if model.Variant() != layout.Variant {
		return nil, apperr.Configuration("model variant %s does not match prompt layout %s", model.Variant(), layout.Variant)
	}

	b := &batch{
		model:  model,
		layout: layout,
		reqs:   requests,
		args:   make([]SamplingArgs, len(requests)),
		logger: slog.Default(),
	}

	for i, r := range requests {
		a := args
		if r.Args != nil {
			a = *r.Args
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("batch slot %d: %w", i, err)
		}
		b.args[i] = a

		seq := r.Sequence
		if len(seq.Prompts) == 0 {
			return nil, apperr.Input("batch slot %d has no text chunks", i)
		}
		for j, p := range seq.Prompts {
			if p.Rows() != layout.Rows() {
				return nil, apperr.Configuration("batch slot %d chunk %d has %d rows, want %d", i, j, p.Rows(), layout.Rows())
			}
			if p.Cols() == 0 {
				return nil, apperr.Input("batch slot %d chunk %d is empty", i, j)
			}
		}
		if seq.NConditioning < 0 || seq.NConditioning > seq.Prompts[0].Cols() {
			return nil, apperr.Input("batch slot %d conditioning length %d outside prompt", i, seq.NConditioning)
		}

		b.cond = max(b.cond, seq.NConditioning)
		b.rounds = max(b.rounds, len(seq.Prompts))
	}

	b.dec = newDecoder(model, layout, b.args)
	return b, nil
}

func (b *batch) run(ctx context.Context) ([][]tokens.Matrix, error) {
	b.model.ResetCache()
	b.pos = 0

	out := make([][]tokens.Matrix, len(b.reqs))
	for i := range out {
		out[i] = make([]tokens.Matrix, 0, len(b.reqs[i].Sequence.Prompts))
	}

	for r := range b.rounds {
		closeTurn := false
		if r > 0 {
			width, active := b.roundWidth(r)
			if b.pos+width+1+b.maxNewTokens(active) > b.model.MaxSeqLen() && b.pos > b.cond {
				if err := b.model.TruncateCache(b.cond); err != nil {
					return nil, apperr.Backend(fmt.Errorf("engine: batch evict cache: %w", err))
				}
				b.logger.Debug("batch evicted cache", "round", r, "from", b.pos, "to", b.cond)
				b.pos = b.cond
			} else {
				closeTurn = true
			}
		}

		in, active, err := b.roundInput(r, closeTurn)
		if err != nil {
			return nil, err
		}

		frames, err := b.decodeRound(ctx, r, in, active)
		if err != nil {
			return nil, err
		}
		for i := range b.reqs {
			if active[i] {
				out[i] = append(out[i], codesMatrix(b.layout.Codebooks, frames[i]))
			}
		}
	}

	return out, nil
}

func (b *batch) maxNewTokens(active []bool) int {
	n := 0
	for i, a := range b.args {
		if active[i] {
			n = max(n, a.MaxNewTokens)
		}
	}
	return n
}

// roundWidth is the widest chunk r among the slots that have one.
func (b *batch) roundWidth(r int) (int, []bool) {
	active := make([]bool, len(b.reqs))
	width := 0
	for i, req := range b.reqs {
		if r < len(req.Sequence.Prompts) {
			active[i] = true
			width = max(width, req.Sequence.Prompts[r].Cols())
		}
	}
	return width, active
}

// roundInput builds the left-padded prefill for round r. With closeTurn every
// active slot's chunk starts with an im_end that ends its previous turn.
func (b *batch) roundInput(r int, closeTurn bool) (backend.Input, []bool, error) {
	n := len(b.reqs)
	active := make([]bool, n)
	parts := make([]tokens.Matrix, n)

	if r == 0 {
		rest := 0
		for _, req := range b.reqs {
			rest = max(rest, req.Sequence.Prompts[0].Cols()-req.Sequence.NConditioning)
		}

		in := backend.Input{Slots: make([]tokens.Matrix, n), Mask: make([][]bool, n)}
		for i, req := range b.reqs {
			active[i] = true
			first := req.Sequence.Prompts[0]

			cond, err := first.Slice(0, req.Sequence.NConditioning)
			if err != nil {
				return backend.Input{}, nil, err
			}
			tail, err := first.Slice(req.Sequence.NConditioning, first.Cols())
			if err != nil {
				return backend.Input{}, nil, err
			}

			cond, condMask, err := cond.PadLeft(b.cond, 0)
			if err != nil {
				return backend.Input{}, nil, err
			}
			tail, tailMask, err := tail.PadLeft(rest, 0)
			if err != nil {
				return backend.Input{}, nil, err
			}

			if in.Slots[i], err = tokens.Concat(cond, tail); err != nil {
				return backend.Input{}, nil, err
			}
			in.Mask[i] = append(condMask, tailMask...)
		}
		return in, active, nil
	}

	width := 0
	for i, req := range b.reqs {
		if r >= len(req.Sequence.Prompts) {
			continue
		}
		active[i] = true
		parts[i] = req.Sequence.Prompts[r]
		if closeTurn {
			var err error
			if parts[i], err = tokens.Concat(b.dec.turnEnd(), parts[i]); err != nil {
				return backend.Input{}, nil, err
			}
		}
		width = max(width, parts[i].Cols())
	}

	in := backend.Input{Slots: make([]tokens.Matrix, n), Mask: make([][]bool, n)}
	for i := range b.reqs {
		if !active[i] {
			in.Slots[i] = tokens.Zeros(b.layout.Rows(), width)
			in.Mask[i] = make([]bool, width)
			continue
		}
		var err error
		if in.Slots[i], in.Mask[i], err = parts[i].PadLeft(width, 0); err != nil {
			return backend.Input{}, nil, err
		}
	}
	return in, active, nil
}

func (b *batch) decodeRound(ctx context.Context, r int, in backend.Input, active []bool) ([][][]int64, error) {
	n := len(b.reqs)

	outs, err := b.model.Forward(ctx, in)
	if err != nil {
		return nil, apperr.Backend(fmt.Errorf("engine: batch round %d prefill: %w", r, err))
	}
	if len(outs) != n {
		return nil, apperr.Backend(fmt.Errorf("engine: batch round %d prefill: back-end returned %d outputs for %d slots", r, len(outs), n))
	}
	b.pos += in.Slots[0].Cols()

	live := make([]bool, n)
	limits := make([]int, n)
	frames := make([][][]int64, n)
	remaining := 0
	for i := range b.reqs {
		if active[i] {
			live[i] = true
			limits[i] = b.args[i].MaxNewTokens
			b.dec.resetHistory(i)
			remaining++
		}
	}

	for step := 0; remaining > 0; step++ {
		codes, eos, err := b.dec.sample(ctx, outs, live)
		if err != nil {
			return nil, apperr.Backend(fmt.Errorf("engine: batch round %d step %d: %w", r, step, err))
		}

		fed := make([]bool, n)
		for i := range b.reqs {
			if !live[i] {
				continue
			}
			if eos[i] {
				b.logger.Debug("EOS detected", "slot", i, "round", r, "step", step)
				live[i] = false
				remaining--
				continue
			}
			frames[i] = append(frames[i], codes[i])
			if len(frames[i]) >= limits[i] {
				live[i] = false
				remaining--
				continue
			}
			fed[i] = true
		}

		if remaining == 0 {
			break
		}
		if b.pos+1 > b.model.MaxSeqLen() {
			b.logger.Debug("batch cache full", "round", r, "step", step)
			break
		}

		next := backend.Input{Slots: make([]tokens.Matrix, n), Mask: make([][]bool, n)}
		for i := range b.reqs {
			if fed[i] {
				next.Slots[i] = column(b.layout.Rows(), b.dec.frameColumn(codes[i]))
				next.Mask[i] = []bool{true}
			} else {
				next.Slots[i] = column(b.layout.Rows(), b.dec.padColumn())
				next.Mask[i] = []bool{false}
			}
		}

		if outs, err = b.model.Forward(ctx, next); err != nil {
			return nil, apperr.Backend(fmt.Errorf("engine: batch round %d step %d: %w", r, step, err))
		}
		if len(outs) != n {
			return nil, apperr.Backend(fmt.Errorf("engine: batch round %d step %d: back-end returned %d outputs for %d slots", r, step, len(outs), n))
		}
		b.pos++
	}

	return frames, nil
}
