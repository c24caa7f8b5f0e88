package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokens"
)

// Stats accumulates timings for one session.
type Stats struct {
	PrefillColumns int
	Frames         int
	Evictions      int
	Prefill        time.Duration
	Decode         time.Duration
}

// FramesPerSecond is the decode throughput, excluding prefill.
func (s Stats) FramesPerSecond() float64 {
	if s.Decode <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Decode.Seconds()
}

// Result is the output of one chunk.
type Result struct {
	// Codes is codebooks x frames with no variant offset applied.
	Codes tokens.Matrix
	// Hidden holds the slow model's hidden state for every frame in Codes.
	Hidden [][]float32
}

// Session drives one request through a model. It owns the model's cache
// for its whole lifetime and must run under an admission permit.
type Session struct {
	model  backend.Model
	layout prompt.Layout
	args   SamplingArgs
	logger *slog.Logger

	dec   *decoder
	pos   int
	nCond int
	stats Stats
}

type SessionOption func(*Session)

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func NewSession(model backend.Model, layout prompt.Layout, args SamplingArgs, opts ...SessionOption) (*Session, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if model.Variant() != layout.Variant {
		return nil, apperr.Configuration("model variant %s does not match prompt layout %s", model.Variant(), layout.Variant)
	}

	s := &Session{
		model:  model,
		layout: layout,
		args:   args,
		logger: slog.Default(),
		dec:    newDecoder(model, layout, []SamplingArgs{args}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Session) Stats() Stats { return s.stats }

// Generate resets the cache, prefills p and decodes until the end token or
// MaxNewTokens. The first nConditioning columns of p are never evicted.
func (s *Session) Generate(ctx context.Context, p tokens.Matrix, nConditioning int) (tokens.Matrix, error) {
	res, err := s.GenerateWithHidden(ctx, p, nConditioning)
	if err != nil {
		return tokens.Matrix{}, err
	}
	return res.Codes, nil
}

// GenerateWithHidden is Generate that also returns per-frame hidden states.
func (s *Session) GenerateWithHidden(ctx context.Context, p tokens.Matrix, nConditioning int) (Result, error) {
	if err := s.start(p, nConditioning); err != nil {
		return Result{}, err
	}
	return s.chunk(ctx, 0, p, true)
}

// GenerateChunks decodes every prompt of seq in order. The cache carries
// over between chunks; when the next chunk would not fit, everything after
// the conditioning prefix is evicted.
func (s *Session) GenerateChunks(ctx context.Context, seq prompt.Sequence) ([]tokens.Matrix, error) {
	if len(seq.Prompts) == 0 {
		return nil, apperr.Input("no text chunks to generate")
	}
	if err := s.start(seq.Prompts[0], seq.NConditioning); err != nil {
		return nil, err
	}

	out := make([]tokens.Matrix, 0, len(seq.Prompts))
	for i, p := range seq.Prompts {
		res, err := s.chunk(ctx, i, p, false)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Codes)
	}

	s.logger.Info("generation complete",
		"chunks", len(out),
		"frames", s.stats.Frames,
		"evictions", s.stats.Evictions,
		"prefill_ms", s.stats.Prefill.Milliseconds(),
		"frames_per_second", s.stats.FramesPerSecond(),
	)
	return out, nil
}

func (s *Session) start(first tokens.Matrix, nConditioning int) error {
	if first.Rows() != s.layout.Rows() {
		return apperr.Configuration("prompt has %d rows, variant %s expects %d", first.Rows(), s.layout.Variant, s.layout.Rows())
	}
	if first.Cols() == 0 {
		return apperr.Input("prompt is empty")
	}
	if nConditioning < 0 || nConditioning > first.Cols() {
		return apperr.Input("conditioning length %d outside prompt of %d columns", nConditioning, first.Cols())
	}

	s.model.ResetCache()
	s.pos = 0
	s.nCond = nConditioning
	s.stats = Stats{}
	return nil
}

func (s *Session) chunk(ctx context.Context, index int, p tokens.Matrix, withHidden bool) (Result, error) {
	if p.Rows() != s.layout.Rows() {
		return Result{}, apperr.Configuration("chunk %d has %d rows, want %d", index, p.Rows(), s.layout.Rows())
	}

	maxLen := s.model.MaxSeqLen()
	if index > 0 {
		// The cache ends in the previous chunk's last frame; its turn still
		// needs an im_end unless eviction rolled back to the conditioning.
		if s.pos+p.Cols()+1+s.args.MaxNewTokens > maxLen && s.pos > s.nCond {
			if err := s.model.TruncateCache(s.nCond); err != nil {
				return Result{}, apperr.Backend(fmt.Errorf("engine: evict cache: %w", err))
			}
			s.logger.Debug("evicted cache", "chunk", index, "from", s.pos, "to", s.nCond)
			s.pos = s.nCond
			s.stats.Evictions++
		} else {
			var err error
			if p, err = tokens.Concat(s.dec.turnEnd(), p); err != nil {
				return Result{}, err
			}
		}
	}

	prefillStart := time.Now()
	outs, err := s.model.Forward(ctx, backend.Input{Slots: []tokens.Matrix{p}})
	if err != nil {
		return Result{}, apperr.Backend(fmt.Errorf("engine: prefill chunk %d: %w", index, err))
	}
	if len(outs) != 1 {
		return Result{}, apperr.Backend(fmt.Errorf("engine: prefill chunk %d: back-end returned %d outputs", index, len(outs)))
	}
	s.pos += p.Cols()
	s.stats.PrefillColumns += p.Cols()
	s.stats.Prefill += time.Since(prefillStart)

	decodeStart := time.Now()
	defer func() { s.stats.Decode += time.Since(decodeStart) }()

	// Frames after the last one are fed back, so the cache bounds the count.
	limit := min(s.args.MaxNewTokens, maxLen-s.pos+1)

	s.dec.resetHistory(0)
	active := []bool{true}
	var (
		frames [][]int64
		hidden [][]float32
	)

	for step := range limit {
		codes, eos, err := s.dec.sample(ctx, outs, active)
		if err != nil {
			return Result{}, apperr.Backend(fmt.Errorf("engine: chunk %d step %d: %w", index, step, err))
		}
		if eos[0] {
			s.logger.Debug("EOS detected", "chunk", index, "step", step)
			break
		}

		frames = append(frames, codes[0])
		if withHidden {
			hidden = append(hidden, outs[0].Hidden)
		}
		if step == limit-1 {
			break
		}

		in := backend.Input{Slots: []tokens.Matrix{column(s.layout.Rows(), s.dec.frameColumn(codes[0]))}}
		if outs, err = s.model.Forward(ctx, in); err != nil {
			return Result{}, apperr.Backend(fmt.Errorf("engine: chunk %d step %d: %w", index, step, err))
		}
		if len(outs) != 1 {
			return Result{}, apperr.Backend(fmt.Errorf("engine: chunk %d step %d: back-end returned %d outputs", index, step, len(outs)))
		}
		s.pos++
	}

	s.stats.Frames += len(frames)
	s.logger.Debug("chunk complete", "chunk", index, "frames", len(frames), "cache", s.pos)

	return Result{Codes: codesMatrix(s.layout.Codebooks, frames), Hidden: hidden}, nil
}
