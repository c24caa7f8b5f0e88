package synthetic

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/tokens"
)

type CodecOptions struct {
	SampleRate   int
	NumCodebooks int
	CodebookSize int
	// HopLength is the number of samples per code frame.
	HopLength int
}

// Codec quantizes per-frame energy into codes and decodes codes into short
// sine bursts whose pitch follows codebook 0.
type Codec struct {
	opts CodecOptions
}

var _ backend.Codec = (*Codec)(nil)

func NewCodec(opts CodecOptions) (*Codec, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.HopLength <= 0 {
		opts.HopLength = 512
	}
	if opts.CodebookSize <= 0 {
		opts.CodebookSize = 32
	}
	if opts.NumCodebooks <= 0 {
		return nil, errors.New("synthetic: codec needs at least one codebook")
	}
	return &Codec{opts: opts}, nil
}

func (c *Codec) SampleRate() int   { return c.opts.SampleRate }
func (c *Codec) NumCodebooks() int { return c.opts.NumCodebooks }

// HopLength is the number of samples represented by one frame.
func (c *Codec) HopLength() int { return c.opts.HopLength }

func (c *Codec) Encode(ctx context.Context, pcm []float32) (tokens.Matrix, error) {
	if err := ctx.Err(); err != nil {
		return tokens.Matrix{}, err
	}
	if len(pcm) == 0 {
		return tokens.Matrix{}, errors.New("synthetic: no audio to encode")
	}

	hop := c.opts.HopLength
	frames := (len(pcm) + hop - 1) / hop
	size := int64(c.opts.CodebookSize)
	rows := make([][]int64, c.opts.NumCodebooks)
	for k := range rows {
		rows[k] = make([]int64, frames)
	}

	for t := 0; t < frames; t++ {
		end := min((t+1)*hop, len(pcm))
		var energy float64
		for _, v := range pcm[t*hop : end] {
			energy += float64(v) * float64(v)
		}
		rms := math.Sqrt(energy / float64(end-t*hop))
		q := int64(rms * 1000)
		for k := range rows {
			rows[k][t] = (q + int64(k*7+t)) % size
		}
	}

	codes, err := tokens.FromRows(rows)
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("synthetic: build codes: %w", err)
	}
	return codes, nil
}

func (c *Codec) Decode(ctx context.Context, codes tokens.Matrix) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if codes.Rows() != c.opts.NumCodebooks {
		return nil, fmt.Errorf("synthetic: codes have %d codebooks, codec expects %d", codes.Rows(), c.opts.NumCodebooks)
	}

	hop := c.opts.HopLength
	out := make([]float32, codes.Cols()*hop)
	phase := 0.0
	for t := 0; t < codes.Cols(); t++ {
		hz := 110 + 10*float64(codes.At(0, t))
		step := 2 * math.Pi * hz / float64(c.opts.SampleRate)
		for i := 0; i < hop; i++ {
			out[t*hop+i] = float32(0.2 * math.Sin(phase))
			phase += step
		}
	}
	return out, nil
}

func (c *Codec) Close() error { return nil }
