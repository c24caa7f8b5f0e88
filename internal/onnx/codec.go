package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/tokens"
)

// Codec runs the codec_encode and codec_decode graphs. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	b      *Backend
	closed atomic.Bool
}

var _ backend.Codec = (*Codec)(nil)

func (c *Codec) SampleRate() int   { return c.b.info.SampleRate }
func (c *Codec) NumCodebooks() int { return c.b.info.Codebooks }

func (c *Codec) Encode(ctx context.Context, pcm []float32) (tokens.Matrix, error) {
	if c.closed.Load() {
		return tokens.Matrix{}, backend.ErrClosed
	}
	if len(pcm) == 0 {
		return tokens.Matrix{}, errors.New("codec_encode: empty audio")
	}

	audio, err := NewTensor(pcm, []int64{1, 1, int64(len(pcm))})
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("codec_encode: %w", err)
	}

	outputs, err := c.b.runners[GraphCodecEncode].Run(ctx, map[string]*Tensor{"audio": audio})
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("codec_encode: run: %w", err)
	}

	out, ok := outputs["codes"]
	if !ok {
		return tokens.Matrix{}, errors.New("codec_encode: missing 'codes' in output")
	}
	shape := out.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != int64(c.NumCodebooks()) {
		return tokens.Matrix{}, fmt.Errorf("codec_encode: codes shape %v, want [1, %d, T]", shape, c.NumCodebooks())
	}

	data, err := ExtractInt64(out)
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("codec_encode: %w", err)
	}
	return tokens.New(int(shape[1]), int(shape[2]), data)
}

func (c *Codec) Decode(ctx context.Context, codes tokens.Matrix) ([]float32, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}
	if codes.Rows() != c.NumCodebooks() {
		return nil, fmt.Errorf("codec_decode: %d codebooks, want %d", codes.Rows(), c.NumCodebooks())
	}
	if codes.Cols() == 0 {
		return nil, nil
	}

	in, err := NewTensor(codes.Data(), []int64{1, int64(codes.Rows()), int64(codes.Cols())})
	if err != nil {
		return nil, fmt.Errorf("codec_decode: %w", err)
	}

	outputs, err := c.b.runners[GraphCodecDecode].Run(ctx, map[string]*Tensor{"codes": in})
	if err != nil {
		return nil, fmt.Errorf("codec_decode: run: %w", err)
	}

	audio, ok := outputs["audio"]
	if !ok {
		return nil, errors.New("codec_decode: missing 'audio' in output")
	}

	pcm, err := ExtractFloat32(audio)
	if err != nil {
		return nil, fmt.Errorf("codec_decode: extract audio: %w", err)
	}
	return pcm, nil
}

func (c *Codec) Close() error {
	c.closed.Store(true)
	return nil
}
