// Package backend defines the numeric seam between the generation engine and
// whatever executes the transformer and codec graphs.
package backend

import (
	"context"
	"errors"

	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/tokens"
)

var (
	// ErrCacheOverflow is returned by Forward when the input would grow the
	// recurrent cache past MaxSeqLen.
	ErrCacheOverflow = errors.New("backend: recurrent cache overflow")
	ErrClosed        = errors.New("backend: closed")
)

// Input is one forward step for a fixed set of slots. Every slot matrix has
// codebooks+1 rows and the same number of columns. Mask[i][j] is false for
// padding columns, which must not be attended to. A nil Mask means every
// column is real.
type Input struct {
	Slots []tokens.Matrix
	Mask  [][]bool
}

// Output is the last-position result for one slot.
type Output struct {
	Logits []float32
	Hidden []float32
}

// Model is the slow (semantic) transformer together with its fast codebook
// decoder. It owns a mutable recurrent cache and is not safe for concurrent
// use.
type Model interface {
	Variant() config.Variant
	MaxSeqLen() int
	// Forward appends in to the cache and returns one Output per slot. The
	// slot count must match the cache's slot count unless the cache is empty.
	Forward(ctx context.Context, in Input) ([]Output, error)
	// CodebookLogits returns, for each slot, the logits of codebook
	// len(prev[i]) of the fast decoder given the slot's hidden state and the
	// codes already chosen for this frame.
	CodebookLogits(ctx context.Context, hidden [][]float32, prev [][]int64) ([][]float32, error)
	ResetCache()
	// TruncateCache drops every cached position at or after pos.
	TruncateCache(pos int) error
	Close() error
}

// Codec converts between PCM and codebook codes. Implementations must be safe
// for concurrent use.
type Codec interface {
	SampleRate() int
	NumCodebooks() int
	Encode(ctx context.Context, pcm []float32) (tokens.Matrix, error)
	Decode(ctx context.Context, codes tokens.Matrix) ([]float32, error)
	Close() error
}
