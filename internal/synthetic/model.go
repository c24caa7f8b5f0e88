// Package synthetic provides a deterministic in-process model and codec. They
// honour the backend contracts (cache growth, masking, slot bookkeeping) so
// the server and its tests run without checkpoints or ONNX Runtime.
package synthetic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/prompt"
)

// ErrConcurrentUse is returned when two calls overlap on one Model. A real
// back-end would silently corrupt its cache instead.
var ErrConcurrentUse = errors.New("synthetic: concurrent use of model")

const peak = 20

type ModelOptions struct {
	Layout    prompt.Layout
	VocabSize int
	// CodebookSize bounds every code the fast decoder emits. It must not
	// exceed Layout.SemanticCount for variants with semantic ids in row 0.
	CodebookSize int
	HiddenSize   int
	MaxSeqLen    int
	// MinTokens and Spread shape the per-chunk output length: a chunk whose
	// prompt has n real columns ends after MinTokens + n%Spread frames.
	MinTokens int
	Spread    int
}

func (o ModelOptions) withDefaults() ModelOptions {
	if o.CodebookSize <= 0 {
		o.CodebookSize = 32
		if o.Layout.Variant.SemanticInRow0() && o.Layout.SemanticCount < o.CodebookSize {
			o.CodebookSize = o.Layout.SemanticCount
		}
	}
	if o.HiddenSize <= 0 {
		o.HiddenSize = 16
	}
	if o.MaxSeqLen <= 0 {
		o.MaxSeqLen = 4096
	}
	if o.MinTokens <= 0 {
		o.MinTokens = 4
	}
	if o.Spread <= 0 {
		o.Spread = 13
	}
	return o
}

type slotState struct {
	hash      uint64
	target    int
	generated int
}

type Model struct {
	opts ModelOptions

	busy   atomic.Bool
	resets atomic.Int64
	closed atomic.Bool

	positions int
	slots     []slotState
}

var _ backend.Model = (*Model)(nil)

func NewModel(opts ModelOptions) (*Model, error) {
	opts = opts.withDefaults()
	if opts.Layout.Codebooks == 0 {
		return nil, errors.New("synthetic: layout is required")
	}
	if opts.VocabSize <= int(maxSpecial(opts)) {
		return nil, fmt.Errorf("synthetic: vocab size %d does not cover special tokens", opts.VocabSize)
	}
	if opts.Layout.Variant.SemanticInRow0() && opts.CodebookSize > opts.Layout.SemanticCount {
		return nil, fmt.Errorf("synthetic: codebook size %d exceeds %d semantic tokens", opts.CodebookSize, opts.Layout.SemanticCount)
	}
	return &Model{opts: opts}, nil
}

func (m *Model) Variant() config.Variant { return m.opts.Layout.Variant }
func (m *Model) MaxSeqLen() int          { return m.opts.MaxSeqLen }

// Resets counts ResetCache calls.
func (m *Model) Resets() int64 { return m.resets.Load() }

// CachePositions is the current cache length.
func (m *Model) CachePositions() int { return m.positions }

func (m *Model) enter() error {
	if m.closed.Load() {
		return backend.ErrClosed
	}
	if !m.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	return nil
}

func (m *Model) leave() { m.busy.Store(false) }

func (m *Model) Forward(ctx context.Context, in backend.Input) ([]backend.Output, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cols, err := m.validate(in)
	if err != nil {
		return nil, err
	}

	if len(m.slots) == 0 || m.positions == 0 {
		m.slots = make([]slotState, len(in.Slots))
	} else if len(m.slots) != len(in.Slots) {
		return nil, fmt.Errorf("synthetic: cache holds %d slots, input has %d", len(m.slots), len(in.Slots))
	}

	if m.positions+cols > m.opts.MaxSeqLen {
		return nil, fmt.Errorf("%w: %d + %d > %d", backend.ErrCacheOverflow, m.positions, cols, m.opts.MaxSeqLen)
	}
	m.positions += cols

	out := make([]backend.Output, len(in.Slots))
	for i, slot := range in.Slots {
		st := &m.slots[i]
		n := 0
		for j := 0; j < cols; j++ {
			if in.Mask != nil && !in.Mask[i][j] {
				continue
			}
			n++
			st.hash = mix(st.hash, slot.Column(j))
		}

		switch {
		case n > 1:
			st.target = m.opts.MinTokens + n%m.opts.Spread
			st.generated = 0
		case n == 1:
			st.generated++
		}

		out[i] = backend.Output{
			Logits: m.logits(st),
			Hidden: m.hidden(st.hash),
		}
	}

	return out, nil
}

func (m *Model) validate(in backend.Input) (int, error) {
	if len(in.Slots) == 0 {
		return 0, errors.New("synthetic: no slots")
	}
	cols := in.Slots[0].Cols()
	if cols == 0 {
		return 0, errors.New("synthetic: empty input")
	}
	if in.Mask != nil && len(in.Mask) != len(in.Slots) {
		return 0, fmt.Errorf("synthetic: %d masks for %d slots", len(in.Mask), len(in.Slots))
	}
	for i, s := range in.Slots {
		if s.Rows() != m.opts.Layout.Rows() {
			return 0, fmt.Errorf("synthetic: slot %d has %d rows, want %d", i, s.Rows(), m.opts.Layout.Rows())
		}
		if s.Cols() != cols {
			return 0, fmt.Errorf("synthetic: slot %d has %d columns, want %d", i, s.Cols(), cols)
		}
		if in.Mask != nil && len(in.Mask[i]) != cols {
			return 0, fmt.Errorf("synthetic: mask %d has %d entries, want %d", i, len(in.Mask[i]), cols)
		}
	}
	return cols, nil
}

func (m *Model) logits(st *slotState) []float32 {
	l := m.opts.Layout
	logits := make([]float32, m.opts.VocabSize)

	switch {
	case st.generated >= st.target:
		logits[l.IMEnd] = peak
	case l.Variant.SemanticInRow0():
		logits[l.SemanticBegin+int64(st.hash%uint64(m.opts.CodebookSize))] = peak
	default:
		logits[l.Semantic] = peak
	}

	return logits
}

func (m *Model) hidden(h uint64) []float32 {
	out := make([]float32, m.opts.HiddenSize)
	for i := range out {
		h = h*6364136223846793005 + 1442695040888963407
		out[i] = float32(int32(h>>33)) / math.MaxInt32
	}
	return out
}

func (m *Model) CodebookLogits(ctx context.Context, hidden [][]float32, prev [][]int64) ([][]float32, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.leave()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hidden) != len(prev) {
		return nil, fmt.Errorf("synthetic: %d hidden states for %d slots", len(hidden), len(prev))
	}

	out := make([][]float32, len(hidden))
	buf := make([]byte, 4)
	for i := range hidden {
		d := xxhash.New()
		for _, v := range hidden[i] {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			_, _ = d.Write(buf)
		}
		h := mix(d.Sum64(), prev[i])

		logits := make([]float32, m.opts.CodebookSize)
		logits[h%uint64(m.opts.CodebookSize)] = peak
		out[i] = logits
	}
	return out, nil
}

func (m *Model) ResetCache() {
	m.resets.Add(1)
	m.positions = 0
	m.slots = nil
}

func (m *Model) TruncateCache(pos int) error {
	if pos < 0 || pos > m.positions {
		return fmt.Errorf("synthetic: truncate to %d outside cache of %d", pos, m.positions)
	}
	m.positions = pos
	return nil
}

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

func mix(h uint64, col []int64) uint64 {
	buf := make([]byte, 8*(len(col)+1))
	binary.LittleEndian.PutUint64(buf, h)
	for i, v := range col {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], uint64(v))
	}
	return xxhash.Sum64(buf)
}

func maxSpecial(o ModelOptions) int64 {
	l := o.Layout
	top := max(l.IMStart, l.IMEnd, l.Semantic, l.Voice)
	if l.Variant.SemanticInRow0() {
		top = max(top, l.SemanticBegin+int64(o.CodebookSize)-1)
	}
	return top
}
