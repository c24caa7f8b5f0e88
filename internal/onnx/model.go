package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
)

// kvSeqAxis is the sequence axis of present_key_values [L,2,B,H,P,Dh].
const kvSeqAxis = 4

// Model is one slow/fast transformer pair with its own key/value cache. It is
// not safe for concurrent use.
type Model struct {
	b *Backend

	kv        *Tensor
	mask      [][]bool
	positions int
	closed    bool
}

var _ backend.Model = (*Model)(nil)

func (m *Model) Variant() config.Variant { return m.b.variant }
func (m *Model) MaxSeqLen() int          { return m.b.info.MaxSeqLen }

// CachePositions is the number of cached columns per slot.
func (m *Model) CachePositions() int { return m.positions }

func (m *Model) Forward(ctx context.Context, in backend.Input) ([]backend.Output, error) {
	if m.closed {
		return nil, backend.ErrClosed
	}

	slots, cols, err := m.validate(in)
	if err != nil {
		return nil, err
	}
	if m.kv != nil && len(m.mask) != slots {
		return nil, fmt.Errorf("onnx: cache holds %d slots, input has %d", len(m.mask), slots)
	}
	if m.positions+cols > m.MaxSeqLen() {
		return nil, fmt.Errorf("%w: %d + %d > %d", backend.ErrCacheOverflow, m.positions, cols, m.MaxSeqLen())
	}

	rows := m.b.variant.NumCodebooks() + 1
	ids := make([]int64, 0, slots*rows*cols)
	for _, s := range in.Slots {
		ids = append(ids, s.Data()...)
	}

	total := m.positions + cols
	mask := make([][]bool, slots)
	attn := make([]int64, 0, slots*total)
	for i := range slots {
		if m.kv != nil {
			mask[i] = append(mask[i], m.mask[i]...)
		}
		for j := range cols {
			mask[i] = append(mask[i], in.Mask == nil || in.Mask[i][j])
		}
		for _, ok := range mask[i] {
			attn = append(attn, boolToInt64(ok))
		}
	}

	idsT, err := NewTensor(ids, []int64{int64(slots), int64(rows), int64(cols)})
	if err != nil {
		return nil, fmt.Errorf("onnx: input_ids: %w", err)
	}
	attnT, err := NewTensor(attn, []int64{int64(slots), int64(total)})
	if err != nil {
		return nil, fmt.Errorf("onnx: attention_mask: %w", err)
	}

	inputs := map[string]*Tensor{"input_ids": idsT, "attention_mask": attnT}
	graph := GraphSlowPrefill
	if m.kv != nil {
		graph = GraphSlowStep
		inputs["past_key_values"] = m.kv
	}

	outputs, err := m.b.runners[graph].Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", graph, err)
	}

	logits, err := batchOutput(outputs, "logits", slots)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", graph, err)
	}
	hidden, err := batchOutput(outputs, "hidden", slots)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", graph, err)
	}

	present, ok := outputs["present_key_values"]
	if !ok {
		return nil, fmt.Errorf("%s: missing 'present_key_values' in output", graph)
	}
	if shape := present.Shape(); len(shape) <= kvSeqAxis || shape[kvSeqAxis] != int64(total) {
		return nil, fmt.Errorf("%s: present_key_values shape %v, want %d positions", graph, shape, total)
	}

	m.kv = present
	m.mask = mask
	m.positions = total

	out := make([]backend.Output, slots)
	for i := range out {
		out[i] = backend.Output{Logits: logits[i], Hidden: hidden[i]}
	}
	return out, nil
}

func (m *Model) validate(in backend.Input) (int, int, error) {
	if len(in.Slots) == 0 {
		return 0, 0, errors.New("onnx: no slots")
	}
	rows := m.b.variant.NumCodebooks() + 1
	cols := in.Slots[0].Cols()
	if cols == 0 {
		return 0, 0, errors.New("onnx: empty input")
	}
	if in.Mask != nil && len(in.Mask) != len(in.Slots) {
		return 0, 0, fmt.Errorf("onnx: %d masks for %d slots", len(in.Mask), len(in.Slots))
	}
	for i, s := range in.Slots {
		if s.Rows() != rows || s.Cols() != cols {
			return 0, 0, fmt.Errorf("onnx: slot %d is %dx%d, want %dx%d", i, s.Rows(), s.Cols(), rows, cols)
		}
		if in.Mask != nil && len(in.Mask[i]) != cols {
			return 0, 0, fmt.Errorf("onnx: mask %d has %d entries, want %d", i, len(in.Mask[i]), cols)
		}
	}
	return len(in.Slots), cols, nil
}

func (m *Model) CodebookLogits(ctx context.Context, hidden [][]float32, prev [][]int64) ([][]float32, error) {
	if m.closed {
		return nil, backend.ErrClosed
	}
	if len(hidden) == 0 || len(hidden) != len(prev) {
		return nil, fmt.Errorf("onnx: %d hidden states for %d slots", len(hidden), len(prev))
	}

	codebooks := m.b.variant.NumCodebooks()
	k, d := len(prev[0]), len(hidden[0])
	if k >= codebooks {
		return nil, fmt.Errorf("onnx: codebook %d out of range (%d codebooks)", k, codebooks)
	}

	h := make([]float32, 0, len(hidden)*d)
	codes := make([]int64, len(prev)*codebooks)
	for i := range hidden {
		if len(hidden[i]) != d || len(prev[i]) != k {
			return nil, fmt.Errorf("onnx: slot %d is out of lockstep", i)
		}
		h = append(h, hidden[i]...)
		copy(codes[i*codebooks:], prev[i])
	}

	hT, err := NewTensor(h, []int64{int64(len(hidden)), int64(d)})
	if err != nil {
		return nil, fmt.Errorf("onnx: hidden: %w", err)
	}
	cT, err := NewTensor(codes, []int64{int64(len(prev)), int64(codebooks)})
	if err != nil {
		return nil, fmt.Errorf("onnx: codes: %w", err)
	}
	kT, _ := NewTensor([]int64{int64(k)}, []int64{1})

	outputs, err := m.b.runners[GraphFast].Run(ctx, map[string]*Tensor{
		"hidden":   hT,
		"codes":    cT,
		"codebook": kT,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", GraphFast, err)
	}

	logits, err := batchOutput(outputs, "logits", len(hidden))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", GraphFast, err)
	}
	return logits, nil
}

func (m *Model) ResetCache() {
	m.kv = nil
	m.mask = nil
	m.positions = 0
}

func (m *Model) TruncateCache(pos int) error {
	if pos < 0 || pos > m.positions {
		return fmt.Errorf("onnx: truncate to %d outside cache of %d", pos, m.positions)
	}
	switch pos {
	case m.positions:
		return nil
	case 0:
		m.ResetCache()
		return nil
	}

	kv, err := SliceAxis(m.kv, kvSeqAxis, 0, int64(pos))
	if err != nil {
		return fmt.Errorf("onnx: truncate cache: %w", err)
	}
	for i := range m.mask {
		m.mask[i] = m.mask[i][:pos:pos]
	}
	m.kv = kv
	m.positions = pos
	return nil
}

// Close drops the cache. Runners belong to the Backend.
func (m *Model) Close() error {
	m.ResetCache()
	m.closed = true
	return nil
}

func batchOutput(outputs map[string]*Tensor, name string, slots int) ([][]float32, error) {
	t, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("missing '%s' in output", name)
	}
	rows, err := Rows(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(rows) != slots {
		return nil, fmt.Errorf("%s has %d rows for %d slots", name, len(rows), slots)
	}
	return rows, nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
