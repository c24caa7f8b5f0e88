package onnx

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/tokens"
)

// fakeRunner answers Run with fn and records every input set.
type fakeRunner struct {
	name  string
	fn    func(inputs map[string]*Tensor) (map[string]*Tensor, error)
	calls []map[string]*Tensor
}

func (f *fakeRunner) Run(_ context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	f.calls = append(f.calls, inputs)
	return f.fn(inputs)
}

func (f *fakeRunner) Name() string { return f.name }
func (f *fakeRunner) Close()       {}

const vocab = 4

// slowLM mimics the slow transformer: each cache entry stores the row-0 id
// of its column, logits count attended positions, hidden is [P+T, B].
func slowLM(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	ids := inputs["input_ids"]
	shape := ids.Shape()
	b, r, cols := shape[0], shape[1], shape[2]
	data, _ := ExtractInt64(ids)

	newKV := make([]float32, 0, b*cols)
	for i := range b {
		for j := range cols {
			newKV = append(newKV, float32(data[i*r*cols+j]))
		}
	}
	kv, err := NewTensor(newKV, []int64{1, 1, b, 1, cols, 1})
	if err != nil {
		return nil, err
	}
	if past, ok := inputs["past_key_values"]; ok {
		if kv, err = ConcatAxis(past, kv, kvSeqAxis); err != nil {
			return nil, err
		}
	}

	mask, _ := ExtractInt64(inputs["attention_mask"])
	total := inputs["attention_mask"].Shape()[1]
	logits := make([]float32, 0, b*vocab)
	hidden := make([]float32, 0, b*2)
	for i := range b {
		var n float32
		for _, v := range mask[i*total : (i+1)*total] {
			n += float32(v)
		}
		logits = append(logits, n, 0, 0, 0)
		hidden = append(hidden, float32(total), float32(b))
	}

	lt, _ := NewTensor(logits, []int64{b, vocab})
	ht, _ := NewTensor(hidden, []int64{b, 2})
	return map[string]*Tensor{"logits": lt, "hidden": ht, "present_key_values": kv}, nil
}

// fastLM returns the padded codes and the codebook index as logits.
func fastLM(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	codes := inputs["codes"]
	k, _ := ExtractInt64(inputs["codebook"])
	data, _ := ExtractInt64(codes)
	shape := codes.Shape()

	out := make([]float32, 0, shape[0]*(shape[1]+1))
	for i := range shape[0] {
		for _, c := range data[i*shape[1] : (i+1)*shape[1]] {
			out = append(out, float32(c))
		}
		out = append(out, float32(k[0]))
	}
	t, err := NewTensor(out, []int64{shape[0], shape[1] + 1})
	return map[string]*Tensor{"logits": t}, err
}

// hop is the fake codec's samples per frame.
const hop = 4

func codecEncode(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	n := inputs["audio"].Shape()[2]
	frames := max(n/hop, 1)
	codes := make([]int64, 8*frames)
	for i := range codes {
		codes[i] = int64(i)
	}
	t, err := NewTensor(codes, []int64{1, 8, frames})
	return map[string]*Tensor{"codes": t}, err
}

func codecDecode(inputs map[string]*Tensor) (map[string]*Tensor, error) {
	frames := inputs["codes"].Shape()[2]
	t, err := NewTensor(make([]float32, frames*hop), []int64{1, 1, frames * hop})
	return map[string]*Tensor{"audio": t}, err
}

type fakeGraphs struct {
	prefill, step, fast, encode, decode *fakeRunner
}

func newFakeBackend(t *testing.T, maxSeqLen int) (*Backend, *fakeGraphs) {
	t.Helper()

	g := &fakeGraphs{
		prefill: &fakeRunner{name: GraphSlowPrefill, fn: slowLM},
		step:    &fakeRunner{name: GraphSlowStep, fn: slowLM},
		fast:    &fakeRunner{name: GraphFast, fn: fastLM},
		encode:  &fakeRunner{name: GraphCodecEncode, fn: codecEncode},
		decode:  &fakeRunner{name: GraphCodecDecode, fn: codecDecode},
	}

	b, err := NewBackendWithRunners(
		ModelInfo{Variant: "1.5", MaxSeqLen: maxSeqLen, SampleRate: 44100},
		config.VariantFish15,
		map[string]GraphRunner{
			GraphSlowPrefill: g.prefill,
			GraphSlowStep:    g.step,
			GraphFast:        g.fast,
			GraphCodecEncode: g.encode,
			GraphCodecDecode: g.decode,
		},
	)
	if err != nil {
		t.Fatalf("NewBackendWithRunners: %v", err)
	}
	return b, g
}

// slot builds a 9-row matrix whose row 0 holds ids.
func slot(t *testing.T, ids ...int64) tokens.Matrix {
	t.Helper()

	rows := make([][]int64, 9)
	rows[0] = ids
	for i := 1; i < len(rows); i++ {
		rows[i] = make([]int64, len(ids))
	}
	m, err := tokens.FromRows(rows)
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	return m
}

func kvPositions(t *testing.T, kv *Tensor) []float32 {
	t.Helper()
	data, err := ExtractFloat32(kv)
	if err != nil {
		t.Fatalf("ExtractFloat32: %v", err)
	}
	return data
}

func TestModel_PrefillThenStep(t *testing.T) {
	b, g := newFakeBackend(t, 64)
	m := b.NewModel()
	ctx := context.Background()

	out, err := m.Forward(ctx, backend.Input{
		Slots: []tokens.Matrix{slot(t, 1, 2, 3), slot(t, 0, 7, 8)},
		Mask:  [][]bool{{true, true, true}, {false, true, true}},
	})
	if err != nil {
		t.Fatalf("Forward(prefill): %v", err)
	}
	if len(g.prefill.calls) != 1 || len(g.step.calls) != 0 {
		t.Fatalf("prefill/step calls = %d/%d; want 1/0", len(g.prefill.calls), len(g.step.calls))
	}
	if out[0].Logits[0] != 3 || out[1].Logits[0] != 2 {
		t.Fatalf("attended positions = %v, %v; want 3, 2", out[0].Logits[0], out[1].Logits[0])
	}

	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 4), slot(t, 9)}}); err != nil {
		t.Fatalf("Forward(step): %v", err)
	}
	if len(g.step.calls) != 1 {
		t.Fatalf("step calls = %d; want 1", len(g.step.calls))
	}

	step := g.step.calls[0]
	if got := step["past_key_values"].Shape()[kvSeqAxis]; got != 3 {
		t.Fatalf("past positions = %d; want 3", got)
	}

	// The padding column of slot 1 stays masked in later steps.
	mask, _ := ExtractInt64(step["attention_mask"])
	if want := []int64{1, 1, 1, 1, 0, 1, 1, 1}; !reflect.DeepEqual(mask, want) {
		t.Fatalf("attention_mask = %v; want %v", mask, want)
	}
	if m.CachePositions() != 4 {
		t.Fatalf("CachePositions() = %d; want 4", m.CachePositions())
	}
}

func TestModel_CacheOverflow(t *testing.T) {
	b, g := newFakeBackend(t, 4)
	m := b.NewModel()

	_, err := m.Forward(context.Background(), backend.Input{Slots: []tokens.Matrix{slot(t, 1, 2, 3, 4, 5)}})
	if !errors.Is(err, backend.ErrCacheOverflow) {
		t.Fatalf("error = %v; want ErrCacheOverflow", err)
	}
	if len(g.prefill.calls) != 0 {
		t.Fatal("graph ran despite overflow")
	}
}

func TestModel_TruncateCache(t *testing.T) {
	b, g := newFakeBackend(t, 64)
	m := b.NewModel()
	ctx := context.Background()

	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 10, 11, 12, 13, 14)}}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.TruncateCache(2); err != nil {
		t.Fatalf("TruncateCache: %v", err)
	}
	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 20)}}); err != nil {
		t.Fatalf("Forward after truncate: %v", err)
	}

	past := g.step.calls[0]["past_key_values"]
	if got, want := kvPositions(t, past), []float32{10, 11}; !reflect.DeepEqual(got, want) {
		t.Fatalf("past after truncate = %v; want %v", got, want)
	}

	if err := m.TruncateCache(10); err == nil {
		t.Fatal("TruncateCache past the end = nil error")
	}

	if err := m.TruncateCache(0); err != nil {
		t.Fatalf("TruncateCache(0): %v", err)
	}
	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 1, 2)}}); err != nil {
		t.Fatalf("Forward after reset: %v", err)
	}
	if len(g.prefill.calls) != 2 {
		t.Fatalf("prefill calls = %d; want 2 after truncating to zero", len(g.prefill.calls))
	}
}

func TestModel_SlotCountFixedUntilReset(t *testing.T) {
	b, _ := newFakeBackend(t, 64)
	m := b.NewModel()
	ctx := context.Background()

	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 1), slot(t, 2)}}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 3)}}); err == nil {
		t.Fatal("Forward with fewer slots = nil error")
	}

	m.ResetCache()
	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{slot(t, 3)}}); err != nil {
		t.Fatalf("Forward after reset: %v", err)
	}
}

func TestModel_RejectsMalformedInput(t *testing.T) {
	b, _ := newFakeBackend(t, 64)
	m := b.NewModel()

	short, _ := tokens.FromRows([][]int64{{1, 2}})
	for name, in := range map[string]backend.Input{
		"no slots":      {},
		"wrong rows":    {Slots: []tokens.Matrix{short}},
		"ragged":        {Slots: []tokens.Matrix{slot(t, 1, 2), slot(t, 1)}},
		"mask mismatch": {Slots: []tokens.Matrix{slot(t, 1, 2)}, Mask: [][]bool{{true}}},
	} {
		if _, err := m.Forward(context.Background(), in); err == nil {
			t.Errorf("%s: Forward = nil error", name)
		}
	}
}

func TestModel_CodebookLogits(t *testing.T) {
	b, g := newFakeBackend(t, 64)
	m := b.NewModel()

	logits, err := m.CodebookLogits(context.Background(),
		[][]float32{{1, 2}, {3, 4}},
		[][]int64{{5, 6}, {7, 8}},
	)
	if err != nil {
		t.Fatalf("CodebookLogits: %v", err)
	}

	want := [][]float32{
		{5, 6, 0, 0, 0, 0, 0, 0, 2},
		{7, 8, 0, 0, 0, 0, 0, 0, 2},
	}
	if !reflect.DeepEqual(logits, want) {
		t.Fatalf("logits = %v; want %v", logits, want)
	}
	if got := g.fast.calls[0]["hidden"].Shape(); !reflect.DeepEqual(got, []int64{2, 2}) {
		t.Fatalf("hidden shape = %v", got)
	}

	if _, err := m.CodebookLogits(context.Background(), [][]float32{{1}, {2}}, [][]int64{{1}, {}}); err == nil {
		t.Fatal("CodebookLogits out of lockstep = nil error")
	}
	if _, err := m.CodebookLogits(context.Background(), [][]float32{{1}}, [][]int64{make([]int64, 8)}); err == nil {
		t.Fatal("CodebookLogits past the last codebook = nil error")
	}
}

func TestModel_ClosedAndGraphFailure(t *testing.T) {
	b, g := newFakeBackend(t, 64)
	m := b.NewModel()

	g.prefill.fn = func(map[string]*Tensor) (map[string]*Tensor, error) {
		return nil, fmt.Errorf("boom")
	}
	if _, err := m.Forward(context.Background(), backend.Input{Slots: []tokens.Matrix{slot(t, 1)}}); err == nil {
		t.Fatal("Forward with failing graph = nil error")
	}
	if m.CachePositions() != 0 {
		t.Fatal("failed Forward grew the cache")
	}

	_ = m.Close()
	if _, err := m.Forward(context.Background(), backend.Input{Slots: []tokens.Matrix{slot(t, 1)}}); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("error = %v; want ErrClosed", err)
	}
}

func TestCodec_EncodeDecode(t *testing.T) {
	b, _ := newFakeBackend(t, 64)
	c := b.Codec()
	ctx := context.Background()

	if c.SampleRate() != 44100 || c.NumCodebooks() != 8 {
		t.Fatalf("SampleRate/NumCodebooks = %d/%d", c.SampleRate(), c.NumCodebooks())
	}

	codes, err := c.Encode(ctx, make([]float32, 5*hop))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if codes.Rows() != 8 || codes.Cols() != 5 {
		t.Fatalf("codes = %dx%d; want 8x5", codes.Rows(), codes.Cols())
	}

	pcm, err := c.Decode(ctx, codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 5*hop {
		t.Fatalf("decoded %d samples; want %d", len(pcm), 5*hop)
	}

	if _, err := c.Decode(ctx, tokens.Zeros(4, 2)); err == nil {
		t.Fatal("Decode with wrong codebook count = nil error")
	}
	if _, err := c.Encode(ctx, nil); err == nil {
		t.Fatal("Encode of empty audio = nil error")
	}
}

func TestNewBackendWithRunners_Validation(t *testing.T) {
	_, g := newFakeBackend(t, 64)
	all := map[string]GraphRunner{
		GraphSlowPrefill: g.prefill,
		GraphSlowStep:    g.step,
		GraphFast:        g.fast,
		GraphCodecEncode: g.encode,
		GraphCodecDecode: g.decode,
	}
	good := ModelInfo{MaxSeqLen: 64, SampleRate: 44100}

	partial := map[string]GraphRunner{GraphSlowStep: g.step}
	if _, err := NewBackendWithRunners(good, config.VariantFish15, partial); err == nil {
		t.Error("missing runners = nil error")
	}

	tests := []struct {
		name string
		info ModelInfo
	}{
		{"variant mismatch", ModelInfo{Variant: "1.2", MaxSeqLen: 64, SampleRate: 44100}},
		{"codebook mismatch", ModelInfo{Codebooks: 4, MaxSeqLen: 64, SampleRate: 44100}},
		{"no max_seq_len", ModelInfo{SampleRate: 44100}},
		{"no sample_rate", ModelInfo{MaxSeqLen: 64}},
	}
	for _, tt := range tests {
		if _, err := NewBackendWithRunners(tt.info, config.VariantFish15, all); err == nil {
			t.Errorf("%s: nil error", tt.name)
		}
	}

	b, err := NewBackendWithRunners(good, config.VariantFish15, all)
	if err != nil {
		t.Fatalf("NewBackendWithRunners: %v", err)
	}
	if b.Info().Codebooks != 8 {
		t.Fatalf("Codebooks = %d; want default 8", b.Info().Codebooks)
	}
}
