package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/synthetic"
	"github.com/example/fishspeech-server/internal/tokens"
)

var errInjected = errors.New("injected back-end failure")

func newStack(t *testing.T, v config.Variant, maxSeqLen int) *synthetic.Stack {
	t.Helper()

	s, err := synthetic.NewStack(v, maxSeqLen)
	if err != nil {
		t.Fatalf("NewStack: %v", err)
	}

	return s
}

func encode(t *testing.T, s *synthetic.Stack, base tokens.Matrix, chunks ...string) prompt.Sequence {
	t.Helper()

	seq, err := s.Encoder.EncodeSequence(chunks, "", base, true)
	if err != nil {
		t.Fatalf("EncodeSequence: %v", err)
	}

	return seq
}

// voicePrompt encodes a short synthetic clip into a conditioning prompt.
func voicePrompt(t *testing.T, s *synthetic.Stack, text string, samples int) tokens.Matrix {
	t.Helper()

	pcm := make([]float32, samples)
	for i := range pcm {
		pcm[i] = float32(i%97) / 200
	}

	codes, err := s.Codec.Encode(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Codec.Encode: %v", err)
	}

	p, err := s.Encoder.EncodeConditioningPrompt(text, codes)
	if err != nil {
		t.Fatalf("EncodeConditioningPrompt: %v", err)
	}

	return p
}

func testArgs() SamplingArgs {
	a := DefaultSamplingArgs()
	a.Seed = 1
	return a
}

func soloChunks(t *testing.T, v config.Variant, seq prompt.Sequence, args SamplingArgs) []tokens.Matrix {
	t.Helper()

	s := newStack(t, v, 0)
	sess, err := NewSession(s.Model, s.Encoder.Layout(), args)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	out, err := sess.GenerateChunks(context.Background(), seq)
	if err != nil {
		t.Fatalf("GenerateChunks: %v", err)
	}

	return out
}

// spyModel wraps a model to inject failures and observe calls.
type spyModel struct {
	backend.Model

	failOnCall int64 // 1-based Forward call that fails; 0 never fails
	panicOnce  atomic.Bool
	onForward  func()

	calls    atomic.Int64
	maxSlots atomic.Int64

	// record keeps every Forward input for inspection.
	record bool
	mu     sync.Mutex
	inputs []backend.Input
}

// prefills returns the recorded inputs wider than one column.
func (p *spyModel) prefills() []backend.Input {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []backend.Input
	for _, in := range p.inputs {
		if in.Slots[0].Cols() > 1 {
			out = append(out, in)
		}
	}
	return out
}

// lastStepBefore is the single-column input recorded just before the n-th
// prefill.
func (p *spyModel) lastStepBefore(n int) (backend.Input, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := -1
	var last backend.Input
	found := false
	for _, in := range p.inputs {
		if in.Slots[0].Cols() > 1 {
			seen++
			if seen == n {
				return last, found
			}
			continue
		}
		last, found = in, true
	}
	return backend.Input{}, false
}

func (p *spyModel) Forward(ctx context.Context, in backend.Input) ([]backend.Output, error) {
	n := p.calls.Add(1)

	if p.onForward != nil {
		p.onForward()
	}

	if p.record {
		p.mu.Lock()
		p.inputs = append(p.inputs, in)
		p.mu.Unlock()
	}

	if p.panicOnce.CompareAndSwap(true, false) {
		panic("spy: forward exploded")
	}

	if p.failOnCall > 0 && n == p.failOnCall {
		return nil, errInjected
	}

	for {
		cur := p.maxSlots.Load()
		if int64(len(in.Slots)) <= cur || p.maxSlots.CompareAndSwap(cur, int64(len(in.Slots))) {
			break
		}
	}

	return p.Model.Forward(ctx, in)
}
