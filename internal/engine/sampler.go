// Package engine runs the autoregressive multi-codebook decode loop for single
// requests and static batches, and schedules jobs onto model workers.
package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/example/fishspeech-server/internal/apperr"
)

// ErrNoCandidates is returned when the sampling filters leave no token to
// choose. It is a back-end failure and is surfaced unchanged.
var ErrNoCandidates = &apperr.Error{Kind: apperr.KindBackend, Err: errors.New("engine: no sampling candidates survive filtering")}

// SamplingArgs controls token selection.
type SamplingArgs struct {
	Temperature       float64
	TopP              float64
	TopK              int
	RepetitionPenalty float64
	RepetitionWindow  int
	// MaxNewTokens bounds the frames generated per text chunk.
	MaxNewTokens int
	// Seed fixes the random stream; zero draws a random seed.
	Seed uint64
}

func DefaultSamplingArgs() SamplingArgs {
	return SamplingArgs{
		Temperature:       0.7,
		TopP:              0.8,
		TopK:              0,
		RepetitionPenalty: 1.2,
		RepetitionWindow:  16,
		MaxNewTokens:      1024,
	}
}

func (a SamplingArgs) Validate() error {
	switch {
	case a.Temperature < 0 || math.IsNaN(a.Temperature):
		return apperr.Input("temperature must be >= 0, got %v", a.Temperature)
	case !(a.TopP > 0 && a.TopP <= 1):
		return apperr.Input("top_p must be in (0, 1], got %v", a.TopP)
	case a.TopK < 0:
		return apperr.Input("top_k must be >= 0, got %d", a.TopK)
	case !(a.RepetitionPenalty > 0):
		return apperr.Input("repetition_penalty must be > 0, got %v", a.RepetitionPenalty)
	case a.RepetitionWindow < 0:
		return apperr.Input("repetition_window must be >= 0, got %d", a.RepetitionWindow)
	case a.MaxNewTokens < 1:
		return apperr.Input("max_new_tokens must be >= 1, got %d", a.MaxNewTokens)
	}
	return nil
}

// Sampler draws tokens from logits. It is not safe for concurrent use.
type Sampler struct {
	args SamplingArgs
	rng  *rand.Rand
}

func NewSampler(args SamplingArgs) *Sampler {
	seed := args.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{args: args, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type candidate struct {
	id    int
	logit float64
}

// Sample picks an index of logits. allowed may be nil. history holds the ids
// generated so far in this stream; the last RepetitionWindow of them are
// penalized.
func (s *Sampler) Sample(logits []float32, allowed func(id int) bool, history []int64) (int, error) {
	penalized := map[int]bool{}
	if s.args.RepetitionPenalty != 1 && s.args.RepetitionWindow > 0 {
		start := max(0, len(history)-s.args.RepetitionWindow)
		for _, id := range history[start:] {
			penalized[int(id)] = true
		}
	}

	cands := make([]candidate, 0, len(logits))
	for id, v := range logits {
		l := float64(v)
		if math.IsNaN(l) || math.IsInf(l, -1) {
			continue
		}
		if allowed != nil && !allowed(id) {
			continue
		}
		if penalized[id] {
			if l > 0 {
				l /= s.args.RepetitionPenalty
			} else {
				l *= s.args.RepetitionPenalty
			}
		}
		cands = append(cands, candidate{id: id, logit: l})
	}
	if len(cands) == 0 {
		return 0, ErrNoCandidates
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	if s.args.Temperature == 0 {
		return cands[0].id, nil
	}

	if k := s.args.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}

	probs := softmax(cands, s.args.Temperature)

	if p := s.args.TopP; p < 1 {
		cum := 0.0
		for i, pr := range probs {
			cum += pr
			if cum >= p {
				cands, probs = cands[:i+1], probs[:i+1]
				break
			}
		}
	}

	total := 0.0
	for _, pr := range probs {
		total += pr
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return 0, ErrNoCandidates
	}

	r := s.rng.Float64() * total
	for i, pr := range probs {
		r -= pr
		if r <= 0 {
			return cands[i].id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

func softmax(cands []candidate, temperature float64) []float64 {
	probs := make([]float64, len(cands))
	top := cands[0].logit / temperature
	sum := 0.0
	for i, c := range cands {
		probs[i] = math.Exp(c.logit/temperature - top)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
