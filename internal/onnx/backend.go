// Package onnx runs exported fish-speech graphs through ONNX Runtime.
//
// A manifest lists five graphs:
//
//	slow_lm_prefill  input_ids [B,R,T], attention_mask [B,T]
//	                 -> logits [B,V], hidden [B,D], present_key_values
//	slow_lm          input_ids [B,R,T], attention_mask [B,P+T], past_key_values
//	                 -> logits [B,V], hidden [B,D], present_key_values
//	fast_lm          hidden [B,D], codes [B,N], codebook [1] -> logits [B,C]
//	codec_encode     audio [1,1,S] -> codes [1,N,T]
//	codec_decode     codes [1,N,T] -> audio [1,1,S]
//
// R is codebooks+1 and N is codebooks. The key/value cache has shape
// [L,2,B,H,P,Dh] and lives in Go memory between calls so it can be reset and
// truncated.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/fishspeech-server/internal/config"
)

// Backend owns the graph runners shared by every Model and the Codec.
type Backend struct {
	info    ModelInfo
	variant config.Variant
	runners map[string]GraphRunner
}

// Open loads the manifest, detects ONNX Runtime and creates one runner per
// required graph.
func Open(manifestPath string, variant config.Variant, rt config.RuntimeConfig) (*Backend, error) {
	rtInfo, err := Bootstrap(rt)
	if err != nil {
		return nil, fmt.Errorf("bootstrap onnx runtime: %w", err)
	}

	sm, err := NewSessionManager(manifestPath)
	if err != nil {
		return nil, err
	}
	if missing := sm.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("ONNX manifest is missing graphs %v", missing)
	}

	runners := make(map[string]GraphRunner, len(requiredGraphs))
	for _, name := range requiredGraphs {
		s, _ := sm.Session(name)
		r, err := NewRunner(s, RunnerConfig{LibraryPath: rtInfo.LibraryPath})
		if err != nil {
			closeRunners(runners)
			return nil, err
		}
		runners[name] = r
	}

	b, err := NewBackendWithRunners(sm.Info(), variant, runners)
	if err != nil {
		closeRunners(runners)
		return nil, err
	}

	slog.Info("onnx backend ready",
		"library", rtInfo.LibraryPath,
		"ort_version", rtInfo.Version,
		"variant", variant.String(),
		"max_seq_len", b.info.MaxSeqLen,
	)

	return b, nil
}

// NewBackendWithRunners builds a Backend from externally provided runners.
func NewBackendWithRunners(info ModelInfo, variant config.Variant, runners map[string]GraphRunner) (*Backend, error) {
	var missing []string
	for _, name := range requiredGraphs {
		if _, ok := runners[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing graph runners %v", missing)
	}

	if info.Variant != "" {
		v, err := config.ParseVariant(info.Variant)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		if v != variant {
			return nil, fmt.Errorf("manifest exports variant %s, configured %s", v, variant)
		}
	}
	if info.Codebooks == 0 {
		info.Codebooks = variant.NumCodebooks()
	}
	if info.Codebooks != variant.NumCodebooks() {
		return nil, fmt.Errorf("manifest declares %d codebooks, variant %s has %d", info.Codebooks, variant, variant.NumCodebooks())
	}
	if info.MaxSeqLen < 1 {
		return nil, errors.New("manifest max_seq_len must be positive")
	}
	if info.SampleRate < 1 {
		return nil, errors.New("manifest sample_rate must be positive")
	}

	return &Backend{info: info, variant: variant, runners: runners}, nil
}

func (b *Backend) Info() ModelInfo { return b.info }

// NewModel returns a model with its own empty cache. Models share runners.
func (b *Backend) NewModel() *Model {
	return &Model{b: b}
}

func (b *Backend) Codec() *Codec {
	return &Codec{b: b}
}

// Close releases every runner. Models and the codec must not be used after.
func (b *Backend) Close() error {
	closeRunners(b.runners)
	return nil
}

func closeRunners(runners map[string]GraphRunner) {
	for _, r := range runners {
		r.Close()
	}
}
