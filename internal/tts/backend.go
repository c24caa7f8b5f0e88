package tts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/onnx"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/synthetic"
	"github.com/example/fishspeech-server/internal/tokenizer"
)

// stack is everything the service needs from a numeric back-end.
type stack struct {
	encoder *prompt.Encoder
	models  []backend.Model
	codec   backend.Codec
	closers []io.Closer
}

func (s *stack) Close() error {
	var errs []error
	for _, m := range s.models {
		errs = append(errs, m.Close())
	}
	errs = append(errs, s.codec.Close())
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// openStack builds one model per gate slot for the configured back-end.
func openStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	variant, err := config.ParseVariant(cfg.Model.Variant)
	if err != nil {
		return nil, err
	}
	name, err := config.NormalizeBackend(cfg.Model.Backend)
	if err != nil {
		return nil, err
	}
	workers := cfg.Generation.Concurrency

	switch name {
	case config.BackendSynthetic:
		return openSynthetic(variant, workers)
	case config.BackendONNX:
		return openONNX(cfg, variant, workers, logger)
	default:
		return nil, fmt.Errorf("unsupported backend %q", name)
	}
}

func openSynthetic(v config.Variant, workers int) (*stack, error) {
	st, err := synthetic.NewStack(v, 0)
	if err != nil {
		return nil, err
	}

	models := []backend.Model{st.Model}
	for len(models) < workers {
		m, err := st.NewModelFor(0)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}

	return &stack{encoder: st.Encoder, models: models, codec: st.Codec}, nil
}

// OpenEncoder builds the prompt encoder for cfg without loading any model
// weights.
func OpenEncoder(cfg config.Config) (*prompt.Encoder, error) {
	v, err := config.ParseVariant(cfg.Model.Variant)
	if err != nil {
		return nil, err
	}
	name, err := config.NormalizeBackend(cfg.Model.Backend)
	if err != nil {
		return nil, err
	}
	if name == config.BackendSynthetic {
		return prompt.NewEncoder(tokenizer.NewByteLevel(synthetic.SemanticTokens), v)
	}

	tokPath := cfg.Paths.TokenizerPath
	if tokPath == "" {
		tokPath = filepath.Join(cfg.Paths.CheckpointDir, "tokenizer.json")
	}
	tok, err := tokenizer.LoadHF(tokPath)
	if err != nil {
		return nil, err
	}
	return prompt.NewEncoder(tok, v)
}

// ManifestPath is the configured ONNX manifest, defaulting to
// <checkpoint>/manifest.json.
func ManifestPath(cfg config.Config) string {
	if cfg.Paths.ONNXManifest != "" {
		return cfg.Paths.ONNXManifest
	}
	return filepath.Join(cfg.Paths.CheckpointDir, "manifest.json")
}

func openONNX(cfg config.Config, v config.Variant, workers int, logger *slog.Logger) (*stack, error) {
	enc, err := OpenEncoder(cfg)
	if err != nil {
		return nil, err
	}

	b, err := onnx.Open(ManifestPath(cfg), v, cfg.Runtime)
	if err != nil {
		return nil, err
	}

	models := make([]backend.Model, workers)
	for i := range models {
		models[i] = b.NewModel()
	}
	logger.Info("onnx models ready", "workers", workers, "max_seq_len", b.Info().MaxSeqLen)

	return &stack{encoder: enc, models: models, codec: b.Codec(), closers: []io.Closer{b}}, nil
}
