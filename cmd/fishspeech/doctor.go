package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/doctor"
	"github.com/example/fishspeech-server/internal/onnx"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tts"
	"github.com/example/fishspeech-server/internal/voice"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, checkpoint and voice checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			res := doctor.Run(doctorChecks(cfg), cmd.OutOrStdout())
			if res.Failed() {
				return fmt.Errorf("doctor found %d problem(s)", len(res.Failures()))
			}
			return nil
		},
	}
}

func doctorChecks(cfg config.Config) []doctor.Check {
	backend, _ := config.NormalizeBackend(cfg.Model.Backend)
	synthetic := backend == config.BackendSynthetic
	skipReason := fmt.Sprintf("not needed by the %s backend", backend)

	// The encoder is shared by the tokenizer and voice checks.
	var enc *prompt.Encoder

	return []doctor.Check{
		{
			Name: "config",
			Run: func() (string, error) {
				if err := cfg.Validate(); err != nil {
					return "", err
				}
				return fmt.Sprintf("variant %s, backend %s", cfg.Model.Variant, backend), nil
			},
		},
		{
			Name:   "onnx runtime",
			Skip:   synthetic,
			Reason: skipReason,
			Run: func() (string, error) {
				info, err := onnx.DetectRuntime(cfg.Runtime)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version), nil
			},
		},
		{
			Name:   "onnx manifest",
			Skip:   synthetic,
			Reason: skipReason,
			Run: func() (string, error) {
				path := tts.ManifestPath(cfg)
				sm, err := onnx.NewSessionManager(path)
				if err != nil {
					return "", err
				}
				if missing := sm.Missing(); len(missing) > 0 {
					return "", fmt.Errorf("missing graphs: %s", strings.Join(missing, ", "))
				}
				return fmt.Sprintf("%s (%d graphs)", path, len(sm.Sessions())), nil
			},
		},
		{
			Name: "tokenizer",
			Run: func() (string, error) {
				e, err := tts.OpenEncoder(cfg)
				if err != nil {
					return "", err
				}
				enc = e
				return "special tokens resolved", nil
			},
		},
		{
			Name: "voices",
			Run: func() (string, error) {
				if enc == nil {
					return "", errors.New("tokenizer unavailable")
				}
				reg, err := voice.Open(cfg.Paths.VoiceDir, enc, voice.WithLogger(slog.Default()))
				if err != nil {
					return "", err
				}
				def, ok := reg.Default()
				if !ok {
					return fmt.Sprintf("%s: no voices, requests run unconditioned", reg.Dir()), nil
				}
				return fmt.Sprintf("%s: %d voice(s), default %q", reg.Dir(), len(reg.List()), def.ID), nil
			},
		},
	}
}
