package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/server"
	"github.com/example/fishspeech-server/internal/tts"
	"github.com/example/fishspeech-server/internal/voice"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP generation server",
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			logger := slog.Default()
			svc, err := tts.NewService(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := svc.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			if err := requireVoices(cfg, svc.Voices()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, svc, logger).Start(ctx)
		},
	}
}

// requireVoices fails on an empty voice directory unless AllowEmptyVoices is
// set.
func requireVoices(cfg config.Config, reg *voice.Registry) error {
	if cfg.Paths.AllowEmptyVoices || len(reg.List()) > 0 {
		return nil
	}
	return fmt.Errorf("%w in %s: add one with \"fishspeech voices add\" or pass --paths-allow-empty-voices", voice.ErrNoVoices, reg.Dir())
}
