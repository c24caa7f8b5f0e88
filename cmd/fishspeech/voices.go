package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/fishspeech-server/internal/tts"
	"github.com/example/fishspeech-server/internal/voice"
)

func newVoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Inspect and register speaker voices",
	}

	cmd.AddCommand(newVoicesListCmd())
	cmd.AddCommand(newVoicesAddCmd())

	return cmd
}

func newVoicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List voices in the configured voice directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			enc, err := tts.OpenEncoder(cfg)
			if err != nil {
				return err
			}
			reg, err := voice.Open(cfg.Paths.VoiceDir, enc, voice.WithLogger(slog.Default()))
			if err != nil {
				return err
			}

			def, _ := reg.Default()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tFRAMES\tDEFAULT\tTEXT")
			for _, id := range reg.List() {
				v, _ := reg.Get(id)
				mark := ""
				if id == def.ID {
					mark = "*"
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, v.Codes.Cols(), mark, v.Text)
			}
			return w.Flush()
		},
	}
}

func newVoicesAddCmd() *cobra.Command {
	var (
		promptText string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "add <id> <reference.wav>",
		Short: "Encode a reference recording and register it as a voice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			id, wavPath := args[0], args[1]

			if err := voice.ValidateID(id); err != nil {
				return err
			}
			wav, err := os.ReadFile(wavPath)
			if err != nil {
				return fmt.Errorf("read reference audio: %w", err)
			}

			// Encoding only needs the codec; the scheduler is never started.
			svc, err := tts.NewService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := svc.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			data, err := svc.EncodeVoice(context.Background(), wav, id, promptText)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write codes: %w", err)
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered voice %q in %s\n", id, svc.Voices().Dir())
			return err
		},
	}

	cmd.Flags().StringVar(&promptText, "prompt", "", "Transcript of the reference recording")
	cmd.Flags().StringVar(&outPath, "out", "", "Also write the encoded codes to this file")

	return cmd
}
