// Package tts ties text preparation, voice conditioning, the generation
// scheduler and the codec into one synthesis service.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/audio"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/engine"
	"github.com/example/fishspeech-server/internal/gate"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/text"
	"github.com/example/fishspeech-server/internal/tokens"
	"github.com/example/fishspeech-server/internal/voice"
)

// WarmupText is synthesized once before serving.
const WarmupText = "Hello world."

const edgeFadeMS = 5

// SynthesisRequest is one text-to-speech call. An empty VoiceID with no
// References uses the registry default. A zero Sampling uses the configured
// defaults.
type SynthesisRequest struct {
	Text         string
	VoiceID      string
	References   []Reference
	SystemPrompt string
	Sampling     engine.SamplingArgs
}

type Service struct {
	cfg     config.Config
	variant config.Variant
	logger  *slog.Logger

	stack  *stack
	gate   *gate.Gate
	sched  *engine.Scheduler
	voices *voice.Registry
	refs   *referenceCache
}

// NewService opens the configured back-end and voice directory. Run must be
// called before Synthesize is served.
func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStack(cfg, logger)
	if err != nil {
		return nil, err
	}

	svc, err := newService(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return svc, nil
}

func newService(cfg config.Config, st *stack, logger *slog.Logger) (*Service, error) {
	variant, err := config.ParseVariant(cfg.Model.Variant)
	if err != nil {
		return nil, err
	}
	if st.codec.NumCodebooks() != variant.NumCodebooks() {
		return nil, apperr.Configuration("codec has %d codebooks, variant %s expects %d",
			st.codec.NumCodebooks(), variant, variant.NumCodebooks())
	}

	g, err := gate.New(cfg.Generation.Concurrency)
	if err != nil {
		return nil, err
	}

	sched, err := engine.NewScheduler(g, st.encoder.Layout(), st.models, engine.SchedulerOptions{
		BatchSize:   cfg.Generation.BatchSize,
		BatchWindow: time.Duration(cfg.Generation.BatchWindowMS) * time.Millisecond,
		Logger:      logger.With("component", "scheduler"),
	})
	if err != nil {
		return nil, err
	}

	voices, err := voice.Open(cfg.Paths.VoiceDir, st.encoder, voice.WithLogger(logger.With("component", "voices")))
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:     cfg,
		variant: variant,
		logger:  logger,
		stack:   st,
		gate:    g,
		sched:   sched,
		voices:  voices,
		refs: newReferenceCache(
			time.Duration(cfg.Cache.ReferenceTTL)*time.Second,
			cfg.Cache.ReferenceCapacity,
		),
	}, nil
}

// Run serves generation jobs until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Run(ctx) })
	g.Go(func() error {
		go s.refs.items.Start()
		<-ctx.Done()
		s.refs.items.Stop()
		return nil
	})
	return g.Wait()
}

// Close releases the back-end. Run must have returned.
func (s *Service) Close() error {
	return s.stack.Close()
}

func (s *Service) Variant() config.Variant  { return s.variant }
func (s *Service) SampleRate() int          { return s.stack.codec.SampleRate() }
func (s *Service) Voices() *voice.Registry  { return s.voices }
func (s *Service) Gate() *gate.Gate         { return s.gate }
func (s *Service) Encoder() *prompt.Encoder { return s.stack.encoder }

// DefaultSampling returns the configured sampling defaults.
func (s *Service) DefaultSampling() engine.SamplingArgs {
	g := s.cfg.Generation
	return engine.SamplingArgs{
		Temperature:       g.Temperature,
		TopP:              g.TopP,
		TopK:              g.TopK,
		RepetitionPenalty: g.RepetitionPenalty,
		RepetitionWindow:  g.RepetitionWindow,
		MaxNewTokens:      g.MaxNewTokens,
	}
}

// Synthesize generates speech for req and returns the decoded clip.
func (s *Service) Synthesize(ctx context.Context, req SynthesisRequest) (audio.Clip, error) {
	codes, err := s.Generate(ctx, req)
	if err != nil {
		return audio.Clip{}, err
	}
	if codes.Cols() == 0 {
		return audio.Clip{SampleRate: s.stack.codec.SampleRate()}, nil
	}

	var pcm []float32
	err = s.gate.Do(ctx, func() error {
		var derr error
		if pcm, derr = s.stack.codec.Decode(ctx, codes); derr != nil {
			return apperr.Backend(fmt.Errorf("decode audio: %w", derr))
		}
		return nil
	})
	if err != nil {
		return audio.Clip{}, err
	}

	rate := s.stack.codec.SampleRate()
	return audio.Clip{Samples: audio.ApplyHooks(pcm, outputHooks(rate)...), SampleRate: rate}, nil
}

// outputHooks remove DC drift from decoded audio and ramp both edges so the
// clip starts and ends without a click.
func outputHooks(rate int) []audio.Hook {
	return []audio.Hook{
		func(p []float32) []float32 { return audio.DCBlock(p, rate) },
		func(p []float32) []float32 { return audio.FadeIn(p, rate, edgeFadeMS) },
		func(p []float32) []float32 { return audio.FadeOut(p, rate, edgeFadeMS) },
	}
}

// Generate runs req through the scheduler and returns the codec codes of
// every chunk joined in order.
func (s *Service) Generate(ctx context.Context, req SynthesisRequest) (tokens.Matrix, error) {
	if limit := s.cfg.Server.MaxTextBytes; limit > 0 && len(req.Text) > limit {
		return tokens.Matrix{}, apperr.Input("text is %d bytes, limit is %d", len(req.Text), limit)
	}
	if !utf8.ValidString(req.Text) {
		return tokens.Matrix{}, apperr.Input("text is not valid UTF-8")
	}

	cleaned, err := text.Clean(req.Text)
	if err != nil {
		if errors.Is(err, text.ErrEmptyText) {
			return tokens.Matrix{}, apperr.Input("%v", err)
		}
		return tokens.Matrix{}, err
	}
	chunks := text.Chunk(cleaned, s.cfg.Generation.ChunkChars)

	base, err := s.conditioning(ctx, req)
	if err != nil {
		return tokens.Matrix{}, err
	}

	includeSystem := req.SystemPrompt != "" || s.variant.SemanticInRow0()
	seq, err := s.stack.encoder.EncodeSequence(chunks, req.SystemPrompt, base, includeSystem)
	if err != nil {
		return tokens.Matrix{}, err
	}

	args := req.Sampling
	if args == (engine.SamplingArgs{}) {
		args = s.DefaultSampling()
	}

	start := time.Now()
	out, err := s.sched.Submit(ctx, seq, args)
	if err != nil {
		return tokens.Matrix{}, err
	}

	codes, err := tokens.Concat(out...)
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("join chunk codes: %w", err)
	}
	s.logger.Debug("generated codes",
		"chunks", len(chunks),
		"frames", codes.Cols(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return codes, nil
}

// conditioning picks the speaker prompt: ad-hoc references first, then the
// named voice, then the registry default. With no voices at all the request
// is unconditioned.
func (s *Service) conditioning(ctx context.Context, req SynthesisRequest) (tokens.Matrix, error) {
	if len(req.References) > 0 {
		parts := make([]tokens.Matrix, 0, len(req.References))
		for i, ref := range req.References {
			p, err := s.refs.get(ctx, ref, s.referencePrompt)
			if err != nil {
				return tokens.Matrix{}, fmt.Errorf("reference %d: %w", i, err)
			}
			parts = append(parts, p)
		}
		return tokens.Concat(parts...)
	}

	if req.VoiceID != "" {
		v, ok := s.voices.Get(req.VoiceID)
		if !ok {
			return tokens.Matrix{}, apperr.Input("unknown voice %q", req.VoiceID)
		}
		return v.Prompt, nil
	}

	if v, ok := s.voices.Default(); ok {
		return v.Prompt, nil
	}
	return tokens.Matrix{}, nil
}

func (s *Service) referencePrompt(ctx context.Context, ref Reference) (tokens.Matrix, error) {
	codes, err := s.encodeAudio(ctx, ref.Audio)
	if err != nil {
		return tokens.Matrix{}, err
	}
	return s.stack.encoder.EncodeConditioningPrompt(ref.Text, codes)
}

// EncodeVoice turns a WAV upload into codec codes and returns them in the
// voice file format. A non-empty id also registers the voice.
func (s *Service) EncodeVoice(ctx context.Context, wav []byte, id, promptText string) ([]byte, error) {
	if id != "" {
		if err := voice.ValidateID(id); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	codes, err := s.encodeAudio(ctx, wav)
	if err != nil {
		return nil, err
	}

	if id != "" {
		if _, err := s.voices.Register(id, promptText, codes); err != nil {
			return nil, err
		}
	}

	data, err := voice.EncodeCodes(codes)
	if err != nil {
		return nil, err
	}

	s.logger.Info("voice encoded",
		"voice", id,
		"frames", codes.Cols(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return data, nil
}

// encodeAudio decodes a WAV payload, resamples it to the codec rate,
// normalizes its peak and encodes it under the gate.
func (s *Service) encodeAudio(ctx context.Context, wav []byte) (tokens.Matrix, error) {
	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		return tokens.Matrix{}, apperr.Input("reference audio: %v", err)
	}
	if len(clip.Samples) == 0 {
		return tokens.Matrix{}, apperr.Input("reference audio is empty")
	}

	clip, err = clip.ToRate(s.stack.codec.SampleRate())
	if err != nil {
		return tokens.Matrix{}, fmt.Errorf("resample reference: %w", err)
	}
	clip.Samples = audio.PeakNormalize(clip.Samples)

	var codes tokens.Matrix
	err = s.gate.Do(ctx, func() error {
		var eerr error
		if codes, eerr = s.stack.codec.Encode(ctx, clip.Samples); eerr != nil {
			return apperr.Backend(fmt.Errorf("encode reference: %w", eerr))
		}
		return nil
	})
	if err != nil {
		return tokens.Matrix{}, err
	}
	if codes.Rows() != s.variant.NumCodebooks() {
		return tokens.Matrix{}, apperr.Configuration("codec returned %d codebooks, variant %s expects %d",
			codes.Rows(), s.variant, s.variant.NumCodebooks())
	}
	return codes, nil
}

// Warmup runs one short request end to end with the default voice, then
// clears every model cache so real traffic starts clean.
func (s *Service) Warmup(ctx context.Context) error {
	start := time.Now()

	clip, err := s.Synthesize(ctx, SynthesisRequest{Text: WarmupText})
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	if err := s.sched.ResetCaches(ctx); err != nil {
		return fmt.Errorf("warmup: reset caches: %w", err)
	}

	s.logger.Info("warmup complete",
		"samples", len(clip.Samples),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
