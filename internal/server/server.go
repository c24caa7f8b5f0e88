// Package server exposes the synthesis service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/fishspeech-server/internal/audio"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/engine"
	"github.com/example/fishspeech-server/internal/tts"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Synthesizer turns a synthesis request into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.SynthesisRequest) (audio.Clip, error)
}

// VoiceEncoder encodes reference audio and optionally registers it.
type VoiceEncoder interface {
	EncodeVoice(ctx context.Context, wav []byte, id, prompt string) ([]byte, error)
}

// VoiceLister returns the ids of the available voices.
type VoiceLister interface {
	List() []string
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxBodyBytes   int64
	requestTimeout time.Duration
	sampling       engine.SamplingArgs
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   32 << 20,
		requestTimeout: 300 * time.Second,
		sampling:       engine.DefaultSamplingArgs(),
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes caps the size of every request body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithSampling sets the sampling parameters requests start from.
func WithSampling(a engine.SamplingArgs) Option {
	return func(o *options) { o.sampling = a }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	synth   Synthesizer
	encoder VoiceEncoder
	voices  VoiceLister
	opts    options
	log     *slog.Logger
}

// NewHandler returns an http.Handler serving the speech, encoding, voice,
// health and metrics routes.
func NewHandler(synth Synthesizer, encoder VoiceEncoder, voices VoiceLister, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		synth:   synth,
		encoder: encoder,
		voices:  voices,
		opts:    opts,
		log:     opts.logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", h.wrap("health", h.handleHealth))
	mux.Handle("GET /v1/voices", h.wrap("voices", h.handleVoices))
	mux.Handle("POST /v1/audio/speech", h.wrap("speech", h.handleSpeech))
	mux.Handle("POST /v1/audio/encoding", h.wrap("encoding", h.handleEncoding))
	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(mux)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
	return nil
}

func (h *handler) handleVoices(w http.ResponseWriter, _ *http.Request) error {
	ids := h.voices.List()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"voices": ids})
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Server wires the handler and the synthesis service into one process.
// ---------------------------------------------------------------------------

type Server struct {
	cfg             config.Config
	tts             *tts.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, svc *tts.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		tts:             svc,
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Handler() http.Handler {
	return NewHandler(s.tts, s.tts, s.tts.Voices(),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithSampling(s.tts.DefaultSampling()),
		WithLogger(s.logger),
	)
}

// Start runs the generation workers, optionally warms up, then serves HTTP
// until ctx is done. In-flight requests get shutdownTimeout to finish.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Workers outlive the HTTP server so draining requests can finish.
	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	g.Go(func() error { return s.tts.Run(runCtx) })

	if s.cfg.Generation.Warmup {
		if err := s.tts.Warmup(gctx); err != nil {
			stopWorkers()
			_ = g.Wait()
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.Server.ListenAddr, "variant", s.tts.Variant().String())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		defer stopWorkers()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func CheckHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
