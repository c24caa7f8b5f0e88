package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/engine"
	"github.com/example/fishspeech-server/internal/synthetic"
	"github.com/example/fishspeech-server/internal/testutil"
	"github.com/example/fishspeech-server/internal/voice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Model.Backend = config.BackendSynthetic
	cfg.Paths.VoiceDir = t.TempDir()
	cfg.Generation.Warmup = false
	cfg.Generation.BatchWindowMS = 1
	cfg.Generation.MaxNewTokens = 64
	return cfg
}

// startService builds a service from cfg and runs it until the test ends.
func startService(t *testing.T, cfg config.Config) *Service {
	t.Helper()

	svc, err := NewService(cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
		if err := svc.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return svc
}

func TestSynthesize_WithoutVoices(t *testing.T) {
	svc := startService(t, testConfig(t))

	clip, err := svc.Synthesize(context.Background(), SynthesisRequest{Text: "Hello there. How are you?"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.SampleRate != svc.SampleRate() {
		t.Errorf("SampleRate = %d, want %d", clip.SampleRate, svc.SampleRate())
	}
	if len(clip.Samples) == 0 {
		t.Fatal("no samples")
	}
	if len(clip.Samples)%512 != 0 {
		t.Errorf("len(samples) = %d, not a whole number of frames", len(clip.Samples))
	}
	if first := clip.Samples[0]; first != 0 {
		t.Errorf("first sample = %v; want 0 after the edge fade", first)
	}
}

func TestSynthesize_AllVariants(t *testing.T) {
	for _, v := range []string{"1.2", "1.4", "1.5", "s1-mini"} {
		t.Run(v, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Model.Variant = v
			svc := startService(t, cfg)

			codes, err := svc.Generate(context.Background(), SynthesisRequest{Text: "One. Two."})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if codes.Rows() != svc.Variant().NumCodebooks() || codes.Cols() == 0 {
				t.Fatalf("codes = %dx%d", codes.Rows(), codes.Cols())
			}
		})
	}
}

func TestSynthesize_InputErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxTextBytes = 32
	svc := startService(t, cfg)

	tests := []struct {
		name string
		req  SynthesisRequest
	}{
		{name: "empty", req: SynthesisRequest{Text: "  \n\t"}},
		{name: "too long", req: SynthesisRequest{Text: "This sentence is well beyond the configured limit."}},
		{name: "invalid utf8", req: SynthesisRequest{Text: "bad \xff byte"}},
		{name: "unknown voice", req: SynthesisRequest{Text: "Hi.", VoiceID: "nobody"}},
		{name: "bad sampling", req: SynthesisRequest{Text: "Hi.", Sampling: engine.SamplingArgs{TopP: 2, MaxNewTokens: 1, RepetitionPenalty: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Synthesize(context.Background(), tt.req)
			if !apperr.Is(err, apperr.KindInput) {
				t.Fatalf("Synthesize error = %v (kind %s), want input", err, apperr.KindOf(err))
			}
		})
	}
}

func TestEncodeVoice_RegisterThenGenerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.MaxNewTokens = 8
	svc := startService(t, cfg)
	ctx := context.Background()

	data, err := svc.EncodeVoice(ctx, testutil.ToneWAV(t, 16000, 1), "alice", "A short reference.")
	if err != nil {
		t.Fatalf("EncodeVoice: %v", err)
	}

	codes, err := voice.DecodeCodes(data)
	if err != nil {
		t.Fatalf("DecodeCodes: %v", err)
	}
	if codes.Rows() != svc.Variant().NumCodebooks() || codes.Cols() == 0 {
		t.Fatalf("codes = %dx%d", codes.Rows(), codes.Cols())
	}

	if diff := cmp.Diff([]string{"alice"}, svc.Voices().List()); diff != "" {
		t.Errorf("voices mismatch (-want +got):\n%s", diff)
	}

	gen, err := svc.Generate(ctx, SynthesisRequest{Text: "Good morning.", VoiceID: "alice"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Cols() == 0 || gen.Cols() > cfg.Generation.MaxNewTokens {
		t.Fatalf("generated %d frames, want 1..%d", gen.Cols(), cfg.Generation.MaxNewTokens)
	}

	// The voice survives a restart of the registry.
	reloaded, err := voice.Load(cfg.Paths.VoiceDir, svc.Encoder())
	if err != nil {
		t.Fatalf("voice.Load: %v", err)
	}
	got, ok := reloaded.Get("alice")
	want, _ := svc.Voices().Get("alice")
	if !ok || !cmp.Equal(got.Prompt.Data(), want.Prompt.Data()) {
		t.Fatal("reloaded prompt differs from registered prompt")
	}
}

func TestEncodeVoice_WithoutID(t *testing.T) {
	svc := startService(t, testConfig(t))

	if _, err := svc.EncodeVoice(context.Background(), testutil.ToneWAV(t, 44100, 0.5), "", ""); err != nil {
		t.Fatalf("EncodeVoice: %v", err)
	}
	if n := len(svc.Voices().List()); n != 0 {
		t.Fatalf("registered %d voices without an id", n)
	}
}

func TestEncodeVoice_Errors(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()
	wav := testutil.ToneWAV(t, 24000, 0.5)

	if _, err := svc.EncodeVoice(ctx, wav, "bob", ""); err != nil {
		t.Fatalf("first EncodeVoice: %v", err)
	}

	tests := []struct {
		name string
		wav  []byte
		id   string
		kind apperr.Kind
	}{
		{name: "duplicate", wav: wav, id: "bob", kind: apperr.KindDuplicate},
		{name: "bad id", wav: wav, id: "../escape", kind: apperr.KindInput},
		{name: "not a wav", wav: []byte("definitely not audio"), id: "carol", kind: apperr.KindInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.EncodeVoice(ctx, tt.wav, tt.id, "")
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("EncodeVoice error = %v (kind %s), want %s", err, apperr.KindOf(err), tt.kind)
			}
		})
	}

	if diff := cmp.Diff([]string{"bob"}, svc.Voices().List()); diff != "" {
		t.Errorf("voices mismatch (-want +got):\n%s", diff)
	}
}

func TestSynthesize_ReferencesAreCached(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()
	ref := Reference{Audio: testutil.ToneWAV(t, 16000, 0.5), Text: "Reference words."}

	for range 2 {
		if _, err := svc.Generate(ctx, SynthesisRequest{Text: "Hi.", References: []Reference{ref}}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if n := svc.refs.len(); n != 1 {
		t.Fatalf("cached references = %d, want 1", n)
	}

	other := ref
	other.Text = "Other words."
	if _, err := svc.Generate(ctx, SynthesisRequest{Text: "Hi.", References: []Reference{ref, other}}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := svc.refs.len(); n != 2 {
		t.Fatalf("cached references = %d, want 2", n)
	}

	if _, err := svc.Generate(ctx, SynthesisRequest{Text: "Hi.", References: []Reference{{Audio: []byte("junk")}}}); !apperr.Is(err, apperr.KindInput) {
		t.Fatalf("bad reference error = %v, want input", err)
	}
}

func TestReferenceKey(t *testing.T) {
	a := referenceKey(Reference{Text: "ab", Audio: []byte("c")})
	b := referenceKey(Reference{Text: "a", Audio: []byte("bc")})
	if a == b {
		t.Fatal("text/audio boundary does not affect the key")
	}
	if a != referenceKey(Reference{Text: "ab", Audio: []byte("c")}) {
		t.Fatal("key is not deterministic")
	}
}

func TestWarmup_ClearsCaches(t *testing.T) {
	svc := startService(t, testConfig(t))

	if err := svc.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	for i, m := range svc.stack.models {
		sm, ok := m.(*synthetic.Model)
		if !ok {
			t.Fatalf("model %d is %T", i, m)
		}
		if sm.CachePositions() != 0 {
			t.Errorf("model %d holds %d cached positions after warmup", i, sm.CachePositions())
		}
	}
}

func TestSynthesize_ConcurrentRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Concurrency = 2
	cfg.Generation.BatchSize = 3
	svc := startService(t, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := []string{"First one.", "Second request here.", "Third!"}[i%3]
			_, err := svc.Synthesize(context.Background(), SynthesisRequest{Text: text})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Synthesize: %v", err)
		}
	}
}

func TestSynthesize_CancelledContext(t *testing.T) {
	svc := startService(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Synthesize(ctx, SynthesisRequest{Text: "Hi."})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Synthesize error = %v, want context.Canceled", err)
	}
}

func TestNewService_Errors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Generation.Concurrency = 0
		if _, err := NewService(cfg, quietLogger()); err == nil {
			t.Fatal("expected error for zero concurrency")
		}
	})

	t.Run("onnx without tokenizer", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Model.Backend = config.BackendONNX
		cfg.Paths.CheckpointDir = filepath.Join(t.TempDir(), "missing")
		if _, err := NewService(cfg, quietLogger()); err == nil {
			t.Fatal("expected error for missing checkpoint")
		}
	})
}
