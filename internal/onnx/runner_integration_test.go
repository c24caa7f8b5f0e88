//go:build integration

package onnx

import (
	"context"
	"testing"

	"github.com/example/fishspeech-server/internal/backend"
	"github.com/example/fishspeech-server/internal/config"
	"github.com/example/fishspeech-server/internal/testutil"
	"github.com/example/fishspeech-server/internal/tokens"
)

// openBackend opens the exported checkpoint named by FISHSPEECH_ONNX_MANIFEST.
func openBackend(t *testing.T) *Backend {
	t.Helper()
	testutil.RequireONNXRuntime(t)
	manifest := testutil.RequireONNXManifest(t)

	variant, err := config.ParseVariant(testutil.Getenv("FISHSPEECH_MODEL_VARIANT", "1.5"))
	if err != nil {
		t.Fatalf("ParseVariant: %v", err)
	}

	b, err := Open(manifest, variant, config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackendIntegration_ForwardAndTruncate(t *testing.T) {
	b := openBackend(t)
	m := b.NewModel()
	ctx := context.Background()

	rows := b.variant.NumCodebooks() + 1
	in := backend.Input{Slots: []tokens.Matrix{tokens.Zeros(rows, 4)}}

	out, err := m.Forward(ctx, in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(out) != 1 || len(out[0].Logits) == 0 || len(out[0].Hidden) == 0 {
		t.Fatalf("unexpected output: %d slots", len(out))
	}

	if err := m.TruncateCache(2); err != nil {
		t.Fatalf("TruncateCache: %v", err)
	}
	if _, err := m.Forward(ctx, backend.Input{Slots: []tokens.Matrix{tokens.Zeros(rows, 1)}}); err != nil {
		t.Fatalf("Forward after truncate: %v", err)
	}
	if m.CachePositions() != 3 {
		t.Fatalf("CachePositions() = %d; want 3", m.CachePositions())
	}

	logits, err := m.CodebookLogits(ctx, [][]float32{out[0].Hidden}, [][]int64{{}})
	if err != nil {
		t.Fatalf("CodebookLogits: %v", err)
	}
	if len(logits) != 1 || len(logits[0]) == 0 {
		t.Fatal("empty fast decoder logits")
	}
}

func TestBackendIntegration_CodecRoundTrip(t *testing.T) {
	b := openBackend(t)
	c := b.Codec()

	pcm := make([]float32, c.SampleRate())
	codes, err := c.Encode(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if codes.Rows() != c.NumCodebooks() || codes.Cols() == 0 {
		t.Fatalf("codes = %dx%d", codes.Rows(), codes.Cols())
	}

	out, err := c.Decode(context.Background(), codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("decoded no samples")
	}
}
