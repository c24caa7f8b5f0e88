package server_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/example/fishspeech-server/internal/server"
)

func TestSpeech_BodyLimitRejectedAs413(t *testing.T) {
	h := newTestHandler(&stubSynthesizer{clip: okClip()}, server.WithMaxBodyBytes(64))

	rec := postJSON(t, h, "/v1/audio/speech", `{"input":"`+strings.Repeat("x", 128)+`"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Error.Kind; got != "input" {
		t.Errorf("kind = %q, want input", got)
	}
}

func TestSpeech_BodyJustUnderLimitAccepted(t *testing.T) {
	body := `{"input":"Hello."}`
	h := newTestHandler(&stubSynthesizer{clip: okClip()}, server.WithMaxBodyBytes(int64(len(body))))

	if rec := postJSON(t, h, "/v1/audio/speech", body); rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSpeech_RequestTimeout(t *testing.T) {
	synth := &stubSynthesizer{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newTestHandler(synth, server.WithRequestTimeout(20*time.Millisecond))

	start := time.Now()
	rec := postJSON(t, h, "/v1/audio/speech", `{"input":"Hi."}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}
