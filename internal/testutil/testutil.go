// Package testutil provides shared skip helpers and fixtures for tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    manifest := testutil.RequireONNXManifest(t)
//	    ...
//	}
package testutil

import (
	"math"
	"os"
	"testing"

	"github.com/example/fishspeech-server/internal/audio"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// FISHSPEECH_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "FISHSPEECH_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			if _, err := os.Stat(p); err == nil {
				return
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			return
		}
	}

	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or FISHSPEECH_ORT_LIB")
}

// RequireONNXManifest returns the exported checkpoint manifest named by
// FISHSPEECH_ONNX_MANIFEST, skipping when it is unset or missing.
func RequireONNXManifest(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv("FISHSPEECH_ONNX_MANIFEST")
	if p == "" {
		tb.Skip("FISHSPEECH_ONNX_MANIFEST not set")
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		tb.Skipf("ONNX manifest not available at %q: %v", p, err)
		return ""
	}

	return p
}

// Getenv returns the environment value of key, or def when unset.
func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

// ToneWAV returns a mono 16-bit WAV holding a 440 Hz tone.
func ToneWAV(tb testing.TB, sampleRate int, seconds float64) []byte {
	tb.Helper()

	n := int(seconds * float64(sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	data, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		tb.Fatalf("EncodeWAV: %v", err)
	}

	return data
}
