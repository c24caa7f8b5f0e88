package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

// makeWAV builds a minimal valid 16-bit PCM WAV. frames holds one slice of
// channel values per frame.
func makeWAV(sampleRate uint32, frames [][]int16) []byte {
	numChannels := uint16(1)
	if len(frames) > 0 {
		numChannels = uint16(len(frames[0]))
	}

	const bitDepth = 16
	blockAlign := numChannels * bitDepth / 8
	byteRate := sampleRate * uint32(blockAlign)
	dataSize := uint32(len(frames)) * uint32(blockAlign)
	riffSize := 4 + (8 + 16) + (8 + dataSize)

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, numChannels)
	_ = binary.Write(buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	for _, f := range frames {
		for _, s := range f {
			_ = binary.Write(buf, binary.LittleEndian, s)
		}
	}

	return buf.Bytes()
}

func silence(n, channels int) [][]int16 {
	frames := make([][]int16, n)
	for i := range frames {
		frames[i] = make([]int16, channels)
	}
	return frames
}

func TestDecodeWAV(t *testing.T) {
	t.Run("decodes mono at any sample rate", func(t *testing.T) {
		for _, rate := range []uint32{16000, 24000, 44100} {
			clip, err := DecodeWAV(makeWAV(rate, silence(100, 1)))
			if err != nil {
				t.Fatalf("rate %d: unexpected error: %v", rate, err)
			}
			if len(clip.Samples) != 100 {
				t.Errorf("rate %d: got %d samples, want 100", rate, len(clip.Samples))
			}
			if clip.SampleRate != int(rate) {
				t.Errorf("SampleRate = %d, want %d", clip.SampleRate, rate)
			}
		}
	})

	t.Run("mixes stereo down to mono", func(t *testing.T) {
		frames := [][]int16{{16384, 0}, {-16384, -16384}, {0, 16384}}
		clip, err := DecodeWAV(makeWAV(24000, frames))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clip.Samples) != 3 {
			t.Fatalf("got %d samples, want 3", len(clip.Samples))
		}

		want := []float32{0.25, -0.5, 0.25}
		for i := range want {
			if math.Abs(float64(clip.Samples[i]-want[i])) > 1e-3 {
				t.Errorf("sample[%d] = %f, want %f", i, clip.Samples[i], want[i])
			}
		}
	})

	t.Run("rejects invalid WAV data", func(t *testing.T) {
		_, err := DecodeWAV([]byte("not a wav file"))
		if !errors.Is(err, ErrInvalidWAV) {
			t.Fatalf("error = %v; want ErrInvalidWAV", err)
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := DecodeWAV(nil)
		if !errors.Is(err, ErrInvalidWAV) {
			t.Fatalf("error = %v; want ErrInvalidWAV", err)
		}
	})
}

func TestEncodeWAV(t *testing.T) {
	t.Run("produces valid WAV with RIFF header", func(t *testing.T) {
		data, err := EncodeWAV(make([]float32, 100), 44100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) < 44 {
			t.Fatalf("WAV too short: %d bytes", len(data))
		}
		if string(data[:4]) != "RIFF" {
			t.Errorf("missing RIFF header")
		}
		if string(data[8:12]) != "WAVE" {
			t.Errorf("missing WAVE identifier")
		}
	})

	t.Run("encodes requested sample rate", func(t *testing.T) {
		data, err := EncodeWAV(make([]float32, 50), 44100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// fmt chunk: channels at byte 22, sample rate at 24, bit depth at 34.
		numChans := binary.LittleEndian.Uint16(data[22:24])
		sampleRate := binary.LittleEndian.Uint32(data[24:28])
		bitDepth := binary.LittleEndian.Uint16(data[34:36])

		if sampleRate != 44100 {
			t.Errorf("sample rate = %d, want 44100", sampleRate)
		}
		if numChans != OutputChannels {
			t.Errorf("channels = %d, want %d", numChans, OutputChannels)
		}
		if bitDepth != OutputBitDepth {
			t.Errorf("bit depth = %d, want %d", bitDepth, OutputBitDepth)
		}
	})

	t.Run("rejects invalid sample rate", func(t *testing.T) {
		if _, err := EncodeWAV(nil, 0); err == nil {
			t.Fatal("expected error for zero sample rate")
		}
	})
}

func TestDecodeEncodeRoundtrip(t *testing.T) {
	original := []float32{0.0, 0.5, -0.5, 0.9, -0.9}
	encoded, err := EncodeWAV(original, 44100)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	clip, err := DecodeWAV(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if clip.SampleRate != 44100 {
		t.Fatalf("SampleRate = %d, want 44100", clip.SampleRate)
	}
	if len(clip.Samples) != len(original) {
		t.Fatalf("roundtrip: got %d samples, want %d", len(clip.Samples), len(original))
	}

	// 16-bit quantization introduces error up to ~1/32768.
	const tolerance = 1.0 / 32768.0 * 2
	for i, want := range original {
		if got := clip.Samples[i]; math.Abs(float64(got-want)) > tolerance {
			t.Errorf("sample[%d] = %f, want %f (tolerance %f)", i, got, want, tolerance)
		}
	}
}

func TestClipDuration(t *testing.T) {
	c := Clip{Samples: make([]float32, 22050), SampleRate: 44100}
	if got := c.Duration(); got != 0.5 {
		t.Fatalf("Duration() = %f, want 0.5", got)
	}
	if got := (Clip{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Fatalf("Duration() with zero rate = %f, want 0", got)
	}
}

func TestResample(t *testing.T) {
	t.Run("same rate is a copy", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		out, err := Resample(in, 24000, 24000)
		if err != nil {
			t.Fatalf("Resample: %v", err)
		}
		out[0] = 9
		if in[0] != 0.1 {
			t.Fatal("Resample aliased its input")
		}
	})

	t.Run("rejects invalid rates", func(t *testing.T) {
		if _, err := Resample([]float32{1}, 0, 24000); err == nil {
			t.Fatal("expected error for zero input rate")
		}
	})

	t.Run("downsampling shortens the signal", func(t *testing.T) {
		in := make([]float32, 48000)
		for i := range in {
			in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
		}

		out, err := Resample(in, 48000, 24000)
		if err != nil {
			t.Fatalf("Resample: %v", err)
		}
		if len(out) == 0 || len(out) > len(in)*3/4 {
			t.Fatalf("got %d samples from %d", len(out), len(in))
		}
	})
}
