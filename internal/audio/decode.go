// Package audio converts between WAV containers and mono float32 PCM.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// Output format of synthesized speech.
const (
	OutputChannels = 1
	OutputBitDepth = 16
)

var ErrInvalidWAV = errors.New("invalid WAV file")

// Clip is mono PCM at SampleRate, samples in [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// DecodeWAV decodes PCM WAV bytes of any rate and channel count, mixing
// channels down to mono.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty input", ErrInvalidWAV)
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("reading PCM data: %w", err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		return Clip{}, fmt.Errorf("%w: %d channels", ErrInvalidWAV, channels)
	}

	return Clip{Samples: MixDown(buf.Data, channels), SampleRate: int(dec.SampleRate)}, nil
}

// MixDown averages interleaved channels into one.
func MixDown(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
