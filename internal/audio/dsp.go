package audio

import "math"

// Hook is a post-processing step over mono PCM.
type Hook func(samples []float32) []float32

func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	out := samples
	for _, hook := range hooks {
		out = hook(out)
	}

	return out
}

// PeakNormalize scales samples so the peak amplitude reaches 1.0. Silence is
// returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if peak == 0 {
		return samples
	}

	gain := float32(1 / peak)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// DCBlock removes DC offset. The offset is taken as the signal mean, then a
// one-pole high-pass at 10 Hz removes slow drift.
func DCBlock(samples []float32, sampleRate int) []float32 {
	if len(samples) == 0 || sampleRate < 1 {
		return samples
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))

	r := 1 - 2*math.Pi*10/float64(sampleRate)
	out := make([]float32, len(samples))
	var prevIn, prevOut float64
	for i, s := range samples {
		x := float64(s) - mean
		y := x - prevIn + r*prevOut
		prevIn, prevOut = x, y
		out[i] = float32(y)
	}

	return out
}

// FadeIn applies a linear fade-in ramp over the given duration in milliseconds.
func FadeIn(samples []float32, sampleRate int, ms float64) []float32 {
	n := min(fadeSamples(sampleRate, ms), len(samples))
	out := append([]float32(nil), samples...)
	for i := range n {
		out[i] *= float32(i) / float32(n)
	}

	return out
}

// FadeOut applies a linear fade-out ramp over the given duration in milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	n := min(fadeSamples(sampleRate, ms), len(samples))
	out := append([]float32(nil), samples...)
	start := len(out) - n
	for i := range n {
		out[start+i] *= float32(n-1-i) / float32(n)
	}

	return out
}

func fadeSamples(sampleRate int, ms float64) int {
	if sampleRate < 1 || ms <= 0 {
		return 0
	}

	return int(ms / 1000 * float64(sampleRate))
}
