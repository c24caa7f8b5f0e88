// Package bench times repeated synthesis runs and reports real-time factors.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/example/fishspeech-server/internal/audio"
	"github.com/example/fishspeech-server/internal/tts"
)

// Synthesizer is the part of the tts service a bench run drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.SynthesisRequest) (audio.Clip, error)
}

// RunResult holds the timing and audio metadata for a single synthesis run.
type RunResult struct {
	Index    int
	Cold     bool // first run after start
	Duration time.Duration
	Audio    time.Duration
	RTF      float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	MeanRTF float64
}

// Run synthesizes req n times in sequence. It stops at the first error.
func Run(ctx context.Context, s Synthesizer, req tts.SynthesisRequest, n int) ([]RunResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("bench: runs must be >= 1, got %d", n)
	}

	runs := make([]RunResult, 0, n)
	for i := range n {
		start := time.Now()
		clip, err := s.Synthesize(ctx, req)
		if err != nil {
			return runs, fmt.Errorf("bench run %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		audioDur := time.Duration(clip.Duration() * float64(time.Second))

		runs = append(runs, RunResult{
			Index:    i,
			Cold:     i == 0,
			Duration: elapsed,
			Audio:    audioDur,
			RTF:      CalcRTF(elapsed, audioDur),
		})
	}
	return runs, nil
}

// ComputeStats calculates min, max and mean over the runs.
func ComputeStats(runs []RunResult) Stats {
	if len(runs) == 0 {
		return Stats{}
	}
	mn, mx := runs[0].Duration, runs[0].Duration
	var sum time.Duration
	var rtf float64
	for _, r := range runs {
		mn = min(mn, r.Duration)
		mx = max(mx, r.Duration)
		sum += r.Duration
		rtf += r.RTF
	}
	return Stats{
		Min:     mn,
		Max:     mx,
		Mean:    sum / time.Duration(len(runs)),
		MeanRTF: rtf / float64(len(runs)),
	}
}

// CalcRTF returns synthesis_duration / audio_duration, or 0 for silent output.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s  %8s\n", "Run", "Cold", "MS", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 48))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10d  %12d  %8.3f\n",
			r.Index+1, cold, r.Duration.Milliseconds(), r.Audio.Milliseconds(), r.RTF)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 48))
	fmt.Fprintf(sb, "%-5s  %-5s  %10d  %12s  %8s  (min)\n", "", "", stats.Min.Milliseconds(), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10d  %12s  %8.3f  (mean)\n", "", "", stats.Mean.Milliseconds(), "", stats.MeanRTF)
	fmt.Fprintf(sb, "%-5s  %-5s  %10d  %12s  %8s  (max)\n", "", "", stats.Max.Milliseconds(), "", "")

	fmt.Fprint(w, sb.String())
}

type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS int64   `json:"duration_ms"`
	AudioMS    int64   `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS   int64   `json:"min_ms"`
	MeanMS  int64   `json:"mean_ms"`
	MaxMS   int64   `json:"max_ms"`
	MeanRTF float64 `json:"mean_rtf"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:   stats.Min.Milliseconds(),
			MeanMS:  stats.Mean.Milliseconds(),
			MaxMS:   stats.Max.Milliseconds(),
			MeanRTF: stats.MeanRTF,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: r.Duration.Milliseconds(),
			AudioMS:    r.Audio.Milliseconds(),
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
