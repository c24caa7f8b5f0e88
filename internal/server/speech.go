package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/audio"
	"github.com/example/fishspeech-server/internal/engine"
	"github.com/example/fishspeech-server/internal/tts"
	"github.com/example/fishspeech-server/internal/voice"
)

const contentTypeMsgpack = "application/msgpack"

// speechRequest is the OpenAI-style speech body with the sampling and
// reference extensions. Unset sampling fields take the server defaults.
type speechRequest struct {
	Model          string          `json:"model"`
	Input          string          `json:"input"`
	Voice          string          `json:"voice"`
	ResponseFormat string          `json:"response_format"`
	References     []tts.Reference `json:"references"`
	SystemPrompt   string          `json:"system_prompt"`

	Temperature       *float64 `json:"temperature"`
	TopP              *float64 `json:"top_p"`
	TopK              *int     `json:"top_k"`
	RepetitionPenalty *float64 `json:"repetition_penalty"`
	MaxNewTokens      *int     `json:"max_new_tokens"`
	Seed              *uint64  `json:"seed"`
}

func (req speechRequest) sampling(defaults engine.SamplingArgs) engine.SamplingArgs {
	a := defaults
	if req.Temperature != nil {
		a.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		a.TopP = *req.TopP
	}
	if req.TopK != nil {
		a.TopK = *req.TopK
	}
	if req.RepetitionPenalty != nil {
		a.RepetitionPenalty = *req.RepetitionPenalty
	}
	if req.MaxNewTokens != nil {
		a.MaxNewTokens = *req.MaxNewTokens
	}
	if req.Seed != nil {
		a.Seed = *req.Seed
	}
	return a
}

// decodeSpeechRequest reads a JSON body, or a msgpack body when the content
// type says so. Msgpack lets clients send reference audio without base64.
func decodeSpeechRequest(r *http.Request) (speechRequest, error) {
	var req speechRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case contentTypeMsgpack, "application/x-msgpack":
		dec := msgpack.NewDecoder(r.Body)
		dec.SetCustomStructTag("json")
		if err := dec.Decode(&req); err != nil {
			return req, bodyError("invalid msgpack", err)
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, bodyError("invalid JSON", err)
		}
	}
	return req, nil
}

// bodyError keeps body-limit failures distinguishable from malformed input.
func bodyError(what string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return apperr.Input("request body is required")
	}
	return apperr.Input("%s: %v", what, err)
}

func (h *handler) handleSpeech(w http.ResponseWriter, r *http.Request) error {
	req, err := decodeSpeechRequest(r)
	if err != nil {
		return err
	}

	if req.Input == "" {
		return apperr.Input("input field is required")
	}
	switch req.ResponseFormat {
	case "", "wav":
	default:
		return apperr.Input("unsupported response_format %q (want wav)", req.ResponseFormat)
	}

	voiceID := req.Voice
	if voiceID == voice.DefaultID {
		voiceID = ""
	}

	start := time.Now()
	clip, err := h.synth.Synthesize(r.Context(), tts.SynthesisRequest{
		Text:         req.Input,
		VoiceID:      voiceID,
		References:   req.References,
		SystemPrompt: req.SystemPrompt,
		Sampling:     req.sampling(h.opts.sampling),
	})
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		h.log.WarnContext(r.Context(), "synthesis failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("voice", req.Voice),
			slog.Int("text_len", len(req.Input)),
			slog.Int("references", len(req.References)),
			slog.Int64("duration_ms", durationMS),
		)
		return err
	}

	wav, err := audio.EncodeWAV(clip.Samples, clip.SampleRate)
	if err != nil {
		return apperr.Wrap(apperr.KindSerialization, err)
	}

	h.log.InfoContext(r.Context(), "synthesis complete",
		slog.String("request_id", RequestID(r.Context())),
		slog.String("voice", req.Voice),
		slog.Int("text_len", len(req.Input)),
		slog.Int("references", len(req.References)),
		slog.Int64("duration_ms", durationMS),
		slog.Float64("audio_seconds", clip.Duration()),
		slog.Int("wav_bytes", len(wav)),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
	return nil
}
