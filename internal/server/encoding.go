package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/voice"
)

// readUpload returns the first part of a multipart body, or the raw body
// when it is not multipart.
func readUpload(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			data, rerr := io.ReadAll(r.Body)
			if rerr != nil {
				return nil, bodyError("read body", rerr)
			}
			return data, nil
		}
		return nil, apperr.Input("invalid multipart body: %v", err)
	}

	part, err := mr.NextPart()
	if errors.Is(err, io.EOF) {
		return nil, apperr.Input("no file provided")
	}
	if err != nil {
		return nil, bodyError("read multipart", err)
	}
	defer func() { _ = part.Close() }()

	data, err := io.ReadAll(part)
	if err != nil {
		return nil, bodyError("read file part", err)
	}
	return data, nil
}

func (h *handler) handleEncoding(w http.ResponseWriter, r *http.Request) error {
	id := r.URL.Query().Get("id")
	prompt := r.URL.Query().Get("prompt")

	data, err := readUpload(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return apperr.Input("no file provided")
	}

	start := time.Now()
	codes, err := h.encoder.EncodeVoice(r.Context(), data, id, prompt)
	if err != nil {
		return err
	}

	h.log.InfoContext(r.Context(), "voice encoded",
		slog.String("request_id", RequestID(r.Context())),
		slog.String("voice", id),
		slog.Int("upload_bytes", len(data)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	w.Header().Set("Content-Type", voice.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(codes)
	return nil
}
