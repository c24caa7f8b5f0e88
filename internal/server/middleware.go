package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/engine"
	"github.com/example/fishspeech-server/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

type errHandlerFunc func(http.ResponseWriter, *http.Request) error

type requestIDKey struct{}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Written() bool { return r.code != 0 }

func (r *statusRecorder) Status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}

// wrap adds the request id, body limit, deadline, panic recovery, error
// rendering, access logging and request metrics around f.
func (h *handler) wrap(route string, f errHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		if h.opts.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.opts.requestTimeout)
			defer cancel()
		}
		r = r.WithContext(ctx)
		if h.opts.maxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
		}

		sw := &statusRecorder{ResponseWriter: w}
		log := h.log.With("request_id", id)
		level := slog.LevelInfo

		defer func() {
			if p := recover(); p != nil {
				level = slog.LevelError
				log = log.With("panic", fmt.Sprint(p))
				if !sw.Written() {
					writeError(sw, apperr.New(apperr.KindInternal, "internal server error"))
				}
			}

			status := sw.Status()
			metrics.RecordRequestDuration(route, strconv.Itoa(status), time.Since(start).Seconds())
			log.Log(r.Context(), level, "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		if err := f(sw, r); err != nil {
			if status, _ := errorStatus(err); status >= http.StatusInternalServerError {
				level = slog.LevelError
			} else {
				level = slog.LevelWarn
			}
			log = log.With("error", err.Error())
			writeError(sw, err)
		}
	})
}

// corsMiddleware adds permissive CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin, "+requestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorStatus maps err to an HTTP status and the kind shown to clients.
func errorStatus(err error) (int, apperr.Kind) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, apperr.KindInput
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, apperr.KindCapacity
	case errors.Is(err, context.Canceled), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, apperr.KindCapacity
	}

	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindInput, apperr.KindConfiguration:
		return http.StatusBadRequest, kind
	case apperr.KindDuplicate:
		return http.StatusConflict, kind
	case apperr.KindCapacity:
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := errorStatus(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: string(kind), Message: msg}})
}
