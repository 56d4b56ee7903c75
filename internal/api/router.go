package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-insights/internal/engine"
	"github.com/miradorstack/mirador-insights/internal/ingest"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/utils"
)

// SessionService is what the HTTP ops surface needs from the analysis service.
type SessionService interface {
	OpenDataset(ctx context.Context, ds models.RawDataset) (*engine.Session, error)
	Lookup(id string) (*engine.Session, bool)
	Ready() bool
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

type httpHandler struct {
	svc       SessionService
	logger    *slog.Logger
	maxUpload int64
}

// NewRouter builds the HTTP ops router: health checks, Prometheus metrics, CSV profiling and session
// lookup.
func NewRouter(svc SessionService, gatherer prometheus.Gatherer, logger *slog.Logger, maxUpload int64) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &httpHandler{svc: svc, logger: logger, maxUpload: maxUpload}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeMessage(w, http.StatusOK, "ok") })
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/profile", h.profile)
		r.Get("/sessions/{id}", h.getSession)
	})
	return r
}

func (h *httpHandler) ready(w http.ResponseWriter, _ *http.Request) {
	if h.svc == nil || !h.svc.Ready() {
		writeMessage(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *httpHandler) profile(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if h.maxUpload > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	ds, skipped, err := ingest.ReadCSV(body, ingest.CSVOptions{})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload exceeds the configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_CSV", err.Error())
		return
	}
	s, err := h.svc.OpenDataset(r.Context(), ds)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	out := SessionToMap(s)
	out["skipped_rows"] = skipped
	writeJSON(w, http.StatusCreated, out)
}

func (h *httpHandler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.svc.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, SessionToMap(s))
}

func (h *httpHandler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := utils.KindOf(err)
	if kind == utils.KindInternal {
		h.logger.Error("request failed", slog.String("request_id", requestID(r.Context())), slog.Any("error", err))
	}
	writeError(w, HTTPStatus(kind), string(kind), utils.Reason(err))
}

// HTTPStatus maps an error kind onto an HTTP status code.
func HTTPStatus(kind utils.Kind) int {
	switch kind {
	case utils.KindValidation:
		return http.StatusBadRequest
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindCapabilityUnavailable, utils.KindData, utils.KindSchema:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (h *httpHandler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic serving request", slog.String("request_id", requestID(r.Context())), slog.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *httpHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			slog.String("request_id", requestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": msg})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
