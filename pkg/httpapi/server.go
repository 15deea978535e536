// Package httpapi serves the REST API used by the dashboard.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/abdhe/chart-signal/pkg/analyzer"
	"github.com/abdhe/chart-signal/pkg/history"
	"github.com/abdhe/chart-signal/pkg/resilience"
	"github.com/abdhe/chart-signal/pkg/signal"
)

// Analyzer is the part of *analyzer.Analyzer the API uses.
type Analyzer interface {
	Analyze(ctx context.Context, img analyzer.Image) (signal.Result, error)
	PoolStatus() []resilience.KeyStatus
	PoolStats() resilience.PoolStats
	History(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server routes HTTP requests to an Analyzer.
type Server struct {
	analyzer       Analyzer
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewServer creates the API server. maxUploadBytes caps image uploads.
func NewServer(a Analyzer, maxUploadBytes int64, log zerolog.Logger) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &Server{
		analyzer:       a,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "http").Logger(),
	}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/pool", s.handlePool)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type poolResponse struct {
	Stats resilience.PoolStats   `json:"stats"`
	Keys  []resilience.KeyStatus `json:"keys"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "ERR_BAD_REQUEST", Message: err.Error()})
		return
	}

	res, err := s.analyzer.Analyze(r.Context(), img)
	if err != nil {
		status, code := classify(err)
		writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readImage accepts a multipart form with an "image" file field or a raw image body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (analyzer.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			return analyzer.Image{}, fmt.Errorf("parse form: %w", err)
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			return analyzer.Image{}, fmt.Errorf("form field image: %w", err)
		}
		defer f.Close()

		data, err := io.ReadAll(f)
		if err != nil {
			return analyzer.Image{}, fmt.Errorf("read upload: %w", err)
		}
		return analyzer.Image{Data: data, Source: filepath.Base(hdr.Filename)}, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return analyzer.Image{}, fmt.Errorf("read body: %w", err)
	}
	img := analyzer.Image{Data: data, Source: "upload"}
	if strings.HasPrefix(ct, "image/") {
		img.MIMEType = ct
	}
	return img, nil
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, poolResponse{
		Stats: s.analyzer.PoolStats(),
		Keys:  s.analyzer.PoolStatus(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "ERR_BAD_REQUEST", Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := s.analyzer.History(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("history list failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "ERR_INTERNAL", Message: "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// classify maps an analysis error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, analyzer.ErrEmptyImage), errors.Is(err, analyzer.ErrUnsupportedImage):
		return http.StatusBadRequest, "ERR_BAD_IMAGE"
	case errors.Is(err, resilience.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "ERR_POOL_EXHAUSTED"
	case errors.Is(err, resilience.ErrAttemptsExhausted):
		return http.StatusTooManyRequests, "ERR_RATE_LIMITED"
	case errors.Is(err, signal.ErrMalformedResponse):
		return http.StatusBadGateway, "ERR_MALFORMED_RESPONSE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "ERR_TIMEOUT"
	default:
		return http.StatusBadGateway, "ERR_TRANSPORT"
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
