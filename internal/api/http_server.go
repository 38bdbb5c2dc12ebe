package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/export"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"
	"fieldsync/internal/worker"

	"github.com/rs/zerolog"
)

const (
	healthPath      = "/healthz"
	maxRequestBytes = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// DeadLetterReader lists evicted operations, newest first.
type DeadLetterReader interface {
	List(ctx context.Context, n int64) ([]repository.DeadLetterEntry, error)
}

// HTTPServer exposes the local control API for the queue.
type HTTPServer struct {
	cfg         *config.APIConfig
	queue       domain.QueueManager
	deadLetters DeadLetterReader
	server      *http.Server
	auth        *HTTPAuth
	logger      zerolog.Logger
}

// NewHTTPServer builds the control API. deadLetters may be nil.
func NewHTTPServer(cfg *config.APIConfig, queue domain.QueueManager, deadLetters DeadLetterReader, logger *zerolog.Logger) *HTTPServer {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:         cfg,
		queue:       queue,
		deadLetters: deadLetters,
		auth:        NewHTTPAuth(cfg),
		logger:      base,
	}

	mux := http.NewServeMux()
	srv.route(mux, "/api/v1/operations", srv.handleOperations)
	srv.route(mux, "/api/v1/sync", srv.handleSync)
	srv.route(mux, "/api/v1/queue", srv.handleQueue)
	srv.route(mux, "/api/v1/queue/export", srv.handleExport)
	srv.route(mux, "/api/v1/deadletter", srv.handleDeadLetters)
	srv.route(mux, healthPath, srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		// A manual sync waits for a whole pass.
		WriteTimeout: 2 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type enqueueRequest struct {
	Kind     string          `json:"kind"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body enqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := models.OperationKind(strings.ToLower(strings.TrimSpace(body.Kind)))
	op, err := s.queue.Enqueue(r.Context(), kind, body.Resource, body.Payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"operation": op})
	case errors.Is(err, worker.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Failed to enqueue operation")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	err := s.queue.ManualSync(r.Context())

	var passErr *worker.PassError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"depth":   s.queue.CurrentQueueDepth(),
			"syncing": s.queue.IsSyncing(),
		})
	case errors.Is(err, worker.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &passErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":        err.Error(),
			"operation_id": passErr.OperationID,
			"retry_count":  passErr.RetryCount,
			"evicted":      passErr.Evicted,
			"depth":        s.queue.CurrentQueueDepth(),
		})
	default:
		s.logger.Error().Err(err).Msg("Manual sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"depth":      s.queue.CurrentQueueDepth(),
			"syncing":    s.queue.IsSyncing(),
			"online":     s.queue.IsOnline(),
			"operations": s.queue.Pending(),
		})
	case http.MethodDelete:
		err := s.queue.ClearAll(r.Context())
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, worker.ErrSyncInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error().Err(err).Msg("Failed to clear queue")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var buf bytes.Buffer
	if err := export.WritePendingWorkbook(&buf, s.queue.Pending()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to build export")
		writeError(w, http.StatusInternalServerError, "failed to build export")
		return
	}

	fileName := fmt.Sprintf("pending_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letter storage is not configured")
		return
	}

	limit := int64(50)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.deadLetters.List(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read dead letters")
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.queue.IsOnline(),
		"depth":  s.queue.CurrentQueueDepth(),
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
