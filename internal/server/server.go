// Package server exposes the extraction pipeline and review surface over
// HTTP. All endpoints speak JSON; uploads arrive as multipart form data.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/export"
	"github.com/msfg/taxdoc/internal/intake"
	"github.com/msfg/taxdoc/internal/pipeline"
	"github.com/msfg/taxdoc/internal/repository"
	"github.com/msfg/taxdoc/internal/review"
	"github.com/msfg/taxdoc/internal/template"
)

// Server holds the HTTP surface and its gates.
type Server struct {
	cfg      common.ServerConfig
	pipe     *pipeline.Pipeline
	registry *template.Registry
	reviewer *review.Reviewer
	exporter *export.Service
	store    repository.Store
	logger   *slog.Logger

	requestSem *semaphore.Weighted
	limiters   sync.Map
	metrics    serverMetrics
}

func New(
	cfg common.ServerConfig,
	pipe *pipeline.Pipeline,
	registry *template.Registry,
	reviewer *review.Reviewer,
	exporter *export.Service,
	store repository.Store,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 16
	}
	return &Server{
		cfg:        cfg,
		pipe:       pipe,
		registry:   registry,
		reviewer:   reviewer,
		exporter:   exporter,
		store:      store,
		logger:     logger,
		requestSem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
	}
}

// Handler builds the route table with per-route middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.withMethod(http.MethodGet, s.handleMetrics))

	mux.HandleFunc("/api/extract",
		s.withRateLimit(
			s.withMethod(http.MethodPost,
				s.withConcurrencyLimit(s.handleExtract))))

	mux.HandleFunc("/api/forms", s.withMethod(http.MethodGet, s.handleForms))

	mux.HandleFunc("/api/review/queue", s.withMethod(http.MethodGet, s.handleReviewQueue))
	mux.HandleFunc("/api/review/corrections", s.handleCorrections)

	return s.withLogging(s.withRecovery(mux))
}

// Start serves until the context is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("server.draining")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.metrics.get()
	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"active": active,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := s.metrics.get()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_requests": active,
		"total_requests":  total,
		"goroutines":      runtime.NumGoroutine(),
		"mem_alloc_mb":    m.Alloc / (1 << 20),
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "upload must be multipart form data within the size limit")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "could not read upload")
		return
	}

	ctx := r.Context()
	if s.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExtractTimeout)
		defer cancel()
	}

	resp, err := s.pipe.Run(ctx, pipeline.Request{
		Intake: intake.Request{
			Bytes:      data,
			Filename:   header.Filename,
			Passphrase: r.FormValue("passphrase"),
		},
		FormHint:       r.FormValue("form_type"),
		TargetLocation: r.FormValue("target_location"),
	})
	if err != nil {
		writeJSON(w, statusForError(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForms(w http.ResponseWriter, r *http.Request) {
	type formInfo struct {
		FormType string   `json:"form_type"`
		Title    string   `json:"title"`
		Fields   []string `json:"fields"`
	}
	var out []formInfo
	for _, t := range s.registry.Forms() {
		info := formInfo{FormType: string(t.FormType), Title: t.Title}
		for _, f := range t.Fields {
			info.Fields = append(info.Fields, f.Name)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": out})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "xlsx" {
		data, err := s.exporter.ReviewQueueXLSX(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "export_failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="review-queue.xlsx"`)
		_, _ = w.Write(data)
		return
	}

	items, err := s.reviewer.Pending(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "queue_failed", err.Error())
		return
	}
	if raw := r.URL.Query().Get("document_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", "document_id query parameter must be a UUID")
			return
		}
		filtered := items[:0]
		for _, it := range items {
			if it.DocumentID == id {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleApplyCorrection(w, r)
	case http.MethodGet:
		s.handleCorrectionHistory(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "method must be GET or POST")
	}
}

func (s *Server) handleApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var req review.CorrectionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := s.reviewer.Apply(r.Context(), req)
	if err != nil {
		writeErr(w, statusForError(err), "correction_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"field":   result.Field,
		"value":   result.Value,
		"source":  result.Source,
	})
}

func (s *Server) handleCorrectionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("document_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "document_id query parameter must be a UUID")
		return
	}
	history, err := s.reviewer.History(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	type correction struct {
		Field          string    `json:"field"`
		OriginalValue  string    `json:"original_value"`
		CorrectedValue string    `json:"corrected_value"`
		Reviewer       string    `json:"reviewer"`
		CreatedAt      time.Time `json:"created_at"`
	}
	out := make([]correction, 0, len(history))
	for _, c := range history {
		out = append(out, correction{
			Field:          c.Field,
			OriginalValue:  c.OriginalValue,
			CorrectedValue: c.CorrectedValue,
			Reviewer:       c.Reviewer,
			CreatedAt:      c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": id.String(), "corrections": out})
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch common.KindOf(err) {
	case common.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case common.KindEncryptedDocument, common.KindUnrecognizedFormType:
		return http.StatusUnprocessableEntity
	case common.KindCorruptedFile, common.KindValidationFailure:
		return http.StatusBadRequest
	case common.KindOCREngineFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	})
}
