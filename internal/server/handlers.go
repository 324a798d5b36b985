// internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/discovery"
	"github.com/slotheather55/webspark/internal/macrostore"
	"github.com/slotheather55/webspark/internal/worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// createAnalysisRequest starts a run from a recorded macro or, for ad-hoc
// sweeps, from a URL plus a page type resolved to the curated selector set.
type createAnalysisRequest struct {
	MacroID  string `json:"macro_id,omitempty"`
	URL      string `json:"url,omitempty"`
	PageType string `json:"page_type,omitempty"`
}

// analysisResponse is the API view of a submitted run.
type analysisResponse struct {
	AnalysisID string                  `json:"analysis_id"`
	State      string                  `json:"state"`
	MacroID    string                  `json:"macro_id,omitempty"`
	MacroName  string                  `json:"macro_name"`
	URL        string                  `json:"url"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Report     *schemas.AnalysisReport `json:"report,omitempty"`
}

// streamFinal is the last SSE frame of a progress stream. It carries the
// report on success and the failure message (plus any partial report) on
// error, so stream consumers never need a second request.
type streamFinal struct {
	Status  string                  `json:"status"`
	Message string                  `json:"message,omitempty"`
	Report  *schemas.AnalysisReport `json:"report,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleListMacros(w http.ResponseWriter, _ *http.Request) {
	macros, err := s.macros.List()
	if err != nil {
		s.logger.Error("Macro listing failed.", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list macros")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(macros),
		"macros": macros,
	})
}

func (s *Server) handleGetMacro(w http.ResponseWriter, r *http.Request) {
	macro, err := s.macros.Load(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, macrostore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "macro not found")
			return
		}
		s.logger.Error("Macro load failed.", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to load macro")
		return
	}
	s.respondJSON(w, http.StatusOK, macro)
}

func (s *Server) handleDeleteMacro(w http.ResponseWriter, r *http.Request) {
	if err := s.macros.Delete(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, macrostore.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "macro not found")
			return
		}
		s.logger.Error("Macro delete failed.", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to delete macro")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var macro *schemas.Macro
	switch {
	case req.MacroID != "" && req.URL != "":
		s.respondError(w, http.StatusBadRequest, "provide either macro_id or url, not both")
		return
	case req.MacroID != "":
		m, err := s.macros.Load(req.MacroID)
		if err != nil {
			if errors.Is(err, macrostore.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "macro not found")
				return
			}
			s.logger.Error("Macro load failed.", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to load macro")
			return
		}
		macro = m
	case req.URL != "":
		pageURL, err := normalizeAnalysisURL(req.URL)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		macro = discovery.SyntheticMacro(discovery.NormalizePageType(req.PageType), pageURL)
	default:
		s.respondError(w, http.StatusBadRequest, "macro_id or url is required")
		return
	}

	if !s.limiter.Allow() {
		s.respondError(w, http.StatusTooManyRequests, "run rate limit exceeded")
		return
	}

	run, err := s.pool.Submit(macro)
	if err != nil {
		if errors.Is(err, worker.ErrPoolClosed) {
			s.respondError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.logger.Error("Run submission failed.", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}

	s.logger.Info("Analysis submitted.",
		zap.String("analysis_id", run.ID),
		zap.String("macro", macro.Name))
	s.respondJSON(w, http.StatusCreated, runResponse(run))
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	run, ok := s.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	s.respondJSON(w, http.StatusOK, runResponse(run))
}

// handleStreamAnalysis streams progress frames as server-sent events. Each
// frame is one "data: {json}\n\n" block; the final frame carries the report
// or the failure message.
func (s *Server) handleStreamAnalysis(w http.ResponseWriter, r *http.Request) {
	run, ok := s.pool.Get(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "analysis not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, cancel := run.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-frames:
			if !open {
				// The run finished; buffered frames have all been drained.
				s.writeFinalFrame(w, flusher, run)
				return
			}
			if err := writeEvent(w, flusher, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFinalFrame(w http.ResponseWriter, flusher http.Flusher, run *worker.Run) {
	final := streamFinal{Status: schemas.StatusComplete, Report: run.Report()}
	if err := run.Err(); err != nil {
		final = streamFinal{Status: schemas.StatusError, Message: err.Error(), Report: run.Report()}
	}
	if err := writeEvent(w, flusher, final); err != nil {
		s.logger.Debug("Final stream frame write failed.", zap.Error(err))
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func runResponse(run *worker.Run) analysisResponse {
	resp := analysisResponse{
		AnalysisID: run.ID,
		State:      string(run.State()),
		MacroID:    run.Macro.ID,
		MacroName:  run.Macro.Name,
		URL:        run.Macro.URL,
		CreatedAt:  run.CreatedAt,
	}
	if t := run.StartedAt(); !t.IsZero() {
		resp.StartedAt = &t
	}
	if t := run.FinishedAt(); !t.IsZero() {
		resp.FinishedAt = &t
	}
	switch run.State() {
	case worker.StateComplete:
		resp.Report = run.Report()
	case worker.StateFailed:
		if err := run.Err(); err != nil {
			resp.Error = err.Error()
		}
		resp.Report = run.Report()
	}
	return resp
}

// normalizeAnalysisURL fills in a missing scheme and validates the result.
func normalizeAnalysisURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url cannot be empty")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	return u.String(), nil
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}
