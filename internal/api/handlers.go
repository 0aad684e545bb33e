package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/sandbox"
	"codechronos-sandbox/internal/storage"
)

type Handlers struct {
	backend     sandbox.Backend
	store       storage.Store
	auditWriter *storage.AuditWriter
}

func NewHandlers(backend sandbox.Backend, store storage.Store, auditWriter *storage.AuditWriter) *Handlers {
	return &Handlers{
		backend:     backend,
		store:       store,
		auditWriter: auditWriter,
	}
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.backend.Validate(r.Context(), req.Code))
}

func (h *Handlers) HandleSyntax(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.backend.CheckSyntax(r.Context(), req.Code))
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	stats, err := h.backend.Analyze(r.Context(), req.Code)
	switch {
	case errors.Is(err, sandbox.ErrInvalidSyntax):
		writeError(w, "Invalid syntax", "INVALID_SYNTAX", http.StatusUnprocessableEntity, r)
	case err != nil:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("analysis failed")
		writeError(w, "parser unavailable", "PARSER_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func (h *Handlers) HandleFormat(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.backend.Format(r.Context(), req.Code))
}

// HandleExecute runs code. Every run that reached the sandbox answers 200 with
// the result, failed or not; only a malformed request is an HTTP error.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.backend.Execute(r.Context(), req.toRunRequest())
	h.logAudit(result, err, r)

	if errors.Is(err, sandbox.ErrInvalidRequest) {
		writeError(w, result.Error, "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if errors.Is(err, sandbox.ErrSpawn) {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed to start")
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}

	writers := NewSSEWriters(w, "stdout", "stderr")
	if writers == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	result, err := h.backend.ExecuteStreaming(r.Context(), req.toRunRequest(), writers[0], writers[1])
	h.logAudit(result, err, r)

	if errors.Is(err, sandbox.ErrInvalidRequest) {
		sendSSEError(w, result.Error)
		return
	}

	doneData, mErr := json.Marshal(result)
	if mErr != nil {
		log.Error().Err(mErr).Msg("failed to encode stream result")
		sendSSEError(w, "internal error")
		return
	}
	sendSSEDone(w, string(doneData))
}

func (h *Handlers) HandleLaunchPreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	handle, err := h.backend.LaunchPreview(r.Context(), sandbox.PreviewRequest{Code: req.Code, Port: req.Port})
	if err != nil {
		status, code := previewErrorStatus(err)
		if errors.Is(err, sandbox.ErrValidation) {
			h.logPreviewRejection(err, r)
		}
		writeError(w, err.Error(), code, status, r)
		return
	}

	writeJSON(w, http.StatusCreated, handle)
}

func previewErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrNotWebApp):
		return http.StatusUnprocessableEntity, "NOT_WEB_APP"
	case errors.Is(err, sandbox.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, sandbox.ErrPortInUse):
		return http.StatusConflict, "PORT_IN_USE"
	case errors.Is(err, sandbox.ErrPreviewLimit):
		return http.StatusTooManyRequests, "PREVIEW_LIMIT"
	case errors.Is(err, sandbox.ErrPreviewExited):
		return http.StatusBadGateway, "PREVIEW_EXITED"
	case errors.Is(err, sandbox.ErrClosed):
		return http.StatusServiceUnavailable, "PREVIEWS_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "PREVIEW_FAILED"
	}
}

func (h *Handlers) HandleListPreviews(w http.ResponseWriter, r *http.Request) {
	previews := h.backend.ListPreviews()
	if previews == nil {
		previews = []sandbox.PreviewHandle{}
	}
	writeJSON(w, http.StatusOK, previews)
}

func (h *Handlers) HandleStopPreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "preview ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	err := h.backend.StopPreview(id)
	switch {
	case errors.Is(err, sandbox.ErrPreviewNotFound):
		writeError(w, "preview not found", "NOT_FOUND", http.StatusNotFound, r)
	case err != nil:
		// The preview is untracked either way; only its cleanup failed.
		log.Warn().Err(err).Str("preview_id", id).Msg("preview stopped with errors")
		fallthrough
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
	}
}

func (h *Handlers) HandleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.EventFilter{
		Type:        q.Get("type"),
		ExecutionID: q.Get("execution_id"),
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, "since must be a positive duration like 1h", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		since := time.Now().Add(-d)
		filter.Since = &since
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, name+" must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
				return
			}
			*dst = n
		}
	}

	events, err := h.store.ListSecurityEvents(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing security events failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if events == nil {
		events = []storage.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, AuditEventsResponse{Events: events, Count: len(events)})
}

// decode reads a JSON body, answering 400 itself when it cannot.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

// logAudit records rejected runs and every security event of a run. Program
// output is never persisted.
func (h *Handlers) logAudit(result *sandbox.ExecutionResult, err error, r *http.Request) {
	if h.auditWriter == nil || result == nil {
		return
	}

	now := time.Now()
	base := storage.SecurityEvent{
		ExecutionID: result.ID,
		CodeHash:    result.CodeHash,
		RequestID:   RequestIDFromContext(r.Context()),
		RequestIP:   clientIP(r),
		CreatedAt:   now,
	}

	if sandbox.IsValidation(err) {
		ev := base
		ev.Type = "validation_rejected"
		ev.Severity = "medium"
		ev.Detail = strings.Join(result.Issues, "; ")
		h.auditWriter.Log(&ev)
	}
	for _, se := range result.SecurityEvents {
		ev := base
		ev.Type = se.Type
		ev.Severity = se.Severity
		ev.Detail = se.Detail
		h.auditWriter.Log(&ev)
	}
}

func (h *Handlers) logPreviewRejection(err error, r *http.Request) {
	if h.auditWriter == nil {
		return
	}
	h.auditWriter.Log(&storage.SecurityEvent{
		Type:      "preview_rejected",
		Severity:  "medium",
		Detail:    err.Error(),
		RequestID: RequestIDFromContext(r.Context()),
		RequestIP: clientIP(r),
		CreatedAt: time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
