package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codechronos-sandbox/internal/sandbox"
	"codechronos-sandbox/internal/storage"
	"codechronos-sandbox/internal/storage/sqlite"
)

// mockBackend implements sandbox.Backend for handler tests.
type mockBackend struct {
	report     sandbox.ValidationReport
	syntax     sandbox.SyntaxReport
	stats      *sandbox.ComplexityStats
	analyzeErr error
	formatted  sandbox.FormatResult

	result    *sandbox.ExecutionResult
	err       error
	streamOut string
	streamErr string
	lastRun   sandbox.RunRequest

	preview    *sandbox.PreviewHandle
	previewErr error
	previews   []sandbox.PreviewHandle
	stopErr    error
}

func (m *mockBackend) Validate(context.Context, string) sandbox.ValidationReport { return m.report }

func (m *mockBackend) CheckSyntax(context.Context, string) sandbox.SyntaxReport { return m.syntax }

func (m *mockBackend) Analyze(context.Context, string) (*sandbox.ComplexityStats, error) {
	return m.stats, m.analyzeErr
}

func (m *mockBackend) Format(context.Context, string) sandbox.FormatResult { return m.formatted }

func (m *mockBackend) Execute(_ context.Context, req sandbox.RunRequest) (*sandbox.ExecutionResult, error) {
	m.lastRun = req
	return m.result, m.err
}

func (m *mockBackend) ExecuteStreaming(_ context.Context, req sandbox.RunRequest, stdout, stderr io.Writer) (*sandbox.ExecutionResult, error) {
	m.lastRun = req
	if m.streamOut != "" {
		io.WriteString(stdout, m.streamOut)
	}
	if m.streamErr != "" {
		io.WriteString(stderr, m.streamErr)
	}
	return m.result, m.err
}

func (m *mockBackend) LaunchPreview(context.Context, sandbox.PreviewRequest) (*sandbox.PreviewHandle, error) {
	return m.preview, m.previewErr
}

func (m *mockBackend) StopPreview(string) error { return m.stopErr }

func (m *mockBackend) ListPreviews() []sandbox.PreviewHandle { return m.previews }

func (m *mockBackend) LookupPreview(id string) (sandbox.PreviewHandle, bool) {
	for _, p := range m.previews {
		if p.ID == id {
			return p, true
		}
	}
	return sandbox.PreviewHandle{}, false
}

func (m *mockBackend) Close() error { return nil }

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestHandleValidate(t *testing.T) {
	backend := &mockBackend{report: sandbox.ValidationReport{Safe: false, Issues: []string{"Restricted function: eval"}}}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleValidate, "/validate", CodeRequest{Code: "eval('1')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp ValidateResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Safe || len(resp.Issues) != 1 {
		t.Errorf("got %+v, want one issue and safe=false", resp)
	}
}

func TestHandleSyntax(t *testing.T) {
	backend := &mockBackend{syntax: sandbox.SyntaxReport{Valid: false, Error: "invalid syntax", Line: 2, Column: 5}}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleSyntax, "/syntax", CodeRequest{Code: "x =\n  ("})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp SyntaxResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp != backend.syntax {
		t.Errorf("got %+v, want %+v", resp, backend.syntax)
	}
}

func TestHandleAnalyze(t *testing.T) {
	tests := []struct {
		name     string
		backend  *mockBackend
		wantCode int
		wantErr  string
	}{
		{
			name:     "counts",
			backend:  &mockBackend{stats: &sandbox.ComplexityStats{LineCount: 3, FunctionCount: 1, ComplexityScore: 5}},
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid syntax",
			backend:  &mockBackend{analyzeErr: fmt.Errorf("%w: line 1", sandbox.ErrInvalidSyntax)},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "INVALID_SYNTAX",
		},
		{
			name:     "parser down",
			backend:  &mockBackend{analyzeErr: sandbox.ErrParserUnavailable},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "PARSER_UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(tt.backend, nil, nil)
			rec := postJSON(t, h.HandleAnalyze, "/analyze", CodeRequest{Code: "def f(): pass"})
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantErr != "" {
				if got := decodeError(t, rec).Code; got != tt.wantErr {
					t.Errorf("got code %q, want %q", got, tt.wantErr)
				}
				return
			}
			var resp AnalyzeResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp != *tt.backend.stats {
				t.Errorf("got %+v, want %+v", resp, *tt.backend.stats)
			}
		})
	}
}

func TestHandleFormat(t *testing.T) {
	backend := &mockBackend{formatted: sandbox.FormatResult{Code: "x = 1\n", Fallback: false}}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleFormat, "/format", CodeRequest{Code: "x=1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp FormatResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "x = 1\n" {
		t.Errorf("Code = %q, want %q", resp.Code, "x = 1\n")
	}
}

func TestHandleExecute_Success(t *testing.T) {
	backend := &mockBackend{
		result: &sandbox.ExecutionResult{
			ID:            "exec-1",
			Success:       true,
			Output:        "hello\n",
			ExecutionTime: 150 * time.Millisecond,
		},
	}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleExecute, "/execute", ExecutionRequest{
		Code:  "print('hello')",
		Stdin: "data",
		Env:   map[string]string{"MODE": "test"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Output != "hello\n" {
		t.Errorf("got %+v, want success with output", resp)
	}
	if resp.ExecutionTime != 150*time.Millisecond {
		t.Errorf("ExecutionTime = %v, want 150ms", resp.ExecutionTime)
	}
	if backend.lastRun.Stdin != "data" || backend.lastRun.Env["MODE"] != "test" {
		t.Errorf("run request = %+v, want stdin and env passed through", backend.lastRun)
	}
}

func TestHandleExecute_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		result   *sandbox.ExecutionResult
		err      error
		wantCode int
	}{
		{
			name:     "rejected by validator",
			result:   &sandbox.ExecutionResult{ID: "a", ReturnCode: -1, Error: "Code validation failed: Restricted function: eval"},
			err:      &sandbox.ExecutionError{ExecID: "a", Op: "validate", Err: sandbox.ErrValidation},
			wantCode: http.StatusOK,
		},
		{
			name:     "timeout",
			result:   &sandbox.ExecutionResult{ID: "b", ReturnCode: -1, Error: "Execution timed out after 30 seconds"},
			err:      &sandbox.ExecutionError{ExecID: "b", Op: "wait", Err: sandbox.ErrTimeout},
			wantCode: http.StatusOK,
		},
		{
			name:     "spawn failure",
			result:   &sandbox.ExecutionResult{ID: "c", ReturnCode: -1, Error: "exec: not found"},
			err:      &sandbox.ExecutionError{ExecID: "c", Op: "start", Err: sandbox.ErrSpawn},
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid request",
			result:   &sandbox.ExecutionResult{ID: "d", ReturnCode: -1, Error: "env var \"LD_PRELOAD\" is blocked"},
			err:      &sandbox.ExecutionError{ExecID: "d", Op: "validate_request", Err: sandbox.ErrInvalidRequest},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&mockBackend{result: tt.result, err: tt.err}, nil, nil)
			rec := postJSON(t, h.HandleExecute, "/execute", ExecutionRequest{Code: "x = 1"})
			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleExecute_BadBody(t *testing.T) {
	h := NewHandlers(&mockBackend{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"`+strings.Repeat("x", 100)+`"}`))
	rec = httptest.NewRecorder()
	MaxBodyMiddleware(16)(http.HandlerFunc(h.HandleExecute)).ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHandleExecute_WritesAudit(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	writer := storage.NewAuditWriter(store, 16)
	writer.Start()

	backend := &mockBackend{
		result: &sandbox.ExecutionResult{
			ID:       "exec-audit",
			CodeHash: "abc",
			Issues:   []string{"Restricted function: eval"},
			SecurityEvents: []sandbox.SecurityEvent{
				{Type: "timeout", Severity: "medium", Detail: "execution exceeded 1s timeout"},
			},
		},
		err: &sandbox.ExecutionError{Op: "validate", Err: sandbox.ErrValidation},
	}
	h := NewHandlers(backend, store, writer)
	postJSON(t, h.HandleExecute, "/execute", ExecutionRequest{Code: "eval('1')"})
	writer.Flush(5 * time.Second)

	events, err := store.ListSecurityEvents(context.Background(), storage.EventFilter{ExecutionID: "exec-audit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
		if ev.CodeHash != "abc" {
			t.Errorf("CodeHash = %q, want abc", ev.CodeHash)
		}
	}
	if !types["validation_rejected"] || !types["timeout"] {
		t.Errorf("got types %v, want validation_rejected and timeout", types)
	}

	// The same store backs the audit listing endpoint.
	req := httptest.NewRequest(http.MethodGet, "/audit/events?type=timeout&limit=10", nil)
	rec := httptest.NewRecorder()
	h.HandleListAuditEvents(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var resp AuditEventsResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 1 || resp.Events[0].Type != "timeout" {
		t.Errorf("got %+v, want one timeout event", resp)
	}
}

func TestHandleListAuditEvents_Errors(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	tests := []struct {
		name     string
		store    storage.Store
		query    string
		wantCode int
	}{
		{"no store", nil, "", http.StatusServiceUnavailable},
		{"bad since", store, "?since=yesterday", http.StatusBadRequest},
		{"negative since", store, "?since=-1h", http.StatusBadRequest},
		{"bad limit", store, "?limit=ten", http.StatusBadRequest},
		{"negative offset", store, "?offset=-1", http.StatusBadRequest},
		{"empty", store, "?since=1h", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&mockBackend{}, tt.store, nil)
			req := httptest.NewRequest(http.MethodGet, "/audit/events"+tt.query, nil)
			rec := httptest.NewRecorder()
			h.HandleListAuditEvents(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleExecuteStream(t *testing.T) {
	backend := &mockBackend{
		streamOut: "line1\nline2",
		streamErr: "warn",
		result:    &sandbox.ExecutionResult{ID: "s1", Success: true, Output: "line1\nline2"},
	}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleExecuteStream, "/execute/stream", ExecutionRequest{Code: "print(1)"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"event: stdout\ndata: line1\ndata: line2\n\n",
		"event: stderr\ndata: warn\n\n",
		"event: done\ndata: {",
		`"id":"s1"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestHandleExecuteStream_InvalidRequest(t *testing.T) {
	backend := &mockBackend{
		result: &sandbox.ExecutionResult{ID: "s2", ReturnCode: -1, Error: "code must not be empty"},
		err:    &sandbox.ExecutionError{Op: "validate_request", Err: sandbox.ErrInvalidRequest},
	}
	h := NewHandlers(backend, nil, nil)

	rec := postJSON(t, h.HandleExecuteStream, "/execute/stream", ExecutionRequest{})
	body := rec.Body.String()
	if !strings.Contains(body, "event: error\ndata: code must not be empty\n") {
		t.Errorf("stream = %q, want error event", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("stream = %q, want no done event", body)
	}
}

func TestHandleLaunchPreview(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"started", nil, http.StatusCreated, ""},
		{"not a web app", &sandbox.PreviewError{Message: "Code does not appear to be a Reflex or Streamlit app", Err: sandbox.ErrNotWebApp}, http.StatusUnprocessableEntity, "NOT_WEB_APP"},
		{"rejected", &sandbox.PreviewError{Message: "Code validation failed", Err: sandbox.ErrValidation}, http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{"bad port", &sandbox.PreviewError{Message: "port out of range", Err: sandbox.ErrInvalidRequest}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"port taken", &sandbox.PreviewError{Message: "port in use", Err: sandbox.ErrPortInUse}, http.StatusConflict, "PORT_IN_USE"},
		{"limit", &sandbox.PreviewError{Message: "too many", Err: sandbox.ErrPreviewLimit}, http.StatusTooManyRequests, "PREVIEW_LIMIT"},
		{"exited", &sandbox.PreviewError{Message: "exited", Err: sandbox.ErrPreviewExited}, http.StatusBadGateway, "PREVIEW_EXITED"},
		{"disabled", &sandbox.PreviewError{Message: "Previews are disabled", Err: sandbox.ErrClosed}, http.StatusServiceUnavailable, "PREVIEWS_UNAVAILABLE"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "PREVIEW_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{previewErr: tt.err}
			if tt.err == nil {
				backend.preview = &sandbox.PreviewHandle{ID: "p1", URL: "http://localhost:8501", Framework: "streamlit", Port: 8501}
			}
			h := NewHandlers(backend, nil, nil)

			rec := postJSON(t, h.HandleLaunchPreview, "/previews", PreviewRequest{Code: "import streamlit as st", Port: 8501})
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantErr == "" {
				var resp PreviewResponse
				json.NewDecoder(rec.Body).Decode(&resp)
				if resp.ID != "p1" || resp.Framework != "streamlit" {
					t.Errorf("got %+v, want preview p1", resp)
				}
				return
			}
			resp := decodeError(t, rec)
			if resp.Code != tt.wantErr {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantErr)
			}
			if resp.Error != tt.err.Error() {
				t.Errorf("got error %q, want %q", resp.Error, tt.err.Error())
			}
		})
	}
}

func TestHandleStopPreview(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"stopped", nil, http.StatusOK},
		{"unknown", sandbox.ErrPreviewNotFound, http.StatusNotFound},
		{"cleanup error", errors.New("remove dir: busy"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&mockBackend{stopErr: tt.err}, nil, nil)

			mux := http.NewServeMux()
			mux.HandleFunc("DELETE /previews/{id}", h.HandleStopPreview)
			req := httptest.NewRequest(http.MethodDelete, "/previews/p1", nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleListPreviews(t *testing.T) {
	backend := &mockBackend{previews: []sandbox.PreviewHandle{{ID: "a"}, {ID: "b"}}}
	h := NewHandlers(backend, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/previews", nil)
	rec := httptest.NewRecorder()
	h.HandleListPreviews(rec, req)

	var resp []PreviewResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp) != 2 {
		t.Errorf("got %d previews, want 2", len(resp))
	}
}
