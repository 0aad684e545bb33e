package api

import (
	"codechronos-sandbox/internal/sandbox"
	"codechronos-sandbox/internal/storage"
)

// CodeRequest is the body of the static endpoints: validate, syntax, analyze, format.
type CodeRequest struct {
	Code string `json:"code"`
}

// ExecutionRequest is the API-level request to run code.
type ExecutionRequest struct {
	Code  string            `json:"code"`
	Stdin string            `json:"stdin,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

func (r ExecutionRequest) toRunRequest() sandbox.RunRequest {
	return sandbox.RunRequest{Code: r.Code, Stdin: r.Stdin, Env: r.Env}
}

// PreviewRequest asks for a preview server on Port.
type PreviewRequest struct {
	Code string `json:"code"`
	Port int    `json:"port"`
}

// ValidateResponse is returned by POST /validate.
type ValidateResponse = sandbox.ValidationReport

// SyntaxResponse is returned by POST /syntax.
type SyntaxResponse = sandbox.SyntaxReport

// AnalyzeResponse is returned by POST /analyze.
type AnalyzeResponse = sandbox.ComplexityStats

// FormatResponse is returned by POST /format.
type FormatResponse = sandbox.FormatResult

// ExecutionResponse is returned by POST /execute and as the done event of a stream.
type ExecutionResponse = sandbox.ExecutionResult

// PreviewResponse is returned by POST /previews and GET /previews.
type PreviewResponse = sandbox.PreviewHandle

// AuditEventsResponse is returned by GET /audit/events.
type AuditEventsResponse struct {
	Events []storage.SecurityEvent `json:"events"`
	Count  int                     `json:"count"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Database       bool   `json:"database"`
	Cache          bool   `json:"cache"`
	ActivePreviews int    `json:"active_previews"`
	Uptime         string `json:"uptime"`
}
