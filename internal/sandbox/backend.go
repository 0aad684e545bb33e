package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/config"
)

// Backend is everything the API and CLI need from the sandbox.
type Backend interface {
	Validate(ctx context.Context, code string) ValidationReport
	CheckSyntax(ctx context.Context, code string) SyntaxReport
	Analyze(ctx context.Context, code string) (*ComplexityStats, error)
	Format(ctx context.Context, code string) FormatResult
	Execute(ctx context.Context, req RunRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req RunRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	LaunchPreview(ctx context.Context, req PreviewRequest) (*PreviewHandle, error)
	StopPreview(id string) error
	ListPreviews() []PreviewHandle
	LookupPreview(id string) (PreviewHandle, bool)
	Close() error
}

// NewBackend checks that the configured interpreter exists and builds a Sandbox.
func NewBackend(cfg *config.Config, opts ...Option) (Backend, error) {
	path, err := exec.LookPath(cfg.Sandbox.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("interpreter %q not found in PATH: %w", cfg.Sandbox.Interpreter, err)
	}
	if !limitsEnforced {
		log.Warn().Msg("resource limits are not enforced on this platform, only the timeout bounds a run")
	}
	log.Info().Str("interpreter", path).Msg("using local interpreter backend")
	return New(cfg, opts...), nil
}
