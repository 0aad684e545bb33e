package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/monitor"
	"codechronos-sandbox/internal/pyast"
	"codechronos-sandbox/internal/runtime"
)

// Parser is the source inspector shared by the validator, syntax checker,
// complexity analyzer and formatter.
type Parser interface {
	SourceParser
	SourceFormatter
}

type options struct {
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	cache   pyast.Cache
	parser  Parser
}

type Option func(*options)

func WithMetrics(m *monitor.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithParserCache caches parser summaries, typically in Redis.
func WithParserCache(c pyast.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithParser replaces the interpreter-backed parser.
func WithParser(p Parser) Option {
	return func(o *options) { o.parser = p }
}

// Sandbox composes the validator, syntax checker, executor, complexity analyzer,
// formatter and preview manager behind one Backend, and records metrics, spans
// and detector findings for every operation.
type Sandbox struct {
	policy     *Policy
	validator  *Validator
	syntax     *SyntaxChecker
	complexity *ComplexityAnalyzer
	formatter  *Formatter
	executor   *Executor
	previews   *PreviewManager

	previewsEnabled bool
	detector        *monitor.Detector
	metrics         *monitor.Metrics
	tracer          *monitor.Tracer
}

var _ Backend = (*Sandbox)(nil)

func New(cfg *config.Config, opts ...Option) *Sandbox {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = monitor.NewTracer()
	}

	policy := NewPolicy(cfg.Sandbox)

	parser := o.parser
	if parser == nil {
		var popts []pyast.Option
		if o.cache != nil {
			popts = append(popts, pyast.WithCache(o.cache))
		}
		if o.metrics != nil {
			hist := o.metrics.ParserDuration
			popts = append(popts, pyast.WithObserver(func(d time.Duration) { hist.Observe(d.Seconds()) }))
		}
		parser = pyast.New(policy.Interpreter, policy.ParseTimeout, popts...)
	}

	registry := runtime.NewRegistry(policy.Interpreter, policy.MaxCodeBytes)
	rt, err := registry.Get("python")
	if err != nil {
		rt = &runtime.PythonRuntime{Interpreter: policy.Interpreter, MaxCodeBytes: policy.MaxCodeBytes}
	}

	validator := NewValidator(policy, parser)
	return &Sandbox{
		policy:          policy,
		validator:       validator,
		syntax:          NewSyntaxChecker(parser),
		complexity:      NewComplexityAnalyzer(parser),
		formatter:       NewFormatter(parser),
		executor:        NewExecutor(policy, validator, rt),
		previews:        NewPreviewManager(policy, cfg.Preview, validator, registry),
		previewsEnabled: cfg.Preview.Enabled,
		detector:        monitor.NewDetector(),
		metrics:         o.metrics,
		tracer:          o.tracer,
	}
}

func (s *Sandbox) Policy() *Policy { return s.policy }

func (s *Sandbox) Validate(ctx context.Context, code string) ValidationReport {
	ctx, span := s.tracer.StartSpan(ctx, "validate", monitor.AttrCodeBytes.Int(len(code)))
	report := s.validator.Validate(ctx, code)
	span.SetAttributes(monitor.AttrIssueCount.Int(len(report.Issues)))
	monitor.EndSpan(span, nil)

	s.recordIssues(report.Issues)
	return report
}

func (s *Sandbox) CheckSyntax(ctx context.Context, code string) SyntaxReport {
	ctx, span := s.tracer.StartSpan(ctx, "syntax", monitor.AttrCodeBytes.Int(len(code)))
	defer monitor.EndSpan(span, nil)
	return s.syntax.CheckSyntax(ctx, code)
}

func (s *Sandbox) Analyze(ctx context.Context, code string) (*ComplexityStats, error) {
	ctx, span := s.tracer.StartSpan(ctx, "analyze", monitor.AttrCodeBytes.Int(len(code)))
	stats, err := s.complexity.Analyze(ctx, code)
	monitor.EndSpan(span, err)
	return stats, err
}

func (s *Sandbox) Format(ctx context.Context, code string) FormatResult {
	ctx, span := s.tracer.StartSpan(ctx, "format", monitor.AttrCodeBytes.Int(len(code)))
	defer monitor.EndSpan(span, nil)
	return s.formatter.Format(ctx, code)
}

func (s *Sandbox) Execute(ctx context.Context, req RunRequest) (*ExecutionResult, error) {
	return s.execute(ctx, req, nil, nil)
}

func (s *Sandbox) ExecuteStreaming(ctx context.Context, req RunRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return s.execute(ctx, req, stdout, stderr)
}

func (s *Sandbox) execute(ctx context.Context, req RunRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	ctx, span := s.tracer.StartSpan(ctx, "run", monitor.AttrCodeBytes.Int(len(req.Code)))

	if s.metrics != nil {
		s.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}

	// Findings in the code itself are recorded but never block a run; the validator decides that.
	for _, d := range s.detector.AnalyzeCode(req.Code) {
		s.recordSecurityEvent(d.Pattern)
	}

	result, err := s.executor.RunStreaming(ctx, req, stdout, stderr)

	span.SetAttributes(
		monitor.AttrExecID.String(result.ID),
		monitor.AttrCodeHash.String(result.CodeHash),
		monitor.AttrReturnCode.Int(result.ReturnCode),
		monitor.AttrDurationMS.Int64(result.ExecutionTime.Milliseconds()),
		monitor.AttrIssueCount.Int(len(result.Issues)),
	)
	monitor.EndSpan(span, err)

	s.recordIssues(result.Issues)
	if err == nil {
		s.attachDetections(result)
	}
	for _, ev := range result.SecurityEvents {
		s.recordSecurityEvent(ev.Type)
	}

	if s.metrics != nil {
		s.metrics.RecordRun(RunStatus(result, err), result.ExecutionTime.Seconds())
		s.metrics.OutputSizeBytes.Observe(float64(len(result.Output)))
	}
	return result, err
}

// attachDetections classifies what the child printed: resource-limit failures in
// stderr and leaked host data in stdout.
func (s *Sandbox) attachDetections(result *ExecutionResult) {
	detections := append(s.detector.AnalyzeStderr(result.Error), s.detector.AnalyzeOutput(result.Output)...)
	for _, d := range detections {
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{Type: d.Pattern, Severity: d.Severity, Detail: d.Detail})
	}
	if len(detections) > 0 {
		log.Warn().Str("exec_id", result.ID).Int("count", len(detections)).Msg("security events detected in run output")
	}
}

func (s *Sandbox) LaunchPreview(ctx context.Context, req PreviewRequest) (*PreviewHandle, error) {
	if !s.previewsEnabled {
		return nil, &PreviewError{Message: "Previews are disabled", Err: ErrClosed}
	}

	ctx, span := s.tracer.StartSpan(ctx, "preview",
		monitor.AttrCodeBytes.Int(len(req.Code)),
		monitor.AttrPreviewPort.Int(req.Port),
	)
	h, err := s.previews.Launch(ctx, req)
	if h != nil {
		span.SetAttributes(monitor.AttrPreviewID.String(h.ID), monitor.AttrFramework.String(h.Framework))
	}
	monitor.EndSpan(span, err)

	if s.metrics != nil {
		s.metrics.RecordPreviewLaunch(PreviewStatus(err))
		s.metrics.ActivePreviews.Set(float64(s.previews.Active()))
	}
	return h, err
}

func (s *Sandbox) StopPreview(id string) error {
	err := s.previews.Stop(id)
	if s.metrics != nil {
		s.metrics.ActivePreviews.Set(float64(s.previews.Active()))
	}
	return err
}

func (s *Sandbox) ListPreviews() []PreviewHandle {
	list := s.previews.List()
	if s.metrics != nil {
		s.metrics.ActivePreviews.Set(float64(len(list)))
	}
	return list
}

func (s *Sandbox) LookupPreview(id string) (PreviewHandle, bool) {
	return s.previews.Get(id)
}

// Close stops every preview. Runs in progress finish on their own timeouts.
func (s *Sandbox) Close() error {
	err := s.previews.Close()
	if s.metrics != nil {
		s.metrics.ActivePreviews.Set(0)
	}
	return err
}

func (s *Sandbox) recordIssues(issues []string) {
	if s.metrics == nil {
		return
	}
	for _, issue := range issues {
		s.metrics.RecordValidationIssue(IssueKind(issue))
	}
}

func (s *Sandbox) recordSecurityEvent(eventType string) {
	if s.metrics != nil {
		s.metrics.RecordSecurityEvent(eventType)
	}
}

// RunStatus is the metrics label for a finished run.
func RunStatus(result *ExecutionResult, err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case err != nil:
		return "error"
	case result.Success:
		return "success"
	default:
		return "failure"
	}
}

// PreviewStatus is the metrics label for a preview launch.
func PreviewStatus(err error) string {
	switch {
	case err == nil:
		return "started"
	case errors.Is(err, ErrNotWebApp):
		return "not_web_app"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrPreviewExited):
		return "exited"
	case errors.Is(err, ErrPortInUse), errors.Is(err, ErrPreviewLimit):
		return "refused"
	default:
		return "error"
	}
}
