package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/runtime"
)

const stdinFileName = "input.txt"

// RunRequest is one execution of a source text.
type RunRequest struct {
	Code  string            `json:"code"`
	Stdin string            `json:"stdin,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// ExecutionResult is the terminal outcome of a run. Success is true iff the child
// exited with status 0 within the timeout.
type ExecutionResult struct {
	ID             string          `json:"id"`
	Success        bool            `json:"success"`
	Output         string          `json:"output"`
	Error          string          `json:"error"`
	ReturnCode     int             `json:"return_code"`
	ExecutionTime  time.Duration   `json:"-"`
	Truncated      bool            `json:"truncated,omitempty"`
	CodeHash       string          `json:"code_hash"`
	Issues         []string        `json:"issues,omitempty"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// MarshalJSON encodes ExecutionTime as float seconds.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type plain ExecutionResult
	return json.Marshal(struct {
		plain
		ExecutionTime float64 `json:"execution_time"`
	}{plain(r), r.ExecutionTime.Seconds()})
}

func (r *ExecutionResult) UnmarshalJSON(b []byte) error {
	type plain ExecutionResult
	var aux struct {
		*plain
		ExecutionTime float64 `json:"execution_time"`
	}
	aux.plain = (*plain)(r)
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.ExecutionTime = time.Duration(aux.ExecutionTime * float64(time.Second))
	return nil
}

// SecurityEvent is something about a run worth auditing: a kill, a timeout, a
// limit hit, or suspicious output.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Executor runs validated code in a child interpreter process, one fresh working
// directory per call.
type Executor struct {
	policy    *Policy
	validator *Validator
	runtime   runtime.Runtime

	// newCommand builds the child command; tests replace it to observe spawns.
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewExecutor(policy *Policy, validator *Validator, rt runtime.Runtime) *Executor {
	return &Executor{
		policy:     policy,
		validator:  validator,
		runtime:    rt,
		newCommand: exec.CommandContext,
	}
}

// Run executes code and waits for it. The returned result is never nil; the error
// classifies failures (ErrValidation, ErrInvalidRequest, ErrTimeout, ErrCanceled,
// ErrSpawn) and is nil for any run that reached an exit status.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*ExecutionResult, error) {
	return e.run(ctx, req, nil, nil)
}

// RunStreaming is Run with stdout and stderr also copied live to the given writers.
// A writer that fails is detached; the run continues.
func (e *Executor) RunStreaming(ctx context.Context, req RunRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return e.run(ctx, req, stdout, stderr)
}

func (e *Executor) run(ctx context.Context, req RunRequest, liveOut, liveErr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Logger()

	result := &ExecutionResult{
		ID:         execID,
		ReturnCode: -1,
		CodeHash:   codeHash,
	}

	if err := e.validateRequest(req); err != nil {
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "validate_request", Err: err}
	}

	if ctx.Err() != nil {
		return e.interrupted(ctx, result, logger)
	}

	report := e.validator.Validate(ctx, req.Code)
	if ctx.Err() != nil {
		// A parser cut off mid-run reports nothing about the code.
		return e.interrupted(ctx, result, logger)
	}
	if !report.Safe {
		logger.Info().Strs("issues", report.Issues).Msg("code rejected by validator")
		result.Error = "Code validation failed: " + strings.Join(report.Issues, "; ")
		result.Issues = report.Issues
		return result, &ExecutionError{ExecID: execID, Op: "validate", Err: ErrValidation}
	}

	workDir, err := os.MkdirTemp(e.policy.WorkRoot, "sandbox-"+execID+"-*")
	if err != nil {
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Error().Err(err).Str("dir", workDir).Msg("failed to remove work dir")
		}
	}()

	codePath := filepath.Join(workDir, e.runtime.FileName())
	if err := os.WriteFile(codePath, []byte(req.Code), 0o600); err != nil {
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "write_code", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	var stdin *os.File
	if req.Stdin != "" {
		stdinPath := filepath.Join(workDir, stdinFileName)
		if err := os.WriteFile(stdinPath, []byte(req.Stdin), 0o600); err != nil {
			result.Error = err.Error()
			return result, &ExecutionError{ExecID: execID, Op: "write_stdin", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
		}
		stdin, err = os.Open(stdinPath) // #nosec G304 -- path inside our own temp dir
		if err != nil {
			result.Error = err.Error()
			return result, &ExecutionError{ExecID: execID, Op: "open_stdin", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
		}
		defer stdin.Close()
	}

	timeout := e.policy.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = max(rem.Round(time.Millisecond), time.Millisecond)
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.runtime.Command(codePath)
	cmd := e.newCommand(execCtx, args[0], args[1:]...) // #nosec G204 -- interpreter from config, code path is ours
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	pipes, err := newChildPipes()
	if err != nil {
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "create_pipes", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	pipes.attach(cmd)

	stdoutBuf := newLimitedBuffer(e.policy.MaxOutputBytes)
	stderrBuf := newLimitedBuffer(e.policy.MaxStderrBytes)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pipes.close()
		logger.Warn().Err(err).Msg("failed to start interpreter")
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "start", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	pipes.copyTo(teeOutput(stdoutBuf, liveOut), teeOutput(stderrBuf, liveErr))

	if err := applyLimits(cmd.Process.Pid, e.policy.Limits); err != nil {
		logger.Error().Err(err).Msg("failed to apply resource limits, killing child")
		_ = killProcessGroup(cmd.Process)
		_ = cmd.Wait()
		pipes.drain(outputDrainDelay)
		result.Error = err.Error()
		return result, &ExecutionError{ExecID: execID, Op: "apply_limits", Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	logger.Debug().Int("pid", cmd.Process.Pid).Msg("process started")

	err = cmd.Wait()
	duration := time.Since(start)

	// Whatever the child forked dies with it, on every exit path.
	if kerr := killProcessGroup(cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		logger.Warn().Err(kerr).Msg("failed to kill process group")
	}
	escaped := !pipes.drain(outputDrainDelay)
	if escaped {
		logger.Warn().Msg("a descendant outside the process group held the output open")
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:     "detached_descendant",
			Severity: "high",
			Detail:   "a descendant left the process group and kept the output pipes open",
		})
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			logger.Info().Dur("duration", duration).Msg("execution canceled by caller")
			result.Error = "Execution canceled"
			result.ExecutionTime = duration
			return result, &ExecutionError{ExecID: execID, Op: "wait", Err: ErrCanceled}
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			logger.Warn().Dur("timeout", timeout).Msg("execution timed out, process group killed")
			result.Error = "Execution timed out after " + formatSeconds(timeout) + " seconds"
			result.ExecutionTime = timeout
			result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
				Type:     "timeout",
				Severity: "medium",
				Detail:   fmt.Sprintf("execution exceeded %s timeout", timeout),
			})
			return result, &ExecutionError{ExecID: execID, Op: "wait", Err: ErrTimeout}
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			result.Error = err.Error()
			result.ExecutionTime = duration
			return result, &ExecutionError{ExecID: execID, Op: "wait", Err: err}
		}
	}

	result.ReturnCode = exitCode(cmd.ProcessState)
	result.Success = result.ReturnCode == 0
	result.Output = stdoutBuf.String()
	result.Error = stderrBuf.String()
	result.ExecutionTime = duration
	result.Truncated = stdoutBuf.Truncated() || stderrBuf.Truncated()

	if sig := signalName(cmd.ProcessState); sig != "" {
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:     "killed_by_signal",
			Severity: "high",
			Detail:   "process terminated by " + sig,
		})
	}
	if result.Truncated {
		result.SecurityEvents = append(result.SecurityEvents, SecurityEvent{
			Type:     "output_truncated",
			Severity: "low",
			Detail:   fmt.Sprintf("output exceeded %d bytes stdout / %d bytes stderr", e.policy.MaxOutputBytes, e.policy.MaxStderrBytes),
		})
	}

	logger.Info().
		Int("return_code", result.ReturnCode).
		Dur("duration", duration).
		Bool("truncated", result.Truncated).
		Msg("execution completed")

	return result, nil
}

// interrupted is the result of a run whose caller gave up before the child
// started: a canceled context or an expired caller deadline.
func (e *Executor) interrupted(ctx context.Context, result *ExecutionResult, logger zerolog.Logger) (*ExecutionResult, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Info().Msg("caller deadline expired before the run started")
		result.Error = "Execution timed out after 0 seconds"
		return result, &ExecutionError{ExecID: result.ID, Op: "validate", Err: ErrTimeout}
	}
	logger.Info().Msg("execution canceled before the run started")
	result.Error = "Execution canceled"
	return result, &ExecutionError{ExecID: result.ID, Op: "validate", Err: ErrCanceled}
}

func (e *Executor) validateRequest(req RunRequest) error {
	if err := e.runtime.Validate(req.Code); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for key := range req.Env {
		if !validEnvKey(key) {
			return fmt.Errorf("%w: env var key %q contains invalid characters", ErrInvalidRequest, key)
		}
		if e.policy.EnvBlocked(key) {
			return fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidRequest, key)
		}
	}
	return nil
}

func validEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for i, c := range key {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// mergeEnv overlays overrides on base. Keys already in base keep their position,
// new keys are appended in sorted order, so the result is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(overrides))
	used := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !used[key] {
				out = append(out, key+"="+v)
				used[key] = true
			}
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// formatSeconds renders 30s as "30" and 1.5s as "1.5".
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
