package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/runtime"
)

const previewFileName = "preview_app.py"

// PreviewRequest asks for a UI server bound to Port.
type PreviewRequest struct {
	Code string `json:"code"`
	Port int    `json:"port"`
}

// PreviewHandle identifies a running preview server.
type PreviewHandle struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	PID       int       `json:"pid"`
	Framework string    `json:"framework"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	process *os.Process
}

// Process returns the server's process; callers must not wait on it.
func (h *PreviewHandle) Process() *os.Process { return h.process }

type preview struct {
	handle PreviewHandle
	cmd    *exec.Cmd
	dir    string
	done   chan struct{} // closed once the process has been waited on
}

// PreviewManager launches and tracks long-running preview servers. Every preview
// ends with Stop, with the lifetime reaper, or with Close.
type PreviewManager struct {
	policy    *Policy
	cfg       config.PreviewConfig
	validator *Validator
	registry  *runtime.Registry

	mu       sync.Mutex
	previews map[string]*preview
	ports    map[int]string
	closed   bool

	cancelReaper context.CancelFunc
	reaperDone   chan struct{}
}

// NewPreviewManager starts the lifetime reaper; call Close to stop it and every preview.
func NewPreviewManager(policy *Policy, cfg config.PreviewConfig, validator *Validator, registry *runtime.Registry) *PreviewManager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.MaxActive < 1 {
		cfg.MaxActive = 8
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &PreviewManager{
		policy:       policy,
		cfg:          cfg,
		validator:    validator,
		registry:     registry,
		previews:     make(map[string]*preview),
		ports:        make(map[int]string),
		cancelReaper: cancel,
		reaperDone:   make(chan struct{}),
	}
	go m.reapLoop(ctx)
	return m
}

// Launch starts a preview server and returns once it survived the grace period.
// Failures are *PreviewError values wrapping a sentinel.
func (m *PreviewManager) Launch(ctx context.Context, req PreviewRequest) (*PreviewHandle, error) {
	fw, err := m.registry.Detect(req.Code)
	if err != nil {
		return nil, &PreviewError{Message: "Code is not a web application", Err: ErrNotWebApp}
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, &PreviewError{Message: fmt.Sprintf("Invalid port %d", req.Port), Err: ErrInvalidRequest}
	}

	if m.cfg.ValidateCode {
		report := m.validator.Validate(ctx, req.Code)
		if !report.Safe {
			return nil, &PreviewError{
				Message: "Code validation failed: " + strings.Join(report.Issues, "; "),
				Err:     ErrValidation,
			}
		}
	}

	id := uuid.New().String()
	if err := m.reserve(id, req.Port); err != nil {
		return nil, err
	}
	reserved := true
	defer func() {
		if reserved {
			m.release(id, req.Port)
		}
	}()

	logger := log.With().Str("preview_id", id).Str("framework", fw.Name()).Int("port", req.Port).Logger()

	dir, err := os.MkdirTemp(m.policy.WorkRoot, "preview-"+id+"-*")
	if err != nil {
		return nil, &PreviewError{Message: err.Error(), Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	keepDir := false
	defer func() {
		if !keepDir {
			_ = os.RemoveAll(dir)
		}
	}()

	appPath := filepath.Join(dir, previewFileName)
	if err := os.WriteFile(appPath, []byte(fw.Bootstrap(req.Code, req.Port)), 0o600); err != nil {
		return nil, &PreviewError{Message: err.Error(), Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	args := fw.Command(appPath, req.Port)
	cmd := exec.Command(args[0], args[1:]...) // #nosec G204 -- interpreter from config, args built by the framework
	cmd.Dir = dir
	cmd.Env = os.Environ()
	setProcessGroup(cmd)
	cmd.WaitDelay = time.Second

	// Only the startup window is inspected; a long-lived server's logs are capped.
	stdout := newLimitedBuffer(64 * 1024)
	stderr := newLimitedBuffer(m.policy.MaxStderrBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Msg("failed to start preview server")
		return nil, &PreviewError{Message: err.Error(), Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if err := applyLimits(cmd.Process.Pid, m.policy.Limits.forPreview()); err != nil {
		_ = killProcessGroup(cmd.Process)
		<-done
		return nil, &PreviewError{Message: err.Error(), Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	grace := time.NewTimer(m.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		logger.Info().Int("exit_code", exitCode(cmd.ProcessState)).Msg("preview server exited during startup")
		return nil, &PreviewError{
			Message: "Server failed to start: " + stderr.String(),
			Err:     ErrPreviewExited,
		}
	case <-ctx.Done():
		_ = killProcessGroup(cmd.Process)
		<-done
		return nil, &PreviewError{Message: "Preview launch canceled", Err: ctx.Err()}
	case <-grace.C:
	}

	now := time.Now()
	p := &preview{
		handle: PreviewHandle{
			ID:        id,
			URL:       "http://" + m.cfg.Host + ":" + strconv.Itoa(req.Port),
			PID:       cmd.Process.Pid,
			Framework: fw.Name(),
			Port:      req.Port,
			StartedAt: now,
			process:   cmd.Process,
		},
		cmd:  cmd,
		dir:  dir,
		done: done,
	}
	if m.cfg.MaxLifetime > 0 {
		p.handle.ExpiresAt = now.Add(m.cfg.MaxLifetime)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = killProcessGroup(cmd.Process)
		<-done
		return nil, &PreviewError{Message: "Preview manager is closed", Err: ErrClosed}
	}
	m.previews[id] = p
	m.mu.Unlock()

	reserved = false
	keepDir = true

	logger.Info().Int("pid", p.handle.PID).Str("url", p.handle.URL).Msg("preview server started")

	h := p.handle
	return &h, nil
}

// Stop kills the preview's process group and removes its working directory.
func (m *PreviewManager) Stop(id string) error {
	m.mu.Lock()
	p, ok := m.previews[id]
	if ok {
		delete(m.previews, id)
		delete(m.ports, p.handle.Port)
	}
	m.mu.Unlock()

	if !ok {
		return ErrPreviewNotFound
	}
	return m.terminate(p, "stopped")
}

// List returns the tracked previews, oldest first.
func (m *PreviewManager) List() []PreviewHandle {
	m.mu.Lock()
	out := make([]PreviewHandle, 0, len(m.previews))
	for _, p := range m.previews {
		out = append(out, p.handle)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get returns the handle of a tracked preview.
func (m *PreviewManager) Get(id string) (PreviewHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.previews[id]
	if !ok {
		return PreviewHandle{}, false
	}
	return p.handle, true
}

// Active returns the number of tracked previews.
func (m *PreviewManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.previews)
}

// Close stops the reaper and every preview. Further launches fail with ErrClosed.
func (m *PreviewManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*preview, 0, len(m.previews))
	for id, p := range m.previews {
		all = append(all, p)
		delete(m.previews, id)
	}
	m.ports = make(map[int]string)
	m.mu.Unlock()

	m.cancelReaper()
	<-m.reaperDone

	var g errgroup.Group
	for _, p := range all {
		g.Go(func() error { return m.terminate(p, "shutdown") })
	}
	return g.Wait()
}

func (m *PreviewManager) reserve(id string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &PreviewError{Message: "Preview manager is closed", Err: ErrClosed}
	}
	if _, taken := m.ports[port]; taken {
		return &PreviewError{Message: fmt.Sprintf("Port %d is already used by another preview", port), Err: ErrPortInUse}
	}
	if len(m.ports) >= m.cfg.MaxActive {
		return &PreviewError{Message: fmt.Sprintf("Too many active previews (max %d)", m.cfg.MaxActive), Err: ErrPreviewLimit}
	}
	m.ports[port] = id
	return nil
}

func (m *PreviewManager) release(id string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[port] == id {
		delete(m.ports, port)
	}
}

func (m *PreviewManager) terminate(p *preview, reason string) error {
	logger := log.With().Str("preview_id", p.handle.ID).Str("reason", reason).Logger()

	var errs []error
	if err := killProcessGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("killing preview %s: %w", p.handle.ID, err))
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("preview process did not exit after kill")
	}

	if err := os.RemoveAll(p.dir); err != nil {
		errs = append(errs, fmt.Errorf("removing preview dir: %w", err))
	}

	logger.Info().Msg("preview terminated")
	return errors.Join(errs...)
}

// reapLoop stops previews past their lifetime and forgets previews whose server died.
func (m *PreviewManager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.reapInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *PreviewManager) reapInterval() time.Duration {
	interval := 30 * time.Second
	if m.cfg.MaxLifetime > 0 && m.cfg.MaxLifetime/4 < interval {
		interval = m.cfg.MaxLifetime / 4
	}
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	return interval
}

func (m *PreviewManager) reap(now time.Time) {
	var victims []*preview
	var reasons []string

	m.mu.Lock()
	for id, p := range m.previews {
		reason := ""
		select {
		case <-p.done:
			reason = "exited"
		default:
			if !p.handle.ExpiresAt.IsZero() && now.After(p.handle.ExpiresAt) {
				reason = "expired"
			}
		}
		if reason == "" {
			continue
		}
		delete(m.previews, id)
		delete(m.ports, p.handle.Port)
		victims = append(victims, p)
		reasons = append(reasons, reason)
	}
	m.mu.Unlock()

	for i, p := range victims {
		if err := m.terminate(p, reasons[i]); err != nil {
			log.Warn().Err(err).Str("preview_id", p.handle.ID).Msg("reaping preview failed")
		}
	}
}
