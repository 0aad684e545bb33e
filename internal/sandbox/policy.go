package sandbox

import (
	"strings"
	"time"

	"codechronos-sandbox/internal/config"
)

// Policy is the immutable sandbox configuration shared by every component.
// Build it once with NewPolicy and pass it by pointer; nothing mutates it afterwards.
type Policy struct {
	Interpreter    string
	Timeout        time.Duration
	ParseTimeout   time.Duration
	MaxCodeBytes   int
	MaxOutputBytes int
	MaxStderrBytes int
	WorkRoot       string
	Limits         ResourceLimits

	allowedImports map[string]struct{}
	restricted     []string
	suspicious     []string
	blockedEnv     map[string]struct{}
}

// NewPolicy converts the loaded configuration into a Policy.
func NewPolicy(cfg config.SandboxConfig) *Policy {
	p := &Policy{
		Interpreter:    cfg.Interpreter,
		Timeout:        cfg.Timeout,
		ParseTimeout:   cfg.ParseTimeout,
		MaxCodeBytes:   cfg.MaxCodeBytes,
		MaxOutputBytes: cfg.MaxOutputBytes,
		MaxStderrBytes: cfg.MaxStderrBytes,
		WorkRoot:       cfg.WorkRoot,
		Limits: ResourceLimits{
			MemoryBytes:   cfg.MaxMemoryBytes,
			CPUSeconds:    cfg.Limits.CPUSeconds,
			FileSizeBytes: cfg.Limits.FileSizeBytes,
			OpenFiles:     cfg.Limits.OpenFiles,
		},
		allowedImports: toSet(cfg.AllowedImports, false),
		restricted:     dedupe(cfg.RestrictedIdentifiers),
		suspicious:     dedupe(cfg.SuspiciousPatterns),
		blockedEnv:     toSet(cfg.BlockedEnv, true),
	}
	if p.Limits.CPUSeconds == 0 && p.Timeout > 0 {
		// CPU time can never legitimately exceed wall time; the extra second keeps
		// the wall-clock timeout the one that fires for busy loops.
		p.Limits.CPUSeconds = uint64(p.Timeout.Round(time.Second)/time.Second) + 1
	}
	return p
}

// DefaultPolicy returns the policy built from the default configuration.
func DefaultPolicy() *Policy {
	return NewPolicy(config.DefaultConfig().Sandbox)
}

// ImportAllowed reports whether a top-level module name is on the allowlist.
func (p *Policy) ImportAllowed(name string) bool {
	_, ok := p.allowedImports[name]
	return ok
}

// RestrictedIdentifiers returns the restricted names in configured order.
func (p *Policy) RestrictedIdentifiers() []string {
	return append([]string(nil), p.restricted...)
}

// SuspiciousPatterns returns the suspicious substrings in configured order.
func (p *Policy) SuspiciousPatterns() []string {
	return append([]string(nil), p.suspicious...)
}

// EnvBlocked reports whether a request may not override the given env key.
func (p *Policy) EnvBlocked(key string) bool {
	_, ok := p.blockedEnv[strings.ToUpper(key)]
	return ok
}

func toSet(items []string, upper bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if upper {
			it = strings.ToUpper(it)
		}
		set[it] = struct{}{}
	}
	return set
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
