package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/pyast"
	"codechronos-sandbox/internal/runtime"
)

// fakeParser understands just enough Python for the validator: plain import
// statements. A line starting with "!!" is a syntax error.
type fakeParser struct {
	err       error
	compile   *pyast.Position
	counts    pyast.Counts
	formatted string
	calls     atomic.Int32
}

func (f *fakeParser) Summarize(_ context.Context, code string) (*pyast.Summary, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}

	s := &pyast.Summary{Counts: f.counts, CompileError: f.compile}
	for i, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "!!"):
			return &pyast.Summary{ParseError: &pyast.Position{Message: "invalid syntax", Line: i + 1, Column: 1}}, nil
		case strings.HasPrefix(line, "import "):
			for _, name := range strings.Split(strings.TrimPrefix(line, "import "), ",") {
				name, _, _ = strings.Cut(strings.TrimSpace(name), " as ")
				s.Imports = append(s.Imports, pyast.Import{Module: name, Line: i + 1})
			}
		case strings.HasPrefix(line, "from "):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			mod := strings.TrimLeft(fields[1], ".")
			if mod == "" {
				continue
			}
			level := len(fields[1]) - len(mod)
			s.Imports = append(s.Imports, pyast.Import{Module: mod, Line: i + 1, Level: level})
		}
	}
	return s, nil
}

func (f *fakeParser) Format(_ context.Context, code string) (string, *pyast.Position, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	if strings.Contains(code, "!!") {
		return "", &pyast.Position{Message: "invalid syntax", Line: 1}, nil
	}
	return f.formatted, nil, nil
}

func requirePython(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

// testConfig returns the default sandbox configuration with runs rooted in a
// per-test directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sandbox.WorkRoot = t.TempDir()
	cfg.Sandbox.Timeout = 10 * time.Second
	cfg.Preview.GracePeriod = 500 * time.Millisecond
	return cfg
}

// newPythonExecutor builds an executor backed by the real interpreter.
func newPythonExecutor(t *testing.T, cfg config.SandboxConfig) *Executor {
	t.Helper()
	requirePython(t)
	policy := NewPolicy(cfg)
	parser := pyast.New(policy.Interpreter, 5*time.Second)
	return newExecutorWith(policy, parser)
}

func newExecutorWith(policy *Policy, parser SourceParser) *Executor {
	rt := &runtime.PythonRuntime{Interpreter: policy.Interpreter, MaxCodeBytes: policy.MaxCodeBytes}
	return NewExecutor(policy, NewValidator(policy, parser), rt)
}
