package runtime

import (
	"fmt"
)

// DefaultInterpreter is used when no interpreter path is configured.
const DefaultInterpreter = "python3"

// PythonRuntime configures execution of Python code.
type PythonRuntime struct {
	Interpreter  string
	MaxCodeBytes int
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		interpreterOrDefault(p.Interpreter), "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		codePath,
	}
}

func (p *PythonRuntime) FileName() string { return "sandbox_code.py" }

func (p *PythonRuntime) Validate(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if p.MaxCodeBytes > 0 && len(code) > p.MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max %d)", len(code), p.MaxCodeBytes)
	}
	return nil
}

func interpreterOrDefault(interp string) string {
	if interp == "" {
		return DefaultInterpreter
	}
	return interp
}
