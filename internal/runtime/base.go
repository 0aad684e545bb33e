package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoFramework is returned by Detect when code references no preview framework.
var ErrNoFramework = errors.New("no preview framework detected")

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Command returns the command and args to execute the file at codePath.
	Command(codePath string) []string

	// FileName returns the name the code is materialized under.
	FileName() string

	// Validate checks the request-level constraints (size, emptiness) before execution.
	Validate(code string) error
}

// Framework describes a long-running UI server that a preview can be started with.
type Framework interface {
	Name() string

	// Marker is the substring whose presence in the source selects this framework.
	Marker() string

	// Bootstrap returns the source to materialize, with whatever is needed to bind port.
	Bootstrap(code string, port int) string

	// Command returns the command and args that start the server for codePath.
	Command(codePath string, port int) []string
}

// Registry maps language names to their Runtime implementations and keeps
// preview frameworks in detection order.
type Registry struct {
	runtimes   map[string]Runtime
	frameworks []Framework
}

// NewRegistry creates a registry whose runtimes invoke the given interpreter.
func NewRegistry(interpreter string, maxCodeBytes int) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{Interpreter: interpreter, MaxCodeBytes: maxCodeBytes})
	r.RegisterFramework(&ReflexFramework{Interpreter: interpreter})
	r.RegisterFramework(&StreamlitFramework{Interpreter: interpreter})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// RegisterFramework appends a framework; earlier registrations win detection.
func (r *Registry) RegisterFramework(fw Framework) {
	r.frameworks = append(r.frameworks, fw)
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	return langs
}

// Detect returns the first framework whose marker occurs in code.
// The check is a plain substring match on the source text.
func (r *Registry) Detect(code string) (Framework, error) {
	for _, fw := range r.frameworks {
		if strings.Contains(code, fw.Marker()) {
			return fw, nil
		}
	}
	return nil, ErrNoFramework
}

// Frameworks returns the registered frameworks in detection order.
func (r *Registry) Frameworks() []Framework {
	out := make([]Framework, len(r.frameworks))
	copy(out, r.frameworks)
	return out
}
