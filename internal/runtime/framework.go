package runtime

import (
	"fmt"
	"strconv"
)

// ReflexFramework runs a Reflex app by appending an app.run entry point.
type ReflexFramework struct {
	Interpreter string
}

func (f *ReflexFramework) Name() string { return "reflex" }

func (f *ReflexFramework) Marker() string { return "reflex" }

func (f *ReflexFramework) Bootstrap(code string, port int) string {
	return code + fmt.Sprintf("\n\nif __name__ == '__main__':\n    app.run(port=%d)\n", port)
}

func (f *ReflexFramework) Command(codePath string, _ int) []string {
	return []string{interpreterOrDefault(f.Interpreter), "-u", "-B", codePath}
}

// StreamlitFramework runs the file through `python -m streamlit run`.
type StreamlitFramework struct {
	Interpreter string
}

func (f *StreamlitFramework) Name() string { return "streamlit" }

func (f *StreamlitFramework) Marker() string { return "streamlit" }

func (f *StreamlitFramework) Bootstrap(code string, _ int) string { return code }

func (f *StreamlitFramework) Command(codePath string, port int) []string {
	return []string{
		interpreterOrDefault(f.Interpreter), "-m", "streamlit", "run", codePath,
		"--server.port", strconv.Itoa(port),
		"--server.headless", "true",
	}
}
