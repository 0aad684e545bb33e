package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	stdinFile string
	envVars   []string
	port      int

	auditType  string
	auditExec  string
	auditSince string
	auditLimit int
)

func main() {
	root := &cobra.Command{
		Use:          "sandbox-cli",
		Short:        "CLI client for codechronos-sandbox",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute Python code in the sandbox (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addRunFlags(execCmd)
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a Python file in the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addRunFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	// Static checks; none of these run the code.
	for _, c := range []struct{ use, short, path string }{
		{"validate", "Check code against the import and identifier policy", "/validate"},
		{"syntax", "Check that code compiles", "/syntax"},
		{"analyze", "Report complexity statistics", "/analyze"},
		{"format", "Normalize code formatting", "/format"},
	} {
		root.AddCommand(&cobra.Command{
			Use:   c.use + " [file]",
			Short: c.short,
			Args:  cobra.MaximumNArgs(1),
			RunE:  staticCheck(c.path),
		})
	}

	previewCmd := &cobra.Command{
		Use:   "preview [file]",
		Short: "Launch a Reflex or Streamlit preview server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPreview,
	}
	previewCmd.Flags().IntVarP(&port, "port", "p", 8501, "Port for the preview server")
	root.AddCommand(previewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "preview-stop [id]",
		Short: "Stop a preview server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doRequest(http.MethodDelete, "/previews/"+url.PathEscape(args[0]), nil, 10*time.Second)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "previews",
		Short: "List running preview servers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return doRequest(http.MethodGet, "/previews", nil, 10*time.Second)
		},
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent security events",
		RunE:  runAudit,
	}
	auditCmd.Flags().StringVar(&auditType, "type", "", "Only events of this type (e.g. timeout, validation_rejected)")
	auditCmd.Flags().StringVar(&auditExec, "exec-id", "", "Only events of this execution")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only events newer than this duration (e.g. 1h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
	root.AddCommand(auditCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&stdinFile, "stdin", "", "File whose contents are fed to the program's stdin")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
}

func runExec(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}
	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	if ext := fileExtension(args[0]); ext != ".py" {
		return fmt.Errorf("only Python files can be executed, got %q", ext)
	}
	code, err := readCode(args)
	if err != nil {
		return err
	}
	return executeCode(code)
}

// readCode takes code from the file named in args, or from stdin.
func readCode(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func executeCode(code string) error {
	payload := map[string]any{"code": code}

	if stdinFile != "" {
		data, err := os.ReadFile(stdinFile)
		if err != nil {
			return fmt.Errorf("reading stdin file: %w", err)
		}
		payload["stdin"] = string(data)
	}
	if len(envVars) > 0 {
		env := make(map[string]string, len(envVars))
		for _, kv := range envVars {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
			}
			env[k] = v
		}
		payload["env"] = env
	}

	result, err := call(http.MethodPost, "/execute", payload, 70*time.Second)
	if err != nil {
		return err
	}
	printJSON(result)

	// Exit with the sandbox return code
	if m, ok := result.(map[string]any); ok {
		if rc, ok := m["return_code"].(float64); ok && rc != 0 {
			if rc < 0 {
				os.Exit(1)
			}
			os.Exit(int(rc))
		}
	}
	return nil
}

func staticCheck(path string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		code, err := readCode(args)
		if err != nil {
			return err
		}
		result, err := call(http.MethodPost, path, map[string]any{"code": code}, 15*time.Second)
		if err != nil {
			return err
		}
		// Formatted code is more useful raw than JSON-quoted.
		if m, ok := result.(map[string]any); ok && path == "/format" {
			if s, ok := m["code"].(string); ok {
				fmt.Print(s)
				return nil
			}
		}
		printJSON(result)
		return nil
	}
}

func runPreview(_ *cobra.Command, args []string) error {
	code, err := readCode(args)
	if err != nil {
		return err
	}
	return doRequest(http.MethodPost, "/previews", map[string]any{"code": code, "port": port}, 90*time.Second)
}

func runHealth(_ *cobra.Command, _ []string) error {
	return doRequest(http.MethodGet, "/health", nil, 10*time.Second)
}

func runAudit(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if auditType != "" {
		q.Set("type", auditType)
	}
	if auditExec != "" {
		q.Set("execution_id", auditExec)
	}
	if auditSince != "" {
		q.Set("since", auditSince)
	}
	q.Set("limit", strconv.Itoa(auditLimit))
	return doRequest(http.MethodGet, "/audit/events?"+q.Encode(), nil, 10*time.Second)
}

func doRequest(method, path string, payload any, timeout time.Duration) error {
	result, err := call(method, path, payload, timeout)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// call sends a JSON request and decodes the JSON reply. Non-2xx replies are
// printed and returned as errors.
func call(method, path string, payload any, timeout time.Duration) (any, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		printJSON(result)
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return result, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
