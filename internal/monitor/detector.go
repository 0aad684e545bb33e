package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Detector looks for host-probing code and for signs in a run's output that it hit
// a resource limit or read something it should not have. It only reports; the
// validator decides what runs.
type Detector struct {
	codePatterns   []DetectionPattern
	stderrPatterns []substringPattern
	outputPatterns []substringPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type substringPattern struct {
	name   string
	substr string
	detail string
	sev    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewDetector creates a detector with default patterns.
func NewDetector() *Detector {
	return &Detector{
		codePatterns:   defaultCodePatterns(),
		stderrPatterns: defaultStderrPatterns(),
		outputPatterns: defaultOutputPatterns(),
	}
}

// AnalyzeCode checks submitted code for host-probing patterns, line by line.
func (d *Detector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.codePatterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious pattern detected in code")
		}
	}

	return detections
}

// AnalyzeOutput checks stdout for content that should never leave the host.
func (d *Detector) AnalyzeOutput(output string) []Detection {
	return matchSubstrings(d.outputPatterns, output)
}

// AnalyzeStderr classifies interpreter errors caused by the sandbox's resource limits.
func (d *Detector) AnalyzeStderr(stderr string) []Detection {
	return matchSubstrings(d.stderrPatterns, stderr)
}

func matchSubstrings(patterns []substringPattern, s string) []Detection {
	var detections []Detection
	for _, p := range patterns {
		if strings.Contains(s, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   p.detail,
			})
		}
	}
	return detections
}

func defaultCodePatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|environ|maps|status)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "host_secrets",
			Description: "Reading host credential or account files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|\.ssh/|\.aws/credentials`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell",
			Regex:       regexp.MustCompile(`(?i)socket\.socket\(.*\)\.connect|/dev/tcp/|pty\.spawn`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "native_code",
			Description: "Loading native code through ctypes or cffi",
			Regex:       regexp.MustCompile(`\bctypes\b|\bcffi\b|CDLL\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "introspection_escape",
			Description: "Walking object internals to recover builtins",
			Regex:       regexp.MustCompile(`__subclasses__|__globals__|__mro__|__code__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "fork_bomb",
			Description: "Unbounded process creation",
			Regex:       regexp.MustCompile(`os\.fork\(\)|multiprocessing\.Process`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}

func defaultStderrPatterns() []substringPattern {
	return []substringPattern{
		{"memory_limit", "MemoryError", "interpreter ran out of address space (RLIMIT_AS)", SeverityMedium},
		{"open_files_limit", "[Errno 24]", "too many open files (RLIMIT_NOFILE)", SeverityLow},
		{"file_size_limit", "[Errno 27]", "file size limit exceeded (RLIMIT_FSIZE)", SeverityLow},
		{"recursion_limit", "RecursionError", "maximum recursion depth exceeded", SeverityLow},
	}
}

func defaultOutputPatterns() []substringPattern {
	return []substringPattern{
		{"passwd_leak", "root:x:0:0", "suspicious content in output: passwd_leak", SeverityCritical},
		{"kernel_leak", "Linux version", "suspicious content in output: kernel_leak", SeverityHigh},
		{"private_key_leak", "PRIVATE KEY-----", "suspicious content in output: private_key_leak", SeverityCritical},
		{"aws_key_leak", "aws_secret_access_key", "suspicious content in output: aws_key_leak", SeverityCritical},
	}
}
