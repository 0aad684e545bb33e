// Package pyast inspects Python source with the interpreter's own grammar.
//
// The source is never executed: a fixed helper program is run under the configured
// interpreter, reads the candidate source on stdin, and prints a JSON summary.
package pyast

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

//go:embed assets/inspect_source.py
var helperSource string

// helperHash ties cached summaries to the helper that produced them.
var helperHash = hashHelper(helperSource)

func hashHelper(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:8])
}

// ErrUnavailable means the interpreter could not produce a summary: it is missing,
// it timed out, or the helper crashed.
var ErrUnavailable = errors.New("python parser unavailable")

// Position is a parser or compiler error with 1-based coordinates (0 = unknown).
type Position struct {
	Message string `json:"msg"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

// Import is one imported module as written in the source.
type Import struct {
	Module string `json:"module"`
	Line   int    `json:"line"`
	Level  int    `json:"level,omitempty"` // leading dots of a relative from-import
}

// Counts holds node counts; each node is counted at most once.
type Counts struct {
	Functions    int `json:"functions"`
	Classes      int `json:"classes"`
	Imports      int `json:"imports"`
	Loops        int `json:"loops"`
	Conditionals int `json:"conditionals"`
}

// Summary is everything the sandbox needs to know about a source text.
type Summary struct {
	ParseError   *Position `json:"parse_error"`
	CompileError *Position `json:"compile_error"`
	Imports      []Import  `json:"imports"`
	Counts       Counts    `json:"counts"`
}

type formatResult struct {
	Formatted *string   `json:"formatted"`
	Error     *Position `json:"error"`
}

// Cache stores summaries keyed by source hash.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any) error
}

// Parser runs the helper program. It is safe for concurrent use.
type Parser struct {
	interpreter string
	timeout     time.Duration
	group       singleflight.Group
	cache       Cache
	observe     func(time.Duration)
}

type Option func(*Parser)

// WithCache enables the summary cache.
func WithCache(c Cache) Option {
	return func(p *Parser) { p.cache = c }
}

// WithObserver reports the duration of every helper invocation.
func WithObserver(fn func(time.Duration)) Option {
	return func(p *Parser) { p.observe = fn }
}

// New creates a Parser for the given interpreter.
func New(interpreter string, timeout time.Duration, opts ...Option) *Parser {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Parser{interpreter: interpreter, timeout: timeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Summarize parses code and returns its summary. A syntax error in code is not an
// error here: it is reported in Summary.ParseError.
func (p *Parser) Summarize(ctx context.Context, code string) (*Summary, error) {
	key := p.key("summary", code)

	if p.cache != nil {
		var cached Summary
		if err := p.cache.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	// Identical concurrent requests share one helper process. The helper runs on a
	// context detached from any single caller so one caller giving up does not fail
	// the others; each caller still stops waiting on its own ctx.
	ch := p.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		out, err := p.run(runCtx, "summary", code)
		if err != nil {
			return nil, err
		}
		var s Summary
		if err := json.Unmarshal(out, &s); err != nil {
			return nil, fmt.Errorf("%w: decoding helper output: %v", ErrUnavailable, err)
		}
		if p.cache != nil {
			if err := p.cache.SetJSON(runCtx, key, &s); err != nil {
				log.Debug().Err(err).Msg("parser cache write failed")
			}
		}
		return &s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*Summary)
		s.Imports = append([]Import(nil), s.Imports...)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Format pretty-prints code by round-tripping it through the interpreter's AST.
// It returns the parse error position when code does not parse.
func (p *Parser) Format(ctx context.Context, code string) (string, *Position, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(runCtx, "format", code)
	if err != nil {
		return "", nil, err
	}
	var res formatResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", nil, fmt.Errorf("%w: decoding helper output: %v", ErrUnavailable, err)
	}
	if res.Error != nil {
		return "", res.Error, nil
	}
	if res.Formatted == nil {
		return "", nil, fmt.Errorf("%w: helper returned no output", ErrUnavailable)
	}
	return *res.Formatted, nil, nil
}

func (p *Parser) run(ctx context.Context, mode, code string) ([]byte, error) {
	// -I: isolated mode, ignores PYTHON* env vars and the user site directory.
	cmd := exec.CommandContext(ctx, p.interpreter, "-I", "-c", helperSource, mode) // #nosec G204 -- fixed helper program, source arrives on stdin
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if p.observe != nil {
		p.observe(time.Since(start))
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: parse timed out after %s", ErrUnavailable, p.timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: helper exited with code %d: %s", ErrUnavailable, exitErr.ExitCode(), lastLine(stderr.String()))
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return stdout.Bytes(), nil
}

func (p *Parser) key(mode, code string) string {
	sum := sha256.Sum256([]byte(helperHash + "\x00" + p.interpreter + "\x00" + mode + "\x00" + code))
	return "pyast:" + hex.EncodeToString(sum[:])
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
