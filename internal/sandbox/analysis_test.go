package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"codechronos-sandbox/internal/pyast"
)

func TestCheckSyntax(t *testing.T) {
	tests := []struct {
		name   string
		parser *fakeParser
		code   string
		want   SyntaxReport
	}{
		{"valid", &fakeParser{}, "x = 1", SyntaxReport{Valid: true}},
		{"parse error", &fakeParser{}, "x = 1\n!!", SyntaxReport{Error: "invalid syntax", Line: 2, Column: 1}},
		{"compile error", &fakeParser{compile: &pyast.Position{Message: "'return' outside function", Line: 1, Column: 1}},
			"return 1", SyntaxReport{Error: "'return' outside function", Line: 1, Column: 1}},
		{"parser unavailable", &fakeParser{err: errors.New("python parser unavailable")}, "x",
			SyntaxReport{Error: "python parser unavailable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSyntaxChecker(tt.parser).CheckSyntax(context.Background(), tt.code)
			if got != tt.want {
				t.Errorf("CheckSyntax() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	p := &fakeParser{counts: pyast.Counts{Functions: 2, Classes: 1, Imports: 3, Loops: 1, Conditionals: 4}}
	stats, err := NewComplexityAnalyzer(p).Analyze(context.Background(), "a\nb\nc\n")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	want := ComplexityStats{
		LineCount:        4,
		FunctionCount:    2,
		ClassCount:       1,
		ImportCount:      3,
		LoopCount:        1,
		ConditionalCount: 4,
		ComplexityScore:  2*2 + 3*1 + 2*1 + 4,
	}
	if *stats != want {
		t.Errorf("Analyze() = %+v, want %+v", *stats, want)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	_, err := NewComplexityAnalyzer(&fakeParser{}).Analyze(context.Background(), "!!")
	if !errors.Is(err, ErrInvalidSyntax) {
		t.Errorf("parse error: err = %v, want ErrInvalidSyntax", err)
	}
	if err.Error() != "invalid syntax" {
		t.Errorf("err = %q, want %q", err.Error(), "invalid syntax")
	}

	_, err = NewComplexityAnalyzer(&fakeParser{err: errors.New("boom")}).Analyze(context.Background(), "x")
	if !errors.Is(err, ErrParserUnavailable) {
		t.Errorf("parser failure: err = %v, want ErrParserUnavailable", err)
	}
}

// Analyze accepts code the validator rejects; it never gates anything.
func TestAnalyze_IgnoresPolicy(t *testing.T) {
	stats, err := NewComplexityAnalyzer(&fakeParser{}).Analyze(context.Background(), "import socket\neval('1')")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if stats.LineCount != 2 {
		t.Errorf("LineCount = %d, want 2", stats.LineCount)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name         string
		parser       *fakeParser
		code         string
		want         string
		wantFallback bool
	}{
		{"ast formatter", &fakeParser{formatted: "x = 1\n"}, "x=1", "x = 1\n", false},
		{"does not parse", &fakeParser{}, "if x:\nfoo()\n!!", "if x:\n    foo()\n    !!", true},
		{"parser unavailable", &fakeParser{err: errors.New("gone")}, "def f():\nreturn 1", "def f():\n    return 1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewFormatter(tt.parser).Format(context.Background(), tt.code)
			if got.Code != tt.want || got.Fallback != tt.wantFallback {
				t.Errorf("Format() = %+v, want {Code:%q Fallback:%v}", got, tt.want, tt.wantFallback)
			}
		})
	}
}

func TestReindent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"flat", "a\nb", "a\nb"},
		{"block", "def f():\nreturn 1", "def f():\n    return 1"},
		{"else closes block", "if x:\na()\nelse:\nb()", "if x:\n    a()\nelse:\n    b()"},
		{"try", "try:\na()\nexcept ValueError:\npass\nfinally:\nc()", "try:\n    a()\nexcept ValueError:\n    pass\nfinally:\n    c()"},
		{"blank lines kept", "if x:\n\n   y()", "if x:\n\n    y()"},
		{"elsewhere not a clause", "elsewhere = 1", "elsewhere = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reindent(tt.in); got != tt.want {
				t.Errorf("reindent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCheckSyntax_Python(t *testing.T) {
	requirePython(t)
	checker := NewSyntaxChecker(pyast.New("python3", 5*time.Second))

	report := checker.CheckSyntax(context.Background(), "def f(:\n    pass")
	if report.Valid || report.Line != 1 {
		t.Errorf("CheckSyntax(bad def) = %+v, want invalid at line 1", report)
	}

	report = checker.CheckSyntax(context.Background(), "return 1")
	if report.Valid {
		t.Error("module-level return accepted, want compile error")
	}

	report = checker.CheckSyntax(context.Background(), "import socket\nprint(eval('1'))")
	if !report.Valid {
		t.Errorf("unsafe but valid code rejected: %+v", report)
	}
}

func TestAnalyze_Python(t *testing.T) {
	requirePython(t)
	a := NewComplexityAnalyzer(pyast.New("python3", 5*time.Second))

	code := "def f(x):\n    if x:\n        return 1\n    return 0\n"
	stats, err := a.Analyze(context.Background(), code)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if stats.FunctionCount != 1 || stats.ConditionalCount != 1 || stats.ComplexityScore != 3 {
		t.Errorf("Analyze() = %+v, want 1 function, 1 conditional, score 3", stats)
	}
	if stats.LineCount != 5 {
		t.Errorf("LineCount = %d, want 5", stats.LineCount)
	}

	code = "class A:\n    def m(self):\n        for i in range(3):\n            pass\n"
	stats, err = a.Analyze(context.Background(), code)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	// 2*1 function + 3*1 class + 2*1 loop
	if stats.ComplexityScore != 7 {
		t.Errorf("ComplexityScore = %d, want 7", stats.ComplexityScore)
	}

	stats, err = a.Analyze(context.Background(), "def f(): pass\nfor i in range(3):\n  if i: pass")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if stats.FunctionCount != 1 || stats.LoopCount != 1 || stats.ConditionalCount != 1 || stats.ComplexityScore != 5 {
		t.Errorf("Analyze() = %+v, want 1 function, 1 loop, 1 conditional, score 5", stats)
	}

	stats, err = a.Analyze(context.Background(), "async def f(xs):\n    async for x in xs:\n        pass\n")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if stats.FunctionCount != 1 || stats.LoopCount != 1 || stats.ComplexityScore != 4 {
		t.Errorf("Analyze() = %+v, want async def and async for counted, score 4", stats)
	}
}
