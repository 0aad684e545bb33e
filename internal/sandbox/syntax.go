package sandbox

import (
	"context"
)

// SyntaxReport describes whether code compiles. Line and Column are 1-based; 0 means unknown.
type SyntaxReport struct {
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// SyntaxChecker compiles code without running it. It is independent of Validator:
// code may compile and still be unsafe, or be safe text that does not compile.
type SyntaxChecker struct {
	parser SourceParser
}

func NewSyntaxChecker(parser SourceParser) *SyntaxChecker {
	return &SyntaxChecker{parser: parser}
}

func (c *SyntaxChecker) CheckSyntax(ctx context.Context, code string) SyntaxReport {
	summary, err := c.parser.Summarize(ctx, code)
	if err != nil {
		return SyntaxReport{Valid: false, Error: err.Error()}
	}

	// The compile result is stricter than the parse result: it also rejects
	// constructs like a module-level return.
	pos := summary.CompileError
	if pos == nil {
		pos = summary.ParseError
	}
	if pos == nil {
		return SyntaxReport{Valid: true}
	}
	return SyntaxReport{
		Valid:  false,
		Error:  pos.Message,
		Line:   pos.Line,
		Column: pos.Column,
	}
}
