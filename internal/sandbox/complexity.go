package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// ComplexityStats are display-only metrics; they never gate execution.
type ComplexityStats struct {
	LineCount        int `json:"line_count"`
	FunctionCount    int `json:"function_count"`
	ClassCount       int `json:"class_count"`
	ImportCount      int `json:"import_count"`
	LoopCount        int `json:"loop_count"`
	ConditionalCount int `json:"conditional_count"`
	ComplexityScore  int `json:"complexity_score"`
}

type ComplexityAnalyzer struct {
	parser SourceParser
}

func NewComplexityAnalyzer(parser SourceParser) *ComplexityAnalyzer {
	return &ComplexityAnalyzer{parser: parser}
}

// Analyze returns ErrInvalidSyntax when code does not parse. It accepts code the
// validator would reject.
func (a *ComplexityAnalyzer) Analyze(ctx context.Context, code string) (*ComplexityStats, error) {
	summary, err := a.parser.Summarize(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParserUnavailable, err)
	}
	if summary.ParseError != nil {
		return nil, ErrInvalidSyntax
	}

	c := summary.Counts
	stats := &ComplexityStats{
		LineCount:        strings.Count(code, "\n") + 1,
		FunctionCount:    c.Functions,
		ClassCount:       c.Classes,
		ImportCount:      c.Imports,
		LoopCount:        c.Loops,
		ConditionalCount: c.Conditionals,
	}
	stats.ComplexityScore = complexityScore(stats)
	return stats, nil
}

func complexityScore(s *ComplexityStats) int {
	return 2*s.FunctionCount + 3*s.ClassCount + 2*s.LoopCount + s.ConditionalCount
}
