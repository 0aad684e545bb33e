package sandbox

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/pyast"
)

// SourceFormatter pretty-prints source through the interpreter's AST.
type SourceFormatter interface {
	Format(ctx context.Context, code string) (string, *pyast.Position, error)
}

// FormatResult tells the caller which formatter produced Code.
type FormatResult struct {
	Code     string `json:"code"`
	Fallback bool   `json:"fallback"`
}

// Formatter normalizes code for the editor. Code that does not parse, or a parser
// that is unavailable, gets a line-based re-indent instead of an error.
type Formatter struct {
	parser SourceFormatter
}

func NewFormatter(parser SourceFormatter) *Formatter {
	return &Formatter{parser: parser}
}

func (f *Formatter) Format(ctx context.Context, code string) FormatResult {
	out, pos, err := f.parser.Format(ctx, code)
	switch {
	case err != nil:
		log.Debug().Err(err).Msg("ast formatter unavailable, using line formatter")
	case pos != nil:
		log.Debug().Str("error", pos.Message).Msg("code does not parse, using line formatter")
	default:
		return FormatResult{Code: out}
	}
	return FormatResult{Code: reindent(code), Fallback: true}
}

// reindent strips each line and re-indents by four spaces per open block, where
// a block opens after a line ending in ':' and else/elif/except/finally close the
// previous block first.
func reindent(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	level := 0

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			out = append(out, "")
			continue
		}
		if isContinuationClause(stripped) {
			level = max(0, level-1)
		}
		out = append(out, strings.Repeat("    ", level)+stripped)
		if strings.HasSuffix(stripped, ":") {
			level++
		}
	}
	return strings.Join(out, "\n")
}

func isContinuationClause(line string) bool {
	for _, kw := range []string{"else", "elif", "except", "finally"} {
		if line == kw+":" || strings.HasPrefix(line, kw+" ") || strings.HasPrefix(line, kw+"(") {
			return true
		}
	}
	return false
}
