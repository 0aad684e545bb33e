package sandbox

import (
	"context"
	"errors"
	"strings"

	"codechronos-sandbox/internal/pyast"
)

// Issue prefixes, also used as metric labels via IssueKind.
const (
	issueRestricted   = "Restricted function: "
	issueSuspicious   = "Suspicious pattern: "
	issueSyntax       = "Syntax error: "
	issueUnauthorized = "Unauthorized import: "
	issueImportCheck  = "Import check failed: "
)

// SourceParser summarizes Python source without executing it.
type SourceParser interface {
	Summarize(ctx context.Context, code string) (*pyast.Summary, error)
}

// ValidationReport is the outcome of one Validate call.
type ValidationReport struct {
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues"`
}

// Validator runs the static checks that decide whether code may run at all.
//
// The restricted-identifier and suspicious-pattern passes are plain substring
// matches over the whole text, comments and string literals included. They are
// trivially bypassed (string concatenation, getattr) and flag harmless text;
// they are a first filter, not a security boundary. The OS limits applied by
// Executor are what actually bound a run.
type Validator struct {
	policy *Policy
	parser SourceParser
}

func NewValidator(policy *Policy, parser SourceParser) *Validator {
	return &Validator{policy: policy, parser: parser}
}

// Validate reports every issue found; no pass short-circuits another.
func (v *Validator) Validate(ctx context.Context, code string) ValidationReport {
	issues := make([]string, 0)

	for _, name := range v.policy.restricted {
		if strings.Contains(code, name) {
			issues = append(issues, issueRestricted+name)
		}
	}

	for _, pattern := range v.policy.suspicious {
		if strings.Contains(code, pattern) {
			issues = append(issues, issueSuspicious+pattern)
		}
	}

	issues = append(issues, v.checkImports(ctx, code)...)

	return ValidationReport{Safe: len(issues) == 0, Issues: issues}
}

// checkImports fails closed: code that cannot be parsed, or a parser that cannot
// run, yields an issue instead of an empty import list.
func (v *Validator) checkImports(ctx context.Context, code string) []string {
	summary, err := v.parser.Summarize(ctx, code)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = "validation interrupted: " + reason
		}
		return []string{issueImportCheck + reason}
	}
	if summary.ParseError != nil {
		return []string{issueSyntax + summary.ParseError.Message}
	}

	var issues []string
	for _, imp := range summary.Imports {
		if !v.policy.ImportAllowed(topLevelModule(imp.Module)) {
			issues = append(issues, issueUnauthorized+imp.Module)
		}
	}
	return issues
}

func topLevelModule(name string) string {
	top, _, _ := strings.Cut(name, ".")
	return top
}

// IssueKind maps an issue string to a short label for metrics and audit records.
func IssueKind(issue string) string {
	switch {
	case strings.HasPrefix(issue, issueRestricted):
		return "restricted"
	case strings.HasPrefix(issue, issueSuspicious):
		return "suspicious"
	case strings.HasPrefix(issue, issueSyntax):
		return "syntax"
	case strings.HasPrefix(issue, issueUnauthorized):
		return "import"
	case strings.HasPrefix(issue, issueImportCheck):
		return "parser"
	default:
		return "other"
	}
}
