package queryagent

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sqlFenceRe = regexp.MustCompile("(?s)```sql\\s*(.*?)```")
	anyFenceRe = regexp.MustCompile("(?s)```\\s*(.*?)```")

	// Write and DDL keywords that disqualify a statement outright.
	forbiddenKeywordRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|ATTACH|DETACH|COPY|PRAGMA|GRANT|REVOKE|CALL|EXPORT|IMPORT)\b`)
)

// ExtractSQL pulls the SQL statement out of a generation response. A ```sql
// fence wins over a bare fence, which wins over the raw text.
func ExtractSQL(output string) (string, error) {
	candidate := output
	if m := sqlFenceRe.FindStringSubmatch(output); m != nil {
		candidate = m[1]
	} else if m := anyFenceRe.FindStringSubmatch(output); m != nil {
		candidate = m[1]
	}

	candidate = strings.TrimSpace(candidate)
	candidate = strings.TrimSuffix(candidate, ";")
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", fmt.Errorf("generation produced no SQL statement")
	}
	return candidate, nil
}

// ValidateReadOnly enforces the single read-only statement gate: exactly one
// statement, starting with SELECT or WITH, with no write or DDL keywords.
func ValidateReadOnly(sql string) error {
	if strings.Contains(sql, ";") {
		return fmt.Errorf("generated output contains multiple statements; a single SELECT is required")
	}

	upper := strings.ToUpper(strings.TrimSpace(sql))
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("generated statement does not start with a read-only keyword: %.40s", sql)
	}

	if m := forbiddenKeywordRe.FindString(sql); m != "" {
		return fmt.Errorf("generated statement contains forbidden keyword %s", strings.ToUpper(m))
	}
	return nil
}

// embeddedError detects tool output that reports success but carries a
// database error in its text. String-sniffing free-form output is a known
// weak point, kept because some servers flag errors this way.
func embeddedError(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, marker := range []string{"binder error", "catalog error", "parser error", "syntax error"} {
		if strings.Contains(lower, marker) {
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}
