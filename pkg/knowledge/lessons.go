package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

// Failure is one failed attempt fed back into context building.
type Failure struct {
	SQL   string
	Error string
}

// Error-shape patterns. These mirror DuckDB's wording; matching free-form
// error text is a documented heuristic, not a guaranteed classifier.
var (
	missingColumnRe = regexp.MustCompile(`(?i)table\s+"?(\w+)"?\s+does not have a column named\s+"?(\w+)"?`)
	unknownColumnRe = regexp.MustCompile(`(?i)column\s+"?(\w+)"?\s+(?:does not exist|not found)`)
	missingTableRe  = regexp.MustCompile(`(?i)table with name\s+"?(\w+)"?\s+does not exist|no such table:?\s+"?(\w+)"?`)
	fromTableRe     = regexp.MustCompile(`(?i)\bfrom\s+(?:base\.)?(\w+)`)
)

// missingColumn extracts (table, column) from a missing-column error.
// When the error names no table, the column is attributed to the first
// table in the failing statement's FROM clause.
func missingColumn(sql, errText string) (table, column string, ok bool) {
	if m := missingColumnRe.FindStringSubmatch(errText); m != nil {
		return strings.ToLower(m[1]), strings.ToLower(m[2]), true
	}
	if m := unknownColumnRe.FindStringSubmatch(errText); m != nil {
		if f := fromTableRe.FindStringSubmatch(sql); f != nil {
			return strings.ToLower(f[1]), strings.ToLower(m[1]), true
		}
	}
	return "", "", false
}

// lessonsFrom turns failed attempts into de-duplicated, ordered guidance
// strings for the refinement prompt. Output is deterministic for identical
// input so that retries are reproducible.
func lessonsFrom(failures []Failure) []string {
	var lessons []string
	seen := map[string]bool{}
	add := func(lesson string) {
		if !seen[lesson] {
			seen[lesson] = true
			lessons = append(lessons, lesson)
		}
	}

	for _, f := range failures {
		errText := f.Error
		lower := strings.ToLower(errText)

		if table, column, ok := missingColumn(f.SQL, errText); ok {
			add(fmt.Sprintf("Column %q does not exist on table %q; verify column names against the schema before referencing them.", column, table))
			continue
		}
		if m := missingTableRe.FindStringSubmatch(errText); m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			add(fmt.Sprintf("Table %q does not exist; use only the core OMOP tables with the base. schema prefix.", strings.ToLower(name)))
			continue
		}

		switch {
		case strings.Contains(lower, "binder error"):
			add("A binder error means a referenced table or column is wrong; re-check every identifier against the schema.")
		case strings.Contains(lower, "parser error"), strings.Contains(lower, "syntax error"):
			add("The previous query had a syntax error; generate a single plain SELECT statement in DuckDB syntax.")
		case strings.Contains(lower, "catalog error"):
			add("A catalog error means the table is missing or unprefixed; qualify every table with base.")
		case strings.Contains(lower, "timed out"):
			add("The previous query timed out; prefer aggregate counts over wide row scans.")
		default:
			add(fmt.Sprintf("Previous attempt failed with: %s", strings.TrimSpace(errText)))
		}
	}
	return lessons
}
