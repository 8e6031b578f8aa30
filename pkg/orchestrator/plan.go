package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// PlanStep is one atomic sub-question. Result and SQL are empty until the
// step has executed.
type PlanStep struct {
	Question string
	Result   string
	SQL      string
}

// Plan is an ordered sequence of sub-questions, consumed strictly front to
// back.
type Plan struct {
	ID    string
	Steps []PlanStep
}

// PlanParseError reports a planner response with no parseable plan. It is
// terminal for the question; the orchestrator does not retry planning.
type PlanParseError struct {
	Output string
}

func (e *PlanParseError) Error() string {
	return "planner response contained no JSON array of sub-questions"
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// parsePlan extracts the JSON array of sub-question strings from a planner
// response. A ```json fence wins; otherwise the outermost bracket pair is
// tried.
func parsePlan(output string) (Plan, error) {
	candidate := output
	if m := jsonFenceRe.FindStringSubmatch(output); m != nil {
		candidate = m[1]
	} else {
		open := strings.Index(output, "[")
		end := strings.LastIndex(output, "]")
		if open == -1 || end <= open {
			return Plan{}, &PlanParseError{Output: output}
		}
		candidate = output[open : end+1]
	}

	var questions []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &questions); err != nil {
		return Plan{}, &PlanParseError{Output: output}
	}

	steps := make([]PlanStep, 0, len(questions))
	for _, q := range questions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		steps = append(steps, PlanStep{Question: q})
	}
	if len(steps) == 0 {
		return Plan{}, &PlanParseError{Output: output}
	}

	return Plan{ID: uuid.New().String(), Steps: steps}, nil
}

// renderResults formats the executed steps for the synthesis prompt.
func renderResults(steps []PlanStep) string {
	var b strings.Builder
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. Sub-question: %s\n   Result: %s\n", i+1, step.Question, step.Result)
	}
	return b.String()
}
