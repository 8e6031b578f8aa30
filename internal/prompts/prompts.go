// Package prompts holds the prompt templates used for planning, SQL
// generation, SQL refinement and answer synthesis. Defaults are compiled in;
// a JSON file can override any subset of them and is hot-reloaded on change.
package prompts

import "strings"

// Set is one complete collection of prompt templates. Placeholders use the
// {name} form and are filled with Render.
type Set struct {
	PlannerSystem      string `json:"planner_system"`
	Planner            string `json:"planner"`
	SQLGeneratorSystem string `json:"sql_generator_system"`
	SQLGenerator       string `json:"sql_generator"`
	SQLRefiner         string `json:"sql_refiner"`
	SynthesizerSystem  string `json:"synthesizer_system"`
	Synthesizer        string `json:"synthesizer"`
}

// Render substitutes {key} placeholders in a template.
func Render(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Default returns the built-in prompt set.
func Default() Set {
	return Set{
		PlannerSystem: "You are a medical data analyst planning how to answer a question " +
			"against an OMOP CDM database.",

		Planner: `Break the question below into the smallest possible ordered list of atomic sub-questions.

Rules:
- Each sub-question must be answerable with ONE aggregate SQL query: a count, a find, or a small list.
- Never require arithmetic across sub-questions; comparisons and ratios are computed later from the individual results.
- A simple question becomes a single-element list.
- Respond with ONLY a JSON array of strings inside a ` + "```json" + ` code block.

Question: {question}`,

		SQLGeneratorSystem: "You are an expert in OMOP CDM v5.4 writing DuckDB SQL. " +
			"Prefix every table with the base. schema. Use EXTRACT() for date arithmetic. " +
			"Respond with a single SELECT statement in a ```sql code block and nothing else.",

		SQLGenerator: `{context}

Write one DuckDB SELECT statement that answers this question:

{question}`,

		SQLRefiner: `{context}

The question is:

{question}

Previous attempts failed:

{history}

Write a corrected DuckDB SELECT statement that avoids every failure above.`,

		SynthesizerSystem: "You are a clinical data analyst. Answer in clear prose and " +
			"always include the relevant numbers.",

		Synthesizer: `Original question: {question}

Results of the executed sub-questions, in order:

{results}

Using only these results, perform any remaining arithmetic or comparison and write the final answer.`,
	}
}
