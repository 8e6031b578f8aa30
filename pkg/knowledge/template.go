package knowledge

import "strings"

// QueryTemplate is a parameterized SQL shape with per-pattern success
// statistics. Counters are mutated only by RecordOutcome after a successful
// execution whose shape matches the template.
type QueryTemplate struct {
	Name       string
	SQL        string
	Domains    []string
	Complexity string // simple, join, aggregate
	Uses       int
	Successes  int
	Examples   []string

	// markers that must all appear in a SQL statement for it to count as an
	// instance of this template
	markers []string
}

const maxTemplateExamples = 5

// matches reports whether the executed SQL has this template's shape.
func (t *QueryTemplate) matches(sql string) bool {
	if len(t.markers) == 0 {
		return false
	}
	upper := strings.ToUpper(sql)
	for _, marker := range t.markers {
		if !strings.Contains(upper, strings.ToUpper(marker)) {
			return false
		}
	}
	return true
}

func (t *QueryTemplate) record(sql string, success bool) {
	t.Uses++
	if success {
		t.Successes++
		if len(t.Examples) < maxTemplateExamples {
			t.Examples = append(t.Examples, sql)
		}
	}
}

func defaultTemplates() []*QueryTemplate {
	return []*QueryTemplate{
		{
			Name: "count_patients_with_condition",
			SQL: "SELECT COUNT(DISTINCT co.person_id) FROM base.condition_occurrence co " +
				"JOIN base.concept c ON co.condition_concept_id = c.concept_id " +
				"WHERE LOWER(c.concept_name) LIKE '%{condition}%' AND c.standard_concept = 'S'",
			Domains:    []string{DomainCondition},
			Complexity: "join",
			markers:    []string{"COUNT(DISTINCT", "condition_occurrence"},
		},
		{
			Name: "count_patients_by_gender",
			SQL: "SELECT gender_concept_id, COUNT(DISTINCT person_id) FROM base.person " +
				"GROUP BY gender_concept_id",
			Domains:    []string{DomainPerson},
			Complexity: "aggregate",
			markers:    []string{"COUNT(DISTINCT", "person", "GROUP BY"},
		},
		{
			Name: "count_patients_on_drug",
			SQL: "SELECT COUNT(DISTINCT de.person_id) FROM base.drug_exposure de " +
				"JOIN base.concept c ON de.drug_concept_id = c.concept_id " +
				"WHERE LOWER(c.concept_name) LIKE '%{drug}%'",
			Domains:    []string{DomainDrug},
			Complexity: "join",
			markers:    []string{"COUNT(DISTINCT", "drug_exposure"},
		},
		{
			Name: "patients_over_age",
			SQL: "SELECT COUNT(DISTINCT person_id) FROM base.person " +
				"WHERE (EXTRACT(YEAR FROM CURRENT_DATE) - year_of_birth) > {age}",
			Domains:    []string{DomainPerson},
			Complexity: "simple",
			markers:    []string{"year_of_birth", "person"},
		},
		{
			Name:       "lookup_concept",
			SQL:        "SELECT concept_id, concept_name FROM base.concept WHERE LOWER(concept_name) LIKE '%{term}%' AND standard_concept = 'S'",
			Domains:    []string{DomainVocabulary},
			Complexity: "simple",
			markers:    []string{"concept_name", "concept"},
		},
	}
}
