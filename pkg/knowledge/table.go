package knowledge

// Column describes one declared column of an OMOP table.
type Column struct {
	Name       string
	Type       string
	Required   bool
	ForeignKey string // "table.column" or empty
}

// TableDescriptor holds the declared shape of one OMOP CDM table together
// with everything learned about it at runtime. Discovered columns are
// overwritten wholesale on each discovery pass; the confirmed-missing set
// only ever grows within a process lifetime.
type TableDescriptor struct {
	Name          string
	Domain        string
	Columns       []Column
	PrimaryKey    string
	BusinessRules []string

	Discovered     map[string]string // column name -> reported type
	MissingColumns map[string]bool   // proven absent by runtime errors
}

// Domain tags used to select tables relevant to a question.
const (
	DomainPerson      = "Person"
	DomainCondition   = "Condition"
	DomainDrug        = "Drug"
	DomainMeasurement = "Measurement"
	DomainObservation = "Observation"
	DomainVisit       = "Visit"
	DomainVocabulary  = "Vocabulary"
)

// defaultSchema declares the core OMOP CDM v5.4 tables the system queries.
// All tables live under the "base" schema in the DuckDB deployment.
func defaultSchema() map[string]*TableDescriptor {
	tables := []*TableDescriptor{
		{
			Name:       "person",
			Domain:     DomainPerson,
			PrimaryKey: "person_id",
			Columns: []Column{
				{Name: "person_id", Type: "BIGINT", Required: true},
				{Name: "gender_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "year_of_birth", Type: "INTEGER", Required: true},
				{Name: "month_of_birth", Type: "INTEGER"},
				{Name: "day_of_birth", Type: "INTEGER"},
				{Name: "race_concept_id", Type: "INTEGER", ForeignKey: "concept.concept_id"},
				{Name: "ethnicity_concept_id", Type: "INTEGER", ForeignKey: "concept.concept_id"},
			},
			BusinessRules: []string{
				"gender_concept_id 8507 = male, 8532 = female",
				"age = EXTRACT(YEAR FROM CURRENT_DATE) - year_of_birth",
			},
		},
		{
			Name:       "condition_occurrence",
			Domain:     DomainCondition,
			PrimaryKey: "condition_occurrence_id",
			Columns: []Column{
				{Name: "condition_occurrence_id", Type: "BIGINT", Required: true},
				{Name: "person_id", Type: "BIGINT", Required: true, ForeignKey: "person.person_id"},
				{Name: "condition_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "condition_start_date", Type: "DATE", Required: true},
				{Name: "condition_end_date", Type: "DATE"},
				{Name: "condition_type_concept_id", Type: "INTEGER"},
			},
			BusinessRules: []string{
				"join concept on condition_concept_id to resolve condition names",
				"count patients with COUNT(DISTINCT person_id), not COUNT(*)",
			},
		},
		{
			Name:       "drug_exposure",
			Domain:     DomainDrug,
			PrimaryKey: "drug_exposure_id",
			Columns: []Column{
				{Name: "drug_exposure_id", Type: "BIGINT", Required: true},
				{Name: "person_id", Type: "BIGINT", Required: true, ForeignKey: "person.person_id"},
				{Name: "drug_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "drug_exposure_start_date", Type: "DATE", Required: true},
				{Name: "drug_exposure_end_date", Type: "DATE"},
				{Name: "quantity", Type: "NUMERIC"},
			},
		},
		{
			Name:       "measurement",
			Domain:     DomainMeasurement,
			PrimaryKey: "measurement_id",
			Columns: []Column{
				{Name: "measurement_id", Type: "BIGINT", Required: true},
				{Name: "person_id", Type: "BIGINT", Required: true, ForeignKey: "person.person_id"},
				{Name: "measurement_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "measurement_date", Type: "DATE", Required: true},
				{Name: "value_as_number", Type: "NUMERIC"},
				{Name: "unit_concept_id", Type: "INTEGER"},
			},
		},
		{
			Name:       "observation",
			Domain:     DomainObservation,
			PrimaryKey: "observation_id",
			Columns: []Column{
				{Name: "observation_id", Type: "BIGINT", Required: true},
				{Name: "person_id", Type: "BIGINT", Required: true, ForeignKey: "person.person_id"},
				{Name: "observation_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "observation_date", Type: "DATE"},
				{Name: "value_as_string", Type: "VARCHAR"},
			},
		},
		{
			Name:       "visit_occurrence",
			Domain:     DomainVisit,
			PrimaryKey: "visit_occurrence_id",
			Columns: []Column{
				{Name: "visit_occurrence_id", Type: "BIGINT", Required: true},
				{Name: "person_id", Type: "BIGINT", Required: true, ForeignKey: "person.person_id"},
				{Name: "visit_concept_id", Type: "INTEGER", Required: true, ForeignKey: "concept.concept_id"},
				{Name: "visit_start_date", Type: "DATE", Required: true},
				{Name: "visit_end_date", Type: "DATE"},
			},
		},
		{
			Name:       "concept",
			Domain:     DomainVocabulary,
			PrimaryKey: "concept_id",
			Columns: []Column{
				{Name: "concept_id", Type: "INTEGER", Required: true},
				{Name: "concept_name", Type: "VARCHAR", Required: true},
				{Name: "domain_id", Type: "VARCHAR", Required: true},
				{Name: "vocabulary_id", Type: "VARCHAR", Required: true},
				{Name: "standard_concept", Type: "VARCHAR"},
				{Name: "concept_code", Type: "VARCHAR"},
			},
			BusinessRules: []string{
				"filter standard concepts with standard_concept = 'S'",
				"match concept names with LOWER(concept_name) LIKE '%...%'",
			},
		},
	}

	out := make(map[string]*TableDescriptor, len(tables))
	for _, t := range tables {
		t.Discovered = make(map[string]string)
		t.MissingColumns = make(map[string]bool)
		out[t.Name] = t
	}
	return out
}

// CoreTableNames lists the declared tables in stable order, used by the
// discovery query and for deterministic context rendering.
func CoreTableNames() []string {
	return []string{
		"person",
		"condition_occurrence",
		"drug_exposure",
		"measurement",
		"observation",
		"visit_occurrence",
		"concept",
	}
}
