package knowledge

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists learned schema facts across process restarts: columns
// proven missing and template success statistics. Everything else in the
// knowledge base is rebuilt from the declared schema on startup.
type Store struct {
	db *sql.DB
}

// TemplateStats is a persisted counter pair for one template.
type TemplateStats struct {
	Uses      int
	Successes int
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS missing_columns (
	table_name  TEXT NOT NULL,
	column_name TEXT NOT NULL,
	learned_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (table_name, column_name)
);

CREATE TABLE IF NOT EXISTS template_stats (
	name       TEXT PRIMARY KEY,
	uses       INTEGER NOT NULL DEFAULT 0,
	successes  INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// OpenStore opens (creating if needed) the sqlite-backed knowledge store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize knowledge store: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadMissingColumns returns all persisted confirmed-missing columns keyed
// by table name.
func (s *Store) LoadMissingColumns() (map[string][]string, error) {
	rows, err := s.db.Query("SELECT table_name, column_name FROM missing_columns ORDER BY table_name, column_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		out[table] = append(out[table], column)
	}
	return out, rows.Err()
}

// SaveMissingColumn records one confirmed-missing column. Duplicate saves
// are harmless.
func (s *Store) SaveMissingColumn(table, column string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO missing_columns (table_name, column_name) VALUES (?, ?)",
		table, column,
	)
	return err
}

// LoadTemplateStats returns persisted counters keyed by template name.
func (s *Store) LoadTemplateStats() (map[string]TemplateStats, error) {
	rows, err := s.db.Query("SELECT name, uses, successes FROM template_stats")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]TemplateStats)
	for rows.Next() {
		var name string
		var stats TemplateStats
		if err := rows.Scan(&name, &stats.Uses, &stats.Successes); err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, rows.Err()
}

// SaveTemplateStats upserts the counters for one template.
func (s *Store) SaveTemplateStats(name string, uses, successes int) error {
	_, err := s.db.Exec(
		`INSERT INTO template_stats (name, uses, successes, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET uses = excluded.uses, successes = excluded.successes, updated_at = CURRENT_TIMESTAMP`,
		name, uses, successes,
	)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
