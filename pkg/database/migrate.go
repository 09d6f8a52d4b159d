package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations holds the full schema history. Versions are applied in order and
// recorded in schema_migrations, so older databases upgrade in place.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				last_activity DATETIME,
				status TEXT NOT NULL DEFAULT 'active'
			);

			CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				interaction_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				component TEXT,
				hierarchy_level INTEGER NOT NULL DEFAULT 0,
				event_index INTEGER NOT NULL,
				timestamp DATETIME NOT NULL,
				event_data TEXT NOT NULL,
				FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, event_index);
			CREATE INDEX IF NOT EXISTS idx_events_interaction ON events(interaction_id);
			CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
		`,
	},
	{
		Version: 2,
		Name:    "interaction_summaries",
		SQL: `
			CREATE TABLE IF NOT EXISTS interactions (
				interaction_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				request TEXT NOT NULL,
				status TEXT,
				reply TEXT,
				started_at DATETIME NOT NULL,
				finished_at DATETIME,
				FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, started_at);
		`,
	},
}

// MigrationRunner applies pending migrations.
type MigrationRunner struct {
	db *sql.DB
}

// NewMigrationRunner creates a migration runner.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// RunMigrations applies every migration not yet recorded, in version order.
func (mr *MigrationRunner) RunMigrations() error {
	if err := mr.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := mr.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := mr.runMigration(m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	_, err := mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (mr *MigrationRunner) appliedVersions() (map[int]bool, error) {
	rows, err := mr.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (mr *MigrationRunner) runMigration(m Migration) error {
	tx, err := mr.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
