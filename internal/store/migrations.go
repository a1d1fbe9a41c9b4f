package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with projects, skills, skill files, and deployments",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add backups and backup_files for skill snapshots",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add change_events audit log and sync_history",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL UNIQUE,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
    id                              TEXT PRIMARY KEY,
    name                            TEXT NOT NULL UNIQUE,
    description                     TEXT NOT NULL DEFAULT '',
    version                         TEXT NOT NULL DEFAULT '',
    checksum                        TEXT,
    created_at                      INTEGER NOT NULL,
    last_modified                   INTEGER NOT NULL,
    watcher_pending_since           INTEGER,
    watcher_backup_id               TEXT,
    watcher_trigger_deployment_id   TEXT
);

-- Content store: one row per (skill, relative path)
CREATE TABLE IF NOT EXISTS skill_files (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    skill_id        TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
    relative_path   TEXT NOT NULL,
    content         BLOB NOT NULL,
    size            INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE (skill_id, relative_path)
);

-- scope is the project id, or 'global' when project_id is NULL
CREATE TABLE IF NOT EXISTS deployments (
    id          TEXT PRIMARY KEY,
    skill_id    TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
    project_id  TEXT REFERENCES projects(id) ON DELETE CASCADE,
    scope       TEXT NOT NULL,
    tool        TEXT NOT NULL,
    path        TEXT NOT NULL UNIQUE,
    checksum    TEXT,
    status      TEXT NOT NULL CHECK (status IN ('synced', 'diverged', 'missing', 'untracked')),
    last_synced INTEGER,
    created_at  INTEGER NOT NULL,
    UNIQUE (skill_id, scope, tool)
);

CREATE INDEX IF NOT EXISTS idx_deployments_skill ON deployments(skill_id);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_deployments_skill;
DROP TABLE IF EXISTS deployments;
DROP TABLE IF EXISTS skill_files;
DROP TABLE IF EXISTS skills;
DROP TABLE IF EXISTS projects;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS backups (
    id          TEXT PRIMARY KEY,
    skill_id    TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
    reason      TEXT NOT NULL,
    checksum    TEXT,
    file_count  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_skill ON backups(skill_id, created_at);

CREATE TABLE IF NOT EXISTS backup_files (
    backup_id       TEXT NOT NULL REFERENCES backups(id) ON DELETE CASCADE,
    relative_path   TEXT NOT NULL,
    content         BLOB NOT NULL,
    size            INTEGER NOT NULL,
    PRIMARY KEY (backup_id, relative_path)
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS backup_files;
DROP INDEX IF EXISTS idx_backups_skill;
DROP TABLE IF EXISTS backups;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS change_events (
    id              TEXT PRIMARY KEY,
    deployment_id   TEXT REFERENCES deployments(id) ON DELETE SET NULL,
    skill_id        TEXT REFERENCES skills(id) ON DELETE CASCADE,
    subject_ref     TEXT NOT NULL,
    source          TEXT NOT NULL,
    event_type      TEXT NOT NULL CHECK (event_type IN ('created', 'modified', 'deleted')),
    path            TEXT NOT NULL DEFAULT '',
    rel_path        TEXT NOT NULL DEFAULT '',
    old_checksum    TEXT,
    new_checksum    TEXT,
    resolution      TEXT NOT NULL DEFAULT 'pending'
                    CHECK (resolution IN ('pending', 'accepted', 'reverted', 'ignored')),
    resolved_at     INTEGER,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_events_skill ON change_events(skill_id, resolution);
CREATE INDEX IF NOT EXISTS idx_change_events_created ON change_events(created_at);

CREATE TABLE IF NOT EXISTS sync_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    skill_id        TEXT NOT NULL REFERENCES skills(id) ON DELETE CASCADE,
    deployment_id   TEXT,
    action          TEXT NOT NULL,
    from_checksum   TEXT,
    to_checksum     TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_history_skill ON sync_history(skill_id, created_at);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_sync_history_skill;
DROP TABLE IF EXISTS sync_history;
DROP INDEX IF EXISTS idx_change_events_created;
DROP INDEX IF EXISTS idx_change_events_skill;
DROP TABLE IF EXISTS change_events;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes which migrations are applied.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"projects",
		"skills",
		"skill_files",
		"deployments",
		"backups",
		"backup_files",
		"change_events",
		"sync_history",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
