package metering

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is a single schema step; append new ones with increasing versions
type migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		Version:     1,
		Description: "usage table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    stage TEXT NOT NULL DEFAULT '',
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model);`)
			return err
		},
	},
}

// migrate applies pending migrations tracked by PRAGMA user_version
func migrate(conn *sql.DB, logger *slog.Logger) error {
	var current int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if logger != nil {
			logger.Debug("Applying ledger migration", "version", m.Version, "description", m.Description)
		}

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// user_version is set outside the transaction (modernc/sqlite requirement)
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}
	return nil
}
