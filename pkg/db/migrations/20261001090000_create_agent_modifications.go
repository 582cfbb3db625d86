package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/db"
)

// Migration20261001090000CreateAgentModifications creates the append-only
// agent_modifications table.
func Migration20261001090000CreateAgentModifications() db.Migration {
	return db.Migration{
		Version:     20261001090000,
		Description: "Create agent_modifications table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS agent_modifications (
					id TEXT PRIMARY KEY,
					agent_name TEXT NOT NULL,
					change_type TEXT NOT NULL,
					tier TEXT NOT NULL,
					path TEXT NOT NULL,
					timestamp INTEGER NOT NULL,
					hash_before TEXT NOT NULL DEFAULT '',
					hash_after TEXT NOT NULL DEFAULT '',
					size_before INTEGER NOT NULL DEFAULT 0,
					size_after INTEGER NOT NULL DEFAULT 0,
					validation_score REAL NOT NULL DEFAULT 0,
					validated INTEGER NOT NULL DEFAULT 0,
					validation_error TEXT NOT NULL DEFAULT '',
					diff TEXT NOT NULL DEFAULT '',
					backup_ref TEXT NOT NULL DEFAULT '',
					origin TEXT NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create agent_modifications table")
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			if _, err := tx.Exec("DROP TABLE IF EXISTS agent_modifications"); err != nil {
				return errors.Wrap(err, "failed to drop agent_modifications table")
			}
			return nil
		},
	}
}
