package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/db"
)

// Migration20261001090001AddModificationIndexes indexes the history lookups:
// per agent, by time for retention and recent queries.
func Migration20261001090001AddModificationIndexes() db.Migration {
	indexes := []struct {
		name string
		ddl  string
	}{
		{"idx_agent_modifications_agent", "CREATE INDEX IF NOT EXISTS idx_agent_modifications_agent ON agent_modifications(agent_name, timestamp)"},
		{"idx_agent_modifications_timestamp", "CREATE INDEX IF NOT EXISTS idx_agent_modifications_timestamp ON agent_modifications(timestamp)"},
	}

	return db.Migration{
		Version:     20261001090001,
		Description: "Add agent_modifications indexes",
		Up: func(tx *sql.Tx) error {
			for _, idx := range indexes {
				if _, err := tx.Exec(idx.ddl); err != nil {
					return errors.Wrapf(err, "failed to create index %s", idx.name)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, idx := range indexes {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + idx.name); err != nil {
					return errors.Wrapf(err, "failed to drop index %s", idx.name)
				}
			}
			return nil
		},
	}
}
