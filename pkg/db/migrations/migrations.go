// Package migrations holds the schema of the history database.
// Versions are timestamps (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/jingkaihe/agentry/pkg/db"
)

// All returns every migration in version order. New migrations go at the end.
func All() []db.Migration {
	return []db.Migration{
		Migration20261001090000CreateAgentModifications(),
		Migration20261001090001AddModificationIndexes(),
	}
}
