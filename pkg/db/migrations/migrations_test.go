package migrations

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/agentry/pkg/db"
)

func TestAllApplyAndRollBack(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.OpenMigrated(ctx, filepath.Join(t.TempDir(), "storage.db"), All())
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = sqlDB.ExecContext(ctx, `INSERT INTO agent_modifications
		(id, agent_name, change_type, tier, path, timestamp, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"m1", "engineer", "create", "project", "/tmp/engineer.md", time.Now().UnixNano(), "watcher")
	require.NoError(t, err)

	var indexes int
	require.NoError(t, sqlDB.Get(&indexes,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_agent_modifications_%'"))
	assert.Equal(t, 2, indexes)

	runner := db.NewMigrationRunner(sqlDB)
	versions, err := runner.GetAppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20261001090000, 20261001090001}, versions)

	require.NoError(t, runner.Rollback(ctx, All()))
	require.NoError(t, sqlDB.Get(&indexes,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_agent_modifications_%'"))
	assert.Equal(t, 0, indexes)
}
