package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/agentry/pkg/config"
	"github.com/jingkaihe/agentry/pkg/db"
	"github.com/jingkaihe/agentry/pkg/db/migrations"
	"github.com/jingkaihe/agentry/pkg/presenter"
)

// MigrationStatus is one row of `db status`.
type MigrationStatus struct {
	Version     int64  `json:"version"`
	Description string `json:"description"`
	Applied     bool   `json:"applied"`
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Modification history database commands",
	Long:  `Commands for managing the modification history database (migrations, status).`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		path, err := historyDBPath()
		if err != nil {
			fail(err, "failed to locate the history database")
		}
		statuses, err := migrationStatus(ctx, path)
		if err != nil {
			fail(err, "failed to get migration status")
		}
		if jsonOutput {
			printJSON(map[string]any{"database": path, "migrations": statuses})
			return
		}

		presenter.Section("Database Migration Status")
		presenter.Info(fmt.Sprintf("Database: %s", path))
		rows := make([][]string, 0, len(statuses))
		applied := 0
		for _, s := range statuses {
			mark := "[ ]"
			if s.Applied {
				mark = "[x]"
				applied++
			}
			rows = append(rows, []string{mark, strconv.FormatInt(s.Version, 10), s.Description})
		}
		presenter.Table(nil, rows)
		presenter.Info(fmt.Sprintf("Applied: %d/%d migrations", applied, len(statuses)))
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path, err := historyDBPath()
		if err != nil {
			fail(err, "failed to locate the history database")
		}
		if err := db.RunMigrations(cmd.Context(), path, migrations.All()); err != nil {
			fail(err, "failed to apply migrations")
		}
		presenter.Success(fmt.Sprintf("Database %s is up to date", path))
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the last database migration",
	Long:  `Rolls back the most recently applied migration. Useful for testing or downgrading agentry.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		path, err := historyDBPath()
		if err != nil {
			fail(err, "failed to locate the history database")
		}

		version, err := rollbackMigration(ctx, path)
		if err != nil {
			fail(err, "failed to roll back migration")
		}
		if version == 0 {
			presenter.Warning("No migrations to roll back")
			return
		}
		presenter.Success(fmt.Sprintf("Rolled back migration %d", version))
	},
}

// historyDBPath is the configured database path, falling back to the default
// location when the configuration leaves it empty.
func historyDBPath() (string, error) {
	cfg, err := config.FromViper()
	if err != nil {
		return "", err
	}
	if cfg.Tracker.DBPath != "" {
		return cfg.Tracker.DBPath, nil
	}
	return db.DefaultDBPath()
}

func migrationStatus(ctx context.Context, path string) ([]MigrationStatus, error) {
	sqlDB, err := db.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	if err := db.VerifyConfiguration(sqlDB); err != nil {
		return nil, errors.Wrap(err, "database is misconfigured")
	}

	all := migrations.All()
	pending, err := db.NewMigrationRunner(sqlDB).Pending(ctx, all)
	if err != nil {
		return nil, err
	}
	isPending := make(map[int64]bool, len(pending))
	for _, m := range pending {
		isPending[m.Version] = true
	}

	statuses := make([]MigrationStatus, 0, len(all))
	for _, m := range all {
		statuses = append(statuses, MigrationStatus{
			Version:     m.Version,
			Description: m.Description,
			Applied:     !isPending[m.Version],
		})
	}
	return statuses, nil
}

// rollbackMigration undoes the latest applied migration and returns its
// version, or 0 when nothing was applied.
func rollbackMigration(ctx context.Context, path string) (int64, error) {
	statuses, err := migrationStatus(ctx, path)
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, s := range statuses {
		if s.Applied && s.Version > latest {
			latest = s.Version
		}
	}
	if latest == 0 {
		return 0, nil
	}

	sqlDB, err := db.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer sqlDB.Close()

	if err := db.NewMigrationRunner(sqlDB).Rollback(ctx, migrations.All()); err != nil {
		return 0, err
	}
	return latest, nil
}

func init() {
	dbStatusCmd.Flags().Bool("json", false, "Output as JSON")
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}
