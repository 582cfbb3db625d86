package tracker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/db"
	"github.com/jingkaihe/agentry/pkg/db/migrations"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// modificationRow is the database shape of a ModificationRecord.
type modificationRow struct {
	ID              string  `db:"id"`
	AgentName       string  `db:"agent_name"`
	ChangeType      string  `db:"change_type"`
	Tier            string  `db:"tier"`
	Path            string  `db:"path"`
	Timestamp       int64   `db:"timestamp"` // unix nanoseconds
	HashBefore      string  `db:"hash_before"`
	HashAfter       string  `db:"hash_after"`
	SizeBefore      int64   `db:"size_before"`
	SizeAfter       int64   `db:"size_after"`
	ValidationScore float64 `db:"validation_score"`
	Validated       bool    `db:"validated"`
	ValidationError string  `db:"validation_error"`
	Diff            string  `db:"diff"`
	BackupRef       string  `db:"backup_ref"`
	Origin          string  `db:"origin"`
}

func fromRecord(r agenttypes.ModificationRecord) modificationRow {
	return modificationRow{
		ID:              r.ID,
		AgentName:       r.AgentName,
		ChangeType:      string(r.Type),
		Tier:            string(r.Tier),
		Path:            r.Path,
		Timestamp:       r.Timestamp.UnixNano(),
		HashBefore:      r.HashBefore,
		HashAfter:       r.HashAfter,
		SizeBefore:      r.SizeBefore,
		SizeAfter:       r.SizeAfter,
		ValidationScore: r.Validation.Score,
		Validated:       r.Validation.Validated,
		ValidationError: r.Validation.Error,
		Diff:            r.Diff,
		BackupRef:       r.BackupRef,
		Origin:          string(r.Origin),
	}
}

func (m modificationRow) toRecord() agenttypes.ModificationRecord {
	return agenttypes.ModificationRecord{
		ID:         m.ID,
		AgentName:  m.AgentName,
		Type:       agenttypes.ChangeType(m.ChangeType),
		Tier:       agenttypes.TierKind(m.Tier),
		Path:       m.Path,
		Timestamp:  time.Unix(0, m.Timestamp),
		HashBefore: m.HashBefore,
		HashAfter:  m.HashAfter,
		SizeBefore: m.SizeBefore,
		SizeAfter:  m.SizeAfter,
		Validation: agenttypes.ValidationOutcome{
			Score:     m.ValidationScore,
			Validated: m.Validated,
			Error:     m.ValidationError,
		},
		Diff:      m.Diff,
		BackupRef: m.BackupRef,
		Origin:    agenttypes.ChangeOrigin(m.Origin),
	}
}

func toRecords(rows []modificationRow) []agenttypes.ModificationRecord {
	records := make([]agenttypes.ModificationRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records
}

// HistoryStats summarizes the stored history.
type HistoryStats struct {
	Total   int                           `json:"total"`
	Agents  int                           `json:"agents"`
	ByType  map[agenttypes.ChangeType]int `json:"by_type"`
	ByTier  map[agenttypes.TierKind]int   `json:"by_tier"`
	Last24h int                           `json:"last_24h"`
	Last7d  int                           `json:"last_7d"`
}

// Store is the append-only modification history in SQLite.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens the history database at path, applying migrations. An
// empty path opens the default database under the agentry base directory.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.OpenMigrated(ctx, path, migrations.All())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open modification history")
	}
	return &Store{db: sqlDB}, nil
}

// NewStore wraps an already migrated database.
func NewStore(sqlDB *sqlx.DB) *Store {
	return &Store{db: sqlDB}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertModification = `INSERT INTO agent_modifications (
	id, agent_name, change_type, tier, path, timestamp, hash_before, hash_after,
	size_before, size_after, validation_score, validated, validation_error, diff,
	backup_ref, origin
) VALUES (
	:id, :agent_name, :change_type, :tier, :path, :timestamp, :hash_before, :hash_after,
	:size_before, :size_after, :validation_score, :validated, :validation_error, :diff,
	:backup_ref, :origin
)`

// Append stores rec. Records are never updated afterwards.
func (s *Store) Append(ctx context.Context, rec agenttypes.ModificationRecord) error {
	if _, err := s.db.NamedExecContext(ctx, insertModification, fromRecord(rec)); err != nil {
		return errors.Wrapf(err, "failed to append modification for agent '%s'", rec.AgentName)
	}
	return nil
}

// History returns the records of agent, newest first. limit <= 0 means all.
func (s *Store) History(ctx context.Context, agent string, limit int) ([]agenttypes.ModificationRecord, error) {
	query := "SELECT * FROM agent_modifications WHERE agent_name = ? ORDER BY timestamp DESC, rowid DESC"
	args := []any{agent}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []modificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrapf(err, "failed to query history of agent '%s'", agent)
	}
	return toRecords(rows), nil
}

// Since returns every record at or after since, newest first. A zero since
// returns everything.
func (s *Store) Since(ctx context.Context, since time.Time) ([]agenttypes.ModificationRecord, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}

	var rows []modificationRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM agent_modifications WHERE timestamp >= ? ORDER BY timestamp DESC, rowid DESC", from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent modifications")
	}
	return toRecords(rows), nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (agenttypes.ModificationRecord, error) {
	var row modificationRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM agent_modifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return agenttypes.ModificationRecord{}, errors.Wrapf(agenttypes.ErrNotFound, "modification '%s'", id)
	}
	if err != nil {
		return agenttypes.ModificationRecord{}, errors.Wrapf(err, "failed to get modification '%s'", id)
	}
	return row.toRecord(), nil
}

// Prune deletes records older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agent_modifications WHERE timestamp < ?", before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune modification history")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned modifications")
	}
	return n, nil
}

// Stats aggregates the history relative to now.
func (s *Store) Stats(ctx context.Context, now time.Time) (HistoryStats, error) {
	stats := HistoryStats{
		ByType: make(map[agenttypes.ChangeType]int),
		ByTier: make(map[agenttypes.TierKind]int),
	}

	var byType []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &byType,
		"SELECT change_type AS key, COUNT(*) AS count FROM agent_modifications GROUP BY change_type"); err != nil {
		return stats, errors.Wrap(err, "failed to count modifications by type")
	}
	for _, row := range byType {
		stats.ByType[agenttypes.ChangeType(row.Key)] = row.Count
		stats.Total += row.Count
	}

	var byTier []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &byTier,
		"SELECT tier AS key, COUNT(*) AS count FROM agent_modifications GROUP BY tier"); err != nil {
		return stats, errors.Wrap(err, "failed to count modifications by tier")
	}
	for _, row := range byTier {
		stats.ByTier[agenttypes.TierKind(row.Key)] = row.Count
	}

	err := s.db.GetContext(ctx, &stats.Agents, "SELECT COUNT(DISTINCT agent_name) FROM agent_modifications")
	if err != nil {
		return stats, errors.Wrap(err, "failed to count tracked agents")
	}

	windows := []struct {
		since time.Time
		dest  *int
	}{
		{now.Add(-24 * time.Hour), &stats.Last24h},
		{now.Add(-7 * 24 * time.Hour), &stats.Last7d},
	}
	for _, w := range windows {
		if err := s.db.GetContext(ctx, w.dest,
			"SELECT COUNT(*) FROM agent_modifications WHERE timestamp >= ?", w.since.UnixNano()); err != nil {
			return stats, errors.Wrap(err, "failed to count recent modifications")
		}
	}

	return stats, nil
}
