// Package sqlite provides a SQLite-backed snapshot repository.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// Store persists snapshots and definitions in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens a SQLite store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// DB exposes the handle for pool tuning.
func (s *Store) DB() *sql.DB { return s.sqlDB }

const snapshotColumns = `id, definition_id, period_start, period_end, granularity,
       dimensions, dimensions_hash, value, formatted_value, validated,
       definition_version, collection_status, status_message, duration_ms,
       created_at, revision`

// GetByKey returns the snapshot stored under key.
func (s *Store) GetByKey(ctx context.Context, key models.SnapshotKey) (*models.Snapshot, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+snapshotColumns+`
		   FROM metric_snapshots
		  WHERE definition_id = ? AND period_start = ? AND period_end = ? AND dimensions_hash = ?`,
		key.DefinitionID,
		toMicros(key.PeriodStart),
		toMicros(key.PeriodEnd),
		key.DimensionsHash,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot by key: %w", err)
	}
	return snap, nil
}

// GetByID returns the snapshot with id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+snapshotColumns+`
		   FROM metric_snapshots
		  WHERE id = ?`,
		id,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot by id: %w", err)
	}
	return snap, nil
}

// Insert creates a snapshot row. The unique key index turns a concurrent
// duplicate into snapshot.ErrConflict.
func (s *Store) Insert(ctx context.Context, snap *models.Snapshot) error {
	dims, err := json.Marshal(snap.Dimensions)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO metric_snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.DefinitionID,
		toMicros(snap.PeriodStart),
		toMicros(snap.PeriodEnd),
		string(snap.Granularity),
		string(dims),
		snap.DimensionsHash,
		snap.Value.String(),
		snap.FormattedValue,
		snap.Validated,
		snap.DefinitionVersion,
		string(snap.CollectionStatus),
		snap.StatusMessage,
		snap.DurationMs,
		toMicros(snap.CreatedAt),
		snap.Revision,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return snapshot.ErrConflict
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Replace overwrites prior with next in one conditional statement.
func (s *Store) Replace(ctx context.Context, prior, next *models.Snapshot) error {
	dims, err := json.Marshal(next.Dimensions)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}
	res, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE metric_snapshots
		    SET id = ?,
		        granularity = ?,
		        dimensions = ?,
		        value = ?,
		        formatted_value = ?,
		        validated = ?,
		        definition_version = ?,
		        collection_status = ?,
		        status_message = ?,
		        duration_ms = ?,
		        created_at = ?,
		        revision = ?
		  WHERE id = ? AND revision = ?`,
		next.ID,
		string(next.Granularity),
		string(dims),
		next.Value.String(),
		next.FormattedValue,
		next.Validated,
		next.DefinitionVersion,
		string(next.CollectionStatus),
		next.StatusMessage,
		next.DurationMs,
		toMicros(next.CreatedAt),
		next.Revision,
		prior.ID,
		prior.Revision,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return snapshot.ErrConflict
		}
		return fmt.Errorf("replace snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if n == 0 {
		return snapshot.ErrConflict
	}
	return nil
}

// SetValidated updates the validated flag.
func (s *Store) SetValidated(ctx context.Context, id string, validated bool) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE metric_snapshots SET validated = ? WHERE id = ?`, validated, id)
	if err != nil {
		return fmt.Errorf("set validated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set validated: %w", err)
	}
	if n == 0 {
		return snapshot.ErrNotFound
	}
	return nil
}

// QueryRange returns snapshots intersecting [q.Start, q.End).
func (s *Store) QueryRange(ctx context.Context, q snapshot.RangeQuery) ([]*models.Snapshot, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+snapshotColumns+`
		   FROM metric_snapshots
		  WHERE definition_id = ? AND period_start < ? AND period_end > ?
		  ORDER BY period_start ASC, dimensions_hash ASC`,
		q.DefinitionID,
		toMicros(q.End),
		toMicros(q.Start),
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot range: %w", err)
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("query snapshot range: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query snapshot range: %w", err)
	}
	return out, nil
}

// GetDefinition returns one metric definition.
func (s *Store) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, description, unit, current_version, updated_at
		   FROM metric_definitions
		  WHERE id = ?`,
		id,
	)
	var def models.Definition
	var updatedAt int64
	if err := row.Scan(&def.ID, &def.Name, &def.Description, &def.Unit, &def.CurrentVersion, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	def.UpdatedAt = fromMicros(updatedAt)
	return &def, nil
}

// PutDefinition upserts a definition unless that would lower its version.
func (s *Store) PutDefinition(ctx context.Context, def *models.Definition) error {
	res, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO metric_definitions (id, name, description, unit, current_version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     name = excluded.name,
		     description = excluded.description,
		     unit = excluded.unit,
		     current_version = excluded.current_version,
		     updated_at = excluded.updated_at
		 WHERE metric_definitions.current_version <= excluded.current_version`,
		def.ID,
		def.Name,
		def.Description,
		def.Unit,
		def.CurrentVersion,
		toMicros(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put definition: %w", err)
	}
	if n == 0 {
		return snapshot.ErrConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*models.Snapshot, error) {
	var (
		snap        models.Snapshot
		periodStart int64
		periodEnd   int64
		granularity string
		dims        string
		value       string
		status      string
		createdAt   int64
	)
	if err := row.Scan(
		&snap.ID,
		&snap.DefinitionID,
		&periodStart,
		&periodEnd,
		&granularity,
		&dims,
		&snap.DimensionsHash,
		&value,
		&snap.FormattedValue,
		&snap.Validated,
		&snap.DefinitionVersion,
		&status,
		&snap.StatusMessage,
		&snap.DurationMs,
		&createdAt,
		&snap.Revision,
	); err != nil {
		return nil, err
	}

	var set dimensions.Set
	if err := json.Unmarshal([]byte(dims), &set); err != nil {
		return nil, fmt.Errorf("decode dimensions of %s: %w", snap.ID, err)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("decode value of %s: %w", snap.ID, err)
	}

	snap.PeriodStart = fromMicros(periodStart)
	snap.PeriodEnd = fromMicros(periodEnd)
	snap.Granularity = models.Granularity(granularity)
	snap.Dimensions = set
	snap.Value = d
	snap.CollectionStatus = models.CollectionStatus(status)
	snap.CreatedAt = fromMicros(createdAt)
	return &snap, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var (
	_ snapshot.Repository         = (*Store)(nil)
	_ snapshot.DefinitionProvider = (*Store)(nil)
)
