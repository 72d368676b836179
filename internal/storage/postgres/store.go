// Package postgres provides a Postgres-backed snapshot repository built on gorm.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/logger"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

type definitionRow struct {
	ID             string    `gorm:"column:id;type:text;primaryKey"`
	Name           string    `gorm:"column:name;type:text;not null"`
	Description    string    `gorm:"column:description;type:text;not null;default:''"`
	Unit           string    `gorm:"column:unit;type:text;not null;default:''"`
	CurrentVersion int64     `gorm:"column:current_version;not null;check:current_version >= 1"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;autoUpdateTime:false"`
}

func (definitionRow) TableName() string { return "metric_definitions" }

type snapshotRow struct {
	ID                string          `gorm:"column:id;type:uuid;primaryKey"`
	DefinitionID      string          `gorm:"column:definition_id;type:text;not null;uniqueIndex:idx_metric_snapshots_key,priority:1;index:idx_metric_snapshots_range,priority:1"`
	PeriodStart       time.Time       `gorm:"column:period_start;type:timestamptz;not null;uniqueIndex:idx_metric_snapshots_key,priority:2;index:idx_metric_snapshots_range,priority:2"`
	PeriodEnd         time.Time       `gorm:"column:period_end;type:timestamptz;not null;uniqueIndex:idx_metric_snapshots_key,priority:3;index:idx_metric_snapshots_range,priority:3"`
	DimensionsHash    string          `gorm:"column:dimensions_hash;type:char(64);not null;uniqueIndex:idx_metric_snapshots_key,priority:4"`
	Granularity       string          `gorm:"column:granularity;type:text;not null"`
	Dimensions        datatypes.JSON  `gorm:"column:dimensions;type:jsonb;not null"`
	Value             decimal.Decimal `gorm:"column:value;type:numeric;not null"`
	FormattedValue    string          `gorm:"column:formatted_value;type:text;not null;default:''"`
	Validated         bool            `gorm:"column:validated;not null;default:true"`
	DefinitionVersion int64           `gorm:"column:definition_version;not null"`
	CollectionStatus  string          `gorm:"column:collection_status;type:text;not null"`
	StatusMessage     string          `gorm:"column:status_message;type:text;not null;default:''"`
	DurationMs        int64           `gorm:"column:duration_ms;not null;check:duration_ms >= 0"`
	CreatedAt         time.Time       `gorm:"column:created_at;type:timestamptz;not null;autoCreateTime:false"`
	Revision          int64           `gorm:"column:revision;not null"`
}

func (snapshotRow) TableName() string { return "metric_snapshots" }

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store persists snapshots and definitions in Postgres.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to dsn and migrates the snapshot tables.
func Open(dsn string, opts Options, log *logger.Logger) (*Store, error) {
	serviceLog := log.With("service", "PostgresStore")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	store := &Store{db: db, log: serviceLog}
	if err := store.AutoMigrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing gorm handle. The caller owns migrations.
func NewWithDB(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log.With("service", "PostgresStore")}
}

// AutoMigrate creates or updates the snapshot tables.
func (s *Store) AutoMigrate() error {
	s.log.Info("Auto migrating snapshot tables...")
	if err := s.db.AutoMigrate(&definitionRow{}, &snapshotRow{}); err != nil {
		s.log.Error("Auto migration failed for snapshot tables", "error", err)
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// GetByKey returns the snapshot stored under key.
func (s *Store) GetByKey(ctx context.Context, key models.SnapshotKey) (*models.Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("definition_id = ? AND period_start = ? AND period_end = ? AND dimensions_hash = ?",
			key.DefinitionID, key.PeriodStart.UTC(), key.PeriodEnd.UTC(), key.DimensionsHash).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot by key: %w", err)
	}
	return row.toModel()
}

// GetByID returns the snapshot with id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	if !isSnapshotID(id) {
		return nil, snapshot.ErrNotFound
	}
	var row snapshotRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot by id: %w", err)
	}
	return row.toModel()
}

// Insert creates a snapshot row.
func (s *Store) Insert(ctx context.Context, snap *models.Snapshot) error {
	row, err := fromModel(snap)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return snapshot.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Replace overwrites prior with next if prior's revision is still current.
func (s *Store) Replace(ctx context.Context, prior, next *models.Snapshot) error {
	dims, err := json.Marshal(next.Dimensions)
	if err != nil {
		return fmt.Errorf("encode dimensions: %w", err)
	}
	res := s.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Where("id = ? AND revision = ?", prior.ID, prior.Revision).
		Updates(map[string]any{
			"id":                 next.ID,
			"granularity":        string(next.Granularity),
			"dimensions":         datatypes.JSON(dims),
			"value":              next.Value,
			"formatted_value":    next.FormattedValue,
			"validated":          next.Validated,
			"definition_version": next.DefinitionVersion,
			"collection_status":  string(next.CollectionStatus),
			"status_message":     next.StatusMessage,
			"duration_ms":        next.DurationMs,
			"created_at":         next.CreatedAt.UTC(),
			"revision":           next.Revision,
		})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return snapshot.ErrConflict
	}
	if res.Error != nil {
		return fmt.Errorf("replace snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return snapshot.ErrConflict
	}
	return nil
}

// SetValidated updates the validated flag.
func (s *Store) SetValidated(ctx context.Context, id string, validated bool) error {
	if !isSnapshotID(id) {
		return snapshot.ErrNotFound
	}
	res := s.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Where("id = ?", id).
		Update("validated", validated)
	if res.Error != nil {
		return fmt.Errorf("set validated: %w", res.Error)
	}
	// Postgres counts rows matched, so an unchanged flag still reports one.
	if res.RowsAffected == 0 {
		return snapshot.ErrNotFound
	}
	return nil
}

// QueryRange returns snapshots intersecting [q.Start, q.End).
func (s *Store) QueryRange(ctx context.Context, q snapshot.RangeQuery) ([]*models.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("definition_id = ? AND period_start < ? AND period_end > ?", q.DefinitionID, q.End.UTC(), q.Start.UTC()).
		Order("period_start ASC").
		Order("dimensions_hash ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query snapshot range: %w", err)
	}
	out := make([]*models.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetDefinition returns one metric definition.
func (s *Store) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	var row definitionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return &models.Definition{
		ID:             row.ID,
		Name:           row.Name,
		Description:    row.Description,
		Unit:           row.Unit,
		CurrentVersion: row.CurrentVersion,
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

// PutDefinition upserts a definition unless that would lower its version.
func (s *Store) PutDefinition(ctx context.Context, def *models.Definition) error {
	row := &definitionRow{
		ID:             def.ID,
		Name:           def.Name,
		Description:    def.Description,
		Unit:           def.Unit,
		CurrentVersion: def.CurrentVersion,
		UpdatedAt:      def.UpdatedAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "unit", "current_version", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "metric_definitions.current_version <= excluded.current_version"},
		}},
	}).Create(row)
	if res.Error != nil {
		return fmt.Errorf("put definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return snapshot.ErrConflict
	}
	return nil
}

// isSnapshotID reports whether id can name a row of the uuid id column.
// Anything else would fail the cast in Postgres instead of matching nothing.
func isSnapshotID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func fromModel(snap *models.Snapshot) (*snapshotRow, error) {
	dims, err := json.Marshal(snap.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("encode dimensions: %w", err)
	}
	return &snapshotRow{
		ID:                snap.ID,
		DefinitionID:      snap.DefinitionID,
		PeriodStart:       snap.PeriodStart.UTC(),
		PeriodEnd:         snap.PeriodEnd.UTC(),
		DimensionsHash:    snap.DimensionsHash,
		Granularity:       string(snap.Granularity),
		Dimensions:        datatypes.JSON(dims),
		Value:             snap.Value,
		FormattedValue:    snap.FormattedValue,
		Validated:         snap.Validated,
		DefinitionVersion: snap.DefinitionVersion,
		CollectionStatus:  string(snap.CollectionStatus),
		StatusMessage:     snap.StatusMessage,
		DurationMs:        snap.DurationMs,
		CreatedAt:         snap.CreatedAt.UTC(),
		Revision:          snap.Revision,
	}, nil
}

func (r *snapshotRow) toModel() (*models.Snapshot, error) {
	var set dimensions.Set
	if err := json.Unmarshal(r.Dimensions, &set); err != nil {
		return nil, fmt.Errorf("decode dimensions of %s: %w", r.ID, err)
	}
	return &models.Snapshot{
		ID:                r.ID,
		DefinitionID:      r.DefinitionID,
		PeriodStart:       r.PeriodStart.UTC(),
		PeriodEnd:         r.PeriodEnd.UTC(),
		Granularity:       models.Granularity(r.Granularity),
		Dimensions:        set,
		DimensionsHash:    r.DimensionsHash,
		Value:             r.Value,
		FormattedValue:    r.FormattedValue,
		Validated:         r.Validated,
		DefinitionVersion: r.DefinitionVersion,
		CollectionStatus:  models.CollectionStatus(r.CollectionStatus),
		StatusMessage:     r.StatusMessage,
		DurationMs:        r.DurationMs,
		CreatedAt:         r.CreatedAt.UTC(),
		Revision:          r.Revision,
	}, nil
}

var (
	_ snapshot.Repository         = (*Store)(nil)
	_ snapshot.DefinitionProvider = (*Store)(nil)
)
