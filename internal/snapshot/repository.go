package snapshot

import (
	"context"
	"time"

	"metricsnap/internal/models"
)

// RangeQuery selects the snapshots of one definition whose period intersects
// [Start, End).
type RangeQuery struct {
	DefinitionID string
	Start        time.Time
	End          time.Time
}

// Repository is the persistence collaborator. Implementations enforce key
// uniqueness at the storage layer and must make every write a single atomic
// statement.
type Repository interface {
	// GetByKey returns the snapshot for key or ErrNotFound.
	GetByKey(ctx context.Context, key models.SnapshotKey) (*models.Snapshot, error)
	// GetByID returns the snapshot with id or ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Snapshot, error)
	// Insert creates s. A row already holding s's key yields ErrConflict.
	Insert(ctx context.Context, s *models.Snapshot) error
	// Replace overwrites the row identified by prior.ID only if it still has
	// prior.Revision; otherwise it yields ErrConflict.
	Replace(ctx context.Context, prior, next *models.Snapshot) error
	// SetValidated updates the validated flag or yields ErrNotFound.
	SetValidated(ctx context.Context, id string, validated bool) error
	// QueryRange returns intersecting snapshots ordered by period start then
	// dimensions hash.
	QueryRange(ctx context.Context, q RangeQuery) ([]*models.Snapshot, error)
}

// DefinitionProvider stores metric definitions.
type DefinitionProvider interface {
	// GetDefinition returns the definition or ErrNotFound.
	GetDefinition(ctx context.Context, id string) (*models.Definition, error)
	// PutDefinition creates or updates def. Lowering CurrentVersion below the
	// stored one yields ErrConflict.
	PutDefinition(ctx context.Context, def *models.Definition) error
}

// Publisher receives every snapshot the store records. Publish must not block.
type Publisher interface {
	Publish(s models.Snapshot)
}
