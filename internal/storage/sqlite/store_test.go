package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"metricsnap/internal/dimensions"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"

	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "metricsnap.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	def := &models.Definition{ID: "revenue", Name: "Revenue", CurrentVersion: 1, UpdatedAt: time.Now().UTC()}
	if err := store.PutDefinition(context.Background(), def); err != nil {
		t.Fatalf("PutDefinition() error = %v", err)
	}
	return store
}

func daySnapshot(id string, day time.Time, dims dimensions.Set, value string) *models.Snapshot {
	return &models.Snapshot{
		ID:                id,
		DefinitionID:      "revenue",
		PeriodStart:       day,
		PeriodEnd:         day.Add(24 * time.Hour),
		Granularity:       models.GranularityDay,
		Dimensions:        dims,
		DimensionsHash:    dims.Hash(),
		Value:             decimal.RequireFromString(value),
		Validated:         true,
		DefinitionVersion: 1,
		CollectionStatus:  models.StatusSuccess,
		CreatedAt:         time.Date(2024, 1, 2, 0, 0, 0, 123000, time.UTC),
		Revision:          1,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("expected error for blank path")
	}
}

func TestInsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dims := dimensions.Set{"region": dimensions.String("eu"), "tier": dimensions.Int(2)}
	snap := daySnapshot("s-1", day, dims, "100.5")

	if err := store.Insert(ctx, snap); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.GetByKey(ctx, snap.Key())
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if got.ID != "s-1" {
		t.Errorf("ID = %s, want s-1", got.ID)
	}
	if !got.Value.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("Value = %s, want 100.5", got.Value)
	}
	if !got.Dimensions.Equal(dims) {
		t.Errorf("Dimensions = %v, want %v", got.Dimensions, dims)
	}
	if !got.PeriodStart.Equal(day) || got.PeriodStart.Location() != time.UTC {
		t.Errorf("PeriodStart = %v, want %v UTC", got.PeriodStart, day)
	}
	if !got.CreatedAt.Equal(snap.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, snap.CreatedAt)
	}

	byID, err := store.GetByID(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if byID.DimensionsHash != snap.DimensionsHash {
		t.Errorf("DimensionsHash = %s, want %s", byID.DimensionsHash, snap.DimensionsHash)
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.GetByID(ctx, "missing")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
	_, err = store.GetByKey(ctx, models.SnapshotKey{DefinitionID: "revenue", DimensionsHash: dimensions.EmptyHash})
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("GetByKey() error = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicateKeyConflicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Insert(ctx, daySnapshot("s-1", day, dimensions.Set{}, "1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	err := store.Insert(ctx, daySnapshot("s-2", day, dimensions.Set{}, "2"))
	if !errors.Is(err, snapshot.ErrConflict) {
		t.Errorf("second Insert() error = %v, want ErrConflict", err)
	}
}

func TestInsertRejectsUnknownDefinition(t *testing.T) {
	store := openTestStore(t)
	snap := daySnapshot("s-1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), dimensions.Set{}, "1")
	snap.DefinitionID = "nope"
	if err := store.Insert(context.Background(), snap); err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestReplaceSupersedesInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dims := dimensions.Set{"region": dimensions.String("eu")}

	prior := daySnapshot("s-1", day, dims, "100.5")
	if err := store.Insert(ctx, prior); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	next := daySnapshot("s-2", day, dims, "103.2")
	next.Revision = 2
	if err := store.Replace(ctx, prior, next); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	got, err := store.GetByKey(ctx, prior.Key())
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if got.ID != "s-2" || got.Revision != 2 {
		t.Errorf("got id=%s revision=%d, want s-2 revision 2", got.ID, got.Revision)
	}
	if !got.Value.Equal(decimal.RequireFromString("103.2")) {
		t.Errorf("Value = %s, want 103.2", got.Value)
	}
	if _, err := store.GetByID(ctx, "s-1"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("old id still readable: %v", err)
	}

	rows, err := store.QueryRange(ctx, snapshot.RangeQuery{DefinitionID: "revenue", Start: day, End: day.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("QueryRange() returned %d rows, want 1", len(rows))
	}
}

func TestReplaceStaleRevisionConflicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	prior := daySnapshot("s-1", day, dimensions.Set{}, "1")
	if err := store.Insert(ctx, prior); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	winner := daySnapshot("s-2", day, dimensions.Set{}, "2")
	winner.Revision = 2
	if err := store.Replace(ctx, prior, winner); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	loser := daySnapshot("s-3", day, dimensions.Set{}, "3")
	loser.Revision = 2
	if err := store.Replace(ctx, prior, loser); !errors.Is(err, snapshot.ErrConflict) {
		t.Errorf("stale Replace() error = %v, want ErrConflict", err)
	}
}

func TestSetValidated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	snap := daySnapshot("s-1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), dimensions.Set{}, "1")
	if err := store.Insert(ctx, snap); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.SetValidated(ctx, "s-1", false); err != nil {
			t.Fatalf("SetValidated() call %d error = %v", i+1, err)
		}
	}
	got, err := store.GetByID(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Validated {
		t.Error("Validated = true, want false")
	}

	if err := store.SetValidated(ctx, "missing", true); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("SetValidated(missing) error = %v, want ErrNotFound", err)
	}
}

func TestQueryRangeOrderingAndBounds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day2.Add(24 * time.Hour)

	eu := dimensions.Set{"region": dimensions.String("eu")}
	us := dimensions.Set{"region": dimensions.String("us")}
	for i, s := range []*models.Snapshot{
		daySnapshot("a", day2, us, "1"),
		daySnapshot("b", day1, eu, "2"),
		daySnapshot("c", day1, us, "3"),
		daySnapshot("d", day3, eu, "4"),
	} {
		if err := store.Insert(ctx, s); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	rows, err := store.QueryRange(ctx, snapshot.RangeQuery{DefinitionID: "revenue", Start: day1.Add(12 * time.Hour), End: day3})
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("QueryRange() returned %d rows, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if cur.PeriodStart.Before(prev.PeriodStart) {
			t.Errorf("row %d starts before row %d", i, i-1)
		}
		if cur.PeriodStart.Equal(prev.PeriodStart) && cur.DimensionsHash < prev.DimensionsHash {
			t.Errorf("rows %d and %d not ordered by dimensions hash", i-1, i)
		}
	}
	if !rows[2].PeriodStart.Equal(day2) {
		t.Errorf("last row starts at %v, want %v", rows[2].PeriodStart, day2)
	}

	// A range ending exactly at a period start does not touch that period.
	rows, err = store.QueryRange(ctx, snapshot.RangeQuery{DefinitionID: "revenue", Start: day1, End: day2})
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("QueryRange(day1) returned %d rows, want 2", len(rows))
	}
}

func TestPutDefinitionMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	v2 := &models.Definition{ID: "revenue", Name: "Revenue", Unit: "USD", CurrentVersion: 2, UpdatedAt: time.Now().UTC()}
	if err := store.PutDefinition(ctx, v2); err != nil {
		t.Fatalf("PutDefinition(v2) error = %v", err)
	}
	got, err := store.GetDefinition(ctx, "revenue")
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if got.CurrentVersion != 2 || got.Unit != "USD" {
		t.Errorf("got version=%d unit=%s, want 2 USD", got.CurrentVersion, got.Unit)
	}

	v1 := &models.Definition{ID: "revenue", Name: "Revenue", CurrentVersion: 1, UpdatedAt: time.Now().UTC()}
	if err := store.PutDefinition(ctx, v1); !errors.Is(err, snapshot.ErrConflict) {
		t.Errorf("PutDefinition(v1) error = %v, want ErrConflict", err)
	}
	if _, err := store.GetDefinition(ctx, "missing"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("GetDefinition(missing) error = %v, want ErrNotFound", err)
	}
}
