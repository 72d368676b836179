// Package testutil holds fixtures and fakes shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metricsnap/internal/clickhouse"
	"metricsnap/internal/config"
	"metricsnap/internal/dimensions"
	"metricsnap/internal/logger"
	"metricsnap/internal/models"
	"metricsnap/internal/snapshot"
	"metricsnap/internal/storage/sqlite"

	"github.com/shopspring/decimal"
)

// TestDefinitionID is the definition registered by the store helpers.
const TestDefinitionID = "revenue"

// CreateTestConfig returns a configuration suitable for testing
func CreateTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	// Use 127.0.0.1 instead of localhost to force IPv4
	cfg.ClickHouse.Addresses = []string{"127.0.0.1:9000"}
	cfg.ClickHouse.Database = "metricsnap_test"
	cfg.Performance.BatchSize = 100
	cfg.Performance.WorkerCount = 2
	cfg.Performance.QueueSize = 1000
	cfg.Performance.BatchTimeout = 50 * time.Millisecond
	return cfg
}

// CreateTestClickHouseClient creates a ClickHouse client for testing
// Skips the test if ClickHouse is not available
func CreateTestClickHouseClient(t testing.TB) *clickhouse.Client {
	t.Helper()

	cfg := CreateTestConfig()
	client, err := clickhouse.NewClient(&cfg.ClickHouse)
	if err != nil {
		t.Skipf("ClickHouse not available: %v", err)
	}
	if err := client.EnsureSchema(context.Background()); err != nil {
		_ = client.Close()
		t.Skipf("ClickHouse schema unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// CleanupTestData truncates the exported snapshot table.
func CleanupTestData(t testing.TB, client *clickhouse.Client) {
	t.Helper()
	if err := client.Exec(context.Background(), "TRUNCATE TABLE IF EXISTS "+client.Table()); err != nil {
		t.Logf("Cleanup warning: %v", err)
	}
}

// NewMemoryStore returns a store over a fresh MemoryRepository with the test
// definition registered at version 1.
func NewMemoryStore(t testing.TB) (*snapshot.Store, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	store := snapshot.NewStore(repo, repo, snapshot.Config{MaxAttempts: 3, Timeout: 5 * time.Second}, logger.Nop())
	RegisterDefinition(t, store, TestDefinitionID, 1)
	return store, repo
}

// NewSQLiteStore returns a store over a SQLite database in a temp dir.
func NewSQLiteStore(t testing.TB) (*snapshot.Store, *sqlite.Store) {
	t.Helper()
	backend, err := sqlite.Open(filepath.Join(t.TempDir(), "metricsnap.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	store := snapshot.NewStore(backend, backend, snapshot.Config{MaxAttempts: 3, Timeout: 5 * time.Second}, logger.Nop())
	RegisterDefinition(t, store, TestDefinitionID, 1)
	return store, backend
}

// RegisterDefinition stores a definition at version.
func RegisterDefinition(t testing.TB, store *snapshot.Store, id string, version int64) {
	t.Helper()
	if _, err := store.PutDefinition(context.Background(), &models.Definition{ID: id, Name: id, CurrentVersion: version}); err != nil {
		t.Fatalf("register definition %s: %v", id, err)
	}
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// CreateTestRequest returns a valid daily record request for the test definition.
func CreateTestRequest(day time.Time, dims dimensions.Set, value string) snapshot.RecordRequest {
	return snapshot.RecordRequest{
		DefinitionID:     TestDefinitionID,
		PeriodStart:      day,
		PeriodEnd:        day.AddDate(0, 0, 1),
		Granularity:      models.GranularityDay,
		Dimensions:       dims,
		Value:            decimal.RequireFromString(value),
		FormattedValue:   value,
		CollectionStatus: models.StatusSuccess,
		DurationMs:       12,
	}
}

// CreateTestSnapshot returns a stored-shape snapshot for exporter and codec tests.
func CreateTestSnapshot(id string, day time.Time, dims dimensions.Set, value string) models.Snapshot {
	return models.Snapshot{
		ID:                id,
		DefinitionID:      TestDefinitionID,
		PeriodStart:       day,
		PeriodEnd:         day.AddDate(0, 0, 1),
		Granularity:       models.GranularityDay,
		Dimensions:        dims,
		DimensionsHash:    dims.Hash(),
		Value:             decimal.RequireFromString(value),
		FormattedValue:    value,
		Validated:         true,
		DefinitionVersion: 1,
		CollectionStatus:  models.StatusSuccess,
		CreatedAt:         time.Now().UTC().Truncate(time.Microsecond),
		Revision:          1,
	}
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for condition: %s", message)
		}

		<-ticker.C
	}
}

// AssertSnapshotsEqual compares the caller-visible content of two snapshots.
func AssertSnapshotsEqual(t testing.TB, expected, actual *models.Snapshot) {
	t.Helper()

	if expected.ID != actual.ID {
		t.Errorf("ID: expected %s, got %s", expected.ID, actual.ID)
	}
	if expected.Key().String() != actual.Key().String() {
		t.Errorf("Key: expected %s, got %s", expected.Key(), actual.Key())
	}
	if !expected.Value.Equal(actual.Value) {
		t.Errorf("Value: expected %s, got %s", expected.Value, actual.Value)
	}
	if expected.Revision != actual.Revision {
		t.Errorf("Revision: expected %d, got %d", expected.Revision, actual.Revision)
	}
	if expected.Validated != actual.Validated {
		t.Errorf("Validated: expected %v, got %v", expected.Validated, actual.Validated)
	}
	if !expected.Dimensions.Equal(actual.Dimensions) {
		t.Errorf("Dimensions: expected %v, got %v", expected.Dimensions, actual.Dimensions)
	}
}
