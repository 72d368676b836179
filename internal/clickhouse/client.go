package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"strings"
	"time"

	"metricsnap/internal/config"
	"metricsnap/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client wraps a ClickHouse connection used for the analytics copy of
// recorded snapshots
type Client struct {
	conn   driver.Conn
	config *config.ClickHouseConfig
	table  string
}

// NewClient creates a new ClickHouse client
func NewClient(cfg *config.ClickHouseConfig) (*Client, error) {
	table := cfg.Table
	if table == "" {
		table = "metric_snapshots"
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", table)
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Compression:     compression(cfg.Compression),
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	}

	// Only configure TLS if explicitly needed
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Client{
		conn:   conn,
		config: cfg,
		table:  table,
	}, nil
}

func compression(method string) *clickhouse.Compression {
	switch strings.ToLower(method) {
	case "lz4":
		return &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	case "none", "":
		return nil
	default:
		return &clickhouse.Compression{Method: clickhouse.CompressionZSTD}
	}
}

// Table returns the snapshot table name
func (c *Client) Table() string {
	return c.table
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureSchema creates the snapshot table if it does not exist. Rows for the
// same key collapse to the highest revision on merge.
func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, schemaDDL(c.table))
}

func schemaDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                 String,
			definition_id      LowCardinality(String),
			period_start       DateTime64(6, 'UTC'),
			period_end         DateTime64(6, 'UTC'),
			granularity        LowCardinality(String),
			dimensions         Map(String, String),
			dimensions_hash    FixedString(64),
			value              Decimal(38, 12),
			formatted_value    String,
			validated          Bool,
			definition_version Int64,
			collection_status  LowCardinality(String),
			status_message     String,
			duration_ms        Int64,
			created_at         DateTime64(6, 'UTC'),
			revision           Int64
		)
		ENGINE = ReplacingMergeTree(revision)
		PARTITION BY toYYYYMM(period_start)
		ORDER BY (definition_id, period_start, period_end, dimensions_hash)
	`, table)
}

// InsertSnapshots inserts a batch of snapshots into ClickHouse
func (c *Client) InsertSnapshots(ctx context.Context, snapshots []models.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO `+c.table+` (
			id, definition_id, period_start, period_end, granularity,
			dimensions, dimensions_hash, value, formatted_value, validated,
			definition_version, collection_status, status_message, duration_ms,
			created_at, revision
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range snapshots {
		err := batch.Append(
			s.ID,
			s.DefinitionID,
			s.PeriodStart.UTC(),
			s.PeriodEnd.UTC(),
			string(s.Granularity),
			flattenDimensions(s),
			s.DimensionsHash,
			s.Value,
			s.FormattedValue,
			s.Validated,
			s.DefinitionVersion,
			string(s.CollectionStatus),
			s.StatusMessage,
			s.DurationMs,
			s.CreatedAt.UTC(),
			s.Revision,
		)
		if err != nil {
			return fmt.Errorf("failed to append snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}

// flattenDimensions renders dimension values as strings for the Map column
func flattenDimensions(s models.Snapshot) map[string]string {
	out := make(map[string]string, len(s.Dimensions))
	for k, v := range s.Dimensions {
		out[k] = v.String()
	}
	return out
}

// CountLatest returns how many distinct snapshot keys a definition has,
// counting each key once regardless of how many revisions were exported
func (c *Client) CountLatest(ctx context.Context, definitionID string) (uint64, error) {
	var count uint64
	row := c.conn.QueryRow(ctx, `SELECT count() FROM `+c.table+` FINAL WHERE definition_id = ?`, definitionID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

// Ping checks the connection to ClickHouse
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec runs a statement without results
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query executes a query and returns rows
func (c *Client) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// QueryRow executes a query that returns a single row
func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return c.conn.QueryRow(ctx, query, args...)
}
