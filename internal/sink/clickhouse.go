package sink

import (
	"LinkGuard/internal/config"
	"LinkGuard/internal/factory"
	"LinkGuard/internal/model"
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS %s (
    EmittedAt      DateTime64(3),
    EventID        String,
    Kind           LowCardinality(String),
    Confidence     Float64,
    ThreatLevel    UInt8,
    Cause          String,
    Mode           LowCardinality(String),
    Classifier     LowCardinality(String),
    WindowIndex    UInt64,
    LatencyMs      Float64,
    Confirmation   LowCardinality(String),
    ConfirmationID String
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(EmittedAt)
ORDER BY (EmittedAt, EventID);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	factory.RegisterSink("clickhouse", func(cfg config.SinkConfig, logger zerolog.Logger) (model.AlertSink, error) {
		return NewClickHouseSink(cfg.ClickHouse, logger)
	})
}

// ClickHouseSink stores events in a ReplacingMergeTree table keyed by event
// ID, so redelivered events collapse on merge.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects and ensures the events table exists.
func NewClickHouseSink(cfg config.ClickHouseConfig, logger zerolog.Logger) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "threat_events"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), fmt.Sprintf(createEventsTable, table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info().Str("table", table).Msg("Successfully connected to ClickHouse and ensured table exists")
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 9000
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Ingest(ctx context.Context, e model.ThreatEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	r := NewRecord(e)
	err = batch.Append(
		e.EmittedAt,
		r.ID,
		r.Kind,
		r.Confidence,
		uint8(r.ThreatLevel),
		r.Cause,
		r.Mode,
		r.Classifier,
		r.WindowIndex,
		r.LatencyMs,
		r.Confirmation,
		r.ConfirmationID,
	)
	if err != nil {
		batch.Abort()
		return fmt.Errorf("failed to append event to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
