package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createRequestLogs = `
CREATE TABLE IF NOT EXISTS request_logs (
	request_id  String,
	route       LowCardinality(String),
	model       LowCardinality(String),
	credential  String,
	stream      Bool,
	attempts    UInt8,
	status      UInt16,
	latency_ms  UInt32,
	error       String,
	created_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY created_at`

// ClickHouseSink inserts request logs into the request_logs table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to dsn and creates the table if needed.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, createRequestLogs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: clickhouse create table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.RequestID,
			e.Route,
			e.Model,
			e.Credential,
			e.Stream,
			e.Attempts,
			e.Status,
			e.LatencyMs,
			e.Error,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("logger: clickhouse send: %w", err)
	}
	return nil
}

// Ping reports whether the server answers.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
