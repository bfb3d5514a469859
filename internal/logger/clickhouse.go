package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const routeLogDDL = `
CREATE TABLE IF NOT EXISTS route_logs (
	id           UUID,
	session_id   String,
	use_case     LowCardinality(String),
	backend      LowCardinality(String),
	model        LowCardinality(String),
	confidence   Float64,
	bypass_used  Bool,
	new_session  Bool,
	status       UInt16,
	routing_ms   Float64,
	inference_ms Float64,
	total_ms     Float64,
	created_at   DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, use_case)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseSink writes routing records to a ClickHouse table for offline
// analysis (bypass rates per use case, classifier drift, backend latency).
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies the server, and creates the table.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: parse DSN: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse sink: ping: %w", err)
	}

	if err := conn.Exec(ctx, routeLogDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse sink: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch inserts one flushed batch. Called from the logger's single flush
// goroutine, so no locking is needed.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, batch []RouteLog) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO route_logs")
	if err != nil {
		return fmt.Errorf("clickhouse sink: prepare: %w", err)
	}

	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.SessionID,
			e.UseCase,
			e.Backend,
			e.Model,
			e.Confidence,
			e.BypassUsed,
			e.NewSession,
			e.Status,
			e.RoutingMs,
			e.InferenceMs,
			e.TotalMs,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse sink: append: %w", err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse sink: send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
