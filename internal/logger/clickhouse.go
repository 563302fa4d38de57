package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink inserts dispatch batches into a ClickHouse table over the
// native protocol.
//
// Expected table schema:
//
//	CREATE TABLE a2a_dispatch_log (
//	    id           UUID,
//	    trace_id     String,
//	    source_agent LowCardinality(String),
//	    target_agent LowCardinality(String),
//	    capability   LowCardinality(String),
//	    protocol     LowCardinality(String),
//	    message_type LowCardinality(String),
//	    provider     LowCardinality(String),
//	    status       LowCardinality(String),
//	    latency_ms   UInt32,
//	    cached       Bool,
//	    attempts     UInt8,
//	    created_at   DateTime64(3, 'UTC')
//	) ENGINE = MergeTree ORDER BY (created_at)
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a native-protocol connection from a clickhouse://
// DSN and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	if table == "" {
		table = "a2a_dispatch_log"
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []DispatchLog) error {
	if len(entries) == 0 {
		return nil
	}

	query := "INSERT INTO " + s.table +
		" (id, trace_id, source_agent, target_agent, capability, protocol," +
		" message_type, provider, status, latency_ms, cached, attempts, created_at)"

	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.ID.String(),
			e.TraceID,
			e.SourceAgent,
			e.TargetAgent,
			e.Capability,
			e.Protocol,
			e.MessageType,
			e.Provider,
			e.Status,
			e.LatencyMs,
			e.Cached,
			e.Attempts,
			normalizeTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("logger: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}

	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
