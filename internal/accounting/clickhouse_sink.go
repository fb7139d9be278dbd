package accounting

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	log "github.com/sirupsen/logrus"
)

// ClickHouseSink appends every usage Record to an append-only analytics
// table, for downstream cost dashboards and audits. It is a Sink, so it
// runs off the Manager's background goroutine and never blocks a request.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseSink opens a connection to addr (host:port) and targets
// table for inserts. The table is expected to already exist; this package
// does not run migrations.
func NewClickHouseSink(addr, database, username, password, table string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("accounting: open clickhouse connection: %w", err)
	}
	if table == "" {
		table = "usage_events"
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

// HandleUsage implements Sink.
func (s *ClickHouseSink) HandleUsage(ctx context.Context, record Record) {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(requested_at, api_key_id, account_id, provider, model,
			 input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			 cost_micro, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table),
		record.RequestedAt,
		record.APIKeyID,
		record.AccountID,
		record.Provider,
		record.Model,
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		record.Usage.CacheWriteTokens,
		record.Usage.CacheReadTokens,
		record.Cost.TotalMicro(),
		record.Failed,
	)
	if err != nil {
		log.WithError(err).Warn("accounting: failed to insert usage record into clickhouse")
	}
}

// Close releases the underlying connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

var _ Sink = (*ClickHouseSink)(nil)
