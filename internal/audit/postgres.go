package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresSink persists audit entries in PostgreSQL. All statements use
// parameter binding: raw code and user text flow into entry details, so
// string-built queries are off the table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database and verifies the connection.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing audit DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to audit database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	log.Info().Msg("audit sink connected to PostgreSQL")
	return &PostgresSink{pool: pool}, nil
}

// Migrate creates the audit table and its timestamp index if missing.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id         UUID PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			phase      TEXT NOT NULL,
			session_id TEXT NOT NULL,
			exec_id    TEXT NOT NULL,
			risk_tier  TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS audit_entries_ts_idx ON audit_entries (ts);
		CREATE INDEX IF NOT EXISTS audit_entries_session_idx ON audit_entries (session_id);`

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrating audit schema: %w", err)
	}
	return nil
}

// Append inserts one entry and returns only after the insert is confirmed.
func (p *PostgresSink) Append(ctx context.Context, entry Entry) error {
	entry = Stamp(entry)

	query := `
		INSERT INTO audit_entries (id, ts, phase, session_id, exec_id, risk_tier, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, string(entry.Phase),
		entry.SessionID, entry.ExecID, entry.RiskTier,
		entry.Outcome, truncateForDB(entry.Detail, 65535),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

// Query returns entries matching the filter, oldest first.
func (p *PostgresSink) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT id, ts, phase, session_id, exec_id, risk_tier, outcome, detail
		FROM audit_entries
		WHERE ($1 = '' OR session_id = $1)
		  AND ($2 = '' OR risk_tier = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		  AND ($4::timestamptz IS NULL OR ts <= $4)
		ORDER BY ts ASC
		LIMIT $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, query,
		filter.SessionID, filter.RiskTier, filter.Since, filter.Until, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var phase string
		if err := rows.Scan(&e.ID, &e.Timestamp, &phase, &e.SessionID,
			&e.ExecID, &e.RiskTier, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Phase = Phase(phase)
		results = append(results, e)
	}

	return results, rows.Err()
}

// Healthy checks database connectivity.
func (p *PostgresSink) Healthy(ctx context.Context) bool {
	return p.pool.Ping(ctx) == nil
}

// Close shuts down the connection pool.
func (p *PostgresSink) Close() {
	p.pool.Close()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
