// Package invalidation persists an append-only audit trail of pattern
// invalidations: who triggered a sweep, what it matched, and how long it
// took, queryable by time range and correlation ID.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one recorded invalidation sweep.
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	Keys        []string  `json:"keys,omitempty"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Latency     int64     `json:"latency_ms"`
}

// AuditLogger writes AuditLogs to Postgres. Rows are append-only; the
// only mutation ever issued is the age-based Cleanup sweep.
type AuditLogger struct {
	db *pgxpool.Pool
}

// NewAuditLogger wraps db, creating the audit table and its indexes if
// this is the first boot against the database.
func NewAuditLogger(db *pgxpool.Pool) (*AuditLogger, error) {
	al := &AuditLogger{db: db}
	if err := al.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("invalidation: initialize audit schema: %w", err)
	}
	return al, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	_, err := al.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			keys JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
			ON invalidation_audit(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_pattern
			ON invalidation_audit(pattern);
		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_request_id
			ON invalidation_audit(request_id);
	`)
	return err
}

// Insert appends one audit row.
func (al *AuditLogger) Insert(ctx context.Context, entry AuditLog) error {
	keysJSON, err := json.Marshal(entry.Keys)
	if err != nil {
		return fmt.Errorf("invalidation: marshal keys: %w", err)
	}

	_, err = al.db.Exec(ctx, `
		INSERT INTO invalidation_audit
			(pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.Pattern, keysJSON, entry.TriggeredBy, entry.Timestamp, entry.RequestID, entry.Latency)
	if err != nil {
		return fmt.Errorf("invalidation: insert audit row: %w", err)
	}
	return nil
}

const auditColumns = `id, pattern, keys, triggered_by, timestamp, request_id, latency_ms`

// collectLogs drains rows produced by any query over auditColumns.
func collectLogs(rows pgx.Rows) ([]AuditLog, error) {
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var entry AuditLog
		var keysJSON []byte
		if err := rows.Scan(&entry.ID, &entry.Pattern, &keysJSON, &entry.TriggeredBy,
			&entry.Timestamp, &entry.RequestID, &entry.Latency); err != nil {
			return nil, fmt.Errorf("invalidation: scan audit row: %w", err)
		}
		if len(keysJSON) > 0 {
			// A row whose keys column predates the current shape decodes
			// to an empty list rather than failing the whole page.
			if err := json.Unmarshal(keysJSON, &entry.Keys); err != nil {
				entry.Keys = nil
			}
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invalidation: iterate audit rows: %w", err)
	}
	return logs, nil
}

// Recent returns the newest rows first, optionally filtered to patterns
// containing patternFilter as a substring.
func (al *AuditLogger) Recent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if patternFilter != "" {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+` FROM invalidation_audit
			WHERE pattern LIKE $1
			ORDER BY timestamp DESC LIMIT $2 OFFSET $3
		`, "%"+patternFilter+"%", limit, offset)
	} else {
		rows, err = al.db.Query(ctx, `
			SELECT `+auditColumns+` FROM invalidation_audit
			ORDER BY timestamp DESC LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("invalidation: query recent audit rows: %w", err)
	}
	return collectLogs(rows)
}

// ByRequestID returns every row recorded under one correlation ID.
func (al *AuditLogger) ByRequestID(ctx context.Context, requestID string) ([]AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT `+auditColumns+` FROM invalidation_audit
		WHERE request_id = $1
		ORDER BY timestamp DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("invalidation: query audit rows by request id: %w", err)
	}
	return collectLogs(rows)
}

// ByTimeRange returns up to limit rows recorded in [start, end].
func (al *AuditLogger) ByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]AuditLog, error) {
	rows, err := al.db.Query(ctx, `
		SELECT `+auditColumns+` FROM invalidation_audit
		WHERE timestamp BETWEEN $1 AND $2
		ORDER BY timestamp DESC LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("invalidation: query audit rows by time range: %w", err)
	}
	return collectLogs(rows)
}

// Count returns the number of recorded sweeps, optionally filtered to
// patterns containing patternFilter.
func (al *AuditLogger) Count(ctx context.Context, patternFilter string) (int64, error) {
	var (
		count int64
		err   error
	)
	if patternFilter != "" {
		err = al.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM invalidation_audit WHERE pattern LIKE $1`,
			"%"+patternFilter+"%").Scan(&count)
	} else {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("invalidation: count audit rows: %w", err)
	}
	return count, nil
}

// AuditStats aggregates sweeps recorded since a point in time.
type AuditStats struct {
	TotalInvalidations  int64            `json:"total_invalidations"`
	BySource            map[string]int64 `json:"by_source"`
	AvgLatency          float64          `json:"avg_latency_ms"`
	MostFrequentPattern string           `json:"most_frequent_pattern"`
}

// Stats summarizes sweep volume, latency, and the dominant pattern since
// the given time.
func (al *AuditLogger) Stats(ctx context.Context, since time.Time) (*AuditStats, error) {
	stats := &AuditStats{BySource: make(map[string]int64)}

	err := al.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM invalidation_audit WHERE timestamp >= $1
	`, since).Scan(&stats.TotalInvalidations, &stats.AvgLatency)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invalidation: aggregate audit stats: %w", err)
	}

	rows, err := al.db.Query(ctx, `
		SELECT triggered_by, COUNT(*)
		FROM invalidation_audit WHERE timestamp >= $1
		GROUP BY triggered_by
	`, since)
	if err != nil {
		return nil, fmt.Errorf("invalidation: audit source breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("invalidation: scan source breakdown: %w", err)
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invalidation: iterate source breakdown: %w", err)
	}

	var freq int64
	err = al.db.QueryRow(ctx, `
		SELECT pattern, COUNT(*) AS frequency
		FROM invalidation_audit WHERE timestamp >= $1
		GROUP BY pattern ORDER BY frequency DESC LIMIT 1
	`, since).Scan(&stats.MostFrequentPattern, &freq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invalidation: most frequent pattern: %w", err)
	}

	return stats, nil
}

// Cleanup deletes rows older than olderThan and reports how many went.
// Run it periodically; the table is otherwise append-only and grows
// without bound.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := al.db.Exec(ctx,
		`DELETE FROM invalidation_audit WHERE timestamp < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("invalidation: cleanup audit rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
