package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository persists audit events in Postgres. Rows are append-only;
// the only delete path is the retention purge.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, event Event) error {
	var extra any
	if len(event.Extra) > 0 {
		encoded, err := json.Marshal(event.Extra)
		if err != nil {
			return fmt.Errorf("encode audit extra: %w", err)
		}
		extra = string(encoded)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, category, event_type, subject, ip_address, user_agent, result, severity, occurred_at, extra)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
	`, event.ID, event.Category, event.EventType, event.Subject, event.IPAddress,
		event.UserAgent, event.Result, event.Severity, event.Timestamp.UTC(), extra)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

type subjectCount struct {
	Subject string
	Count   int
}

// failedLoginsBySubject aggregates authentication failures inside the
// window, grouped either by user subject or by source address.
func (r *Repository) failedLoginsBySubject(ctx context.Context, since time.Time, bySubject bool, threshold int) ([]subjectCount, error) {
	column := "ip_address"
	where := ""
	if bySubject {
		column = "subject"
		where = "AND subject IS NOT NULL"
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*)
		FROM audit_events
		WHERE category = $1
		  AND result = $2
		  AND occurred_at >= $3
		  %s
		GROUP BY %s
		HAVING COUNT(*) >= $4
	`, column, where, column), CategoryAuthentication, ResultFailure, since.UTC(), threshold)
	if err != nil {
		return nil, fmt.Errorf("aggregate failed logins: %w", err)
	}
	defer rows.Close()

	return scanSubjectCounts(rows)
}

// violationsByIP aggregates flagged security events per source address.
func (r *Repository) violationsByIP(ctx context.Context, since time.Time, threshold int) ([]subjectCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ip_address, COUNT(*)
		FROM audit_events
		WHERE category = $1
		  AND occurred_at >= $2
		GROUP BY ip_address
		HAVING COUNT(*) >= $3
	`, CategorySecurityViolation, since.UTC(), threshold)
	if err != nil {
		return nil, fmt.Errorf("aggregate security violations: %w", err)
	}
	defer rows.Close()

	return scanSubjectCounts(rows)
}

func scanSubjectCounts(rows *sql.Rows) ([]subjectCount, error) {
	var counts []subjectCount
	for rows.Next() {
		var entry subjectCount
		if err := rows.Scan(&entry.Subject, &entry.Count); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		counts = append(counts, entry)
	}
	return counts, rows.Err()
}

// PurgeOlderThan deletes events past the retention horizon, in batches.
func (r *Repository) PurgeOlderThan(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM audit_events
			WHERE occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)
		DELETE FROM audit_events t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged audit rows affected: %w", err)
	}
	return affected, nil
}
