package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository persists audit records in PostgreSQL. It is both the durable
// sink for the recorder and the read side for compliance queries. The table
// is append-only: the only delete is retention expiry.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Append inserts one record.
func (r *PGRepository) Append(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO audit_records
 (seq, correlation_id, principal_id, principal_roles, resource_kind, resource_id,
  action, allowed, effect, scope, permission, reason, category, occurred_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.Seq, rec.CorrelationID, rec.PrincipalID, rec.PrincipalRoles,
		rec.ResourceKind, rec.ResourceID, rec.Action, rec.Allowed, rec.Effect,
		rec.Scope, rec.Permission, rec.Reason, string(rec.Category), rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Window returns a slice of the trail ordered by timestamp then sequence.
func (r *PGRepository) Window(ctx context.Context, filters Filters, limit, offset int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, seq, correlation_id, principal_id,
  principal_roles, resource_kind, resource_id, action, allowed, effect, scope,
  permission, reason, category, occurred_at
 FROM audit_records
 WHERE ($1 = '' OR principal_id = $1)
   AND ($2 = '' OR resource_kind = $2)
   AND ($3::timestamptz IS NULL OR occurred_at >= $3)
   AND ($4::timestamptz IS NULL OR occurred_at <= $4)
 ORDER BY occurred_at ASC, id ASC
 LIMIT $5 OFFSET $6`,
		filters.PrincipalID, filters.ResourceKind,
		nullableTime(filters.From), nullableTime(filters.To), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: window: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		var category string
		if err := rows.Scan(&rec.ID, &rec.Seq, &rec.CorrelationID, &rec.PrincipalID,
			&rec.PrincipalRoles, &rec.ResourceKind, &rec.ResourceID, &rec.Action,
			&rec.Allowed, &rec.Effect, &rec.Scope, &rec.Permission, &rec.Reason,
			&category, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.Category = Category(category)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteExpired removes records of one category older than the cutoff.
// Returns the number of rows removed.
func (r *PGRepository) DeleteExpired(ctx context.Context, category Category, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM audit_records WHERE category = $1 AND occurred_at < $2`,
		string(category), cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountExpired reports how many records of one category are past the cutoff
// without removing them.
func (r *PGRepository) CountExpired(ctx context.Context, category Category, cutoff time.Time) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE category = $1 AND occurred_at < $2`,
		string(category), cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count expired: %w", err)
	}
	return count, nil
}

// Count returns the total number of stored records, used by the integrity
// check job.
func (r *PGRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return count, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
