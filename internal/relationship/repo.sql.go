package relationship

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository provides PostgreSQL backed persistence for guardian links.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindLink fetches the link for a guardian/dependent pair.
func (r *PGRepository) FindLink(ctx context.Context, guardianID, dependentID string) (Link, error) {
	var link Link
	err := r.pool.QueryRow(ctx, `SELECT id, guardian_id, dependent_id,
  consent_granted_at, consent_expires_at, revoked_at, created_at
 FROM guardian_links WHERE guardian_id = $1 AND dependent_id = $2`,
		guardianID, dependentID).Scan(&link.ID, &link.GuardianID, &link.DependentID,
		&link.ConsentGrantedAt, &link.ConsentExpiresAt, &link.RevokedAt, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Link{}, ErrNotFound
		}
		return Link{}, fmt.Errorf("relationship: find link: %w", err)
	}
	return link, nil
}

// Limits fetches the configured limits for a pair.
func (r *PGRepository) Limits(ctx context.Context, guardianID, dependentID string) (Limits, error) {
	var limits Limits
	err := r.pool.QueryRow(ctx, `SELECT daily_ceiling_cents, spent_today_cents,
  approvals_per_day, approvals_used_today
 FROM guardian_limits WHERE guardian_id = $1 AND dependent_id = $2`,
		guardianID, dependentID).Scan(&limits.DailyCeilingCents, &limits.SpentTodayCents,
		&limits.ApprovalsPerDay, &limits.ApprovalsUsedToday)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Limits{}, ErrNotFound
		}
		return Limits{}, fmt.Errorf("relationship: limits: %w", err)
	}
	return limits, nil
}
