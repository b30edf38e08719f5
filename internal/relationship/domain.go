package relationship

import (
	"time"

	"github.com/vergecare/vergegate/internal/shared"
)

// Link is a guardian↔dependent relationship record. A link authorizes
// dependent-scoped access only while it is unrevoked and its consent has not
// expired.
type Link struct {
	ID               int64
	GuardianID       string
	DependentID      string
	ConsentGrantedAt time.Time
	ConsentExpiresAt time.Time
	RevokedAt        *time.Time
	CreatedAt        time.Time
}

// ActiveAt reports whether the link authorizes access at the given instant.
func (l Link) ActiveAt(asOf time.Time) bool {
	if l.RevokedAt != nil && !l.RevokedAt.After(asOf) {
		return false
	}
	if !l.ConsentExpiresAt.IsZero() && !l.ConsentExpiresAt.After(asOf) {
		return false
	}
	return true
}

// Limits bounds what a guardian may do on behalf of one dependent. Zero
// ceilings mean unlimited.
type Limits struct {
	DailyCeilingCents  int64
	SpentTodayCents    int64
	ApprovalsPerDay    int
	ApprovalsUsedToday int
}

// LimitPredicate decides whether a limit-bounded permission is still within
// the configured limits. The exact numeric policy is deliberately pluggable.
type LimitPredicate func(limits Limits, permission string) bool

// DefaultLimitPredicate allows limit-bounded actions until the matching
// ceiling is exhausted.
func DefaultLimitPredicate(limits Limits, permission string) bool {
	switch permission {
	case shared.PermLimitsSet:
		return limits.DailyCeilingCents == 0 || limits.SpentTodayCents < limits.DailyCeilingCents
	case shared.PermApprovalsManage:
		return limits.ApprovalsPerDay == 0 || limits.ApprovalsUsedToday < limits.ApprovalsPerDay
	default:
		return true
	}
}
