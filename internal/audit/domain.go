package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category buckets records for retention. Routine allows age out first,
// violation denies are kept the longest for compliance review.
type Category string

const (
	// CategoryRoutine covers ordinary ALLOW decisions.
	CategoryRoutine Category = "routine"
	// CategoryDenied covers ordinary denies (no grant, not owner).
	CategoryDenied Category = "denied"
	// CategoryViolation covers denies that indicate a boundary was probed:
	// guardianship failures, limit breaches and fail-closed infrastructure
	// denies.
	CategoryViolation Category = "violation"
)

// Retention returns how long records of this category are kept.
func (c Category) Retention() time.Duration {
	switch c {
	case CategoryRoutine:
		return 30 * 24 * time.Hour
	case CategoryDenied:
		return 90 * 24 * time.Hour
	case CategoryViolation:
		return 365 * 24 * time.Hour
	default:
		return 365 * 24 * time.Hour
	}
}

// Categories lists all retention categories.
func Categories() []Category {
	return []Category{CategoryRoutine, CategoryDenied, CategoryViolation}
}

// MaxRetention returns the longest retention across all categories. Queries
// that default their time window use it so no still-retained record falls
// outside the default view.
func MaxRetention() time.Duration {
	var longest time.Duration
	for _, c := range Categories() {
		if r := c.Retention(); r > longest {
			longest = r
		}
	}
	return longest
}

// CategoryFor derives the retention category from a decision outcome.
func CategoryFor(allowed bool, reason string) Category {
	if allowed {
		return CategoryRoutine
	}
	switch reason {
	case "not_guardian", "limit_exceeded", "relationship_check_timeout",
		"relationship_check_failed", "policy_unavailable":
		return CategoryViolation
	default:
		return CategoryDenied
	}
}

// Record is the durable trace of one authorization decision. Records are
// append-only; nothing in this package updates or deletes a record outside of
// retention expiry.
type Record struct {
	ID             int64
	Seq            uint64
	CorrelationID  uuid.UUID
	PrincipalID    string
	PrincipalRoles []string
	ResourceKind   string
	ResourceID     string
	Action         string
	Allowed        bool
	Effect         string
	Scope          string
	Permission     string
	Reason         string
	Category       Category
	OccurredAt     time.Time
}

// Filters narrows a compliance query. Zero values mean "no filter".
type Filters struct {
	PrincipalID  string
	ResourceKind string
	From         time.Time
	To           time.Time
	Page         int
	PageSize     int
}
