package policy

import (
	"time"

	"github.com/google/uuid"
)

// Scope describes how far a permission grant reaches.
type Scope string

const (
	// ScopeAll grants access to any resource of the permission's kind.
	ScopeAll Scope = "all"
	// ScopeDependent grants access to resources owned by a supervised dependent.
	ScopeDependent Scope = "dependent"
	// ScopeOwn grants access to resources owned by the principal itself.
	ScopeOwn Scope = "own"
	// ScopeNone means no grant. Stored grants never carry this value; the
	// absence of a row is equivalent to ScopeNone.
	ScopeNone Scope = "none"
)

// rank encodes the permissiveness ordering all > dependent > own > none.
func (s Scope) rank() int {
	switch s {
	case ScopeAll:
		return 3
	case ScopeDependent:
		return 2
	case ScopeOwn:
		return 1
	default:
		return 0
	}
}

// MorePermissiveThan reports whether s outranks other.
func (s Scope) MorePermissiveThan(other Scope) bool {
	return s.rank() > other.rank()
}

// Valid reports whether s is one of the four known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeDependent, ScopeOwn, ScopeNone:
		return true
	}
	return false
}

// Role is a named capability bundle. System roles are seeded at init and can
// never be deleted.
type Role struct {
	ID        int64
	Name      string
	IsSystem  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is an atomic capability, keyed by its dotted identifier
// (e.g. "budget.write").
type Permission struct {
	ID       int64
	Key      string
	Category string
	Level    string
}

// Permission levels.
const (
	LevelRead  = "read"
	LevelWrite = "write"
	LevelAdmin = "admin"
	LevelFull  = "full"
)

// RolePermission grants a permission to a role at a scope.
type RolePermission struct {
	RoleID        int64
	PermissionID  int64
	PermissionKey string
	Scope         Scope
}

// DefaultRoleName is assigned when a principal arrives with no roles.
const DefaultRoleName = "user"

// Principal is the actor requesting access, constructed per request from the
// session or service auth context.
type Principal struct {
	ID         string
	Roles      []string
	Attributes map[string]string
}

// EffectiveRoles returns the principal's roles, deduplicated, falling back to
// the default role when none are assigned.
func (p Principal) EffectiveRoles() []string {
	if len(p.Roles) == 0 {
		return []string{DefaultRoleName}
	}
	seen := make(map[string]struct{}, len(p.Roles))
	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return roles
}

// Resource is the target object of an evaluation.
type Resource struct {
	Kind       string
	ID         string
	OwnerID    string
	Attributes map[string]string
}

// Deny reasons. Every deny carries one of these so decisions stay explainable.
const (
	ReasonNoGrant                 = "no_grant"
	ReasonNotOwner                = "not_owner"
	ReasonNotGuardian             = "not_guardian"
	ReasonLimitExceeded           = "limit_exceeded"
	ReasonPolicyUnavailable       = "policy_unavailable"
	ReasonRelationshipTimeout     = "relationship_check_timeout"
	ReasonRelationshipCheckFailed = "relationship_check_failed"
)

// Decision is the immutable outcome of one Evaluate call.
type Decision struct {
	Allowed       bool
	Role          string
	Scope         Scope
	Permission    string
	Reason        string
	PolicyVersion int64
	CorrelationID uuid.UUID
	Timestamp     time.Time
}

// Effect returns "ALLOW" or "DENY" for audit records and metrics labels.
func (d Decision) Effect() string {
	if d.Allowed {
		return "ALLOW"
	}
	return "DENY"
}
