package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vergecare/vergegate/internal/audit"
	"github.com/vergecare/vergegate/internal/observability"
)

// Snapshots supplies the current rule snapshot.
type Snapshots interface {
	Current() (*Snapshot, error)
}

// Relationships answers guardian questions for dependent-scoped grants. It is
// the only collaborator allowed to do I/O during an evaluation.
type Relationships interface {
	IsGuardianOf(ctx context.Context, guardianID, dependentID string, asOf time.Time) (bool, error)
	WithinLimits(ctx context.Context, guardianID, dependentID, permission string) (bool, error)
}

// Recorder receives the outcome of every completed evaluation.
type Recorder interface {
	RecordDecision(rec audit.Record)
}

// EngineOptions tunes evaluation behaviour.
type EngineOptions struct {
	// RelationshipTimeout bounds one guardian lookup. On expiry the engine
	// fails closed. Default 2s.
	RelationshipTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine computes ALLOW/DENY decisions against one consistent rule snapshot
// per call. It is safe for concurrent use; the read path takes no locks.
type Engine struct {
	snapshots     Snapshots
	relationships Relationships
	recorder      Recorder
	logger        *slog.Logger
	metrics       *observability.Metrics
	relTimeout    time.Duration
	now           func() time.Time
}

// NewEngine constructs the engine.
func NewEngine(snapshots Snapshots, relationships Relationships, recorder Recorder, logger *slog.Logger, metrics *observability.Metrics, opts EngineOptions) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RelationshipTimeout <= 0 {
		opts.RelationshipTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		snapshots:     snapshots,
		relationships: relationships,
		recorder:      recorder,
		logger:        logger,
		metrics:       metrics,
		relTimeout:    opts.RelationshipTimeout,
		now:           opts.Now,
	}
}

// Evaluate decides whether the principal may perform the action on the
// resource. Every completed call produces exactly one audit record; a call
// canceled before completion produces none and returns the context error so
// callers can tell "denied" from "never evaluated". Infrastructure failures
// deny, never allow.
func (e *Engine) Evaluate(ctx context.Context, principal Principal, resource Resource, action string) (Decision, error) {
	if err := validateRequest(principal, resource, action); err != nil {
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	permission, err := PermissionFor(resource.Kind, action)
	if err != nil {
		return Decision{}, err
	}

	started := e.now()
	decision := Decision{
		Permission:    permission,
		Scope:         ScopeNone,
		CorrelationID: uuid.New(),
		Timestamp:     started,
	}

	snap, snapErr := e.snapshots.Current()
	if snapErr != nil {
		// Fail closed and shout: a missing snapshot means every request is
		// being denied for operational rather than policy reasons.
		e.logger.Error("policy snapshot unavailable", slog.Any("error", snapErr))
		decision.Reason = ReasonPolicyUnavailable
		return e.finish(ctx, principal, resource, action, decision, started)
	}
	decision.PolicyVersion = snap.Version()

	// Collect the most permissive scope across all of the principal's roles.
	best := ScopeNone
	var matchedRole string
	for _, role := range principal.EffectiveRoles() {
		if scope := snap.ScopeFor(role, permission); scope.MorePermissiveThan(best) {
			best = scope
			matchedRole = role
		}
	}

	switch best {
	case ScopeNone:
		decision.Reason = ReasonNoGrant
	case ScopeAll:
		decision.Allowed = true
		decision.Role = matchedRole
		decision.Scope = ScopeAll
		decision.Reason = grantReason(matchedRole, ScopeAll)
	case ScopeOwn:
		decision.Role = matchedRole
		decision.Scope = ScopeOwn
		if resource.OwnerID == principal.ID {
			decision.Allowed = true
			decision.Reason = grantReason(matchedRole, ScopeOwn)
		} else {
			decision.Reason = ReasonNotOwner
		}
	case ScopeDependent:
		decision.Role = matchedRole
		decision.Scope = ScopeDependent
		allowed, reason, err := e.checkDependent(ctx, principal, resource, permission)
		if err != nil {
			// Parent context gone: the caller walked away, nothing was decided.
			return Decision{}, err
		}
		decision.Allowed = allowed
		if allowed {
			decision.Reason = grantReason(matchedRole, ScopeDependent)
		} else {
			decision.Reason = reason
		}
	}

	return e.finish(ctx, principal, resource, action, decision, started)
}

// checkDependent consults the relationship resolver with a bounded deadline.
// The returned error is non-nil only when the parent context was canceled.
func (e *Engine) checkDependent(ctx context.Context, principal Principal, resource Resource, permission string) (bool, string, error) {
	rctx, cancel := context.WithTimeout(ctx, e.relTimeout)
	defer cancel()

	guards, err := e.relationships.IsGuardianOf(rctx, principal.ID, resource.OwnerID, e.now())
	if err != nil {
		return e.denyForRelationshipError(ctx, err)
	}
	if !guards {
		return false, ReasonNotGuardian, nil
	}
	if !LimitBounded(permission) {
		return true, "", nil
	}
	within, err := e.relationships.WithinLimits(rctx, principal.ID, resource.OwnerID, permission)
	if err != nil {
		return e.denyForRelationshipError(ctx, err)
	}
	if !within {
		return false, ReasonLimitExceeded, nil
	}
	return true, "", nil
}

// denyForRelationshipError maps a resolver failure to a fail-closed deny
// reason. When the caller's own context was canceled it returns that error
// instead, so no decision is recorded.
func (e *Engine) denyForRelationshipError(parent context.Context, err error) (bool, string, error) {
	if parent.Err() != nil {
		return false, "", parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, ReasonRelationshipTimeout, nil
	}
	e.logger.Warn("relationship check failed", slog.Any("error", err))
	return false, ReasonRelationshipCheckFailed, nil
}

// finish records metrics and hands the outcome to the audit recorder, unless
// the caller has already gone away.
func (e *Engine) finish(ctx context.Context, principal Principal, resource Resource, action string, decision Decision, started time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	e.metrics.ObserveDecision(decision.Effect(), decision.Reason, e.now().Sub(started))
	if e.recorder != nil {
		e.recorder.RecordDecision(audit.Record{
			CorrelationID:  decision.CorrelationID,
			PrincipalID:    principal.ID,
			PrincipalRoles: principal.EffectiveRoles(),
			ResourceKind:   resource.Kind,
			ResourceID:     resource.ID,
			Action:         action,
			Allowed:        decision.Allowed,
			Effect:         decision.Effect(),
			Scope:          string(decision.Scope),
			Permission:     decision.Permission,
			Reason:         decision.Reason,
			OccurredAt:     decision.Timestamp,
		})
	}
	return decision, nil
}

func grantReason(role string, scope Scope) string {
	return fmt.Sprintf("granted via role %q at scope %q", role, scope)
}

func validateRequest(principal Principal, resource Resource, action string) error {
	switch {
	case principal.ID == "":
		return fmt.Errorf("%w: principal id required", ErrInvalidRequest)
	case resource.Kind == "":
		return fmt.Errorf("%w: resource kind required", ErrInvalidRequest)
	case resource.ID == "":
		return fmt.Errorf("%w: resource id required", ErrInvalidRequest)
	case action == "":
		return fmt.Errorf("%w: action required", ErrInvalidRequest)
	}
	return nil
}
