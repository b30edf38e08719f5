package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergecare/vergegate/internal/audit"
)

type stubSnapshots struct {
	snap *Snapshot
	err  error
}

func (s stubSnapshots) Current() (*Snapshot, error) {
	return s.snap, s.err
}

type stubRelationships struct {
	guardianFn func(ctx context.Context, guardianID, dependentID string, asOf time.Time) (bool, error)
	limitsFn   func(ctx context.Context, guardianID, dependentID, permission string) (bool, error)
}

func (s stubRelationships) IsGuardianOf(ctx context.Context, guardianID, dependentID string, asOf time.Time) (bool, error) {
	if s.guardianFn == nil {
		return false, nil
	}
	return s.guardianFn(ctx, guardianID, dependentID, asOf)
}

func (s stubRelationships) WithinLimits(ctx context.Context, guardianID, dependentID, permission string) (bool, error) {
	if s.limitsFn == nil {
		return true, nil
	}
	return s.limitsFn(ctx, guardianID, dependentID, permission)
}

type captureRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureRecorder) RecordDecision(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) all() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

func testSnapshot(grants ...RolePermission) *Snapshot {
	roles := []Role{
		{ID: 1, Name: "user"},
		{ID: 2, Name: "verge"},
		{ID: 3, Name: "admin", IsSystem: true},
	}
	perms := []Permission{
		{ID: 1, Key: "budget.write", Category: "finance", Level: LevelWrite},
		{ID: 2, Key: "budget.read", Category: "finance", Level: LevelRead},
		{ID: 3, Key: "dependents.manage", Category: "family", Level: LevelWrite},
		{ID: 4, Key: "reports.read", Category: "finance", Level: LevelRead},
		{ID: 5, Key: "limits.set", Category: "family", Level: LevelAdmin},
	}
	return buildSnapshot(1, roles, perms, grants)
}

func newTestEngine(t *testing.T, snap *Snapshot, rel Relationships, rec Recorder) *Engine {
	t.Helper()
	return NewEngine(stubSnapshots{snap: snap}, rel, rec, nil, nil, EngineOptions{
		RelationshipTimeout: 100 * time.Millisecond,
	})
}

func TestEvaluateOwnScope(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 1, PermissionID: 1, Scope: ScopeOwn})
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, stubRelationships{}, rec)

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1", Roles: []string{"user"}},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u1"}, "write")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ScopeOwn, decision.Scope)
	require.Equal(t, "budget.write", decision.Permission)
	require.Contains(t, decision.Reason, `"user"`)
	require.Equal(t, int64(1), decision.PolicyVersion)

	records := rec.all()
	require.Len(t, records, 1)
	require.Equal(t, "ALLOW", records[0].Effect)
	require.Equal(t, "u1", records[0].PrincipalID)
}

func TestEvaluateOwnScopeNotOwner(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 1, PermissionID: 1, Scope: ScopeOwn})
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, stubRelationships{}, rec)

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1", Roles: []string{"user"}},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u2"}, "write")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonNotOwner, decision.Reason)

	records := rec.all()
	require.Len(t, records, 1)
	require.Equal(t, "DENY", records[0].Effect)
}

func TestEvaluateAllScope(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 3, Scope: ScopeAll})
	engine := newTestEngine(t, snap, stubRelationships{}, &captureRecorder{})

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "g1", Roles: []string{"verge"}},
		Resource{Kind: "dependent", ID: "d1", OwnerID: "anyone"}, "manage")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ScopeAll, decision.Scope)
	require.Equal(t, "verge", decision.Role)
}

func TestEvaluateNoGrant(t *testing.T) {
	snap := testSnapshot()
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, stubRelationships{}, rec)

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1", Roles: []string{"user"}},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u1"}, "write")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonNoGrant, decision.Reason)
	require.Equal(t, ScopeNone, decision.Scope)
}

func TestEvaluateMostPermissiveRoleWins(t *testing.T) {
	snap := testSnapshot(
		RolePermission{RoleID: 1, PermissionID: 4, Scope: ScopeOwn},
		RolePermission{RoleID: 2, PermissionID: 4, Scope: ScopeAll},
	)
	engine := newTestEngine(t, snap, stubRelationships{}, &captureRecorder{})

	// Resource owned by a stranger: own scope would deny, all must win.
	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "g1", Roles: []string{"user", "verge"}},
		Resource{Kind: "report", ID: "r1", OwnerID: "someone-else"}, "read")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ScopeAll, decision.Scope)
	require.Equal(t, "verge", decision.Role)
}

func TestEvaluateDependentScope(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 4, Scope: ScopeDependent})

	t.Run("active guardian", func(t *testing.T) {
		rel := stubRelationships{
			guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
				require.Equal(t, "g1", g)
				require.Equal(t, "d1", d)
				return true, nil
			},
		}
		engine := newTestEngine(t, snap, rel, &captureRecorder{})
		decision, err := engine.Evaluate(context.Background(),
			Principal{ID: "g1", Roles: []string{"verge"}},
			Resource{Kind: "report", ID: "r1", OwnerID: "d1"}, "read")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
		require.Equal(t, ScopeDependent, decision.Scope)
	})

	t.Run("revoked guardian", func(t *testing.T) {
		rel := stubRelationships{
			guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
				return false, nil
			},
		}
		engine := newTestEngine(t, snap, rel, &captureRecorder{})
		decision, err := engine.Evaluate(context.Background(),
			Principal{ID: "g1", Roles: []string{"verge"}},
			Resource{Kind: "report", ID: "r1", OwnerID: "d1"}, "read")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonNotGuardian, decision.Reason)
	})
}

func TestEvaluateDependentLimitBounded(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 5, Scope: ScopeDependent})

	t.Run("within limits", func(t *testing.T) {
		rel := stubRelationships{
			guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
				return true, nil
			},
			limitsFn: func(ctx context.Context, g, d, permission string) (bool, error) {
				require.Equal(t, "limits.set", permission)
				return true, nil
			},
		}
		engine := newTestEngine(t, snap, rel, &captureRecorder{})
		decision, err := engine.Evaluate(context.Background(),
			Principal{ID: "g1", Roles: []string{"verge"}},
			Resource{Kind: "limit", ID: "l1", OwnerID: "d1"}, "set")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	})

	t.Run("limit exhausted", func(t *testing.T) {
		rel := stubRelationships{
			guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
				return true, nil
			},
			limitsFn: func(ctx context.Context, g, d, permission string) (bool, error) {
				return false, nil
			},
		}
		rec := &captureRecorder{}
		engine := newTestEngine(t, snap, rel, rec)
		decision, err := engine.Evaluate(context.Background(),
			Principal{ID: "g1", Roles: []string{"verge"}},
			Resource{Kind: "limit", ID: "l1", OwnerID: "d1"}, "set")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
		require.Equal(t, ReasonLimitExceeded, decision.Reason)
	})
}

func TestEvaluateRelationshipTimeout(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 4, Scope: ScopeDependent})
	rel := stubRelationships{
		guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	}
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, rel, rec)

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "g1", Roles: []string{"verge"}},
		Resource{Kind: "report", ID: "r1", OwnerID: "d1"}, "read")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRelationshipTimeout, decision.Reason)

	records := rec.all()
	require.Len(t, records, 1)
	require.Equal(t, ReasonRelationshipTimeout, records[0].Reason)
}

func TestEvaluateRelationshipFailure(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 4, Scope: ScopeDependent})
	rel := stubRelationships{
		guardianFn: func(ctx context.Context, g, d string, asOf time.Time) (bool, error) {
			return false, errors.New("connection refused")
		},
	}
	engine := newTestEngine(t, snap, rel, &captureRecorder{})

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "g1", Roles: []string{"verge"}},
		Resource{Kind: "report", ID: "r1", OwnerID: "d1"}, "read")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRelationshipCheckFailed, decision.Reason)
}

func TestEvaluateCanceledContextProducesNoRecord(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 1, PermissionID: 1, Scope: ScopeOwn})
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, stubRelationships{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Evaluate(ctx,
		Principal{ID: "u1", Roles: []string{"user"}},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u1"}, "write")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.all())
}

func TestEvaluateCanceledDuringRelationshipCheck(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 2, PermissionID: 4, Scope: ScopeDependent})
	ctx, cancel := context.WithCancel(context.Background())
	rel := stubRelationships{
		guardianFn: func(rctx context.Context, g, d string, asOf time.Time) (bool, error) {
			cancel()
			return false, context.Canceled
		},
	}
	rec := &captureRecorder{}
	engine := newTestEngine(t, snap, rel, rec)

	_, err := engine.Evaluate(ctx,
		Principal{ID: "g1", Roles: []string{"verge"}},
		Resource{Kind: "report", ID: "r1", OwnerID: "d1"}, "read")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.all())
}

func TestEvaluatePolicyUnavailable(t *testing.T) {
	rec := &captureRecorder{}
	engine := NewEngine(stubSnapshots{err: ErrPolicyUnavailable}, stubRelationships{}, rec, nil, nil, EngineOptions{})

	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1", Roles: []string{"user"}},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u1"}, "write")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonPolicyUnavailable, decision.Reason)

	records := rec.all()
	require.Len(t, records, 1)
	require.Equal(t, ReasonPolicyUnavailable, records[0].Reason)
	require.Equal(t, "DENY", records[0].Effect)
}

func TestEvaluateUnknownAction(t *testing.T) {
	engine := newTestEngine(t, testSnapshot(), stubRelationships{}, &captureRecorder{})
	_, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1"}, Resource{Kind: "budget", ID: "b1"}, "launch")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestEvaluateInvalidRequest(t *testing.T) {
	engine := newTestEngine(t, testSnapshot(), stubRelationships{}, &captureRecorder{})
	_, err := engine.Evaluate(context.Background(),
		Principal{}, Resource{Kind: "budget", ID: "b1"}, "write")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEvaluateDefaultRole(t *testing.T) {
	snap := testSnapshot(RolePermission{RoleID: 1, PermissionID: 2, Scope: ScopeOwn})
	engine := newTestEngine(t, snap, stubRelationships{}, &captureRecorder{})

	// A principal with no role assignments falls back to the default role.
	decision, err := engine.Evaluate(context.Background(),
		Principal{ID: "u1"},
		Resource{Kind: "budget", ID: "b1", OwnerID: "u1"}, "read")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, "user", decision.Role)
}
