package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/vergecare/vergegate/internal/observability"
)

// Repository defines persistence operations for the policy matrix.
type Repository interface {
	LoadMatrix(ctx context.Context) ([]Role, []Permission, []RolePermission, error)
	CreateRole(ctx context.Context, name string, isSystem bool) (Role, error)
	DeleteRole(ctx context.Context, roleID int64) (int64, error)
	UpsertRolePermission(ctx context.Context, roleID, permissionID int64, scope Scope) error
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error
}

// Store owns the current rule snapshot. Writes are serialized through a
// single-writer mutex and publish a brand-new snapshot via an atomic pointer
// swap; readers never block on writers and never observe partial state.
type Store struct {
	repo    Repository
	logger  *slog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

// NewStore constructs a Store. Call Load before serving evaluations.
func NewStore(repo Repository, logger *slog.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, logger: logger, metrics: metrics}
}

// Load reads the persisted matrix and publishes the initial snapshot. Calling
// it again reloads from persistence and bumps the version.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles, perms, grants, err := s.repo.LoadMatrix(ctx)
	if err != nil {
		return fmt.Errorf("policy: load matrix: %w", err)
	}
	version := int64(1)
	if cur := s.snap.Load(); cur != nil {
		version = cur.version + 1
	}
	s.publish(buildSnapshot(version, roles, perms, grants))
	s.logger.Info("policy snapshot loaded",
		slog.Int64("version", version),
		slog.Int("roles", len(roles)),
		slog.Int("permissions", len(perms)),
		slog.Int("grants", len(grants)))
	return nil
}

// Current returns the active snapshot, or ErrPolicyUnavailable when no
// snapshot has been published yet.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrPolicyUnavailable
	}
	return snap, nil
}

// SetRolePermission stores a grant. Setting ScopeNone removes the row rather
// than storing a negative grant, so absence stays equivalent to "none".
func (s *Store) SetRolePermission(ctx context.Context, roleID int64, permissionKey string, scope Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur == nil {
		return ErrPolicyUnavailable
	}
	role, ok := cur.RoleByID(roleID)
	if !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	perm, ok := cur.PermissionByKey(permissionKey)
	if !ok {
		return fmt.Errorf("%w: permission %q", ErrNotFound, permissionKey)
	}

	if scope == ScopeNone {
		if err := s.repo.DeleteRolePermission(ctx, role.ID, perm.ID); err != nil {
			return fmt.Errorf("policy: delete grant: %w", err)
		}
	} else {
		if err := s.repo.UpsertRolePermission(ctx, role.ID, perm.ID, scope); err != nil {
			return fmt.Errorf("policy: upsert grant: %w", err)
		}
	}

	next := cur.clone()
	if scope == ScopeNone {
		if perms := next.grants[role.Name]; perms != nil {
			delete(perms, perm.Key)
			if len(perms) == 0 {
				delete(next.grants, role.Name)
			}
		}
	} else {
		if next.grants[role.Name] == nil {
			next.grants[role.Name] = make(map[string]Scope)
		}
		next.grants[role.Name][perm.Key] = scope
	}
	s.publish(next)
	return nil
}

// CreateRole inserts a custom (non-system) role and publishes a new snapshot.
// The name is NFC-normalized so lookups are stable across input sources.
func (s *Store) CreateRole(ctx context.Context, name string) (Role, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur == nil {
		return Role{}, ErrPolicyUnavailable
	}
	if _, exists := cur.RoleByName(name); exists {
		return Role{}, fmt.Errorf("policy: role %q already exists", name)
	}
	role, err := s.repo.CreateRole(ctx, name, false)
	if err != nil {
		return Role{}, fmt.Errorf("policy: create role: %w", err)
	}

	next := cur.clone()
	next.rolesByName[role.Name] = role
	next.rolesByID[role.ID] = role
	s.publish(next)
	return role, nil
}

// DeleteRole removes a custom role and all of its grants. System roles are
// immutable and return ErrImmutableRole.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur == nil {
		return ErrPolicyUnavailable
	}
	role, ok := cur.RoleByID(roleID)
	if !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	if role.IsSystem {
		return fmt.Errorf("%w: %q", ErrImmutableRole, role.Name)
	}
	deleted, err := s.repo.DeleteRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("policy: delete role: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}

	next := cur.clone()
	delete(next.rolesByName, role.Name)
	delete(next.rolesByID, role.ID)
	delete(next.grants, role.Name)
	s.publish(next)
	return nil
}

// ListRoles returns all roles from the current snapshot.
func (s *Store) ListRoles() ([]Role, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	return snap.Roles(), nil
}

// ListPermissions returns the permission catalog from the current snapshot.
func (s *Store) ListPermissions() ([]Permission, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	return snap.Permissions(), nil
}

// GetRolePermissions returns the stored grants for one role.
func (s *Store) GetRolePermissions(roleID int64) ([]RolePermission, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	if _, ok := snap.RoleByID(roleID); !ok {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	return snap.GrantsFor(roleID), nil
}

// publish swaps in the new snapshot. Callers must hold s.mu.
func (s *Store) publish(snap *Snapshot) {
	s.snap.Store(snap)
	s.metrics.SetPolicyVersion(snap.version)
}

// clone copies the snapshot's maps into a new snapshot with version+1. Grant
// sub-maps are copied as well so the published original is never touched.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:     s.version + 1,
		builtAt:     time.Now().UTC(),
		rolesByName: make(map[string]Role, len(s.rolesByName)),
		rolesByID:   make(map[int64]Role, len(s.rolesByID)),
		permsByKey:  make(map[string]Permission, len(s.permsByKey)),
		permsByID:   make(map[int64]Permission, len(s.permsByID)),
		grants:      make(map[string]map[string]Scope, len(s.grants)),
	}
	for k, v := range s.rolesByName {
		next.rolesByName[k] = v
	}
	for k, v := range s.rolesByID {
		next.rolesByID[k] = v
	}
	for k, v := range s.permsByKey {
		next.permsByKey[k] = v
	}
	for k, v := range s.permsByID {
		next.permsByID[k] = v
	}
	for role, perms := range s.grants {
		copied := make(map[string]Scope, len(perms))
		for key, scope := range perms {
			copied[key] = scope
		}
		next.grants[role] = copied
	}
	return next
}
