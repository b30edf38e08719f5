package policy

import (
	"sort"
	"time"
)

// Snapshot is an immutable, versioned view of the role × permission × scope
// matrix. Readers hold one snapshot for the whole duration of an evaluation;
// writers never mutate a published snapshot, they build and publish a new one.
type Snapshot struct {
	version     int64
	builtAt     time.Time
	rolesByName map[string]Role
	rolesByID   map[int64]Role
	permsByKey  map[string]Permission
	permsByID   map[int64]Permission
	grants      map[string]map[string]Scope // role name -> permission key -> scope
}

// Version returns the snapshot's monotonically increasing version.
func (s *Snapshot) Version() int64 { return s.version }

// BuiltAt returns when the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// ScopeFor returns the stored scope for a role/permission pair. A missing row
// is ScopeNone.
func (s *Snapshot) ScopeFor(roleName, permissionKey string) Scope {
	perms, ok := s.grants[roleName]
	if !ok {
		return ScopeNone
	}
	scope, ok := perms[permissionKey]
	if !ok {
		return ScopeNone
	}
	return scope
}

// RoleByName looks up a role definition.
func (s *Snapshot) RoleByName(name string) (Role, bool) {
	role, ok := s.rolesByName[name]
	return role, ok
}

// RoleByID looks up a role definition by ID.
func (s *Snapshot) RoleByID(id int64) (Role, bool) {
	role, ok := s.rolesByID[id]
	return role, ok
}

// PermissionByKey looks up a permission definition.
func (s *Snapshot) PermissionByKey(key string) (Permission, bool) {
	perm, ok := s.permsByKey[key]
	return perm, ok
}

// Roles returns all role definitions sorted by name.
func (s *Snapshot) Roles() []Role {
	roles := make([]Role, 0, len(s.rolesByName))
	for _, r := range s.rolesByName {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles
}

// Permissions returns all permission definitions sorted by key.
func (s *Snapshot) Permissions() []Permission {
	perms := make([]Permission, 0, len(s.permsByKey))
	for _, p := range s.permsByKey {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key < perms[j].Key })
	return perms
}

// GrantsFor returns the stored grants for a role by ID, sorted by permission
// key. Missing rows (scope none) are not included.
func (s *Snapshot) GrantsFor(roleID int64) []RolePermission {
	role, ok := s.rolesByID[roleID]
	if !ok {
		return nil
	}
	var grants []RolePermission
	for key, scope := range s.grants[role.Name] {
		perm := s.permsByKey[key]
		grants = append(grants, RolePermission{
			RoleID:        roleID,
			PermissionID:  perm.ID,
			PermissionKey: key,
			Scope:         scope,
		})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].PermissionKey < grants[j].PermissionKey })
	return grants
}

// buildSnapshot assembles a fresh snapshot from full matrix state. The input
// slices are copied into new maps so the result shares nothing with callers.
func buildSnapshot(version int64, roles []Role, perms []Permission, grants []RolePermission) *Snapshot {
	snap := &Snapshot{
		version:     version,
		builtAt:     time.Now().UTC(),
		rolesByName: make(map[string]Role, len(roles)),
		rolesByID:   make(map[int64]Role, len(roles)),
		permsByKey:  make(map[string]Permission, len(perms)),
		permsByID:   make(map[int64]Permission, len(perms)),
		grants:      make(map[string]map[string]Scope, len(roles)),
	}
	for _, r := range roles {
		snap.rolesByName[r.Name] = r
		snap.rolesByID[r.ID] = r
	}
	for _, p := range perms {
		snap.permsByKey[p.Key] = p
		snap.permsByID[p.ID] = p
	}
	for _, g := range grants {
		role, ok := snap.rolesByID[g.RoleID]
		if !ok {
			continue
		}
		perm, ok := snap.permsByID[g.PermissionID]
		if !ok {
			continue
		}
		if g.Scope == ScopeNone || !g.Scope.Valid() {
			continue
		}
		if snap.grants[role.Name] == nil {
			snap.grants[role.Name] = make(map[string]Scope)
		}
		snap.grants[role.Name][perm.Key] = g.Scope
	}
	return snap
}
