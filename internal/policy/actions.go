package policy

import "github.com/vergecare/vergegate/internal/shared"

// actionPermissions maps (resource kind, action) pairs to permission keys.
// The table is static; unknown pairs are rejected as invalid requests before
// any decision is attempted.
var actionPermissions = map[string]map[string]string{
	"budget": {
		"read":  shared.PermBudgetRead,
		"write": shared.PermBudgetWrite,
	},
	"report": {
		"read":   shared.PermReportsRead,
		"export": shared.PermReportsExport,
	},
	"dependent": {
		"read":   shared.PermDependentsRead,
		"manage": shared.PermDependentsManage,
	},
	"limit": {
		"set": shared.PermLimitsSet,
	},
	"approval": {
		"manage": shared.PermApprovalsManage,
	},
	"role": {
		"read":   shared.PermRolesRead,
		"manage": shared.PermRolesManage,
	},
	"rolePermission": {
		"update": shared.PermPermissionsManage,
	},
	"permission": {
		"read": shared.PermPermissionsRead,
	},
	"auditRecord": {
		"read": shared.PermAuditRead,
	},
	"user": {
		"read":  shared.PermUsersRead,
		"write": shared.PermUsersWrite,
	},
}

// limitBoundedPermissions are dependent-scope grants additionally bounded by
// the guardian's configured per-dependent limits.
var limitBoundedPermissions = map[string]struct{}{
	shared.PermLimitsSet:       {},
	shared.PermApprovalsManage: {},
}

// PermissionFor resolves the permission key guarding the given resource kind
// and action. Returns ErrUnknownAction when no mapping exists.
func PermissionFor(kind, action string) (string, error) {
	actions, ok := actionPermissions[kind]
	if !ok {
		return "", ErrUnknownAction
	}
	perm, ok := actions[action]
	if !ok {
		return "", ErrUnknownAction
	}
	return perm, nil
}

// LimitBounded reports whether the permission is subject to per-dependent
// limit checks when granted at dependent scope.
func LimitBounded(permission string) bool {
	_, ok := limitBoundedPermissions[permission]
	return ok
}
