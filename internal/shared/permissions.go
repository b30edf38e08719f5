package shared

// Permission keys guarding the engine's own surfaces.
const (
	PermRolesRead         = "roles.read"
	PermRolesManage       = "roles.manage"
	PermPermissionsRead   = "permissions.read"
	PermPermissionsManage = "permissions.manage"
	PermAuditRead         = "audit.read"
)

// Resource permission keys.
const (
	PermBudgetRead       = "budget.read"
	PermBudgetWrite      = "budget.write"
	PermReportsRead      = "reports.read"
	PermReportsExport    = "reports.export"
	PermDependentsRead   = "dependents.read"
	PermDependentsManage = "dependents.manage"
	PermLimitsSet        = "limits.set"
	PermApprovalsManage  = "approvals.manage"
	PermUsersRead        = "users.read"
	PermUsersWrite       = "users.write"
)
