package shared

// Permission names as defined by the upstream directory API. Categories are
// derived from the text before the first dot; the names themselves are the
// only authoritative form.
const (
	PermUserRead   = "user.read"
	PermUserCreate = "user.create"
	PermUserUpdate = "user.update"
	PermUserDelete = "user.delete"

	PermRoleRead   = "role.read"
	PermRoleUpdate = "role.update"
	PermRoleDelete = "role.delete"

	PermPermissionRead = "permission.read"

	PermAssignmentRead   = "rolepermission.read"
	PermAssignmentCreate = "rolepermission.create"
	PermAssignmentDelete = "rolepermission.delete"
)

// Role names granted implicit administrative standing in the console.
// The check is by exact name, matching upstream convention.
const (
	RoleSuperAdmin = "Super Admin"
	RoleAdmin      = "Admin"
)

// CoreScopes lists every permission the console gates on.
func CoreScopes() []string {
	return []string{
		PermUserRead,
		PermUserCreate,
		PermUserUpdate,
		PermUserDelete,
		PermRoleRead,
		PermRoleUpdate,
		PermRoleDelete,
		PermPermissionRead,
		PermAssignmentRead,
		PermAssignmentCreate,
		PermAssignmentDelete,
	}
}
