package auth

// Role is the coarse access level carried by a credential.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// User is the identity resolved from a credential.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// rolePermissions maps each role to its permission set. The "admin"
// permission overrides any specific check.
var rolePermissions = map[Role][]string{
	RoleAdmin: {
		"admin", "read", "write", "delete", "manage_instances",
		"send_messages", "view_logs", "manage_users", "system_control",
	},
	RoleUser: {
		"read", "write", "manage_instances", "send_messages",
	},
	RoleViewer: {
		"read", "view_logs",
	},
}

// PermissionsFor returns the permission set derived from a role.
// Unknown roles get no permissions.
func PermissionsFor(role Role) map[string]struct{} {
	perms := make(map[string]struct{})
	for _, p := range rolePermissions[role] {
		perms[p] = struct{}{}
	}
	return perms
}
