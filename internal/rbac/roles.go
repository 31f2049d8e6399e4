package rbac

// Token roles. Keep these stable; they are part of the auth contract.
const (
	RoleUser       = "user"
	RoleService    = "service" // scheduled jobs and internal callers
	RoleSuperAdmin = "super_admin"
)

// Organization membership roles.
const (
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsService(role string) bool { return role == RoleService }
