package rbac

// Role names stored in user_organizations.role. Keep these stable.
const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleSeller     = "seller"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsTenantRole reports whether role can be held through an organization
// membership. super_admin is granted out of band only.
func IsTenantRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleManager, RoleSeller:
		return true
	default:
		return false
	}
}
