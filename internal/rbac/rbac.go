package rbac

// SpaceRole is a user's role within a single space, distinct from
// their global roles.
type SpaceRole string

const (
	RoleOwner   SpaceRole = "owner"
	RoleAdmin   SpaceRole = "admin"
	RoleCurator SpaceRole = "curator"
	RoleAuditor SpaceRole = "auditor"
	RoleUser    SpaceRole = "user"
)

// GlobalRole is an account-level role carried in the session.
type GlobalRole string

const (
	GlobalAdmin GlobalRole = "admin"
	GlobalUser  GlobalRole = "user"
)

// GlobalRoles is the set of global roles attached to a session. Roles
// are carried as a proper set, never a delimited string.
type GlobalRoles []GlobalRole

func (g GlobalRoles) Has(role GlobalRole) bool {
	for _, r := range g {
		if r == role {
			return true
		}
	}
	return false
}

func (g GlobalRoles) IsAdmin() bool {
	return g.Has(GlobalAdmin)
}

// AllSpaceRoles lists every valid space role.
var AllSpaceRoles = []SpaceRole{RoleOwner, RoleAdmin, RoleCurator, RoleAuditor, RoleUser}

// ManageRoles are the roles allowed to edit a space and manage its
// members and invites.
var ManageRoles = []SpaceRole{RoleOwner, RoleAdmin, RoleCurator}

// ArchiveRoles are the roles allowed to archive or restore a space.
var ArchiveRoles = []SpaceRole{RoleOwner, RoleAdmin}

func In(role SpaceRole, allowed []SpaceRole) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func ValidSpaceRole(role SpaceRole) bool {
	return In(role, AllSpaceRoles)
}

// ValidInviteRole reports whether role may be granted through an
// invite. Ownership is never transferable by invite.
func ValidInviteRole(role SpaceRole) bool {
	return ValidSpaceRole(role) && role != RoleOwner
}

func NormalizeGlobal(roles []string) GlobalRoles {
	out := make(GlobalRoles, 0, len(roles))
	for _, raw := range roles {
		switch GlobalRole(raw) {
		case GlobalAdmin, GlobalUser:
			out = append(out, GlobalRole(raw))
		}
	}
	if len(out) == 0 {
		out = GlobalRoles{GlobalUser}
	}
	return out
}
