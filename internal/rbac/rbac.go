package rbac

type Role string
type Action string

const (
	RoleNone         Role = "none"
	RoleMember       Role = "member"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	ActionReadList           Action = "read_list"
	ActionInvite             Action = "invite"
	ActionRemoveCollaborator Action = "remove_collaborator"
	ActionEnableChat         Action = "enable_chat"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCollaborator:
		return action == ActionReadList
	default:
		return false
	}
}

// ListRole resolves the caller's role on a list from its owner and collaborator set.
func ListRole(ownerID string, collaborators []string, userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if userID == ownerID {
		return RoleOwner
	}
	for _, id := range collaborators {
		if id == userID {
			return RoleCollaborator
		}
	}
	return RoleNone
}

// GroupRole resolves the caller's role in a chat group.
func GroupRole(members, admins []string, userID string) Role {
	for _, id := range admins {
		if id == userID {
			return RoleOwner
		}
	}
	for _, id := range members {
		if id == userID {
			return RoleMember
		}
	}
	return RoleNone
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleNone, RoleMember, RoleCollaborator, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}
