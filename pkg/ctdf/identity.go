package ctdf

type Identity struct {
	UserID string
	Role   Role
}

type Role string

const (
	RoleDriver  Role = "Driver"
	RoleParent  Role = "Parent"
	RoleStudent Role = "Student"
	RoleManager Role = "Manager"

	// RoleSystem is used for trusted internal feeds such as AVL ingestion
	RoleSystem Role = "System"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleDriver, RoleParent, RoleStudent, RoleManager, RoleSystem:
		return true
	default:
		return false
	}
}

var SystemIdentity = Identity{UserID: "system", Role: RoleSystem}
