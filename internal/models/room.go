package models

import "fmt"

// RoomKey addresses a broadcast group. Role rooms set Role; ad hoc rooms set
// Name. Org is always set, so every room belongs to exactly one tenant.
type RoomKey struct {
	Org  string
	Role Role
	Name string
}

func RoleRoom(org string, role Role) RoomKey { return RoomKey{Org: org, Role: role} }

// IsDispatcher reports whether members of the room receive fleet broadcasts.
func (k RoomKey) IsDispatcher() bool { return k.Name == "" && k.Role.IsDispatcher() }

func (k RoomKey) String() string {
	if k.Name != "" {
		return k.Name
	}
	return fmt.Sprintf("org:%s:role:%s", k.Org, k.Role)
}
