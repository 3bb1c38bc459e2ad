// Package identity defines callers, roles, and the static role→permission
// map. Roles are totally ordered by privilege; every higher role carries a
// superset of the permissions below it.
package identity

import (
	"fmt"
	"strings"
)

// Role is a caller's single assigned role.
type Role string

const (
	RoleViewer   Role = "Viewer"
	RoleOperator Role = "Operator"
	RoleApprover Role = "Approver"
	RoleAdmin    Role = "Admin"
	// RoleSystem appears only as an actor role on history entries written
	// by the broker itself (sweeper, auto-execute). It is never assignable.
	RoleSystem Role = "System"
)

// rank orders assignable roles by privilege.
var rank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleApprover: 2,
	RoleAdmin:    3,
}

// ParseRole validates an assignable role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	for r := range rank {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// AtLeast reports whether r carries at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	ri, ok1 := rank[r]
	oi, ok2 := rank[other]
	return ok1 && ok2 && ri >= oi
}

// Permission is a lowercase verb:object token. Permissions are data:
// the role map below is loaded once at startup and immutable after.
type Permission string

const (
	PermReadProcesses  Permission = "read:processes"
	PermReadUsers      Permission = "read:users"
	PermReadGroups     Permission = "read:groups"
	PermReadCron       Permission = "read:cron"
	PermReadServices   Permission = "read:services"
	PermReadFirewall   Permission = "read:firewall"
	PermWriteUsers     Permission = "write:users"
	PermWriteGroups    Permission = "write:groups"
	PermWriteCron      Permission = "write:cron"
	PermWriteServices  Permission = "write:services"
	PermWriteFirewall  Permission = "write:firewall"
	PermRequestApprove Permission = "request:approval"
	PermExecApproval   Permission = "execute:approval"
	PermExecApproved   Permission = "execute:approved_action"
	PermViewPending    Permission = "view:approval_pending"
	PermViewHistory    Permission = "view:approval_history"
	PermExportHistory  Permission = "export:approval_history"
	PermViewPolicies   Permission = "view:approval_policies"
	PermViewStats      Permission = "view:approval_stats"
)

// PermissionSet is the derived permission set of a role.
type PermissionSet map[Permission]struct{}

// Has reports membership.
func (ps PermissionSet) Has(p Permission) bool {
	_, ok := ps[p]
	return ok
}

// rolePermissions is built cumulatively so the superset invariant holds
// by construction.
var rolePermissions = func() map[Role]PermissionSet {
	viewer := []Permission{
		PermReadProcesses, PermReadUsers, PermReadGroups,
		PermReadCron, PermReadServices, PermReadFirewall,
	}
	operator := append(append([]Permission{}, viewer...),
		PermWriteUsers, PermWriteGroups, PermWriteCron,
		PermWriteServices, PermWriteFirewall,
		PermRequestApprove, PermViewPending, PermViewHistory,
	)
	approver := append(append([]Permission{}, operator...),
		PermExecApproval, PermExecApproved, PermViewPolicies, PermViewStats,
	)
	admin := append(append([]Permission{}, approver...),
		PermExportHistory,
	)

	m := make(map[Role]PermissionSet, 4)
	for role, perms := range map[Role][]Permission{
		RoleViewer:   viewer,
		RoleOperator: operator,
		RoleApprover: approver,
		RoleAdmin:    admin,
	} {
		set := make(PermissionSet, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		m[role] = set
	}
	return m
}()

// Permissions resolves the static permission set of a role. Unknown roles
// resolve to the empty set (deny by default).
func Permissions(r Role) PermissionSet {
	if ps, ok := rolePermissions[r]; ok {
		return ps
	}
	return PermissionSet{}
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID       string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Has reports whether the caller's role grants the permission.
func (c Caller) Has(p Permission) bool {
	return Permissions(c.Role).Has(p)
}

// System is the synthetic actor for broker-internal transitions.
var System = Caller{ID: "system", Username: "system", Role: RoleSystem}
