package policy

import (
	"time"

	"github.com/opsgate/opsgate/pkg/identity"
)

// Defaults returns the shipped policy seed. Every write operation requires
// approval; auto_execute stays off across the board. Timeouts follow the
// database seed values (user_delete at 24h).
func Defaults() *Table {
	approverUp := []identity.Role{identity.RoleApprover, identity.RoleAdmin}
	adminOnly := []identity.Role{identity.RoleAdmin}
	now := time.Now().UTC()

	seed := []*Policy{
		{OperationType: OpUserAdd, Description: "Create a local user account",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 24, RiskLevel: RiskHigh},
		{OperationType: OpUserDelete, Description: "Delete a local user account",
			ApprovalRequired: true, ApproverRoles: adminOnly, ApprovalCount: 1,
			TimeoutHours: 24, RiskLevel: RiskCritical},
		{OperationType: OpUserModify, Description: "Modify shell, groups, or home of a user",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 24, RiskLevel: RiskHigh},
		{OperationType: OpUserPasswd, Description: "Reset a user password",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 12, RiskLevel: RiskHigh},
		{OperationType: OpGroupAdd, Description: "Create a local group",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 48, RiskLevel: RiskMedium},
		{OperationType: OpGroupDelete, Description: "Delete a local group",
			ApprovalRequired: true, ApproverRoles: adminOnly, ApprovalCount: 1,
			TimeoutHours: 24, RiskLevel: RiskHigh},
		{OperationType: OpGroupModify, Description: "Change group membership",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 24, RiskLevel: RiskHigh},
		{OperationType: OpCronAdd, Description: "Install a cron entry",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 48, RiskLevel: RiskMedium},
		{OperationType: OpCronDelete, Description: "Remove a cron entry",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 48, RiskLevel: RiskMedium},
		{OperationType: OpCronModify, Description: "Rewrite a cron entry",
			ApprovalRequired: true, ApproverRoles: approverUp, ApprovalCount: 1,
			TimeoutHours: 48, RiskLevel: RiskMedium},
		{OperationType: OpServiceStop, Description: "Stop a system service",
			ApprovalRequired: true, ApproverRoles: adminOnly, ApprovalCount: 1,
			TimeoutHours: 12, RiskLevel: RiskCritical},
		{OperationType: OpFirewallModify, Description: "Change a firewall rule",
			ApprovalRequired: true, ApproverRoles: adminOnly, ApprovalCount: 1,
			TimeoutHours: 12, RiskLevel: RiskCritical},
	}
	for _, p := range seed {
		p.CreatedAt, p.UpdatedAt = now, now
	}

	t, err := NewTable(seed)
	if err != nil {
		// The seed is static; failing to compile it is a programming error.
		panic(err)
	}
	return t
}

// readObjects maps read-only operations to the object of their required
// read:<object> permission.
var readObjects = map[OperationType]identity.Permission{
	OpProcessList:    identity.PermReadProcesses,
	OpUserList:       identity.PermReadUsers,
	OpGroupList:      identity.PermReadGroups,
	OpCronList:       identity.PermReadCron,
	OpServiceStatus:  identity.PermReadServices,
	OpFirewallStatus: identity.PermReadFirewall,
}

// writeObjects maps write operations to their write-intent permission.
var writeObjects = map[OperationType]identity.Permission{
	OpUserAdd:        identity.PermWriteUsers,
	OpUserDelete:     identity.PermWriteUsers,
	OpUserModify:     identity.PermWriteUsers,
	OpUserPasswd:     identity.PermWriteUsers,
	OpGroupAdd:       identity.PermWriteGroups,
	OpGroupDelete:    identity.PermWriteGroups,
	OpGroupModify:    identity.PermWriteGroups,
	OpCronAdd:        identity.PermWriteCron,
	OpCronDelete:     identity.PermWriteCron,
	OpCronModify:     identity.PermWriteCron,
	OpServiceStop:    identity.PermWriteServices,
	OpFirewallModify: identity.PermWriteFirewall,
}

// ReadPermission resolves the read permission of a read-only operation.
func ReadPermission(op OperationType) (identity.Permission, bool) {
	p, ok := readObjects[op]
	return p, ok
}

// WritePermission resolves the write-intent permission of a write operation.
func WritePermission(op OperationType) (identity.Permission, bool) {
	p, ok := writeObjects[op]
	return p, ok
}

// IsReadOnly reports whether the operation is a read.
func IsReadOnly(op OperationType) bool {
	_, ok := readObjects[op]
	return ok
}
