package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/identity"
)

func TestDefaults(t *testing.T) {
	table := Defaults()
	require.Len(t, table.All(), 12)

	ud, err := table.Lookup(OpUserDelete)
	require.NoError(t, err)
	assert.True(t, ud.ApprovalRequired)
	assert.Equal(t, RiskCritical, ud.RiskLevel)
	assert.Equal(t, 24*time.Hour, ud.Timeout())
	assert.True(t, ud.MayApprove(identity.RoleAdmin))
	assert.False(t, ud.MayApprove(identity.RoleApprover))

	ua, err := table.Lookup(OpUserAdd)
	require.NoError(t, err)
	assert.True(t, ua.MayApprove(identity.RoleApprover))
	assert.False(t, ua.MayApprove(identity.RoleOperator))

	for _, p := range table.All() {
		assert.True(t, p.ApprovalRequired, string(p.OperationType))
		assert.False(t, p.AutoExecute, string(p.OperationType))
	}
}

func TestLookup_MissingPolicy(t *testing.T) {
	_, err := Defaults().Lookup(OperationType("disk_format"))
	require.Error(t, err)
	assert.Equal(t, fault.PolicyMissing, fault.KindOf(err))
}

func TestNewTable_Validation(t *testing.T) {
	base := func() *Policy {
		return &Policy{
			OperationType:    OpUserAdd,
			ApprovalRequired: true,
			ApproverRoles:    []identity.Role{identity.RoleAdmin},
			ApprovalCount:    1,
			TimeoutHours:     24,
			RiskLevel:        RiskHigh,
		}
	}

	cases := []struct {
		why    string
		mutate func(*Policy)
	}{
		{"empty operation type", func(p *Policy) { p.OperationType = "" }},
		{"unknown risk level", func(p *Policy) { p.RiskLevel = "SEVERE" }},
		{"approval_count below range", func(p *Policy) { p.ApprovalCount = 0 }},
		{"approval_count above range", func(p *Policy) { p.ApprovalCount = 11 }},
		{"timeout below range", func(p *Policy) { p.TimeoutHours = 0 }},
		{"timeout above range", func(p *Policy) { p.TimeoutHours = 169 }},
		{"required without approvers", func(p *Policy) { p.ApproverRoles = nil }},
		{"unassignable approver role", func(p *Policy) { p.ApproverRoles = []identity.Role{identity.RoleSystem} }},
	}
	for _, tc := range cases {
		p := base()
		tc.mutate(p)
		_, err := NewTable([]*Policy{p})
		assert.Error(t, err, tc.why)
	}

	_, err := NewTable([]*Policy{base(), base()})
	assert.Error(t, err, "duplicate operation type")

	_, err = NewTable([]*Policy{base()})
	assert.NoError(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	doc := `policies:
  - operation_type: user_add
    description: Create a local user account
    approval_required: true
    approver_roles: [Approver, Admin]
    approval_count: 2
    timeout_hours: 8
    risk_level: HIGH
  - operation_type: service_stop
    description: Stop a system service
    approval_required: true
    approver_roles: [Admin]
    approval_count: 1
    timeout_hours: 4
    risk_level: CRITICAL
    condition: "hour >= 8 && hour < 18"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, table.All(), 2)

	ua, err := table.Lookup(OpUserAdd)
	require.NoError(t, err)
	assert.Equal(t, 2, ua.ApprovalCount)
	assert.Equal(t, 8*time.Hour, ua.Timeout())

	ss, err := table.Lookup(OpServiceStop)
	require.NoError(t, err)
	assert.NotEmpty(t, ss.Condition)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("policies: {not: a list}"), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}

func guardTable(t *testing.T, condition string) *Table {
	t.Helper()
	table, err := NewTable([]*Policy{{
		OperationType:    OpServiceStop,
		ApprovalRequired: true,
		ApproverRoles:    []identity.Role{identity.RoleAdmin},
		ApprovalCount:    1,
		TimeoutHours:     4,
		RiskLevel:        RiskCritical,
		Condition:        condition,
	}})
	require.NoError(t, err)
	return table
}

func TestGuards_Evaluate(t *testing.T) {
	caller := identity.Caller{ID: "u1", Username: "alice", Role: identity.RoleOperator}
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)

	t.Run("missing guard allows", func(t *testing.T) {
		table := guardTable(t, "")
		ok, err := table.Guards().Evaluate(OpServiceStop, caller, "nginx", noon)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("business hours window", func(t *testing.T) {
		table := guardTable(t, "hour >= 8 && hour < 18")
		ok, err := table.Guards().Evaluate(OpServiceStop, caller, "nginx", noon)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = table.Guards().Evaluate(OpServiceStop, caller, "nginx", midnight)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("caller and target variables", func(t *testing.T) {
		table := guardTable(t, `caller.role == "Operator" && target != "sshd"`)
		ok, err := table.Guards().Evaluate(OpServiceStop, caller, "nginx", noon)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = table.Guards().Evaluate(OpServiceStop, caller, "sshd", noon)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-boolean result denies", func(t *testing.T) {
		table := guardTable(t, `caller.username`)
		ok, err := table.Guards().Evaluate(OpServiceStop, caller, "nginx", noon)
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestCompileGuards_RejectsBadExpression(t *testing.T) {
	_, err := NewTable([]*Policy{{
		OperationType:    OpServiceStop,
		ApprovalRequired: true,
		ApproverRoles:    []identity.Role{identity.RoleAdmin},
		ApprovalCount:    1,
		TimeoutHours:     4,
		RiskLevel:        RiskCritical,
		Condition:        "hour >>> 8",
	}})
	assert.Error(t, err)
}

func TestPermissionMaps(t *testing.T) {
	assert.True(t, IsReadOnly(OpProcessList))
	assert.False(t, IsReadOnly(OpUserAdd))

	p, ok := ReadPermission(OpFirewallStatus)
	require.True(t, ok)
	assert.Equal(t, identity.PermReadFirewall, p)

	_, ok = ReadPermission(OpUserAdd)
	assert.False(t, ok)

	w, ok := WritePermission(OpCronModify)
	require.True(t, ok)
	assert.Equal(t, identity.PermWriteCron, w)

	_, ok = WritePermission(OpUserList)
	assert.False(t, ok)
}
