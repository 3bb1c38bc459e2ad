package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, s := range []string{"Viewer", "viewer", "OPERATOR", "Approver", "admin"} {
		_, err := ParseRole(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseRole("superuser")
	assert.Error(t, err)
	_, err = ParseRole("System") // not assignable
	assert.Error(t, err)
	_, err = ParseRole("")
	assert.Error(t, err)
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleApprover))
	assert.True(t, RoleApprover.AtLeast(RoleOperator))
	assert.True(t, RoleOperator.AtLeast(RoleViewer))
	assert.True(t, RoleViewer.AtLeast(RoleViewer))
	assert.False(t, RoleViewer.AtLeast(RoleOperator))
	assert.False(t, RoleSystem.AtLeast(RoleViewer)) // unranked
}

// Each role's permission set must be a strict superset of the role below.
func TestPermissionSuperset(t *testing.T) {
	order := []Role{RoleViewer, RoleOperator, RoleApprover, RoleAdmin}
	for i := 1; i < len(order); i++ {
		lower := Permissions(order[i-1])
		higher := Permissions(order[i])
		require.Greater(t, len(higher), len(lower), "%s over %s", order[i], order[i-1])
		for p := range lower {
			assert.True(t, higher.Has(p), "%s missing %s held by %s", order[i], p, order[i-1])
		}
	}
}

func TestRoleBoundaries(t *testing.T) {
	viewer := Caller{ID: "v1", Username: "vera", Role: RoleViewer}
	operator := Caller{ID: "o1", Username: "omar", Role: RoleOperator}
	approver := Caller{ID: "a1", Username: "ada", Role: RoleApprover}
	admin := Caller{ID: "r1", Username: "rhea", Role: RoleAdmin}

	assert.True(t, viewer.Has(PermReadUsers))
	assert.False(t, viewer.Has(PermRequestApprove))

	assert.True(t, operator.Has(PermRequestApprove))
	assert.False(t, operator.Has(PermExecApproval))

	assert.True(t, approver.Has(PermExecApproval))
	assert.True(t, approver.Has(PermExecApproved))
	assert.False(t, approver.Has(PermExportHistory))

	assert.True(t, admin.Has(PermExportHistory))
}

func TestUnknownRoleDeniesEverything(t *testing.T) {
	ghost := Caller{ID: "g", Username: "ghost", Role: Role("Ghost")}
	assert.False(t, ghost.Has(PermReadProcesses))
	assert.Empty(t, Permissions("Ghost"))
}
