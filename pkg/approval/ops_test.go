package approval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/pkg/fault"
	"github.com/opsgate/opsgate/pkg/policy"
)

const testHash = "$2b$12$abcdefghijklmnopqrstuvABCDEFGHIJKLMNOPQRSTUV012345678"

func mustSpec(t *testing.T, ops *Ops, op policy.OperationType) *OpSpec {
	t.Helper()
	s, err := ops.Lookup(op)
	require.NoError(t, err)
	return s
}

func TestOps_CoversEveryOperation(t *testing.T) {
	ops := DefaultOps()
	all := []policy.OperationType{
		policy.OpUserAdd, policy.OpUserDelete, policy.OpUserModify, policy.OpUserPasswd,
		policy.OpGroupAdd, policy.OpGroupDelete, policy.OpGroupModify,
		policy.OpCronAdd, policy.OpCronDelete, policy.OpCronModify,
		policy.OpServiceStop, policy.OpFirewallModify,
		policy.OpProcessList, policy.OpUserList, policy.OpGroupList,
		policy.OpCronList, policy.OpServiceStatus, policy.OpFirewallStatus,
	}
	for _, op := range all {
		_, err := ops.Lookup(op)
		assert.NoError(t, err, string(op))
	}
	assert.Len(t, ops.Types(), len(all))

	_, err := ops.Lookup(policy.OperationType("disk_format"))
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestUserAdd_ValidateAndCompile(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpUserAdd)

	payload, _ := json.Marshal(map[string]any{
		"username":      "deploy",
		"groups":        []string{"developers"},
		"shell":         "/bin/bash",
		"password_hash": testHash,
	})
	obj, err := spec.Validate(payload)
	require.NoError(t, err)

	id, argv, stdin := spec.Compile(obj)
	assert.Equal(t, "user_add", id)
	assert.Equal(t, []string{
		"--username=deploy",
		"--groups=developers",
		"--shell=/bin/bash",
		"--home=/home/deploy",
	}, argv)
	// The hash rides stdin, never the argument vector.
	assert.Equal(t, testHash, string(stdin))
	for _, a := range argv {
		assert.NotContains(t, a, "$2b$")
	}
	assert.Equal(t, "deploy", spec.Target(obj))
}

func TestUserAdd_Rejections(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpUserAdd)

	base := func() map[string]any {
		return map[string]any{
			"username":      "deploy",
			"groups":        []string{"developers"},
			"shell":         "/bin/bash",
			"password_hash": testHash,
		}
	}
	cases := []struct {
		why    string
		mutate func(map[string]any)
	}{
		{"missing required field", func(p map[string]any) { delete(p, "password_hash") }},
		{"unknown field", func(p map[string]any) { p["sudo"] = true }},
		{"plaintext instead of hash", func(p map[string]any) { p["password_hash"] = "hunter2hunter2" }},
		{"uppercase username", func(p map[string]any) { p["username"] = "Deploy" }},
		{"reserved username", func(p map[string]any) { p["username"] = "root" }},
		{"reserved group", func(p map[string]any) { p["groups"] = []string{"wheel"} }},
		{"shell off allowlist", func(p map[string]any) { p["shell"] = "/bin/evil" }},
		{"home outside convention", func(p map[string]any) { p["home"] = "/home/other" }},
	}
	for _, tc := range cases {
		p := base()
		tc.mutate(p)
		raw, _ := json.Marshal(p)
		_, err := spec.Validate(raw)
		require.Error(t, err, tc.why)
		assert.Equal(t, fault.Validation, fault.KindOf(err), tc.why)
	}

	_, err := spec.Validate(json.RawMessage(`not json`))
	assert.Error(t, err)
	_, err = spec.Validate(json.RawMessage(`[1,2,3]`))
	assert.Error(t, err)
}

func TestUserDelete_RemoveHomeFlag(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpUserDelete)

	obj, err := spec.Validate(json.RawMessage(`{"username":"deploy","remove_home":true}`))
	require.NoError(t, err)
	_, argv, stdin := spec.Compile(obj)
	assert.Equal(t, []string{"--username=deploy", "--remove-home"}, argv)
	assert.Nil(t, stdin)

	obj, err = spec.Validate(json.RawMessage(`{"username":"deploy"}`))
	require.NoError(t, err)
	_, argv, _ = spec.Compile(obj)
	assert.Equal(t, []string{"--username=deploy"}, argv)

	_, err = spec.Validate(json.RawMessage(`{"username":"root"}`))
	assert.Error(t, err, "reserved account")
}

func TestUserModify_RequiresAChange(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpUserModify)

	_, err := spec.Validate(json.RawMessage(`{"username":"deploy"}`))
	require.Error(t, err)

	obj, err := spec.Validate(json.RawMessage(`{"username":"deploy","shell":"/bin/zsh"}`))
	require.NoError(t, err)
	_, argv, _ := spec.Compile(obj)
	assert.Equal(t, []string{"--username=deploy", "--shell=/bin/zsh"}, argv)
}

func TestGroupModify_RequiresMembershipChange(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpGroupModify)

	_, err := spec.Validate(json.RawMessage(`{"group":"developers"}`))
	require.Error(t, err)

	obj, err := spec.Validate(json.RawMessage(`{"group":"developers","add_user":"deploy"}`))
	require.NoError(t, err)
	_, argv, _ := spec.Compile(obj)
	assert.Equal(t, []string{"--group=developers", "--add-user=deploy"}, argv)
}

func TestGroupAdd_UserCollision(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpGroupAdd)

	// sshd exists as a reserved account name, so a group of the same name
	// is rejected.
	_, err := spec.Validate(json.RawMessage(`{"group":"sshd"}`))
	assert.Error(t, err)

	_, err = spec.Validate(json.RawMessage(`{"group":"developers"}`))
	assert.NoError(t, err)
}

func TestCronAdd_ValidateAndCompile(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpCronAdd)

	obj, err := spec.Validate(json.RawMessage(
		`{"user":"deploy","schedule":"0 2 * * *","command":"/usr/local/bin/backup"}`))
	require.NoError(t, err)
	_, argv, _ := spec.Compile(obj)
	assert.Equal(t, []string{
		"--user=deploy", "--schedule=0 2 * * *", "--command=/usr/local/bin/backup",
	}, argv)

	cases := []struct{ payload, why string }{
		{`{"user":"deploy","schedule":"* * * * *","command":"/usr/local/bin/backup"}`, "below five-minute floor"},
		{`{"user":"deploy","schedule":"0 2 * * *","command":"backup.sh"}`, "relative command"},
		{`{"user":"deploy","schedule":"0 2 * * *","command":"/usr/local/bin/backup --all"}`, "command with arguments"},
		{`{"user":"deploy","schedule":"0 2 * * *","command":"/usr/local/bin/a;b"}`, "forbidden char in command"},
		{`{"user":"deploy","schedule":"61 2 * * *","command":"/usr/local/bin/backup"}`, "minute out of range"},
	}
	for _, tc := range cases {
		_, err := spec.Validate(json.RawMessage(tc.payload))
		assert.Error(t, err, tc.why)
	}
}

func TestFirewallModify_ValidateAndCompile(t *testing.T) {
	spec := mustSpec(t, DefaultOps(), policy.OpFirewallModify)

	obj, err := spec.Validate(json.RawMessage(
		`{"action":"allow","port":8443,"proto":"tcp","source":"10.0.0.0/8"}`))
	require.NoError(t, err)
	_, argv, _ := spec.Compile(obj)
	assert.Equal(t, []string{
		"--action=allow", "--port=8443", "--proto=tcp", "--source=10.0.0.0/8",
	}, argv)
	assert.Equal(t, "tcp/8443", spec.Target(obj))

	_, err = spec.Validate(json.RawMessage(`{"action":"flush","port":80,"proto":"tcp"}`))
	assert.Error(t, err, "action outside enum")
	_, err = spec.Validate(json.RawMessage(`{"action":"allow","port":0,"proto":"tcp"}`))
	assert.Error(t, err, "port below range")
	_, err = spec.Validate(json.RawMessage(`{"action":"allow","port":80,"proto":"tcp","source":"$(x)"}`))
	assert.Error(t, err, "forbidden chars in source")
}

func TestReadOnlyOps_EmptyPayloads(t *testing.T) {
	ops := DefaultOps()
	for _, op := range []policy.OperationType{
		policy.OpProcessList, policy.OpUserList, policy.OpGroupList, policy.OpFirewallStatus,
	} {
		spec := mustSpec(t, ops, op)
		obj, err := spec.Validate(json.RawMessage(`{}`))
		require.NoError(t, err, string(op))
		_, argv, stdin := spec.Compile(obj)
		assert.Empty(t, argv)
		assert.Nil(t, stdin)
	}

	spec := mustSpec(t, ops, policy.OpCronList)
	_, err := spec.Validate(json.RawMessage(`{}`))
	assert.Error(t, err, "cron_list requires a user")
	obj, err := spec.Validate(json.RawMessage(`{"user":"deploy"}`))
	require.NoError(t, err)
	_, argv, _ := spec.Compile(obj)
	assert.Equal(t, []string{"--user=deploy"}, argv)
}
